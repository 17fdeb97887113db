package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	maxBodyBytes  = 64 << 20
	errorBodySize = 1024
)

func newHTTPClient(timeout time.Duration) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: tr}
}

// pageFetcher issues uncached GETs against one registry and decodes the body
// into a loose document.
type pageFetcher struct {
	source    string
	client    *retryablehttp.Client
	limiter   *rate.Limiter
	timeout   time.Duration
	userAgent string
	scrub     *scrubber
	metrics   *Metrics
}

func newPageFetcher(source string, cfg SourceConfig, secretParams []string, log zerolog.Logger, m *Metrics) *pageFetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	sc := &scrubber{params: secretParams, secrets: []string{cfg.Credential}}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = newHTTPClient(timeout)
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = leveledLogger{log: log, scrub: sc}
	// Hand the last response back instead of a generic "giving up" error so
	// the status and body end up on the FetchError.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &pageFetcher{
		source:    source,
		client:    rc,
		limiter:   rate.NewLimiter(limit, burst),
		timeout:   timeout,
		userAgent: cfg.UserAgent,
		scrub:     sc,
		metrics:   m,
	}
}

func (f *pageFetcher) fetch(ctx context.Context, endpoint string, params url.Values) (any, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, &ConfigError{Source: f.source, Field: "endpoint", Message: err.Error()}
	}
	q := u.Query()
	for k, vs := range params {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	shown := f.scrub.url(u)

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Source: f.source, URL: shown, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Source: f.source, URL: shown, Err: err}
	}
	req.Header.Set("Accept", "application/json, application/xml;q=0.9, */*;q=0.5")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	// With the passthrough handler an exhausted retry still carries the last
	// response, so the status is checked before err.
	resp, err := f.client.Do(req)
	f.metrics.observeFetch(f.source, time.Since(start), err == nil && resp != nil && resp.StatusCode/100 == 2)
	if resp == nil {
		if err == nil {
			err = errors.New("no response")
		}
		return nil, &FetchError{Source: f.source, URL: shown, Err: scrubbedError{err: err, msg: f.scrub.text(err.Error())}}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodySize))
		return nil, &FetchError{
			Source:     f.source,
			URL:        shown,
			StatusCode: resp.StatusCode,
			Body:       f.scrub.text(strings.TrimSpace(string(b))),
		}
	}

	if err != nil {
		return nil, &FetchError{Source: f.source, URL: shown, Err: scrubbedError{err: err, msg: f.scrub.text(err.Error())}}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &FetchError{Source: f.source, URL: shown, Err: err}
	}
	if len(body) > maxBodyBytes {
		return nil, &FetchError{Source: f.source, URL: shown, Body: fmt.Sprintf("response exceeds %d bytes", maxBodyBytes)}
	}
	doc, err := decodeDocument(body)
	if err != nil {
		return nil, &SchemaError{Source: f.source, Message: "undecodable body", Err: err}
	}
	return doc, nil
}

// scrubbedError hides credentials in the message but keeps the chain, so
// context.DeadlineExceeded and friends still match with errors.Is.
type scrubbedError struct {
	err error
	msg string
}

func (e scrubbedError) Error() string { return e.msg }
func (e scrubbedError) Unwrap() error { return e.err }

// scrubber keeps registry credentials out of logs, errors and run rows.
type scrubber struct {
	params  []string
	secrets []string
}

func (s *scrubber) url(u *url.URL) string {
	c := *u
	q := c.Query()
	for _, p := range s.params {
		if q.Has(p) {
			q.Set(p, "REDACTED")
		}
	}
	c.RawQuery = q.Encode()
	return c.String()
}

func (s *scrubber) text(in string) string {
	for _, secret := range s.secrets {
		if secret == "" {
			continue
		}
		in = strings.ReplaceAll(in, secret, "REDACTED")
		if esc := url.QueryEscape(secret); esc != secret {
			in = strings.ReplaceAll(in, esc, "REDACTED")
		}
	}
	return in
}

// leveledLogger routes retryablehttp's logging through zerolog.
type leveledLogger struct {
	log   zerolog.Logger
	scrub *scrubber
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.emit(l.log.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{}) { l.emit(l.log.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{}) { l.emit(l.log.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.emit(l.log.Debug(), msg, kv) }

func (l leveledLogger) emit(ev *zerolog.Event, msg string, kv []interface{}) {
	if ev == nil {
		return
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprint(kv[i])
		ev = ev.Str(key, l.scrub.text(fmt.Sprint(kv[i+1])))
	}
	ev.Msg(msg)
}
