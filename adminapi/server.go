// Package adminapi exposes the operator trigger for ingestion runs together
// with health and metrics endpoints.
package adminapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"facility-ingest/ingest"
)

// SecretHeader carries the shared ingest secret.
const SecretHeader = "X-Ingest-Secret"

// Runner is the part of the orchestrator the API drives.
type Runner interface {
	Run(ctx context.Context, selector, trigger string) (ingest.Report, error)
}

type Config struct {
	Secret string
	Logger zerolog.Logger
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Health probes the database; nil always reports healthy.
	Health func(context.Context) error
}

type Server struct {
	runner Runner
	cfg    Config
	router *mux.Router
}

func New(runner Runner, cfg Config) *Server {
	s := &Server{runner: runner, cfg: cfg, router: mux.NewRouter()}
	s.router.Use(recovery(cfg.Logger), requestLogger(cfg.Logger))
	s.router.HandleFunc("/api/admin/ingest", s.handleIngest).Methods(http.MethodPost).Name("Ingest")
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet).Name("Health")
	if cfg.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet).Name("Metrics")
	}
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fail(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "Method not allowed.", r.Method+" is not supported for "+r.URL.Path)
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.cfg.Logger.Info().Str("addr", addr).Msg("admin api listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorized(r *http.Request) bool {
	got := r.Header.Get(SecretHeader)
	if s.cfg.Secret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) == 1
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())
	if !s.authorized(r) {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("ingest secret rejected")
		fail(w, http.StatusUnauthorized, CodeUnauthorized, "Invalid ingest secret.", nil)
		return
	}

	selector := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("source")))
	if selector == "" {
		selector = ingest.SelectAll
	}

	// A dropped client connection must not abort a run that is halfway
	// through a registry.
	ctx := context.WithoutCancel(r.Context())
	report, err := s.runner.Run(ctx, selector, ingest.TriggerHTTP)
	if errors.Is(err, ingest.ErrUnknownSource) {
		fail(w, http.StatusBadRequest, CodeBadRequest, "source must be childcare|kindergarten|all", nil)
		return
	}

	var data any = report
	if selector != ingest.SelectAll && len(report) == 1 {
		for _, rep := range report {
			data = rep
		}
	}
	if err != nil {
		log.Error().Err(err).Str("source", selector).Msg("ingest failed")
		var details any = err.Error()
		if selector == ingest.SelectAll {
			details = report
		}
		fail(w, http.StatusInternalServerError, CodeInternal, "Ingest failed.", details)
		return
	}
	ok(w, data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			fail(w, http.StatusServiceUnavailable, CodeUnavailable, "Database unavailable.", err.Error())
			return
		}
	}
	ok(w, map[string]string{"status": "ok"})
}
