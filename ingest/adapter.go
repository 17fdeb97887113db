package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Registry describes one external facility registry: how to query a page of
// it, where its items live, and how one raw item becomes a Record.
type Registry struct {
	Name      string   // persisted source id
	Type      string   // facility type written to every record
	Aliases   []string // selectors accepted by the orchestrator; the first is the short name
	Fields    FieldMap
	ItemPaths []string

	// SecretParams are query parameters that carry the credential.
	SecretParams []string
	// RegionScoped registries are paginated once per configured region pair.
	RegionScoped bool

	Query     func(cfg SourceConfig, region *RegionPair, page int) url.Values
	Envelope  func(doc any) error
	Normalize func(r fieldReader, region *RegionPair) (*Record, string)
}

// Short returns the registry's short selector name.
func (r Registry) Short() string {
	if len(r.Aliases) > 0 {
		return r.Aliases[0]
	}
	return r.Name
}

// Registries lists every registry the pipeline knows about, in run order.
func Registries() []Registry {
	return []Registry{ChildcarePortal(), ChildSchoolInfo()}
}

// RecordReconciler persists one normalized record.
type RecordReconciler interface {
	Reconcile(ctx context.Context, rec *Record) (Outcome, error)
}

// Result carries per-run counters. On failure the counters reached so far are
// still returned alongside the error.
type Result struct {
	Fetched  int `json:"fetched"`
	Upserted int `json:"upserted"`
	Changed  int `json:"changed"`
	Skipped  int `json:"skipped"`
	Pages    int `json:"pages"`
}

// Adapter drives pagination for one registry and hands every item to the
// reconciler.
type Adapter struct {
	reg        Registry
	cfg        SourceConfig
	fields     FieldMap
	itemPaths  []string
	fetcher    *pageFetcher
	reconciler RecordReconciler
	log        zerolog.Logger
	metrics    *Metrics
}

func NewAdapter(reg Registry, cfg SourceConfig, rec RecordReconciler, log zerolog.Logger, m *Metrics) *Adapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	paths := reg.ItemPaths
	if len(cfg.ItemPaths) > 0 {
		paths = cfg.ItemPaths
	}
	log = log.With().Str("source", reg.Name).Logger()
	return &Adapter{
		reg:        reg,
		cfg:        cfg,
		fields:     reg.Fields.Merge(cfg.FieldMap),
		itemPaths:  paths,
		fetcher:    newPageFetcher(reg.Name, cfg, reg.SecretParams, log, m),
		reconciler: rec,
		log:        log,
		metrics:    m,
	}
}

func (a *Adapter) Name() string { return a.reg.Name }
func (a *Adapter) Registry() Registry { return a.reg }
func (a *Adapter) Enabled() bool { return a.cfg.IsEnabled() }
func (a *Adapter) Config() SourceConfig { return a.cfg }

// Validate checks the configuration without touching the network.
func (a *Adapter) Validate() error {
	if strings.TrimSpace(a.cfg.Endpoint) == "" {
		return &ConfigError{Source: a.reg.Name, Field: "endpoint", Message: "not configured"}
	}
	if _, err := url.ParseRequestURI(a.cfg.Endpoint); err != nil {
		return &ConfigError{Source: a.reg.Name, Field: "endpoint", Message: err.Error()}
	}
	if strings.TrimSpace(a.cfg.Credential) == "" {
		return &ConfigError{Source: a.reg.Name, Field: "credential", Message: "not configured"}
	}
	if a.reg.RegionScoped && len(a.cfg.RegionPairs) == 0 {
		return &ConfigError{Source: a.reg.Name, Field: "region_pairs", Message: "at least one sido:sgg pair is required"}
	}
	return nil
}

// Run pages through the registry until it runs dry. Items are reconciled in
// page order; the first fetch, schema or persistence failure aborts the run.
func (a *Adapter) Run(ctx context.Context) (Result, error) {
	var res Result
	if err := a.Validate(); err != nil {
		return res, err
	}
	regions := []*RegionPair{nil}
	if a.reg.RegionScoped {
		regions = regions[:0]
		for i := range a.cfg.RegionPairs {
			regions = append(regions, &a.cfg.RegionPairs[i])
		}
	}
	for _, region := range regions {
		if err := a.paginate(ctx, region, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (a *Adapter) paginate(ctx context.Context, region *RegionPair, res *Result) error {
	log := a.log
	if region != nil {
		log = log.With().Stringer("region", region).Logger()
	}
	for page := 1; ; page++ {
		if a.cfg.MaxPages > 0 && page > a.cfg.MaxPages {
			log.Warn().Int("max_pages", a.cfg.MaxPages).Msg("page limit reached")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := a.fetchPage(ctx, region, page)
		if err != nil {
			return err
		}
		res.Pages++
		log.Debug().Int("page", page).Int("items", len(items)).Msg("page fetched")
		if len(items) == 0 {
			return nil
		}
		for _, item := range items {
			if err := ctx.Err(); err != nil {
				return err
			}
			var (
				rec    *Record
				reason = "not an object"
			)
			if item != nil {
				rec, reason = a.reg.Normalize(fieldReader{fields: a.fields, item: item}, region)
			}
			if rec == nil {
				res.Skipped++
				a.metrics.itemSkipped(a.reg.Name)
				log.Debug().Int("page", page).Str("reason", reason).Msg("item skipped")
				continue
			}
			rec.Source = a.reg.Name
			rec.Type = a.reg.Type
			rec.Payload = item
			if err := rec.seal(); err != nil {
				return &SchemaError{Source: a.reg.Name, Page: page, Message: "digest", Err: err}
			}
			res.Fetched++
			a.metrics.itemFetched(a.reg.Name)
			out, err := a.reconciler.Reconcile(ctx, rec)
			if err != nil {
				return fmt.Errorf("%s %s: %w", a.reg.Name, rec.SourceFacilityID, err)
			}
			res.Upserted += out.Upserted
			res.Changed += out.Changed
		}
		if len(items) < a.cfg.PageSize {
			return nil
		}
	}
}

func (a *Adapter) fetchPage(ctx context.Context, region *RegionPair, page int) ([]map[string]any, error) {
	doc, err := a.fetcher.fetch(ctx, a.cfg.Endpoint, a.reg.Query(a.cfg, region, page))
	if err != nil {
		var se *SchemaError
		if errors.As(err, &se) {
			se.Page = page
		}
		return nil, err
	}
	if a.reg.Envelope != nil {
		if err := a.reg.Envelope(doc); err != nil {
			return nil, &FetchError{Source: a.reg.Name, URL: a.fetcher.scrub.text(a.cfg.Endpoint), Body: err.Error()}
		}
	}
	items, path, err := locateItems(doc, a.itemPaths)
	if err != nil {
		return nil, &SchemaError{Source: a.reg.Name, Page: page, Message: "locate items", Err: err}
	}
	if path != "" {
		a.log.Trace().Str("item_path", path).Int("page", page).Msg("items located")
	}
	return items, nil
}
