package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	TriggerCLI  = "cli"
	TriggerHTTP = "http"
	TriggerLoop = "loop"
)

// SelectAll runs every enabled source.
const SelectAll = "all"

// Source is one runnable registry adapter.
type Source interface {
	Registry() Registry
	Enabled() bool
	Run(ctx context.Context) (Result, error)
}

// SourceReport is the per-source outcome of one invocation.
type SourceReport struct {
	Source     string    `json:"source"`
	RunKey     string    `json:"run_key,omitempty"`
	Status     string    `json:"status"`
	Fetched    int       `json:"fetched"`
	Upserted   int       `json:"upserted"`
	Changed    int       `json:"changed"`
	Skipped    int       `json:"skipped"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Report maps a source's short name to its outcome.
type Report map[string]SourceReport

type Options struct {
	Logger   zerolog.Logger
	Metrics  *Metrics
	Reporter RunReporter
}

// Orchestrator opens a run per selected source, drives its adapter and closes
// the run with the final counters. Sources are independent: one failing never
// stops another.
type Orchestrator struct {
	sources  []Source
	tracker  *RunTracker
	reporter RunReporter
	metrics  *Metrics
	log      zerolog.Logger
	cfg      RunConfig
}

// NewOrchestrator wires every known registry against db using cfg.
func NewOrchestrator(db *gorm.DB, cfg *FileConfig, opts Options) *Orchestrator {
	rec := NewReconciler(db, opts.Logger, opts.Metrics)
	regs := Registries()
	sources := make([]Source, 0, len(regs))
	for _, reg := range regs {
		sources = append(sources, NewAdapter(reg, cfg.Sources.For(reg.Name), rec, opts.Logger, opts.Metrics))
	}
	return NewOrchestratorWith(sources, NewRunTracker(db), cfg.Run, opts)
}

func NewOrchestratorWith(sources []Source, tracker *RunTracker, cfg RunConfig, opts Options) *Orchestrator {
	return &Orchestrator{
		sources:  sources,
		tracker:  tracker,
		reporter: opts.Reporter,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		cfg:      cfg,
	}
}

// Resolve maps a selector to sources. "all" (or empty) yields the enabled
// sources; naming a source selects it even when it is disabled.
func (o *Orchestrator) Resolve(selector string) ([]Source, error) {
	sel := strings.ToLower(strings.TrimSpace(selector))
	if sel == "" || sel == SelectAll {
		out := make([]Source, 0, len(o.sources))
		for _, s := range o.sources {
			if s.Enabled() {
				out = append(out, s)
			}
		}
		return out, nil
	}
	for _, s := range o.sources {
		for _, alias := range s.Registry().Aliases {
			if alias == sel {
				return []Source{s}, nil
			}
		}
		if s.Registry().Name == sel {
			return []Source{s}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, selector)
}

// Run executes the selected sources and returns a report entry for each. The
// error joins every per-source failure.
func (o *Orchestrator) Run(ctx context.Context, selector, trigger string) (Report, error) {
	sources, err := o.Resolve(selector)
	if err != nil {
		return nil, err
	}
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	if n, err := o.tracker.ReapStale(ctx, o.cfg.StaleAfter); err != nil {
		o.log.Warn().Err(err).Msg("reap stale runs")
	} else if n > 0 {
		o.log.Warn().Int64("runs", n).Dur("stale_after", o.cfg.StaleAfter).Msg("closed abandoned runs")
	}

	var (
		mu     sync.Mutex
		errs   []error
		report = make(Report, len(sources))
		g      errgroup.Group
	)
	limit := o.cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			rep, err := o.runSource(ctx, src, trigger)
			mu.Lock()
			defer mu.Unlock()
			report[src.Registry().Short()] = rep
			if err != nil {
				errs = append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return report, errors.Join(errs...)
}

func (o *Orchestrator) runSource(ctx context.Context, src Source, trigger string) (SourceReport, error) {
	reg := src.Registry()
	log := o.log.With().Str("source", reg.Name).Str("trigger", trigger).Logger()
	rep := SourceReport{Source: reg.Name, Status: RunFailed, StartedAt: time.Now().UTC()}

	run, err := o.tracker.Open(ctx, reg.Name, trigger)
	if err != nil {
		rep.Error = err.Error()
		rep.FinishedAt = time.Now().UTC()
		log.Error().Err(err).Msg("open run")
		return rep, err
	}
	rep.RunKey = run.RunKey
	rep.StartedAt = run.StartedAt
	log = log.With().Str("run_key", run.RunKey).Logger()
	log.Info().Msg("run started")

	res, runErr := runGuarded(ctx, src)

	// The run row must be closed even when ctx was cancelled mid-run.
	closed, closeErr := o.tracker.Close(context.WithoutCancel(ctx), run.ID, res, runErr)
	if closeErr != nil {
		log.Error().Err(closeErr).Msg("close run")
	}

	rep.Fetched = res.Fetched
	rep.Upserted = res.Upserted
	rep.Changed = res.Changed
	rep.Skipped = res.Skipped
	rep.FinishedAt = time.Now().UTC()
	if closed != nil && closed.FinishedAt != nil {
		rep.FinishedAt = *closed.FinishedAt
	}
	if runErr == nil {
		rep.Status = RunSuccess
	} else {
		rep.Error = runErr.Error()
	}
	o.metrics.runClosed(reg.Name, rep.Status, rep.FinishedAt.Sub(rep.StartedAt))

	ev := log.Info()
	if runErr != nil {
		ev = log.Error().Err(runErr)
	}
	ev.Str("status", rep.Status).
		Int("fetched", res.Fetched).
		Int("upserted", res.Upserted).
		Int("changed", res.Changed).
		Int("skipped", res.Skipped).
		Int("pages", res.Pages).
		Dur("elapsed", rep.FinishedAt.Sub(rep.StartedAt)).
		Msg("run finished")

	if o.reporter != nil {
		err := o.reporter.ReportRun(context.WithoutCancel(ctx), RunSummary{
			Source:     reg.Name,
			RunKey:     run.RunKey,
			Trigger:    trigger,
			Status:     rep.Status,
			Result:     res,
			Error:      rep.Error,
			StartedAt:  rep.StartedAt,
			FinishedAt: rep.FinishedAt,
		})
		if err != nil {
			log.Warn().Err(err).Msg("report run")
		}
	}
	return rep, errors.Join(runErr, closeErr)
}

// runGuarded turns an adapter panic into a failed run instead of a crashed
// process.
func runGuarded(ctx context.Context, src Source) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", src.Registry().Name, r)
		}
	}()
	return src.Run(ctx)
}
