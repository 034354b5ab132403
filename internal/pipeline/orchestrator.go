// Package pipeline sequences the extract, clean, model, validate, analyze
// and export stages of one vertical run and records its history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/clean"
	"github.com/sells-group/starschema-etl/internal/config"
	"github.com/sells-group/starschema-etl/internal/export"
	"github.com/sells-group/starschema-etl/internal/extract"
	"github.com/sells-group/starschema-etl/internal/fetcher"
	"github.com/sells-group/starschema-etl/internal/kpi"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/quality"
	"github.com/sells-group/starschema-etl/internal/resilience"
	"github.com/sells-group/starschema-etl/internal/star"
	"github.com/sells-group/starschema-etl/internal/store"
	"github.com/sells-group/starschema-etl/internal/vertical"
	"github.com/sells-group/starschema-etl/internal/warehouse"
)

// WarehouseLoader loads a modeled star schema into an external warehouse.
type WarehouseLoader interface {
	Load(ctx context.Context, cfg star.Config, res *star.Result) (*warehouse.LoadResult, error)
}

// Options are the per-invocation settings of a run.
type Options struct {
	Mode model.Mode
	// Fresh discards stored pages for the run's checkpoint scope first.
	Fresh bool
	// Workers overrides extract.workers when positive.
	Workers int
	// TargetRows overrides the mode's target when positive.
	TargetRows int
}

// Result is what a run produced. Fields are nil for stages that never ran.
type Result struct {
	Run       *model.PipelineRun
	Window    vertical.Window
	Scope     string
	Extract   *extract.Result
	Model     *star.Result
	Quality   *quality.Report
	KPI       *kpi.Report
	Manifest  *export.Manifest
	Warehouse *warehouse.LoadResult
}

// Orchestrator runs verticals end to end.
type Orchestrator struct {
	cfg       *config.Config
	store     store.Store
	exporter  *export.Exporter
	fetcher   fetcher.Fetcher
	retry     *resilience.RetryConfig
	warehouse WarehouseLoader
	now       func() time.Time
	newID     func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithFetcher replaces the per-run HTTP fetcher.
func WithFetcher(f fetcher.Fetcher) Option {
	return func(o *Orchestrator) { o.fetcher = f }
}

// WithRetry replaces the backoff built from extract.retry.
func WithRetry(r resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.retry = &r }
}

// WithWarehouse loads every successful run into l after export.
func WithWarehouse(l WarehouseLoader) Option {
	return func(o *Orchestrator) { o.warehouse = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithRunIDs sets the run id generator.
func WithRunIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// New creates an Orchestrator.
func New(cfg *config.Config, st store.Store, exp *export.Exporter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		store:    st,
		exporter: exp,
		now:      time.Now,
		newID:    store.NewRunID,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CheckpointScope pins stored pages to a vertical, mode and request window.
func CheckpointScope(name string, mode model.Mode, w vertical.Window) string {
	return fmt.Sprintf("%s/%s/%016x", name, mode, xxhash.Sum64String(w.String()))
}

// Policy converts the quality config section.
func Policy(c config.QualityConfig) quality.Policy {
	return quality.Policy{
		AcceptanceThreshold: c.AcceptanceThreshold,
		FatalFloor:          c.FatalFloor,
		Restatement:         c.RestatementPolicy,
	}
}

// run carries the intermediate outputs between stages.
type run struct {
	v        *vertical.Vertical
	opts     Options
	res      *Result
	log      *zap.Logger
	discards []model.Discard
	records  []model.CleanedRecord
	dups     []model.Duplicate
}

// Run executes every stage for v. On failure the run is recorded as
// Failed, whatever artifacts exist are written under partial/, and the
// error is returned with the partial Result.
func (o *Orchestrator) Run(ctx context.Context, v *vertical.Vertical, opts Options) (*Result, error) {
	if opts.Mode == "" {
		opts.Mode = model.ModeFull
	}
	if _, err := model.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	pr := model.NewPipelineRun(o.newID(), v.Name, opts.Mode, now)
	pr.ArtifactDir = o.exporter.RunDir(v.Name, pr.ID)
	r := &run{
		v:    v,
		opts: opts,
		res:  &Result{Run: pr, Window: v.WindowFor(opts.Mode, now)},
		log: zap.L().With(
			zap.String("component", "pipeline"),
			zap.String("vertical", v.Name),
			zap.String("run_id", pr.ID),
			zap.String("mode", string(opts.Mode)),
		),
	}
	r.res.Scope = CheckpointScope(v.Name, opts.Mode, r.res.Window)

	if err := o.store.SaveRun(ctx, pr); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	r.log.Info("pipeline: run started", zap.String("window", r.res.Window.String()))

	stages := []struct {
		status model.RunStatus
		fn     func(context.Context, *run) error
	}{
		{model.RunStatusExtracting, o.runExtract},
		{model.RunStatusCleaning, o.runClean},
		{model.RunStatusModeling, o.runModel},
		{model.RunStatusValidating, o.runValidate},
		{model.RunStatusAnalyzing, o.runAnalyze},
		{model.RunStatusExporting, o.runExport},
	}
	for _, s := range stages {
		if err := o.stage(ctx, r, s.status, s.fn); err != nil {
			return r.res, o.fail(ctx, r, err)
		}
	}

	if err := pr.Enter(model.RunStatusDone, o.now().UTC()); err != nil {
		return r.res, o.fail(ctx, r, err)
	}
	if err := o.store.SaveRun(ctx, pr); err != nil {
		return r.res, eris.Wrap(err, "pipeline: save finished run")
	}
	r.log.Info("pipeline: run finished",
		zap.Float64("overall_score", deref(pr.OverallGateScore)),
		zap.Bool("accepted", pr.Accepted),
		zap.Int("facts", pr.RowCounts.Facts),
		zap.String("artifacts", pr.ArtifactDir),
	)
	return r.res, nil
}

// stage enters status, persists the transition, and runs fn. Cancellation
// is only observed between stages.
func (o *Orchestrator) stage(ctx context.Context, r *run, status model.RunStatus, fn func(context.Context, *run) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("pipeline: cancelled before %s: %w", status, err)
	}
	pr := r.res.Run
	if err := pr.Enter(status, o.now().UTC()); err != nil {
		return err
	}
	if err := o.store.SaveRun(ctx, pr); err != nil {
		return eris.Wrapf(err, "pipeline: save run entering %s", status)
	}

	start := time.Now()
	err := fn(ctx, r)
	log := r.log.With(zap.String("stage", string(status)), zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		log.Error("pipeline: stage failed", zap.Error(err))
		return err
	}
	log.Info("pipeline: stage complete")
	return nil
}

func (o *Orchestrator) runExtract(ctx context.Context, r *run) error {
	v, pr := r.v, r.res.Run
	ec := o.cfg.Extract

	if r.opts.Fresh {
		n, err := o.store.ClearPages(ctx, r.res.Scope)
		if err != nil {
			return err
		}
		r.log.Info("pipeline: cleared checkpoint", zap.String("scope", r.res.Scope), zap.Int("pages", n))
	}

	src := v.Source
	if src.PageSize == 0 {
		src.PageSize = ec.PageSize
	}
	maxErrors := src.MaxErrors
	if maxErrors == 0 {
		maxErrors = ec.MaxErrors
	}
	workers := r.opts.Workers
	if workers <= 0 {
		workers = ec.Workers
	}
	ms := v.Mode(r.opts.Mode)
	target := ms.TargetRows
	if r.opts.TargetRows > 0 {
		target = r.opts.TargetRows
	}

	vars := r.res.Window.Vars()
	vars["api_key"] = ec.APIKey

	retry := resilience.FromConfig(ec.Retry)
	if o.retry != nil {
		retry = *o.retry
	}
	ex := extract.New(src, o.fetcherFor(src), retry, o.store)
	res, err := ex.Extract(ctx, extract.Options{
		Scope:         r.res.Scope,
		TargetRows:    target,
		Workers:       workers,
		MaxErrors:     maxErrors,
		MaxPartitions: ms.MaxPartitions,
		Vars:          vars,
	})
	r.res.Extract = res
	if res != nil {
		pr.RowCounts.Extracted = len(res.Records)
		pr.RowCounts.ExtractErrors = res.Errors
		pr.RowCounts.PagesFetched = res.PagesFetched
		pr.RowCounts.PagesReplayed = res.PagesReplayed
		if len(res.PartitionErrors) > 0 {
			pr.PartitionErrors = make(map[string]string, len(res.PartitionErrors))
			for id, msg := range res.PartitionErrors {
				pr.PartitionErrors[id] = msg
			}
			r.log.Warn("pipeline: partitions ended early", zap.Int("partitions", len(res.PartitionErrors)))
		}
	}
	return err
}

func (o *Orchestrator) fetcherFor(src extract.SourceConfig) fetcher.Fetcher {
	if o.fetcher != nil {
		return o.fetcher
	}
	ec := o.cfg.Extract
	delay := src.DelayMs
	if delay == 0 {
		delay = ec.DelayMs
	}
	ua := src.UserAgent
	if ua == "" {
		ua = ec.UserAgent
	}
	opts := fetcher.HTTPOptions{
		UserAgent: ua,
		Timeout:   time.Duration(ec.TimeoutSecs) * time.Second,
		Delay:     time.Duration(delay) * time.Millisecond,
	}
	if src.APIKeyHeader != "" {
		opts.APIKey = ec.APIKey
		opts.APIKeyHeader = src.APIKeyHeader
	}
	return fetcher.NewHTTPFetcher(opts)
}

func (o *Orchestrator) runClean(_ context.Context, r *run) error {
	c, err := clean.New(r.v.Clean)
	if err != nil {
		return err
	}
	br := c.CleanBatch(r.res.Extract.Records)
	r.records, r.discards, r.dups = br.Records, br.Discards, br.Duplicates

	rc := &r.res.Run.RowCounts
	rc.Cleaned = len(br.Records)
	rc.Discarded = len(br.Discards)
	rc.CleanDuplicates = len(br.Duplicates)
	return nil
}

func (o *Orchestrator) runModel(ctx context.Context, r *run) error {
	prior, err := o.store.LoadDimensions(ctx, r.v.Name)
	if err != nil {
		return err
	}
	m, err := star.NewModeler(r.v.Star, prior)
	if err != nil {
		return err
	}
	dropped := make([]model.CleanedRecord, len(r.dups))
	for i, d := range r.dups {
		dropped[i] = d.Dropped
	}
	res := m.Model(star.Input{Records: r.records, Duplicates: dropped, AsOf: r.res.Run.CreatedAt})

	if err := o.store.ApplyDimensionChanges(ctx, r.v.Name, res.Changes); err != nil {
		return err
	}
	r.res.Model = res

	rc := &r.res.Run.RowCounts
	for name, rows := range res.Dimensions {
		rc.DimensionRows[name] = len(rows)
	}
	rc.DimensionChanges = len(res.Changes)
	rc.Facts = len(res.Facts)
	rc.FactDuplicates = res.DroppedDuplicates
	rc.Quarantined = len(res.Quarantine)
	return nil
}

func (o *Orchestrator) runValidate(ctx context.Context, r *run) error {
	gates, err := r.v.GateSet()
	if err != nil {
		return err
	}
	m := r.res.Model
	report, err := quality.Run(quality.Input{
		Records:         r.records,
		Discarded:       len(r.discards),
		CleanDuplicates: len(r.dups),
		Facts:           m.Facts,
		Dropped:         m.Dropped,
		FactDuplicates:  m.DroppedDuplicates,
		Quarantine:      m.Quarantine,
		Dimensions:      m.Dimensions,
		AsOf:            r.res.Run.CreatedAt,
	}, gates, r.v.ApplyPolicy(Policy(o.cfg.Quality)))
	if report != nil {
		r.res.Quality = report
		score := report.OverallScore
		r.res.Run.OverallGateScore = &score
		r.res.Run.Accepted = report.Accepted
		if saveErr := o.store.SaveQualityReport(ctx, r.res.Run.ID, report); saveErr != nil {
			return eris.Wrap(saveErr, "pipeline: save quality report")
		}
	}
	return err
}

func (o *Orchestrator) runAnalyze(_ context.Context, r *run) error {
	calc, err := kpi.New(r.v.KPI)
	if err != nil {
		return err
	}
	r.res.KPI = calc.Compute(kpi.Input{
		Facts:      r.res.Model.Facts,
		Dimensions: r.res.Model.Dimensions,
		Records:    r.records,
	})
	return nil
}

func (o *Orchestrator) runExport(ctx context.Context, r *run) error {
	pr := r.res.Run
	manifest, err := o.exporter.Export(ctx, export.Bundle{
		Vertical: r.v.Name,
		RunID:    pr.ID,
		Schema:   r.v.Star,
		Model:    r.res.Model,
		KPI:      r.res.KPI,
		Quality:  r.res.Quality,
		Discards: r.discards,
		Run:      pr,
	})
	if err != nil {
		return err
	}
	r.res.Manifest = manifest
	pr.ArtifactDir = manifest.Dir

	if o.warehouse != nil {
		lr, err := o.warehouse.Load(ctx, r.v.Star, r.res.Model)
		if err != nil {
			return err
		}
		r.res.Warehouse = lr
	}
	return nil
}

// fail records err on the run and writes the partial artifacts. Bookkeeping
// ignores cancellation so a cancelled run is still recorded.
func (o *Orchestrator) fail(ctx context.Context, r *run, err error) error {
	ctx = context.WithoutCancel(ctx)
	pr := r.res.Run

	var aborted *extract.AbortedError
	if errors.As(err, &aborted) && r.res.Extract != nil && len(r.res.Extract.Records) > 0 {
		o.diagnose(r)
	}

	pr.Fail(err, o.now().UTC())
	manifest, exportErr := o.exporter.ExportPartial(ctx, export.Bundle{
		Vertical: r.v.Name,
		RunID:    pr.ID,
		Schema:   r.v.Star,
		Model:    r.res.Model,
		KPI:      r.res.KPI,
		Quality:  r.res.Quality,
		Discards: r.discards,
		Run:      pr,
	})
	if exportErr != nil {
		r.log.Warn("pipeline: partial export failed", zap.Error(exportErr))
	} else {
		r.res.Manifest = manifest
		pr.ArtifactDir = manifest.Dir
	}
	if saveErr := o.store.SaveRun(ctx, pr); saveErr != nil {
		r.log.Warn("pipeline: failed to record failed run", zap.Error(saveErr))
	}
	r.log.Error("pipeline: run failed",
		zap.String("stage", lastStage(pr)),
		zap.Int("exit_code", ExitCode(r.res, err)),
		zap.Error(err),
	)
	return err
}

// diagnose cleans the records an aborted extraction returned so their
// discard reasons land in the partial artifacts. Nothing is modeled.
func (o *Orchestrator) diagnose(r *run) {
	c, err := clean.New(r.v.Clean)
	if err != nil {
		return
	}
	br := c.CleanBatch(r.res.Extract.Records)
	r.discards = br.Discards
	rc := &r.res.Run.RowCounts
	rc.Cleaned = len(br.Records)
	rc.Discarded = len(br.Discards)
	rc.CleanDuplicates = len(br.Duplicates)
}

func lastStage(pr *model.PipelineRun) string {
	if len(pr.Stages) == 0 {
		return string(model.RunStatusPending)
	}
	return string(pr.Stages[len(pr.Stages)-1].Status)
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
