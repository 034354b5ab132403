package extract

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/starschema-etl/internal/fetcher"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/resilience"
)

// Options configures one extraction pass.
type Options struct {
	// Scope namespaces checkpoints; empty disables checkpointing.
	Scope string
	// TargetRows bounds the number of records returned; zero is unbounded.
	TargetRows int
	// Workers bounds concurrent partitions. All workers share the
	// fetcher's limiter.
	Workers int
	// MaxErrors is the run-wide error allowance before aborting.
	MaxErrors int
	// MaxPartitions keeps only the first N partitions; zero keeps all.
	MaxPartitions int
	// Vars are substituted into the request templates.
	Vars map[string]string
}

// Page is one page of raw records from a partition.
type Page struct {
	Partition string
	Seq       int
	CursorIn  string
	CursorOut string
	Records   []model.RawRecord
	Replayed  bool
}

// Result is everything an extraction produced, partial or not.
type Result struct {
	Records         []model.RawRecord
	PagesFetched    int
	PagesReplayed   int
	Errors          int
	PartitionErrors map[string]string
	Truncated       bool
}

// AbortedError reports that the error budget was exhausted. The records
// fetched before the abort are still returned alongside it.
type AbortedError struct {
	Errors    int
	MaxErrors int
	Rows      int
	Err       error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("extraction aborted after %d errors (max %d) with %d rows fetched: %v",
		e.Errors, e.MaxErrors, e.Rows, e.Err)
}

func (e *AbortedError) Unwrap() error { return e.Err }

// Extractor pulls paginated records from one source.
type Extractor struct {
	src   SourceConfig
	fetch fetcher.Fetcher
	retry resilience.RetryConfig
	ckpt  Checkpointer
	now   func() time.Time
}

// New creates an extractor. ckpt may be nil.
func New(src SourceConfig, f fetcher.Fetcher, retry resilience.RetryConfig, ckpt Checkpointer) *Extractor {
	return &Extractor{src: src, fetch: f, retry: retry, ckpt: ckpt, now: time.Now}
}

// Extract fetches every partition with a bounded worker pool and returns
// records in partition order then page order, truncated to TargetRows.
func (e *Extractor) Extract(ctx context.Context, opts Options) (*Result, error) {
	log := zap.L().With(zap.String("component", "extract"), zap.String("scope", opts.Scope))

	parts := e.src.partitions()
	if opts.MaxPartitions > 0 && len(parts) > opts.MaxPartitions {
		parts = parts[:opts.MaxPartitions]
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	target := int64(opts.TargetRows)

	budget := resilience.NewErrorBudget(opts.MaxErrors)
	collected := make([][]model.RawRecord, len(parts))
	var total, fetched, replayed atomic.Int64
	var mu sync.Mutex
	partErrs := make(map[string]string)

	remaining := func() int {
		if target <= 0 {
			return 0
		}
		return int(max(target-total.Load(), 0))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, part := range parts {
		g.Go(func() error {
			if target > 0 && total.Load() >= target {
				return nil
			}
			for page, err := range e.stream(gctx, part, opts, budget, remaining) {
				if err != nil {
					if errors.Is(err, resilience.ErrBudgetExhausted) {
						return &AbortedError{Errors: budget.Spent(), MaxErrors: opts.MaxErrors, Err: err}
					}
					if gctx.Err() != nil {
						return err
					}
					log.Warn("partition failed", zap.String("partition", part.ID), zap.Error(err))
					mu.Lock()
					partErrs[part.ID] = err.Error()
					mu.Unlock()
					return nil
				}
				collected[i] = append(collected[i], page.Records...)
				if page.Replayed {
					replayed.Add(1)
				} else {
					fetched.Add(1)
				}
				if target > 0 && total.Add(int64(len(page.Records))) >= target {
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()

	res := &Result{
		PagesFetched:    int(fetched.Load()),
		PagesReplayed:   int(replayed.Load()),
		Errors:          budget.Spent(),
		PartitionErrors: partErrs,
	}
	for _, recs := range collected {
		res.Records = append(res.Records, recs...)
	}
	if target > 0 && int64(len(res.Records)) > target {
		res.Records = res.Records[:target]
		res.Truncated = true
	}

	log.Info("extraction finished",
		zap.Int("rows", len(res.Records)),
		zap.Int("pages_fetched", res.PagesFetched),
		zap.Int("pages_replayed", res.PagesReplayed),
		zap.Int("errors", res.Errors),
		zap.Int("failed_partitions", len(partErrs)),
	)

	if err != nil {
		var aborted *AbortedError
		if errors.As(err, &aborted) {
			aborted.Rows = len(res.Records)
			return res, aborted
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("extract: cancelled: %w", ctx.Err())
		}
		return res, eris.Wrap(err, "extract")
	}
	return res, nil
}

// Stream returns the lazy page sequence of one partition. Iterating it
// again restarts from the checkpoint, so stored pages are replayed
// before any new request is made.
func (e *Extractor) Stream(ctx context.Context, opts Options, partitionID string) iter.Seq2[Page, error] {
	for _, p := range e.src.partitions() {
		if p.ID == partitionID {
			return e.stream(ctx, p, opts, resilience.NewErrorBudget(opts.MaxErrors), nil)
		}
	}
	return func(yield func(Page, error) bool) {
		yield(Page{}, eris.Errorf("extract: unknown partition %q", partitionID))
	}
}

// stream pages one partition. remaining, when set, reports how many rows
// the run still needs; requests never ask for more.
func (e *Extractor) stream(ctx context.Context, part Partition, opts Options, budget *resilience.ErrorBudget, remaining func() int) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		log := zap.L().With(zap.String("component", "extract"), zap.String("partition", part.ID))
		key := model.CheckpointKey{Scope: opts.Scope, Partition: part.ID}
		checkpointing := e.ckpt != nil && opts.Scope != ""

		cursor := ""
		seq := 0
		if checkpointing {
			stored, err := e.ckpt.LoadPages(ctx, key)
			if err != nil {
				yield(Page{}, eris.Wrapf(err, "extract: load checkpoint for %s", part.ID))
				return
			}
			for _, sp := range stored {
				if sp.Seq != seq {
					log.Warn("checkpoint gap, refetching", zap.Int("expected_seq", seq), zap.Int("stored_seq", sp.Seq))
					break
				}
				page, err := e.replay(part, sp)
				if err != nil {
					log.Warn("unreadable checkpoint page, refetching", zap.Int("seq", sp.Seq), zap.Error(err))
					break
				}
				if !yield(page, nil) {
					return
				}
				cursor, seq = sp.CursorOut, sp.Seq+1
				if sp.CursorOut == "" {
					return
				}
			}
		}

		exp := newExpander(e.vars(part, opts))
		retry := e.retry
		retry.Budget = budget
		retry.MaxAttempts = 0
		retry.OnRetry = resilience.RetryLogger(part.ID, "fetch page")

		for {
			limit := e.src.PageSize
			if remaining != nil {
				if n := remaining(); n > 0 && n < limit {
					limit = n
				}
			}
			req, err := e.src.buildRequest(exp, cursor, limit)
			if err != nil {
				yield(Page{}, err)
				return
			}

			body, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]byte, error) {
				return e.fetch.Fetch(ctx, req)
			})
			if err != nil {
				yield(Page{}, err)
				return
			}

			page, err := e.decode(part, seq, cursor, body, limit)
			if err != nil {
				if !budget.Spend() {
					err = &resilience.BudgetError{Err: err, Spent: budget.Spent()}
				}
				yield(Page{}, err)
				return
			}

			if checkpointing {
				sp := model.StoredPage{
					Seq:       seq,
					CursorIn:  cursor,
					CursorOut: page.CursorOut,
					Rows:      len(page.Records),
					Body:      compressPage(body),
					FetchedAt: e.now().UTC(),
				}
				if err := e.ckpt.SavePage(ctx, key, sp); err != nil {
					log.Warn("checkpoint save failed", zap.Int("seq", seq), zap.Error(err))
				}
			}

			log.Debug("page fetched", zap.Int("seq", seq), zap.Int("rows", len(page.Records)))
			if !yield(page, nil) {
				return
			}

			if page.CursorOut == "" || page.CursorOut == cursor || len(page.Records) == 0 {
				return
			}
			cursor = page.CursorOut
			seq++
		}
	}
}

func (e *Extractor) vars(part Partition, opts Options) map[string]string {
	vars := make(map[string]string, len(opts.Vars)+len(part.Vars)+1)
	for k, v := range opts.Vars {
		vars[k] = v
	}
	vars["partition"] = part.ID
	for k, v := range part.Vars {
		vars[k] = v
	}
	return vars
}

func (e *Extractor) replay(part Partition, sp model.StoredPage) (Page, error) {
	body, err := decompressPage(sp.Body)
	if err != nil {
		return Page{}, err
	}
	page, err := e.decode(part, sp.Seq, sp.CursorIn, body, e.src.PageSize)
	if err != nil {
		return Page{}, err
	}
	page.Replayed = true
	page.CursorOut = sp.CursorOut
	return page, nil
}

// decode parses one page body. A page shorter than the limit it was
// requested with ends offset and last-record partitions.
func (e *Extractor) decode(part Partition, seq int, cursorIn string, body []byte, limit int) (Page, error) {
	doc, err := fetcher.DecodePage(body, e.src.RecordsPath)
	if err != nil {
		return Page{}, eris.Wrapf(err, "extract: partition %s page %d", part.ID, seq)
	}

	next := e.src.nextCursor(doc, doc.Records, cursorIn)
	shortStops := e.src.Cursor.Mode == CursorLastRecord || e.src.Cursor.Mode == CursorOffset
	if shortStops && limit > 0 && len(doc.Records) < limit {
		next = ""
	}

	ctxVals := make(map[string]any, len(e.src.ContextFields))
	for field, path := range e.src.ContextFields {
		if v, ok := doc.Lookup(path); ok {
			ctxVals[field] = v
		}
	}

	records := make([]model.RawRecord, len(doc.Records))
	for i, fields := range doc.Records {
		for k, v := range ctxVals {
			if _, ok := fields[k]; !ok {
				fields[k] = v
			}
		}
		if e.src.InjectPartitionVars {
			for k, v := range part.Vars {
				if _, ok := fields[k]; !ok {
					fields[k] = v
				}
			}
		}
		records[i] = model.RawRecord{Partition: part.ID, Page: seq, Fields: fields}
	}

	return Page{
		Partition: part.ID,
		Seq:       seq,
		CursorIn:  cursorIn,
		CursorOut: next,
		Records:   records,
	}, nil
}
