package match

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/fapiaoyun/redmatch/internal/audit"
	"github.com/fapiaoyun/redmatch/internal/ids"
	"github.com/fapiaoyun/redmatch/internal/obs"
)

const fetchMaxRetries = 3

// Engine drives whole batches: grouping, worker dispatch, candidate
// retrieval, allocation, and the atomic per-group commit.
type Engine struct {
	store Store
}

// New creates an engine over the given store.
func New(store Store) *Engine {
	return &Engine{store: store}
}

// Execute runs a batch and returns the buffered outcome including every
// per-negative result. Candidate materialization is the same in every mode:
// each worker holds one group's window of up to CandidateLimit rows per fetch,
// growing to (1+MaxRefetchRounds) x CandidateLimit when refetches widen it.
// Only result delivery differs between Execute and ExecuteStream.
func (e *Engine) Execute(ctx context.Context, negatives []NegativeInvoice, opts BatchOptions) (*BatchOutcome, error) {
	if err := prepare(&opts, negatives); err != nil {
		return nil, err
	}
	br, err := e.begin(ctx, negatives, opts)
	if err != nil {
		return nil, err
	}
	return e.finish(ctx, br, nil)
}

// ExecuteStream runs a batch delivering results on the returned channel as
// groups commit. Input validation and the batch-id claim happen before this
// returns, so duplicate-batch rejection is synchronous; the wait closure
// blocks until the run ends and returns the aggregate outcome. Per-negative
// results are not buffered.
func (e *Engine) ExecuteStream(ctx context.Context, negatives []NegativeInvoice, opts BatchOptions) (<-chan MatchResult, func() (*BatchOutcome, error), error) {
	opts.Mode = ModeStreaming
	if err := prepare(&opts, negatives); err != nil {
		return nil, nil, err
	}
	br, err := e.begin(ctx, negatives, opts)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan MatchResult, opts.WorkerCount)
	done := make(chan struct{})
	var (
		outcome *BatchOutcome
		runErr  error
	)
	go func() {
		outcome, runErr = e.finish(ctx, br, ch)
		close(ch)
		close(done)
	}()
	wait := func() (*BatchOutcome, error) {
		<-done
		return outcome, runErr
	}
	return ch, wait, nil
}

// prepare normalizes options and rejects invalid input before any work.
func prepare(opts *BatchOptions, negatives []NegativeInvoice) error {
	if err := opts.Normalize(); err != nil {
		return err
	}
	if opts.BatchID == "" {
		opts.BatchID = ids.NewBatchID()
	} else if !ids.Valid(opts.BatchID) {
		return fmt.Errorf("invalid batch id %q", opts.BatchID)
	}
	for _, n := range negatives {
		if n.Amount <= 0 {
			return fmt.Errorf("negative invoice %d: %w", n.InvoiceID, ErrZeroAmount)
		}
	}
	if opts.Mode == ModeStandard && len(negatives) >= opts.StreamingThreshold {
		opts.Mode = ModeStreaming
	}
	return nil
}

// batchRun carries the state claimed by begin into finish.
type batchRun struct {
	opts    BatchOptions
	work    []NegativeInvoice
	outcome *BatchOutcome
	start   time.Time
	trivial bool // nothing to do; finish returns the outcome as-is
}

// begin validates the batch against the store: claims the batch id and, on
// resume, drops negatives that already hold records.
func (e *Engine) begin(ctx context.Context, negatives []NegativeInvoice, opts BatchOptions) (*batchRun, error) {
	br := &batchRun{
		opts:  opts,
		start: time.Now(),
		outcome: &BatchOutcome{
			BatchID:        opts.BatchID,
			TotalNegatives: len(negatives),
			Status:         BatchRunning,
		},
	}
	if len(negatives) == 0 {
		br.outcome.Status = BatchCompleted
		br.trivial = true
		return br, nil
	}
	if ctx.Err() != nil {
		// Cancelled before any work: nothing was claimed, nothing to finish.
		br.outcome.Status = BatchCancelled
		br.trivial = true
		return br, nil
	}

	resumed, err := e.store.BeginBatch(ctx, opts.BatchID, len(negatives), opts.Resume)
	if err != nil {
		return nil, err
	}
	work := negatives
	if resumed {
		processed, perr := e.store.ProcessedNegatives(ctx, opts.BatchID)
		if perr != nil {
			_ = e.store.FinishBatch(context.WithoutCancel(ctx), opts.BatchID, BatchFailed, perr.Error())
			return nil, perr
		}
		work = work[:0:0]
		for _, n := range negatives {
			if !processed[n.InvoiceID] {
				work = append(work, n)
			}
		}
		br.outcome.SkippedCount = len(negatives) - len(work)
		logrus.WithFields(logrus.Fields{
			"batch_id": opts.BatchID,
			"skipped":  br.outcome.SkippedCount,
			"pending":  len(work),
		}).Info("resuming failed batch")
	}
	for _, n := range work {
		br.outcome.TotalAmount += n.Amount
	}
	br.work = work
	return br, nil
}

func (e *Engine) finish(ctx context.Context, br *batchRun, stream chan<- MatchResult) (*BatchOutcome, error) {
	opts, outcome := br.opts, br.outcome
	if br.trivial {
		outcome.ExecutionTimeMs = time.Since(br.start).Milliseconds()
		return outcome, nil
	}

	log := logrus.WithField("batch_id", opts.BatchID)

	groups := GroupNegatives(br.work)
	audit.LogEvent(ctx, "batch_started", map[string]any{
		"batch_id": opts.BatchID, "negatives": len(br.work), "groups": len(groups),
		"mode": string(opts.Mode), "resumed": outcome.SkippedCount > 0,
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	queue := make(chan Group)
	results := make(chan groupOut, opts.WorkerCount)

	go func() {
		defer close(queue)
		for _, g := range groups {
			select {
			case queue <- g:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < opts.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range queue {
				results <- e.runGroup(runCtx, g, opts)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var fatal error
	for out := range results {
		outcome.StaleRetries += out.stale
		outcome.FragmentCreated += out.fragments
		for _, r := range out.results {
			switch r.Status {
			case StatusMatched:
				outcome.SuccessCount++
			case StatusPartial:
				outcome.PartialCount++
			default:
				outcome.FailedCount++
			}
			outcome.MatchedAmount += r.TotalAllocated
			obs.NegativeFinished(string(r.Status))
			if stream != nil {
				select {
				case stream <- r:
				case <-ctx.Done():
				}
			} else {
				outcome.Results = append(outcome.Results, r)
			}
		}
		if out.err != nil && fatal == nil {
			fatal = out.err
			cancelRun()
		}
	}

	switch {
	case fatal != nil:
		outcome.Status = BatchFailed
	case ctx.Err() != nil:
		outcome.Status = BatchCancelled
	default:
		outcome.Status = BatchCompleted
	}
	outcome.ExecutionTimeMs = time.Since(br.start).Milliseconds()

	var msg string
	if fatal != nil {
		msg = fatal.Error()
	} else if ctx.Err() != nil {
		msg = ctx.Err().Error()
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := e.store.FinishBatch(finishCtx, opts.BatchID, outcome.Status, msg); err != nil {
		log.WithError(err).Error("finish batch metadata")
	}
	if opts.RecordOutcome {
		if err := e.store.RecordOutcome(finishCtx, outcome); err != nil {
			log.WithError(err).Error("record batch outcome")
		}
	}

	obs.AddMatchedAmount(outcome.MatchedAmount)
	obs.BatchFinished(string(outcome.Status), time.Since(br.start).Seconds())
	audit.LogEvent(ctx, "batch_finished", map[string]any{
		"batch_id": opts.BatchID, "status": string(outcome.Status),
		"matched": outcome.SuccessCount, "partial": outcome.PartialCount,
		"failed": outcome.FailedCount, "skipped": outcome.SkippedCount,
		"matched_amount": outcome.MatchedAmount, "duration_ms": outcome.ExecutionTimeMs,
	})
	return outcome, fatal
}

type groupOut struct {
	key       Key
	results   []MatchResult
	fragments int
	stale     int
	err       error // set only for batch-fatal failures
}

// runGroup plans and commits one group, restarting on stale plans.
func (e *Engine) runGroup(ctx context.Context, g Group, opts BatchOptions) groupOut {
	out := groupOut{key: g.Key}
	if ctx.Err() != nil {
		obs.GroupFinished("skipped")
		return out
	}
	gctx, cancel := context.WithTimeout(ctx, opts.GroupDeadline)
	defer cancel()

	log := logrus.WithFields(logrus.Fields{"batch_id": opts.BatchID, "key": g.Key.String()})

	for restarts := 0; ; restarts++ {
		plan, err := e.planGroup(gctx, g, opts)
		if err != nil {
			log.WithError(err).Warn("candidate fetch failed, skipping group")
			out.results = failAll(g, ReasonFetchFailed)
			obs.GroupFinished("fetch_failed")
			return out
		}
		if len(plan.Decrements) == 0 {
			out.results = plan.Results
			obs.GroupFinished("empty")
			return out
		}

		commitStart := time.Now()
		err = e.store.RunGroup(gctx, func(tx GroupTx) error {
			lineIDs := sortedLineIDs(plan.Decrements)
			current, lerr := tx.LockLines(gctx, lineIDs)
			if lerr != nil {
				return lerr
			}
			for id, dec := range plan.Decrements {
				if current[id] < dec {
					return fmt.Errorf("line %d has %d, plan needs %d: %w", id, current[id], dec, ErrStalePlan)
				}
			}
			return tx.Apply(gctx, opts.BatchID, planDecrements(plan), planAllocations(plan))
		})
		obs.ObservePhase("commit", time.Since(commitStart).Seconds())

		var integrity *IntegrityError
		switch {
		case err == nil:
			out.results = plan.Results
			out.fragments = plan.Fragments
			obs.AddFragments(plan.Fragments)
			obs.GroupFinished("committed")
			return out

		case errors.Is(err, ErrStalePlan):
			out.stale++
			obs.StaleRetry()
			if restarts >= opts.MaxStaleRetries {
				log.WithField("restarts", restarts).Warn("contention retries exhausted")
				out.results = failAll(g, ReasonContentionExceeded)
				obs.GroupFinished("contention_exceeded")
				return out
			}
			log.WithError(err).Debug("stale allocation plan, restarting group")

		case errors.As(err, &integrity):
			// Bug signal: log the full plan for forensics and abort the batch.
			log.WithError(err).WithField("decrements", plan.Decrements).
				Error("integrity violation on commit")
			out.results = failAll(g, ReasonIntegrityViolation)
			out.err = err
			obs.GroupFinished("integrity_violation")
			return out

		case ctx.Err() != nil:
			// Batch-level cancellation: the rolled-back group is skipped.
			obs.GroupFinished("cancelled")
			return out

		case gctx.Err() != nil:
			log.Warn("group deadline exceeded, rolling back")
			out.results = failAll(g, ReasonTimeoutExceeded)
			obs.GroupFinished("timeout")
			return out

		default:
			log.WithError(err).Warn("group commit failed, skipping group")
			out.results = failAll(g, ReasonStoreError)
			obs.GroupFinished("store_error")
			return out
		}
	}
}

// planGroup fetches a candidate window and allocates, widening the window
// with exclusion-set refetches when the first window proves too small.
func (e *Engine) planGroup(ctx context.Context, g Group, opts BatchOptions) (*Plan, error) {
	fetchStart := time.Now()
	window, err := e.fetchCandidates(ctx, g.Key, CandidateQuery{
		Limit: opts.CandidateLimit,
		Order: opts.CandidateOrder,
	})
	obs.ObservePhase("fetch", time.Since(fetchStart).Seconds())
	if err != nil {
		return nil, err
	}

	allocStart := time.Now()
	plan := Allocate(g.Negatives, window, opts.SortStrategy, opts.FragmentThreshold)

	for rounds := 0; rounds < opts.MaxRefetchRounds && !plan.Complete() && len(window) >= opts.CandidateLimit; rounds++ {
		exclude := make([]int64, len(window))
		for i, l := range window {
			exclude[i] = l.LineID
		}
		more, ferr := e.fetchCandidates(ctx, g.Key, CandidateQuery{
			Limit:   opts.CandidateLimit,
			Order:   opts.CandidateOrder,
			Exclude: exclude,
		})
		if ferr != nil || len(more) == 0 {
			break
		}
		obs.RefetchRound()
		window = append(window, more...)
		SortCandidates(window, opts.CandidateOrder)
		plan = Allocate(g.Negatives, window, opts.SortStrategy, opts.FragmentThreshold)
	}
	obs.ObservePhase("allocate", time.Since(allocStart).Seconds())
	return plan, nil
}

// fetchCandidates wraps the provider with bounded exponential backoff.
func (e *Engine) fetchCandidates(ctx context.Context, key Key, q CandidateQuery) ([]BlueLine, error) {
	var lines []BlueLine
	op := func() error {
		l, err := e.store.FetchCandidates(ctx, key, q)
		if err != nil {
			return err
		}
		lines = l
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(newFetchBackOff(), fetchMaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, &FetchError{Key: key, Err: err}
	}
	return lines, nil
}

func newFetchBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func failAll(g Group, reason string) []MatchResult {
	out := make([]MatchResult, 0, len(g.Negatives))
	for _, n := range g.Negatives {
		out = append(out, MatchResult{
			NegativeInvoiceID: n.InvoiceID,
			Status:            StatusUnmatched,
			Shortfall:         n.Amount,
			Reason:            reason,
		})
	}
	return out
}

func sortedLineIDs(decs map[int64]int64) []int64 {
	out := make([]int64, 0, len(decs))
	for id := range decs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func planDecrements(p *Plan) []Decrement {
	out := make([]Decrement, 0, len(p.Decrements))
	for _, id := range sortedLineIDs(p.Decrements) {
		out = append(out, Decrement{LineID: id, Amount: p.Decrements[id]})
	}
	return out
}

func planAllocations(p *Plan) []Allocation {
	var out []Allocation
	for _, r := range p.Results {
		for _, a := range r.Allocations {
			out = append(out, Allocation{
				NegativeInvoiceID: r.NegativeInvoiceID,
				BlueLineID:        a.BlueLineID,
				AmountUsed:        a.AmountUsed,
			})
		}
	}
	return out
}
