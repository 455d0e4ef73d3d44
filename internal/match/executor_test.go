package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(lines ...BlueLine) *MemStore {
	s := NewMemStore()
	for _, l := range lines {
		s.AddLine(l)
	}
	return s
}

func TestExecuteSingleNegativeAcrossTwoLines(t *testing.T) {
	store := seedStore(line(1, 100_00), line(2, 50_00))
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 120_00)},
		BatchOptions{BatchID: "b1", CandidateOrder: OrderRemainingDesc})
	require.NoError(t, err)

	assert.Equal(t, BatchCompleted, outcome.Status)
	assert.Equal(t, 1, outcome.SuccessCount)
	assert.Equal(t, int64(120_00), outcome.MatchedAmount)

	l1, _ := store.Line(1)
	l2, _ := store.Line(2)
	assert.Equal(t, int64(0), l1.Remaining)
	assert.Equal(t, int64(30_00), l2.Remaining)

	records := store.Records()
	require.Len(t, records, 2)
	var total int64
	for _, r := range records {
		assert.Equal(t, "b1", r.BatchID)
		assert.Equal(t, "active", r.Status)
		total += r.AmountUsed
	}
	assert.Equal(t, int64(120_00), total)

	md, ok := store.Batch("b1")
	require.True(t, ok)
	assert.Equal(t, BatchCompleted, md.Status)
}

func TestExecutePartialPersistsAllocations(t *testing.T) {
	store := seedStore(line(1, 100_00), line(2, 50_00))
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 200_00)},
		BatchOptions{BatchID: "b1", CandidateOrder: OrderRemainingDesc})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.PartialCount)
	res := outcome.Results[0]
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, int64(50_00), res.Shortfall)

	l1, _ := store.Line(1)
	l2, _ := store.Line(2)
	assert.Equal(t, int64(0), l1.Remaining)
	assert.Equal(t, int64(0), l2.Remaining)
	assert.Len(t, store.Records(), 2)
}

func TestExecuteUnmatchedPersistsNothing(t *testing.T) {
	store := seedStore() // no candidates at all
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1"})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.FailedCount)
	assert.Equal(t, StatusUnmatched, outcome.Results[0].Status)
	assert.Empty(t, store.Records())
}

func TestExecuteIndependentGroups(t *testing.T) {
	keyA := Key{TaxRate: 13, BuyerID: 1, SellerID: 1}
	keyB := Key{TaxRate: 13, BuyerID: 2, SellerID: 1}
	store := seedStore(
		BlueLine{LineID: 1, Key: keyA, OriginalAmount: 100_00, Remaining: 100_00},
		BlueLine{LineID: 2, Key: keyB, OriginalAmount: 100_00, Remaining: 100_00},
	)
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{
		{InvoiceID: 1, Key: keyA, Amount: 50_00},
		{InvoiceID: 2, Key: keyB, Amount: 50_00},
	}, BatchOptions{BatchID: "b1", WorkerCount: 2})
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.SuccessCount)
	l1, _ := store.Line(1)
	l2, _ := store.Line(2)
	assert.Equal(t, int64(50_00), l1.Remaining)
	assert.Equal(t, int64(50_00), l2.Remaining)
}

func TestExecuteConcurrentBatchesNeverOverdraw(t *testing.T) {
	store := seedStore(line(1, 100_00))
	engine := New(store)

	var wg sync.WaitGroup
	outcomes := make([]*BatchOutcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = engine.Execute(context.Background(), []NegativeInvoice{negative(int64(i + 1), 60_00)},
				BatchOptions{BatchID: []string{"ba", "bb"}[i]})
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	l1, _ := store.Line(1)
	assert.GreaterOrEqual(t, l1.Remaining, int64(0))

	var recorded int64
	for _, r := range store.Records() {
		recorded += r.AmountUsed
	}
	assert.Equal(t, int64(100_00)-l1.Remaining, recorded)
	assert.LessOrEqual(t, recorded, int64(100_00))

	// At most one of the two negatives can fully match.
	matched := 0
	for _, out := range outcomes {
		matched += out.SuccessCount
	}
	assert.LessOrEqual(t, matched, 1)
}

func TestExecuteRefetchWidensWindow(t *testing.T) {
	// Four 10.00 lines with a window of 2: the first fetch covers only 20.00
	// of the 40.00 demand, so the executor must refetch with an exclusion set.
	store := seedStore(line(1, 10_00), line(2, 10_00), line(3, 10_00), line(4, 10_00))
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 40_00)},
		BatchOptions{BatchID: "b1", CandidateLimit: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.SuccessCount)
	for id := int64(1); id <= 4; id++ {
		l, _ := store.Line(id)
		assert.Equal(t, int64(0), l.Remaining)
	}
}

func TestExecuteRecordsOutcome(t *testing.T) {
	store := seedStore(line(1, 100_00))
	engine := New(store)

	_, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 40_00)},
		BatchOptions{BatchID: "b1", RecordOutcome: true})
	require.NoError(t, err)

	outcomes := store.Outcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, "b1", outcomes[0].BatchID)
	assert.Equal(t, 1, outcomes[0].SuccessCount)
	assert.Equal(t, int64(40_00), outcomes[0].MatchedAmount)
}

func TestExecuteRejectsZeroAmount(t *testing.T) {
	engine := New(NewMemStore())
	_, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 0)}, BatchOptions{})
	require.ErrorIs(t, err, ErrZeroAmount)
}

func TestExecuteEmptyInput(t *testing.T) {
	engine := New(NewMemStore())
	outcome, err := engine.Execute(context.Background(), nil, BatchOptions{})
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, outcome.Status)
	assert.Zero(t, outcome.TotalNegatives)
	assert.Empty(t, outcome.Results)
}

func TestExecuteDuplicateBatchRejected(t *testing.T) {
	store := seedStore(line(1, 100_00))
	engine := New(store)

	_, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1"})
	require.NoError(t, err)

	_, err = engine.Execute(context.Background(), []NegativeInvoice{negative(2, 10_00)},
		BatchOptions{BatchID: "b1"})
	require.ErrorIs(t, err, ErrDuplicateBatch)
}

func TestExecuteResumeSkipsRecordedNegatives(t *testing.T) {
	store := seedStore(line(1, 100_00))
	engine := New(store)

	negs := []NegativeInvoice{negative(1, 20_00), negative(2, 30_00)}
	first, err := engine.Execute(context.Background(), negs, BatchOptions{BatchID: "b1"})
	require.NoError(t, err)
	require.Equal(t, 2, first.SuccessCount)

	// Operator marks the batch failed (e.g. after a crash mid-run); resume
	// must not re-apply the already-recorded negatives.
	require.NoError(t, store.FinishBatch(context.Background(), "b1", BatchFailed, "crash"))

	second, err := engine.Execute(context.Background(), negs, BatchOptions{BatchID: "b1", Resume: true})
	require.NoError(t, err)
	assert.Equal(t, 2, second.SkippedCount)
	assert.Zero(t, second.SuccessCount)

	l1, _ := store.Line(1)
	assert.Equal(t, int64(50_00), l1.Remaining)
	assert.Len(t, store.Records(), 2)

	md, _ := store.Batch("b1")
	assert.Equal(t, BatchCompleted, md.Status)
	require.NotNil(t, md.ResumedAt)
}

func TestExecuteSplitBatchesMatchSingleRun(t *testing.T) {
	// Splitting a batch over disjoint negatives and running the halves
	// sequentially must leave the store in the same state as one batch.
	seed := func() *MemStore {
		return seedStore(line(1, 40_00), line(2, 60_00), line(3, 25_00))
	}
	negs := []NegativeInvoice{negative(1, 50_00), negative(2, 35_00), negative(3, 30_00)}

	single := seed()
	_, err := New(single).Execute(context.Background(), negs, BatchOptions{BatchID: "one"})
	require.NoError(t, err)

	split := seed()
	engine := New(split)
	_, err = engine.Execute(context.Background(), negs[:1], BatchOptions{BatchID: "one"})
	require.NoError(t, err)
	_, err = engine.Execute(context.Background(), negs[1:], BatchOptions{BatchID: "two"})
	require.NoError(t, err)

	for id := int64(1); id <= 3; id++ {
		a, _ := single.Line(id)
		b, _ := split.Line(id)
		assert.Equal(t, a.Remaining, b.Remaining, "line %d", id)
	}
}

func TestExecuteStreamDeliversResults(t *testing.T) {
	store := seedStore(line(1, 100_00), line(2, 50_00))
	engine := New(store)

	ch, wait, err := engine.ExecuteStream(context.Background(), []NegativeInvoice{
		negative(1, 40_00), negative(2, 60_00),
	}, BatchOptions{BatchID: "b1"})
	require.NoError(t, err)

	var got []MatchResult
	for r := range ch {
		got = append(got, r)
	}
	outcome, runErr := wait()
	require.NoError(t, runErr)

	assert.Len(t, got, 2)
	assert.Equal(t, 2, outcome.SuccessCount)
	assert.Empty(t, outcome.Results, "streaming outcome must not buffer results")
}

func TestExecuteCancellationSkipsPendingGroups(t *testing.T) {
	store := seedStore(line(1, 100_00))
	engine := New(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := engine.Execute(ctx, []NegativeInvoice{negative(1, 10_00)}, BatchOptions{BatchID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, BatchCancelled, outcome.Status)
	assert.Zero(t, outcome.SuccessCount)
	assert.Empty(t, store.Records())
}

// fetchFailStore makes every candidate fetch fail.
type fetchFailStore struct {
	*MemStore
}

func (s *fetchFailStore) FetchCandidates(ctx context.Context, key Key, q CandidateQuery) ([]BlueLine, error) {
	return nil, errors.New("connection refused")
}

func TestExecuteFetchFailureSkipsGroupNotBatch(t *testing.T) {
	store := &fetchFailStore{MemStore: seedStore(line(1, 100_00))}
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1"})
	require.NoError(t, err)

	assert.Equal(t, BatchCompleted, outcome.Status)
	require.Len(t, outcome.Results, 1)
	assert.Equal(t, StatusUnmatched, outcome.Results[0].Status)
	assert.Equal(t, ReasonFetchFailed, outcome.Results[0].Reason)
}

// integrityStore fails every commit with an integrity violation.
type integrityStore struct {
	*MemStore
}

func (s *integrityStore) RunGroup(ctx context.Context, fn func(GroupTx) error) error {
	return &IntegrityError{BatchID: "b1", Err: errors.New("duplicate key value")}
}

func TestExecuteIntegrityViolationFailsBatch(t *testing.T) {
	store := &integrityStore{MemStore: seedStore(line(1, 100_00))}
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1"})
	require.Error(t, err)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, BatchFailed, outcome.Status)

	md, _ := store.Batch("b1")
	assert.Equal(t, BatchFailed, md.Status)
	assert.NotEmpty(t, md.ErrorMessage)
}

// slowCommitStore blocks commits until the context expires.
type slowCommitStore struct {
	*MemStore
}

func (s *slowCommitStore) RunGroup(ctx context.Context, fn func(GroupTx) error) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestExecuteGroupDeadlineReportsTimeout(t *testing.T) {
	store := &slowCommitStore{MemStore: seedStore(line(1, 100_00))}
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1", GroupDeadline: 20 * time.Millisecond})
	require.NoError(t, err)

	require.Len(t, outcome.Results, 1)
	assert.Equal(t, ReasonTimeoutExceeded, outcome.Results[0].Reason)
	assert.Equal(t, BatchCompleted, outcome.Status)
}

// staleOnceStore forces one stale commit, then behaves normally.
type staleOnceStore struct {
	*MemStore
	mu     sync.Mutex
	staled bool
}

func (s *staleOnceStore) RunGroup(ctx context.Context, fn func(GroupTx) error) error {
	s.mu.Lock()
	first := !s.staled
	s.staled = true
	s.mu.Unlock()
	if first {
		return ErrStalePlan
	}
	return s.MemStore.RunGroup(ctx, fn)
}

func TestExecuteRetriesStalePlan(t *testing.T) {
	store := &staleOnceStore{MemStore: seedStore(line(1, 100_00))}
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1"})
	require.NoError(t, err)

	assert.Equal(t, 1, outcome.SuccessCount)
	assert.Equal(t, 1, outcome.StaleRetries)
}

// staleAlwaysStore never lets a commit through.
type staleAlwaysStore struct {
	*MemStore
}

func (s *staleAlwaysStore) RunGroup(ctx context.Context, fn func(GroupTx) error) error {
	return ErrStalePlan
}

func TestExecuteContentionExceededAfterRetries(t *testing.T) {
	store := &staleAlwaysStore{MemStore: seedStore(line(1, 100_00))}
	engine := New(store)

	outcome, err := engine.Execute(context.Background(), []NegativeInvoice{negative(1, 10_00)},
		BatchOptions{BatchID: "b1", MaxStaleRetries: 2})
	require.NoError(t, err)

	require.Len(t, outcome.Results, 1)
	assert.Equal(t, StatusUnmatched, outcome.Results[0].Status)
	assert.Equal(t, ReasonContentionExceeded, outcome.Results[0].Reason)
	assert.Equal(t, 3, outcome.StaleRetries) // initial attempt + 2 restarts
}

// countingStore tracks the peak number of concurrently materialized
// candidate rows. Every group here fetches exactly one window of 3 rows and
// commits it, so the commit releases what the fetch acquired.
type countingStore struct {
	*MemStore
	mu   sync.Mutex
	live int
	peak int
}

func (s *countingStore) FetchCandidates(ctx context.Context, key Key, q CandidateQuery) ([]BlueLine, error) {
	lines, err := s.MemStore.FetchCandidates(ctx, key, q)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.live += len(lines)
	if s.live > s.peak {
		s.peak = s.live
	}
	s.mu.Unlock()
	return lines, nil
}

func (s *countingStore) RunGroup(ctx context.Context, fn func(GroupTx) error) error {
	err := s.MemStore.RunGroup(ctx, fn)
	s.mu.Lock()
	s.live -= 3
	s.mu.Unlock()
	return err
}

func TestExecuteStreamingBoundsCandidateWindow(t *testing.T) {
	// 20 keys, 3 lines each; 2 workers with a limit of 3 must never hold
	// more than worker_count x candidate_limit rows at once.
	base := NewMemStore()
	store := &countingStore{MemStore: base}

	var negatives []NegativeInvoice
	lineID := int64(1)
	for k := 0; k < 20; k++ {
		key := Key{TaxRate: 13, BuyerID: int32(k + 1), SellerID: 1}
		for i := 0; i < 3; i++ {
			base.AddLine(BlueLine{LineID: lineID, Key: key, OriginalAmount: 50_00, Remaining: 50_00})
			lineID++
		}
		negatives = append(negatives, NegativeInvoice{InvoiceID: int64(k + 1), Key: key, Amount: 120_00})
	}

	engine := New(store)
	ch, wait, err := engine.ExecuteStream(context.Background(), negatives, BatchOptions{
		BatchID:     "b1",
		WorkerCount: 2,
		// A window of 3 (150.00) covers each group's 120.00 demand.
		CandidateLimit: 3,
	})
	require.NoError(t, err)

	count := 0
	for range ch {
		count++
	}
	outcome, runErr := wait()
	require.NoError(t, runErr)

	assert.Equal(t, 20, count)
	assert.Equal(t, 20, outcome.SuccessCount)
	assert.GreaterOrEqual(t, outcome.ExecutionTimeMs, int64(0))
	assert.LessOrEqual(t, store.peak, 2*3, "candidate materialization must stay within worker_count x limit")
}
