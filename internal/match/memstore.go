package match

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore implements Store in process. It mirrors the Postgres semantics
// closely enough for engine tests: fetches read without locks, commits
// serialize, and Apply enforces the remaining >= decrement guard.
type MemStore struct {
	mu       sync.Mutex
	lines    map[int64]*BlueLine
	byKey    map[Key][]int64
	records  []MatchRecord
	batches  map[string]*BatchMetadata
	outcomes []*BatchOutcome
	nextID   int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		lines:   make(map[int64]*BlueLine),
		byKey:   make(map[Key][]int64),
		batches: make(map[string]*BatchMetadata),
	}
}

// AddLine seeds a blue line.
func (s *MemStore) AddLine(l BlueLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreateTime.IsZero() {
		l.CreateTime = time.Now().UTC()
	}
	l.LastUpdate = l.CreateTime
	cp := l
	s.lines[l.LineID] = &cp
	s.byKey[l.Key] = append(s.byKey[l.Key], l.LineID)
}

// Line returns a copy of the stored line.
func (s *MemStore) Line(id int64) (BlueLine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lines[id]
	if !ok {
		return BlueLine{}, false
	}
	return *l, true
}

// Records returns a copy of all persisted match records.
func (s *MemStore) Records() []MatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MatchRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Outcomes returns the recorded reporting rows.
func (s *MemStore) Outcomes() []*BatchOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*BatchOutcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

// Batch returns the stored batch metadata.
func (s *MemStore) Batch(id string) (BatchMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return BatchMetadata{}, false
	}
	return *b, true
}

func (s *MemStore) FetchCandidates(ctx context.Context, key Key, q CandidateQuery) ([]BlueLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	excluded := make(map[int64]bool, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = true
	}
	var out []BlueLine
	for _, id := range s.byKey[key] {
		l := s.lines[id]
		if l.Remaining <= 0 || excluded[id] {
			continue
		}
		out = append(out, *l)
	}
	SortCandidates(out, q.Order)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// memGroupTx applies against the store under its lock; mutations are staged and
// flushed at the end of Apply so a failed guard leaves nothing behind.
type memGroupTx struct {
	s *MemStore
}

func (s *MemStore) RunGroup(ctx context.Context, fn func(GroupTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memGroupTx{s: s})
}

func (t *memGroupTx) LockLines(ctx context.Context, lineIDs []int64) (map[int64]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, len(lineIDs))
	copy(ids, lineIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[int64]int64, len(ids))
	for _, id := range ids {
		l, ok := t.s.lines[id]
		if !ok {
			return nil, fmt.Errorf("lock line %d: not found", id)
		}
		out[id] = l.Remaining
	}
	return out, nil
}

func (t *memGroupTx) Apply(ctx context.Context, batchID string, decs []Decrement, allocs []Allocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Validate before mutating: all-or-nothing like a real transaction.
	for _, d := range decs {
		l, ok := t.s.lines[d.LineID]
		if !ok {
			return fmt.Errorf("decrement line %d: not found", d.LineID)
		}
		if l.Remaining < d.Amount {
			return ErrStalePlan
		}
	}
	seen := make(map[[2]int64]bool, len(allocs))
	for _, a := range allocs {
		k := [2]int64{a.NegativeInvoiceID, a.BlueLineID}
		if seen[k] {
			return &IntegrityError{BatchID: batchID, Err: fmt.Errorf("duplicate allocation negative %d line %d", a.NegativeInvoiceID, a.BlueLineID)}
		}
		seen[k] = true
	}
	for _, r := range t.s.records {
		if r.BatchID != batchID || r.Status != "active" {
			continue
		}
		if seen[[2]int64{r.NegativeInvoiceID, r.BlueLineID}] {
			return &IntegrityError{BatchID: batchID, Err: fmt.Errorf("allocation exists for negative %d line %d", r.NegativeInvoiceID, r.BlueLineID)}
		}
	}

	now := time.Now().UTC()
	for _, d := range decs {
		l := t.s.lines[d.LineID]
		l.Remaining -= d.Amount
		l.LastUpdate = now
	}
	for _, a := range allocs {
		t.s.nextID++
		t.s.records = append(t.s.records, MatchRecord{
			MatchID:           t.s.nextID,
			BatchID:           batchID,
			NegativeInvoiceID: a.NegativeInvoiceID,
			BlueLineID:        a.BlueLineID,
			AmountUsed:        a.AmountUsed,
			MatchTime:         now,
			Status:            "active",
		})
	}
	return nil
}

func (s *MemStore) BeginBatch(ctx context.Context, batchID string, total int, resume bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok {
		now := time.Now().UTC()
		s.batches[batchID] = &BatchMetadata{
			BatchID:    batchID,
			TotalLines: int64(total),
			Status:     BatchRunning,
			StartTime:  now,
		}
		return false, nil
	}
	if !resume || b.Status != BatchFailed {
		return false, fmt.Errorf("batch %s: %w", batchID, ErrDuplicateBatch)
	}
	now := time.Now().UTC()
	b.Status = BatchRunning
	b.ResumedAt = &now
	b.ResumedFrom = batchID
	b.ErrorMessage = ""
	return true, nil
}

func (s *MemStore) FinishBatch(ctx context.Context, batchID string, status BatchStatus, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return fmt.Errorf("batch %s not found", batchID)
	}
	now := time.Now().UTC()
	b.Status = status
	b.EndTime = &now
	b.ErrorMessage = errMsg
	return nil
}

func (s *MemStore) ProcessedNegatives(ctx context.Context, batchID string) (map[int64]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]bool)
	for _, r := range s.records {
		if r.BatchID == batchID && r.Status == "active" {
			out[r.NegativeInvoiceID] = true
		}
	}
	return out, nil
}

func (s *MemStore) RecordOutcome(ctx context.Context, o *BatchOutcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	s.outcomes = append(s.outcomes, &cp)
	return nil
}
