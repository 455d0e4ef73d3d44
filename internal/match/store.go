package match

import (
	"context"
	"time"
)

// CandidateQuery shapes one provider fetch.
type CandidateQuery struct {
	Limit   int
	Order   CandidateOrder
	Exclude []int64 // line ids already held by this group's window
}

// Decrement is one planned draw against a blue line's remaining balance.
type Decrement struct {
	LineID int64
	Amount int64 // cents
}

// Allocation is one (negative, blue line, amount) row headed for match_records.
type Allocation struct {
	NegativeInvoiceID int64
	BlueLineID        int64
	AmountUsed        int64 // cents
}

// MatchRecord is a persisted allocation.
type MatchRecord struct {
	MatchID           int64
	BatchID           string
	NegativeInvoiceID int64
	BlueLineID        int64
	AmountUsed        int64
	MatchTime         time.Time
	Status            string // active | reversed
}

// Store is the engine's capability boundary to the persistent store. The
// allocator never sees it; implementations are the Postgres store and the
// in-memory double used by tests.
type Store interface {
	// FetchCandidates returns blue lines matching key with remaining > 0,
	// ordered per the query, ties broken by ascending line id.
	// An empty window is not an error.
	FetchCandidates(ctx context.Context, key Key, q CandidateQuery) ([]BlueLine, error)

	// RunGroup executes fn inside one transactional scope at repeatable-read
	// or stronger. fn returning an error rolls the scope back.
	RunGroup(ctx context.Context, fn func(GroupTx) error) error

	// BeginBatch claims batchID. A batchID that already exists is rejected
	// with ErrDuplicateBatch unless resume is set and the prior run failed,
	// in which case the batch is marked running again and resumed=true.
	BeginBatch(ctx context.Context, batchID string, total int, resume bool) (resumed bool, err error)

	// FinishBatch records the terminal status and optional error message.
	FinishBatch(ctx context.Context, batchID string, status BatchStatus, errMsg string) error

	// ProcessedNegatives lists negatives that already hold match records in
	// this batch; a resumed run skips them.
	ProcessedNegatives(ctx context.Context, batchID string) (map[int64]bool, error)

	// RecordOutcome writes the optional test_results reporting row.
	RecordOutcome(ctx context.Context, o *BatchOutcome) error
}

// GroupTx is the transactional scope handed to one group's commit.
type GroupTx interface {
	// LockLines acquires row locks in ascending line-id order and returns the
	// re-read remaining balance per line.
	LockLines(ctx context.Context, lineIDs []int64) (map[int64]int64, error)

	// Apply decrements balances and inserts active match records. Every
	// decrement must leave remaining >= 0 or the whole scope fails.
	Apply(ctx context.Context, batchID string, decs []Decrement, allocs []Allocation) error
}
