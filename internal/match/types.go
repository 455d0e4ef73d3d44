package match

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Amounts are minor units (cents). No floats.
// DECIMAL(15,2) columns convert at the store boundary.

// Key partitions blue lines and negatives into independent matching units.
type Key struct {
	TaxRate  int16 `json:"tax_rate"`
	BuyerID  int32 `json:"buyer_id"`
	SellerID int32 `json:"seller_id"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d", k.TaxRate, k.BuyerID, k.SellerID)
}

// BlueLine is an outstanding positive invoice line with unconsumed value.
type BlueLine struct {
	LineID         int64     `json:"line_id"`
	TicketID       string    `json:"ticket_id"`
	ProductName    string    `json:"product_name,omitempty"`
	Key            Key       `json:"key"`
	OriginalAmount int64     `json:"original_amount"` // cents
	Remaining      int64     `json:"remaining"`       // cents, 0 <= remaining <= original
	BatchID        string    `json:"batch_id,omitempty"`
	CreateTime     time.Time `json:"create_time"`
	LastUpdate     time.Time `json:"last_update"`
}

// NegativeInvoice is a refund item whose magnitude must be drawn from
// blue lines sharing its key.
type NegativeInvoice struct {
	InvoiceID int64 `json:"negative_invoice_id"`
	Key       Key   `json:"key"`
	Amount    int64 `json:"amount"` // cents, > 0
	Priority  int32 `json:"priority,omitempty"`
}

// MatchAllocation draws amount from one blue line for one negative.
type MatchAllocation struct {
	BlueLineID     int64 `json:"blue_line_id"`
	AmountUsed     int64 `json:"amount_used"` // cents, > 0
	RemainingAfter int64 `json:"remaining_after"`
}

// ResultStatus classifies the outcome for a single negative.
type ResultStatus string

const (
	StatusMatched   ResultStatus = "matched"
	StatusPartial   ResultStatus = "partial"
	StatusUnmatched ResultStatus = "unmatched"
)

// MatchResult is the per-negative outcome returned to the caller.
type MatchResult struct {
	NegativeInvoiceID int64             `json:"negative_invoice_id"`
	Status            ResultStatus      `json:"status"`
	Allocations       []MatchAllocation `json:"allocations,omitempty"`
	TotalAllocated    int64             `json:"total_allocated"`
	Shortfall         int64             `json:"shortfall,omitempty"`
	Reason            string            `json:"reason,omitempty"`
}

// BatchStatus is the lifecycle state recorded in batch_metadata.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
)

// BatchMetadata mirrors the batch_metadata row.
type BatchMetadata struct {
	BatchID       string      `json:"batch_id"`
	TotalLines    int64       `json:"total_lines"`
	InsertedLines int64       `json:"inserted_lines"`
	Status        BatchStatus `json:"status"`
	StartTime     time.Time   `json:"start_time"`
	EndTime       *time.Time  `json:"end_time,omitempty"`
	ResumedAt     *time.Time  `json:"resumed_at,omitempty"`
	ResumedFrom   string      `json:"resumed_from,omitempty"`
	ErrorMessage  string      `json:"error_message,omitempty"`
}

// FragmentBucket is one row of the blue-line pool's remaining-amount
// distribution, used by pool statistics reporting.
type FragmentBucket struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
	Amount   int64  `json:"amount"` // cents
}

// BatchOutcome aggregates a whole batch run.
type BatchOutcome struct {
	BatchID         string        `json:"batch_id"`
	Results         []MatchResult `json:"results,omitempty"`
	TotalNegatives  int           `json:"total_negatives"`
	SuccessCount    int           `json:"success_count"`
	PartialCount    int           `json:"partial_count"`
	FailedCount     int           `json:"failed_count"`
	SkippedCount    int           `json:"skipped_count"` // already recorded on resume
	TotalAmount     int64         `json:"total_amount"`
	MatchedAmount   int64         `json:"matched_amount"`
	FragmentCreated int           `json:"fragment_created"`
	StaleRetries    int           `json:"stale_retries"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	Status          BatchStatus   `json:"status"`
}

// Failure reasons carried on MatchResult.Reason.
const (
	ReasonNoCandidates       = "no_candidates"
	ReasonInsufficientFunds  = "insufficient_funds"
	ReasonContentionExceeded = "contention_exceeded"
	ReasonTimeoutExceeded    = "timeout_exceeded"
	ReasonFetchFailed        = "candidate_fetch_failed"
	ReasonIntegrityViolation = "integrity_violation"
	ReasonStoreError         = "store_error"
	ReasonCancelled          = "cancelled"
)

var (
	ErrZeroAmount     = errors.New("negative invoice amount must be > 0")
	ErrDuplicateBatch = errors.New("batch id already exists and is not resumable")
	ErrStalePlan      = errors.New("allocation plan is stale")
	ErrBatchCancelled = errors.New("batch cancelled")
)

// FetchError marks a retryable candidate-provider failure.
type FetchError struct {
	Key Key
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch candidates for key %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IntegrityError marks a commit that violated a store constraint. Fatal for
// the group and a bug signal; the offending plan is logged for forensics.
type IntegrityError struct {
	BatchID string
	Key     Key
	Err     error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity violation in batch %s key %s: %v", e.BatchID, e.Key, e.Err)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// CentsFromDecimal converts a scale-2 decimal into cents. Values with more
// than two fractional digits are a contract violation of the store schema.
func CentsFromDecimal(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(2)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds scale 2", d)
	}
	return shifted.IntPart(), nil
}

// DecimalFromCents converts cents back to the scale-2 boundary representation.
func DecimalFromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Shift(-2)
}
