package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"github.com/fapiaoyun/redmatch/internal/match"
)

// Store implements the engine's capability boundary over Postgres. Candidate
// retrieval rides the compound partial index on (tax_rate, buyer_id,
// seller_id) where remaining > 0; commits lock base-table rows in ascending
// line-id order.
type Store struct {
	db *sql.DB
}

var _ match.Store = (*Store)(nil)

// Open connects with tuned pool defaults; adjust under load tests.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const candidateColumns = `line_id, ticket_id, tax_rate, buyer_id, seller_id, original_amount, remaining, coalesce(batch_id,''), create_time, last_update`

func orderClause(o match.CandidateOrder) string {
	switch o {
	case match.OrderRemainingDesc:
		return "remaining desc, line_id asc"
	case match.OrderLineIDAsc:
		return "line_id asc"
	default:
		return "remaining asc, line_id asc"
	}
}

func (s *Store) FetchCandidates(ctx context.Context, key match.Key, q match.CandidateQuery) ([]match.BlueLine, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = match.DefaultCandidateLimit
	}

	var b strings.Builder
	b.WriteString(`select ` + candidateColumns + `
		from blue_lines
		where tax_rate=$1 and buyer_id=$2 and seller_id=$3 and remaining > 0`)
	args := []any{key.TaxRate, key.BuyerID, key.SellerID}
	if len(q.Exclude) > 0 {
		args = append(args, q.Exclude)
		fmt.Fprintf(&b, " and not (line_id = any($%d))", len(args))
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " order by %s limit $%d", orderClause(q.Order), len(args))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []match.BlueLine
	for rows.Next() {
		l, err := scanBlueLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlueLine(r rowScanner) (match.BlueLine, error) {
	var (
		l        match.BlueLine
		original decimal.Decimal
		rem      decimal.Decimal
	)
	if err := r.Scan(&l.LineID, &l.TicketID, &l.Key.TaxRate, &l.Key.BuyerID, &l.Key.SellerID,
		&original, &rem, &l.BatchID, &l.CreateTime, &l.LastUpdate); err != nil {
		return match.BlueLine{}, err
	}
	var err error
	if l.OriginalAmount, err = match.CentsFromDecimal(original); err != nil {
		return match.BlueLine{}, fmt.Errorf("line %d original_amount: %w", l.LineID, err)
	}
	if l.Remaining, err = match.CentsFromDecimal(rem); err != nil {
		return match.BlueLine{}, fmt.Errorf("line %d remaining: %w", l.LineID, err)
	}
	return l, nil
}

// RunGroup executes fn inside one repeatable-read transaction.
func (s *Store) RunGroup(ctx context.Context, fn func(match.GroupTx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&groupTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

type groupTx struct {
	tx *sql.Tx
}

func (g *groupTx) LockLines(ctx context.Context, lineIDs []int64) (map[int64]int64, error) {
	// Caller passes ids ascending; order by line_id keeps the lock acquisition
	// order stable across concurrent workers.
	rows, err := g.tx.QueryContext(ctx, `
		select line_id, remaining from blue_lines
		where line_id = any($1)
		order by line_id
		for update
	`, lineIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64, len(lineIDs))
	for rows.Next() {
		var (
			id  int64
			rem decimal.Decimal
		)
		if err := rows.Scan(&id, &rem); err != nil {
			return nil, err
		}
		cents, err := match.CentsFromDecimal(rem)
		if err != nil {
			return nil, fmt.Errorf("line %d remaining: %w", id, err)
		}
		out[id] = cents
	}
	return out, rows.Err()
}

func (g *groupTx) Apply(ctx context.Context, batchID string, decs []match.Decrement, allocs []match.Allocation) error {
	for _, d := range decs {
		res, err := g.tx.ExecContext(ctx, `
			update blue_lines
			set remaining = remaining - $2, last_update = now()
			where line_id = $1 and remaining >= $2
		`, d.LineID, match.DecimalFromCents(d.Amount).StringFixed(2))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			// Locked rows cannot regress, so a missed guard means the plan
			// was computed against balances another worker already consumed.
			return fmt.Errorf("decrement line %d by %d: %w", d.LineID, d.Amount, match.ErrStalePlan)
		}
	}
	for _, a := range allocs {
		_, err := g.tx.ExecContext(ctx, `
			insert into match_records (batch_id, negative_invoice_id, blue_line_id, amount_used, match_time, status)
			values ($1, $2, $3, $4, now(), 'active')
		`, batchID, a.NegativeInvoiceID, a.BlueLineID, match.DecimalFromCents(a.AmountUsed).StringFixed(2))
		if err != nil {
			if isUniqueViolation(err) {
				return &match.IntegrityError{BatchID: batchID, Err: err}
			}
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *Store) BeginBatch(ctx context.Context, batchID string, total int, resume bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into batch_metadata (batch_id, table_name, total_lines, inserted_lines, status, start_time)
		values ($1, 'blue_lines', $2, 0, 'running', now())
		on conflict (batch_id) do nothing
	`, batchID, total)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 1 {
		return false, nil
	}

	var status string
	err = s.db.QueryRowContext(ctx, `select status from batch_metadata where batch_id=$1`, batchID).Scan(&status)
	if err != nil {
		return false, err
	}
	if !resume || match.BatchStatus(status) != match.BatchFailed {
		return false, fmt.Errorf("batch %s has status %s: %w", batchID, status, match.ErrDuplicateBatch)
	}
	_, err = s.db.ExecContext(ctx, `
		update batch_metadata
		set status='running', resumed_at=now(), resumed_from=$1, error_message=null
		where batch_id=$1
	`, batchID)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) FinishBatch(ctx context.Context, batchID string, status match.BatchStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		update batch_metadata
		set status=$2, end_time=now(), error_message=nullif($3,'')
		where batch_id=$1
	`, batchID, string(status), errMsg)
	return err
}

func (s *Store) ProcessedNegatives(ctx context.Context, batchID string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct negative_invoice_id from match_records
		where batch_id=$1 and status='active'
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *Store) RecordOutcome(ctx context.Context, o *match.BatchOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		insert into test_results
			(batch_id, total_negatives, success_count, failed_count, total_amount, matched_amount, execution_time_ms, fragment_created, test_time)
		values ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`, o.BatchID, o.TotalNegatives, o.SuccessCount, o.PartialCount+o.FailedCount,
		match.DecimalFromCents(o.TotalAmount).StringFixed(2), match.DecimalFromCents(o.MatchedAmount).StringFixed(2),
		o.ExecutionTimeMs, o.FragmentCreated)
	return err
}

// InsertBlueLines bulk-loads generated lines in one transaction. Used by the
// data generator and the smoke driver.
func (s *Store) InsertBlueLines(ctx context.Context, lines []match.BlueLine) error {
	if len(lines) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		insert into blue_lines
			(ticket_id, tax_rate, buyer_id, seller_id, product_name, original_amount, remaining, batch_id, create_time, last_update)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8,''), now(), now())
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range lines {
		if _, err := stmt.ExecContext(ctx, l.TicketID, l.Key.TaxRate, l.Key.BuyerID, l.Key.SellerID,
			l.ProductName, match.DecimalFromCents(l.OriginalAmount).StringFixed(2), match.DecimalFromCents(l.Remaining).StringFixed(2), l.BatchID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureGenerationBatch claims or re-opens a data-generation batch and
// returns its current row so the generator can resume from inserted_lines.
func (s *Store) EnsureGenerationBatch(ctx context.Context, batchID string, total int64) (match.BatchMetadata, error) {
	_, err := s.db.ExecContext(ctx, `
		insert into batch_metadata (batch_id, table_name, total_lines, inserted_lines, status, start_time)
		values ($1, 'blue_lines', $2, 0, 'running', now())
		on conflict (batch_id) do update
		set total_lines = excluded.total_lines, resumed_at = now(), resumed_from = batch_metadata.batch_id
	`, batchID, total)
	if err != nil {
		return match.BatchMetadata{}, err
	}
	return s.GetBatch(ctx, batchID)
}

// UpdateInsertedLines advances the generator's resume cursor.
func (s *Store) UpdateInsertedLines(ctx context.Context, batchID string, inserted int64) error {
	_, err := s.db.ExecContext(ctx, `
		update batch_metadata set inserted_lines=$2 where batch_id=$1
	`, batchID, inserted)
	return err
}
