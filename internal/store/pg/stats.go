package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/fapiaoyun/redmatch/internal/match"
)

// ErrBatchNotFound is returned when batch_metadata has no such row.
var ErrBatchNotFound = errors.New("batch not found")

// GetBatch reads one batch_metadata row.
func (s *Store) GetBatch(ctx context.Context, batchID string) (match.BatchMetadata, error) {
	var (
		b           match.BatchMetadata
		endTime     sql.NullTime
		resumedAt   sql.NullTime
		resumedFrom sql.NullString
		errMsg      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select batch_id, total_lines, inserted_lines, status, start_time, end_time, resumed_at, resumed_from, error_message
		from batch_metadata where batch_id=$1
	`, batchID).Scan(&b.BatchID, &b.TotalLines, &b.InsertedLines, &b.Status,
		&b.StartTime, &endTime, &resumedAt, &resumedFrom, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return match.BatchMetadata{}, ErrBatchNotFound
	}
	if err != nil {
		return match.BatchMetadata{}, err
	}
	if endTime.Valid {
		b.EndTime = &endTime.Time
	}
	if resumedAt.Valid {
		b.ResumedAt = &resumedAt.Time
	}
	if resumedFrom.Valid {
		b.ResumedFrom = resumedFrom.String
	}
	if errMsg.Valid {
		b.ErrorMessage = errMsg.String
	}
	return b, nil
}

// ListBatches returns the most recent batches, newest first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]match.BatchMetadata, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		select batch_id, total_lines, inserted_lines, status, start_time, end_time, resumed_at, resumed_from, error_message
		from batch_metadata
		order by start_time desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []match.BatchMetadata
	for rows.Next() {
		var (
			b           match.BatchMetadata
			endTime     sql.NullTime
			resumedAt   sql.NullTime
			resumedFrom sql.NullString
			errMsg      sql.NullString
		)
		if err := rows.Scan(&b.BatchID, &b.TotalLines, &b.InsertedLines, &b.Status,
			&b.StartTime, &endTime, &resumedAt, &resumedFrom, &errMsg); err != nil {
			return nil, err
		}
		if endTime.Valid {
			b.EndTime = &endTime.Time
		}
		if resumedAt.Valid {
			b.ResumedAt = &resumedAt.Time
		}
		if resumedFrom.Valid {
			b.ResumedFrom = resumedFrom.String
		}
		if errMsg.Valid {
			b.ErrorMessage = errMsg.String
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FragmentStats buckets the blue-line pool by remaining balance. Boundaries
// are whole currency units: depleted, <50 fragment, <100 small, <500 medium,
// else large.
func (s *Store) FragmentStats(ctx context.Context) ([]match.FragmentBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		select
			case
				when remaining = 0 then '0_depleted'
				when remaining < 50 then '1_fragment'
				when remaining < 100 then '2_small'
				when remaining < 500 then '3_medium'
				else '4_large'
			end as category,
			count(*) as count,
			coalesce(sum(remaining), 0) as total_amount
		from blue_lines
		group by category
		order by category
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []match.FragmentBucket
	for rows.Next() {
		var (
			b   match.FragmentBucket
			amt decimal.Decimal
		)
		if err := rows.Scan(&b.Category, &b.Count, &amt); err != nil {
			return nil, err
		}
		if b.Amount, err = match.CentsFromDecimal(amt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
