package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const fundingColumns = `id, task_id, rail, instrument_id, commitment, expected_amount,
	received_amount, status, metadata, expires_at, created_at, updated_at,
	accepted_at, settled_at, cancelled_at`

func putFunding(ctx context.Context, q dbtx, rec domain.FundingRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("funding id is required")
	}
	if strings.TrimSpace(rec.TaskID) == "" {
		return fmt.Errorf("funding task id is required")
	}
	metadata, err := rec.MetadataJSON()
	if err != nil {
		return fmt.Errorf("encode funding metadata: %w", err)
	}

	_, err = q.ExecContext(
		ctx,
		`INSERT INTO funding (`+fundingColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   instrument_id = excluded.instrument_id,
		   commitment = excluded.commitment,
		   received_amount = excluded.received_amount,
		   status = excluded.status,
		   metadata = excluded.metadata,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at,
		   accepted_at = excluded.accepted_at,
		   settled_at = excluded.settled_at,
		   cancelled_at = excluded.cancelled_at`,
		rec.ID,
		rec.TaskID,
		string(rec.Rail),
		rec.InstrumentID,
		rec.Commitment,
		rec.ExpectedAmount,
		rec.ReceivedAmount,
		string(rec.Status),
		metadata,
		toNullMillis(rec.ExpiresAt),
		toMillis(rec.CreatedAt),
		toMillis(rec.UpdatedAt),
		toNullMillis(rec.AcceptedAt),
		toNullMillis(rec.SettledAt),
		toNullMillis(rec.CancelledAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrActiveFundingExists
		}
		return fmt.Errorf("put funding: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func scanFunding(row rowScanner) (domain.FundingRecord, error) {
	var rec domain.FundingRecord
	var rail, status, metadata string
	var expiresAt, acceptedAt, settledAt, cancelledAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&rail,
		&rec.InstrumentID,
		&rec.Commitment,
		&rec.ExpectedAmount,
		&rec.ReceivedAmount,
		&status,
		&metadata,
		&expiresAt,
		&createdAt,
		&updatedAt,
		&acceptedAt,
		&settledAt,
		&cancelledAt,
	)
	if err != nil {
		return domain.FundingRecord{}, err
	}

	rec.Rail = domain.RailKind(rail)
	rec.Status = domain.FundingStatus(status)
	rec.Metadata = map[string]string{}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return domain.FundingRecord{}, fmt.Errorf("decode funding metadata: %w", err)
		}
	}
	rec.ExpiresAt = fromNullMillis(expiresAt)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.AcceptedAt = fromNullMillis(acceptedAt)
	rec.SettledAt = fromNullMillis(settledAt)
	rec.CancelledAt = fromNullMillis(cancelledAt)
	return rec, nil
}

// PutFunding upserts one funding record.
func (s *Store) PutFunding(ctx context.Context, rec domain.FundingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putFunding(ctx, s.sqlDB, rec)
}

// GetFunding returns one funding record by id.
func (s *Store) GetFunding(ctx context.Context, id string) (domain.FundingRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.FundingRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.FundingRecord{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.FundingRecord{}, fmt.Errorf("funding id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+fundingColumns+` FROM funding WHERE id = ?`, id)
	rec, err := scanFunding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FundingRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.FundingRecord{}, fmt.Errorf("get funding: %w", err)
	}
	return rec, nil
}

// GetFundingByCommitment returns the funding record carrying one rail commitment.
func (s *Store) GetFundingByCommitment(ctx context.Context, commitment string) (domain.FundingRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.FundingRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.FundingRecord{}, fmt.Errorf("storage is not configured")
	}
	commitment = strings.TrimSpace(commitment)
	if commitment == "" {
		return domain.FundingRecord{}, fmt.Errorf("commitment is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+fundingColumns+` FROM funding WHERE commitment = ? ORDER BY created_at DESC LIMIT 1`,
		commitment,
	)
	rec, err := scanFunding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FundingRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.FundingRecord{}, fmt.Errorf("get funding by commitment: %w", err)
	}
	return rec, nil
}

// GetActiveFunding returns the single non-terminal funding record for a task.
func (s *Store) GetActiveFunding(ctx context.Context, taskID string) (domain.FundingRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.FundingRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.FundingRecord{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.FundingRecord{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+fundingColumns+` FROM funding
		 WHERE task_id = ? AND status IN (?, ?, ?)`,
		taskID,
		string(domain.FundingCreated), string(domain.FundingPending), string(domain.FundingAccepted),
	)
	rec, err := scanFunding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FundingRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.FundingRecord{}, fmt.Errorf("get active funding: %w", err)
	}
	return rec, nil
}

// ListStuckHolds returns accepted holds older than cutoff whose task has
// either reached a terminal state or sits verified awaiting settlement, with
// the hold neither released nor cancelled.
func (s *Store) ListStuckHolds(ctx context.Context, cutoff time.Time, limit int) ([]domain.FundingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT f.id, f.task_id, f.rail, f.instrument_id, f.commitment, f.expected_amount,
		        f.received_amount, f.status, f.metadata, f.expires_at, f.created_at, f.updated_at,
		        f.accepted_at, f.settled_at, f.cancelled_at
		 FROM funding f
		 JOIN tasks t ON t.id = f.task_id
		 WHERE f.status = ? AND f.updated_at < ?
		   AND t.state IN (?, ?, ?, ?)
		 ORDER BY f.updated_at ASC LIMIT ?`,
		string(domain.FundingAccepted),
		toMillis(cutoff),
		string(domain.TaskPaid), string(domain.TaskRefunded), string(domain.TaskExpired),
		string(domain.TaskVerified),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stuck holds: %w", err)
	}
	defer rows.Close()
	return collectFunding(rows)
}

// ListExpiredFunding returns non-terminal funding records whose instrument
// expiry elapsed before cutoff.
func (s *Store) ListExpiredFunding(ctx context.Context, cutoff time.Time, limit int) ([]domain.FundingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+fundingColumns+` FROM funding
		 WHERE expires_at IS NOT NULL AND expires_at < ?
		   AND status IN (?, ?)
		 ORDER BY expires_at ASC LIMIT ?`,
		toMillis(cutoff),
		string(domain.FundingCreated), string(domain.FundingPending),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired funding: %w", err)
	}
	defer rows.Close()
	return collectFunding(rows)
}

func collectFunding(rows *sql.Rows) ([]domain.FundingRecord, error) {
	var recs []domain.FundingRecord
	for rows.Next() {
		rec, err := scanFunding(rows)
		if err != nil {
			return nil, fmt.Errorf("scan funding: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate funding: %w", err)
	}
	return recs, nil
}
