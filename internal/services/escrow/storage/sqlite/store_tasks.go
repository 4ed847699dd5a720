package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

const taskColumns = `id, title, description, reward_amount, state, employer, worker,
	payee_ref, funding_id, proof_url, proof_hash, proof_external_ref,
	verifier, verify_approved, verify_reason, verified_at, deadline,
	external_event_id, created_at, updated_at, claimed_at, completed_at, settled_at`

func putTask(ctx context.Context, q dbtx, task domain.Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("task id is required")
	}

	var proofURL, proofHash, proofRef string
	if task.Proof != nil {
		proofURL = task.Proof.URL
		proofHash = task.Proof.Hash
		proofRef = task.Proof.ExternalRef
	}
	var verifier, verifyReason string
	var verifyApproved sql.NullInt64
	var verifiedAt sql.NullInt64
	if task.Verification != nil {
		verifier = task.Verification.Verifier
		verifyReason = task.Verification.Reason
		approved := int64(0)
		if task.Verification.Approved {
			approved = 1
		}
		verifyApproved = sql.NullInt64{Int64: approved, Valid: true}
		verifiedAt = sql.NullInt64{Int64: toMillis(task.Verification.At), Valid: true}
	}

	_, err := q.ExecContext(
		ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   title = excluded.title,
		   description = excluded.description,
		   reward_amount = excluded.reward_amount,
		   state = excluded.state,
		   employer = excluded.employer,
		   worker = excluded.worker,
		   payee_ref = excluded.payee_ref,
		   funding_id = excluded.funding_id,
		   proof_url = excluded.proof_url,
		   proof_hash = excluded.proof_hash,
		   proof_external_ref = excluded.proof_external_ref,
		   verifier = excluded.verifier,
		   verify_approved = excluded.verify_approved,
		   verify_reason = excluded.verify_reason,
		   verified_at = excluded.verified_at,
		   deadline = excluded.deadline,
		   external_event_id = excluded.external_event_id,
		   updated_at = excluded.updated_at,
		   claimed_at = excluded.claimed_at,
		   completed_at = excluded.completed_at,
		   settled_at = excluded.settled_at`,
		task.ID,
		task.Title,
		task.Description,
		task.RewardAmount,
		string(task.State),
		task.Employer,
		task.Worker,
		task.PayeeRef,
		task.FundingID,
		proofURL,
		proofHash,
		proofRef,
		verifier,
		verifyApproved,
		verifyReason,
		verifiedAt,
		toNullMillis(task.Deadline),
		task.ExternalEventID,
		toMillis(task.CreatedAt),
		toMillis(task.UpdatedAt),
		toNullMillis(task.ClaimedAt),
		toNullMillis(task.CompletedAt),
		toNullMillis(task.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var task domain.Task
	var state string
	var proofURL, proofHash, proofRef string
	var verifier, verifyReason string
	var verifyApproved, verifiedAt sql.NullInt64
	var deadline, claimedAt, completedAt, settledAt sql.NullInt64
	var createdAt, updatedAt int64

	err := row.Scan(
		&task.ID,
		&task.Title,
		&task.Description,
		&task.RewardAmount,
		&state,
		&task.Employer,
		&task.Worker,
		&task.PayeeRef,
		&task.FundingID,
		&proofURL,
		&proofHash,
		&proofRef,
		&verifier,
		&verifyApproved,
		&verifyReason,
		&verifiedAt,
		&deadline,
		&task.ExternalEventID,
		&createdAt,
		&updatedAt,
		&claimedAt,
		&completedAt,
		&settledAt,
	)
	if err != nil {
		return domain.Task{}, err
	}

	task.State = domain.TaskState(state)
	if proofURL != "" || proofHash != "" || proofRef != "" {
		task.Proof = &domain.Proof{URL: proofURL, Hash: proofHash, ExternalRef: proofRef}
	}
	if verifyApproved.Valid {
		verification := domain.Verification{
			Verifier: verifier,
			Approved: verifyApproved.Int64 != 0,
			Reason:   verifyReason,
		}
		if verifiedAt.Valid {
			verification.At = fromMillis(verifiedAt.Int64)
		}
		task.Verification = &verification
	}
	task.Deadline = fromNullMillis(deadline)
	task.CreatedAt = fromMillis(createdAt)
	task.UpdatedAt = fromMillis(updatedAt)
	task.ClaimedAt = fromNullMillis(claimedAt)
	task.CompletedAt = fromNullMillis(completedAt)
	task.SettledAt = fromNullMillis(settledAt)
	return task, nil
}

// PutTask upserts one task row.
func (s *Store) PutTask(ctx context.Context, task domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putTask(ctx, s.sqlDB, task)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return domain.Task{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Task{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Task{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasksByState returns up to limit tasks in one lifecycle state, oldest first.
func (s *Store) ListTasksByState(ctx context.Context, state domain.TaskState, limit int) ([]domain.Task, error) {
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
		`SELECT `+taskColumns+` FROM tasks WHERE state = ? ORDER BY created_at ASC LIMIT ?`,
		string(state), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks by state: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksPastDeadline returns non-terminal tasks whose deadline elapsed before cutoff.
func (s *Store) ListTasksPastDeadline(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
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
		`SELECT `+taskColumns+` FROM tasks
		 WHERE deadline IS NOT NULL AND deadline < ?
		   AND state NOT IN (?, ?, ?)
		 ORDER BY deadline ASC LIMIT ?`,
		toMillis(cutoff),
		string(domain.TaskPaid), string(domain.TaskRefunded), string(domain.TaskExpired),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks past deadline: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
