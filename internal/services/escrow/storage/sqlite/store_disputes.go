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
)

const disputeColumns = `id, task_id, opener, opener_role, respondent, reason,
	responded_at, opener_evidence, respondent_evidence, panel, outcome,
	split_worker_share, respond_by, evidence_by, created_at, resolved_at`

func putDispute(ctx context.Context, q dbtx, d domain.Dispute) error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("dispute id is required")
	}
	if strings.TrimSpace(d.TaskID) == "" {
		return fmt.Errorf("dispute task id is required")
	}
	panel, err := json.Marshal(d.Panel)
	if err != nil {
		return fmt.Errorf("encode dispute panel: %w", err)
	}

	openerEvidence := int64(0)
	if d.OpenerEvidence {
		openerEvidence = 1
	}
	respondentEvidence := int64(0)
	if d.RespondentEvidence {
		respondentEvidence = 1
	}

	_, err = q.ExecContext(
		ctx,
		`INSERT INTO disputes (`+disputeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   responded_at = excluded.responded_at,
		   opener_evidence = excluded.opener_evidence,
		   respondent_evidence = excluded.respondent_evidence,
		   panel = excluded.panel,
		   outcome = excluded.outcome,
		   split_worker_share = excluded.split_worker_share,
		   respond_by = excluded.respond_by,
		   evidence_by = excluded.evidence_by,
		   resolved_at = excluded.resolved_at`,
		d.ID,
		d.TaskID,
		d.Opener,
		string(d.OpenerRole),
		d.Respondent,
		d.Reason,
		toNullMillis(d.RespondentRepliedAt),
		openerEvidence,
		respondentEvidence,
		string(panel),
		string(d.Outcome),
		d.SplitWorkerShare,
		toMillis(d.RespondBy),
		toMillis(d.EvidenceBy),
		toMillis(d.CreatedAt),
		toNullMillis(d.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("put dispute: %w", err)
	}
	return nil
}

func putRuling(ctx context.Context, q dbtx, r domain.Ruling) error {
	if strings.TrimSpace(r.DisputeID) == "" {
		return fmt.Errorf("ruling dispute id is required")
	}
	if strings.TrimSpace(r.Arbitrator) == "" {
		return fmt.Errorf("ruling arbitrator is required")
	}

	_, err := q.ExecContext(
		ctx,
		`INSERT INTO rulings (dispute_id, arbitrator, outcome, rationale, ruled_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(dispute_id, arbitrator) DO UPDATE SET
		   outcome = excluded.outcome,
		   rationale = excluded.rationale,
		   ruled_at = excluded.ruled_at`,
		r.DisputeID,
		r.Arbitrator,
		string(r.Outcome),
		r.Rationale,
		toMillis(r.RuledAt),
	)
	if err != nil {
		return fmt.Errorf("put ruling: %w", err)
	}
	return nil
}

func scanDispute(row rowScanner) (domain.Dispute, error) {
	var d domain.Dispute
	var openerRole, panel, outcome string
	var openerEvidence, respondentEvidence int64
	var respondBy, evidenceBy, createdAt int64
	var respondedAt, resolvedAt sql.NullInt64

	err := row.Scan(
		&d.ID,
		&d.TaskID,
		&d.Opener,
		&openerRole,
		&d.Respondent,
		&d.Reason,
		&respondedAt,
		&openerEvidence,
		&respondentEvidence,
		&panel,
		&outcome,
		&d.SplitWorkerShare,
		&respondBy,
		&evidenceBy,
		&createdAt,
		&resolvedAt,
	)
	if err != nil {
		return domain.Dispute{}, err
	}

	d.OpenerRole = domain.ActorType(openerRole)
	d.RespondentRepliedAt = fromNullMillis(respondedAt)
	d.OpenerEvidence = openerEvidence != 0
	d.RespondentEvidence = respondentEvidence != 0
	d.Outcome = domain.DisputeOutcome(outcome)
	if panel != "" && panel != "[]" {
		if err := json.Unmarshal([]byte(panel), &d.Panel); err != nil {
			return domain.Dispute{}, fmt.Errorf("decode dispute panel: %w", err)
		}
	}
	d.RespondBy = fromMillis(respondBy)
	d.EvidenceBy = fromMillis(evidenceBy)
	d.CreatedAt = fromMillis(createdAt)
	d.ResolvedAt = fromNullMillis(resolvedAt)
	return d, nil
}

// PutDispute upserts one dispute row.
func (s *Store) PutDispute(ctx context.Context, d domain.Dispute) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putDispute(ctx, s.sqlDB, d)
}

// GetDispute returns one dispute by id.
func (s *Store) GetDispute(ctx context.Context, id string) (domain.Dispute, error) {
	if err := ctx.Err(); err != nil {
		return domain.Dispute{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Dispute{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Dispute{}, fmt.Errorf("dispute id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = ?`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dispute{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("get dispute: %w", err)
	}
	return d, nil
}

// GetOpenDispute returns the unresolved dispute for a task.
func (s *Store) GetOpenDispute(ctx context.Context, taskID string) (domain.Dispute, error) {
	if err := ctx.Err(); err != nil {
		return domain.Dispute{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Dispute{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return domain.Dispute{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE task_id = ? AND resolved_at IS NULL`,
		taskID,
	)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Dispute{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Dispute{}, fmt.Errorf("get open dispute: %w", err)
	}
	return d, nil
}

// ListOverdueDisputes returns unresolved disputes whose response deadline
// elapsed before cutoff.
func (s *Store) ListOverdueDisputes(ctx context.Context, cutoff time.Time, limit int) ([]domain.Dispute, error) {
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
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE resolved_at IS NULL AND respond_by < ?
		 ORDER BY respond_by ASC LIMIT ?`,
		toMillis(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list overdue disputes: %w", err)
	}
	defer rows.Close()

	var disputes []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate disputes: %w", err)
	}
	return disputes, nil
}

// PutRuling upserts one arbitrator ruling.
func (s *Store) PutRuling(ctx context.Context, r domain.Ruling) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	return putRuling(ctx, s.sqlDB, r)
}

// ListRulings returns all rulings for one dispute.
func (s *Store) ListRulings(ctx context.Context, disputeID string) ([]domain.Ruling, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	disputeID = strings.TrimSpace(disputeID)
	if disputeID == "" {
		return nil, fmt.Errorf("dispute id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT dispute_id, arbitrator, outcome, rationale, ruled_at
		 FROM rulings WHERE dispute_id = ? ORDER BY ruled_at ASC`,
		disputeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list rulings: %w", err)
	}
	defer rows.Close()

	var rulings []domain.Ruling
	for rows.Next() {
		var r domain.Ruling
		var outcome string
		var ruledAt int64
		if err := rows.Scan(&r.DisputeID, &r.Arbitrator, &outcome, &r.Rationale, &ruledAt); err != nil {
			return nil, fmt.Errorf("scan ruling: %w", err)
		}
		r.Outcome = domain.DisputeOutcome(outcome)
		r.RuledAt = fromMillis(ruledAt)
		rulings = append(rulings, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rulings: %w", err)
	}
	return rulings, nil
}

// GetArbitratorRecord returns the ruling history for one arbitrator.
func (s *Store) GetArbitratorRecord(ctx context.Context, arbitrator string) (domain.ArbitratorRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.ArbitratorRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.ArbitratorRecord{}, fmt.Errorf("storage is not configured")
	}
	arbitrator = strings.TrimSpace(arbitrator)
	if arbitrator == "" {
		return domain.ArbitratorRecord{}, fmt.Errorf("arbitrator is required")
	}

	var rec domain.ArbitratorRecord
	var flagged int64
	err := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT arbitrator, rulings_total, employer_favor, worker_favor, split_count, flagged
		 FROM arbitrators WHERE arbitrator = ?`,
		arbitrator,
	).Scan(&rec.Arbitrator, &rec.RulingsTotal, &rec.EmployerFavor, &rec.WorkerFavor, &rec.Split, &flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ArbitratorRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.ArbitratorRecord{}, fmt.Errorf("get arbitrator record: %w", err)
	}
	rec.Flagged = flagged != 0
	return rec, nil
}

// PutArbitratorRecord upserts one arbitrator ruling history.
func (s *Store) PutArbitratorRecord(ctx context.Context, rec domain.ArbitratorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(rec.Arbitrator) == "" {
		return fmt.Errorf("arbitrator is required")
	}
	flagged := int64(0)
	if rec.Flagged {
		flagged = 1
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO arbitrators (arbitrator, rulings_total, employer_favor, worker_favor, split_count, flagged)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(arbitrator) DO UPDATE SET
		   rulings_total = excluded.rulings_total,
		   employer_favor = excluded.employer_favor,
		   worker_favor = excluded.worker_favor,
		   split_count = excluded.split_count,
		   flagged = excluded.flagged`,
		rec.Arbitrator, rec.RulingsTotal, rec.EmployerFavor, rec.WorkerFavor, rec.Split, flagged,
	)
	if err != nil {
		return fmt.Errorf("put arbitrator record: %w", err)
	}
	return nil
}

// ListArbitratorRecords returns all arbitrator ruling histories.
func (s *Store) ListArbitratorRecords(ctx context.Context) ([]domain.ArbitratorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT arbitrator, rulings_total, employer_favor, worker_favor, split_count, flagged
		 FROM arbitrators ORDER BY arbitrator ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list arbitrator records: %w", err)
	}
	defer rows.Close()

	var recs []domain.ArbitratorRecord
	for rows.Next() {
		var rec domain.ArbitratorRecord
		var flagged int64
		if err := rows.Scan(&rec.Arbitrator, &rec.RulingsTotal, &rec.EmployerFavor, &rec.WorkerFavor, &rec.Split, &flagged); err != nil {
			return nil, fmt.Errorf("scan arbitrator record: %w", err)
		}
		rec.Flagged = flagged != 0
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate arbitrator records: %w", err)
	}
	return recs, nil
}
