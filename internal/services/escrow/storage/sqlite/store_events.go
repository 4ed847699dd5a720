package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

const eventColumns = `task_id, seq, event_type, funding_id, dispute_id, commitment,
	actor_type, actor_id, payload, external_event_id, created_at`

// appendEvent assigns the next per-task sequence and inserts the journal row.
// Runs inside the caller's transaction; sequences never skip or repeat.
func appendEvent(ctx context.Context, q dbtx, evt domain.Event) (domain.Event, error) {
	if strings.TrimSpace(evt.TaskID) == "" {
		return domain.Event{}, fmt.Errorf("event task id is required")
	}
	if evt.Type == "" {
		return domain.Event{}, fmt.Errorf("event type is required")
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	evt.CreatedAt = evt.CreatedAt.UTC().Truncate(time.Millisecond)
	if evt.PayloadJSON == "" {
		evt.PayloadJSON = "{}"
	}
	if evt.ActorType == "" {
		evt.ActorType = domain.ActorSystem
	}

	if _, err := q.ExecContext(
		ctx,
		`INSERT INTO event_seqs (task_id, next_seq) VALUES (?, 1)
		 ON CONFLICT(task_id) DO NOTHING`,
		evt.TaskID,
	); err != nil {
		return domain.Event{}, fmt.Errorf("init event seq: %w", err)
	}

	var seq int64
	if err := q.QueryRowContext(
		ctx,
		`SELECT next_seq FROM event_seqs WHERE task_id = ?`,
		evt.TaskID,
	).Scan(&seq); err != nil {
		return domain.Event{}, fmt.Errorf("get event seq: %w", err)
	}
	evt.Seq = uint64(seq)

	if _, err := q.ExecContext(
		ctx,
		`UPDATE event_seqs SET next_seq = next_seq + 1 WHERE task_id = ?`,
		evt.TaskID,
	); err != nil {
		return domain.Event{}, fmt.Errorf("increment event seq: %w", err)
	}

	if _, err := q.ExecContext(
		ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.TaskID,
		seq,
		string(evt.Type),
		evt.FundingID,
		evt.DisputeID,
		evt.Commitment,
		string(evt.ActorType),
		evt.ActorID,
		evt.PayloadJSON,
		evt.ExternalEventID,
		toMillis(evt.CreatedAt),
	); err != nil {
		return domain.Event{}, fmt.Errorf("append event: %w", err)
	}
	return evt, nil
}

func scanEvent(row rowScanner) (domain.Event, error) {
	var evt domain.Event
	var eventType, actorType string
	var seq, createdAt int64

	err := row.Scan(
		&evt.TaskID,
		&seq,
		&eventType,
		&evt.FundingID,
		&evt.DisputeID,
		&evt.Commitment,
		&actorType,
		&evt.ActorID,
		&evt.PayloadJSON,
		&evt.ExternalEventID,
		&createdAt,
	)
	if err != nil {
		return domain.Event{}, err
	}
	evt.Seq = uint64(seq)
	evt.Type = domain.EventType(eventType)
	evt.ActorType = domain.ActorType(actorType)
	evt.CreatedAt = fromMillis(createdAt)
	return evt, nil
}

// ListTaskEvents returns the full journal for one task in sequence order.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events WHERE task_id = ? ORDER BY seq ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListUnpublishedEvents returns journal rows not yet mirrored to the public
// log, oldest first.
func (s *Store) ListUnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
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
		`SELECT `+eventColumns+` FROM events
		 WHERE external_event_id = ''
		 ORDER BY created_at ASC, task_id ASC, seq ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list unpublished events: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// MarkEventPublished records the public-log record id for one journal row.
func (s *Store) MarkEventPublished(ctx context.Context, taskID string, seq uint64, externalEventID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(externalEventID) == "" {
		return fmt.Errorf("external event id is required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE events SET external_event_id = ? WHERE task_id = ? AND seq = ? AND external_event_id = ''`,
		externalEventID, taskID, int64(seq),
	)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListEventsSince returns journal rows created at or after cutoff.
func (s *Store) ListEventsSince(ctx context.Context, cutoff time.Time) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE created_at >= ?
		 ORDER BY created_at ASC, task_id ASC, seq ASC`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}
