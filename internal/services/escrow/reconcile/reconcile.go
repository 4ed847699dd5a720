// Package reconcile repairs drift between the rail, the local store, and the
// public event log. Sweeps are idempotent and safe to rerun; each kind of
// sweep refuses to overlap itself.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
	"github.com/eltris/escrowd/internal/platform/keyedmutex"
	"github.com/eltris/escrowd/internal/services/escrow/domain"
	"github.com/eltris/escrowd/internal/services/escrow/eventlog"
	"github.com/eltris/escrowd/internal/services/escrow/rail"
	"github.com/eltris/escrowd/internal/services/escrow/settlement"
	"github.com/eltris/escrowd/internal/services/escrow/storage"
)

// DefaultSweepLimit bounds how many rows one sweep pass touches.
const DefaultSweepLimit = 100

// StuckHoldAge is how long a hold may sit accepted after its task terminated
// before the sweep retries the rail.
const StuckHoldAge = 10 * time.Minute

// InstrumentExpirer expires funding instruments past their payable window.
type InstrumentExpirer interface {
	ExpireInstrument(ctx context.Context, fundingID string, now time.Time) error
}

// LogReader fetches the public records for one task.
type LogReader interface {
	FetchTaskRecords(ctx context.Context, taskID string) ([]eventlog.Record, error)
}

// Settler replays a crashed settlement. Resolution is idempotent, so a
// sweep retry after a partial commit converges instead of double-paying.
type Settler interface {
	Resolve(ctx context.Context, taskID string, outcome settlement.Outcome, actor domain.ActorType, actorID string) (settlement.Result, error)
}

// Reconciler runs the repair sweeps.
type Reconciler struct {
	store   storage.Store
	rails   map[domain.RailKind]rail.Rail
	expirer InstrumentExpirer
	settler Settler
	logs    LogReader
	locks   *keyedmutex.Mutex

	// One in-flight run per sweep kind.
	runs *keyedmutex.Mutex

	limit int
}

// New wires a reconciler.
func New(store storage.Store, rails map[domain.RailKind]rail.Rail, expirer InstrumentExpirer, settler Settler, logs LogReader, locks *keyedmutex.Mutex) *Reconciler {
	return &Reconciler{
		store:   store,
		rails:   rails,
		expirer: expirer,
		settler: settler,
		logs:    logs,
		locks:   locks,
		runs:    keyedmutex.New(),
		limit:   DefaultSweepLimit,
	}
}

// SweepDeadlines expires tasks past their deadline and instruments past their
// payable window. Held funds return to the employer.
func (r *Reconciler) SweepDeadlines(ctx context.Context, now time.Time) error {
	unlock, ok := r.runs.TryLock("deadlines")
	if !ok {
		return nil
	}
	defer unlock()

	tasks, err := r.store.ListTasksPastDeadline(ctx, now, r.limit)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := r.expireTask(ctx, task, now); err != nil {
			log.Printf("event=deadline_sweep_failed task_id=%s error=%v", task.ID, err)
		}
	}

	expired, err := r.store.ListExpiredFunding(ctx, now, r.limit)
	if err != nil {
		return err
	}
	for _, rec := range expired {
		if rec.Status == domain.FundingAccepted {
			// Funds are held; expiry goes through the refund path below via
			// the task deadline, never by silently dropping the hold.
			continue
		}
		if err := r.expirer.ExpireInstrument(ctx, rec.ID, now); err != nil {
			log.Printf("event=instrument_expiry_failed funding_id=%s error=%v", rec.ID, err)
		}
	}
	return nil
}

func (r *Reconciler) expireTask(ctx context.Context, task domain.Task, now time.Time) error {
	unlock, err := r.locks.Lock(ctx, task.ID)
	if err != nil {
		return err
	}
	defer unlock()

	task, err = r.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if !task.PastDeadline(now) || task.State.IsTerminal() {
		return nil
	}
	if task.State == domain.TaskVerified || task.State == domain.TaskDisputed {
		// Verified work and open disputes outlive the task deadline; the
		// settlement or the arbitration outcome decides where funds go.
		return nil
	}

	change := storage.Change{
		Events: []domain.Event{{
			TaskID:      task.ID,
			Type:        domain.EventTaskExpired,
			ActorType:   domain.ActorSystem,
			PayloadJSON: `{"cause":"deadline"}`,
		}},
	}

	rec, err := r.store.GetActiveFunding(ctx, task.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	case rec.Status == domain.FundingAccepted:
		// Rail first, then the local commit.
		railImpl, ok := r.rails[rec.Rail]
		if !ok {
			return apperrors.WithMetadata(apperrors.CodeRailUnavailable,
				"no rail configured for funding record",
				map[string]string{"rail": string(rec.Rail)})
		}
		if err := railImpl.Cancel(ctx, rec.Commitment); err != nil {
			return err
		}
		if err := rec.Transition(domain.FundingCancelled); err != nil {
			return err
		}
		change.Funding = &rec
		change.Events = append(change.Events, domain.Event{
			TaskID:      task.ID,
			Type:        domain.EventRefundCompleted,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			ActorType:   domain.ActorSystem,
			PayloadJSON: `{"cause":"deadline"}`,
		})
	default:
		if railImpl, ok := r.rails[rec.Rail]; ok {
			if err := railImpl.Cancel(ctx, rec.Commitment); err != nil {
				return err
			}
		}
		if err := rec.Transition(domain.FundingExpired); err != nil {
			return err
		}
		change.Funding = &rec
		change.Events = append(change.Events, domain.Event{
			TaskID:     task.ID,
			Type:       domain.EventFundingExpired,
			FundingID:  rec.ID,
			Commitment: rec.Commitment,
			ActorType:  domain.ActorSystem,
		})
	}

	if err := task.Transition(domain.TaskExpired); err != nil {
		return err
	}
	change.Task = &task

	if _, err := r.store.Apply(ctx, change); err != nil {
		return err
	}
	log.Printf("event=task_expired task_id=%s cause=deadline", task.ID)
	return nil
}

// SweepStuckHolds retries holds left accepted after their task terminated,
// typically a crash between the rail call and the local commit. One retry per
// pass; persistent failures only alert.
func (r *Reconciler) SweepStuckHolds(ctx context.Context, now time.Time) error {
	unlock, ok := r.runs.TryLock("stuck_holds")
	if !ok {
		return nil
	}
	defer unlock()

	stuck, err := r.store.ListStuckHolds(ctx, now.Add(-StuckHoldAge), r.limit)
	if err != nil {
		return err
	}
	for _, rec := range stuck {
		if err := r.repairHold(ctx, rec); err != nil {
			log.Printf("event=stuck_hold_alert funding_id=%s task_id=%s error=%v", rec.ID, rec.TaskID, err)
		}
	}
	return nil
}

func (r *Reconciler) repairHold(ctx context.Context, rec domain.FundingRecord) error {
	replay, err := r.repairTerminalHold(ctx, rec)
	if err != nil || !replay {
		return err
	}
	// The task verified but its settlement never committed: retry the
	// release once through the coordinator, which takes its own task lock
	// and stays idempotent across partial commits.
	_, err = r.settler.Resolve(ctx, rec.TaskID,
		settlement.Outcome{Kind: settlement.Release}, domain.ActorSystem, "")
	return err
}

// repairTerminalHold repairs a hold whose task already terminated. It reports
// replay=true when the task is verified and the settlement itself must rerun.
func (r *Reconciler) repairTerminalHold(ctx context.Context, rec domain.FundingRecord) (replay bool, err error) {
	unlock, err := r.locks.Lock(ctx, rec.TaskID)
	if err != nil {
		return false, err
	}
	defer unlock()

	rec, err = r.store.GetFunding(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if rec.Status.IsTerminal() {
		return false, nil
	}
	task, err := r.store.GetTask(ctx, rec.TaskID)
	if err != nil {
		return false, err
	}

	railImpl, ok := r.rails[rec.Rail]
	if !ok {
		return false, apperrors.WithMetadata(apperrors.CodeRailUnavailable,
			"no rail configured for funding record",
			map[string]string{"rail": string(rec.Rail)})
	}

	var target domain.FundingStatus
	switch task.State {
	case domain.TaskPaid:
		if err := railImpl.Release(ctx, rec.Commitment); err != nil {
			return false, err
		}
		target = domain.FundingSettled
	case domain.TaskRefunded, domain.TaskExpired:
		if err := railImpl.Cancel(ctx, rec.Commitment); err != nil {
			return false, err
		}
		target = domain.FundingCancelled
	case domain.TaskVerified:
		// Settlement must rerun outside this lock.
		return true, nil
	default:
		// Task is still live; nothing to repair.
		return false, nil
	}

	if err := rec.Transition(target); err != nil {
		return false, err
	}
	if _, err := r.store.Apply(ctx, storage.Change{
		Funding: &rec,
		Events: []domain.Event{{
			TaskID:      rec.TaskID,
			Type:        domain.EventStateCorrected,
			FundingID:   rec.ID,
			Commitment:  rec.Commitment,
			ActorType:   domain.ActorSystem,
			PayloadJSON: `{"cause":"stuck_hold"}`,
		}},
	}); err != nil {
		return false, err
	}
	log.Printf("event=stuck_hold_repaired funding_id=%s task_id=%s status=%s", rec.ID, rec.TaskID, target)
	return false, nil
}

// Divergence describes one disagreement between the journal and the public
// log for a task.
type Divergence struct {
	TaskID string
	// MissingRemotely counts published journal rows the log no longer
	// returns.
	MissingRemotely int
	// MissingLocally counts log records with no matching journal row.
	MissingLocally int
	// StateCorrected reports that replaying the merged stream produced a
	// different task state and the local row was overwritten to match.
	StateCorrected bool
}

// SweepEventLog diffs recent journal rows against the public log. The log is
// authoritative: records missing locally are journaled as corrections, and
// published rows the log dropped escalate for operator review.
func (r *Reconciler) SweepEventLog(ctx context.Context, since time.Time) ([]Divergence, error) {
	unlock, ok := r.runs.TryLock("event_log")
	if !ok {
		return nil, nil
	}
	defer unlock()

	local, err := r.store.ListEventsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	byTask := make(map[string][]domain.Event)
	for _, evt := range local {
		byTask[evt.TaskID] = append(byTask[evt.TaskID], evt)
	}

	var divergences []Divergence
	for taskID, events := range byTask {
		d, err := r.diffTask(ctx, taskID, events)
		if err != nil {
			log.Printf("event=log_diff_failed task_id=%s error=%v", taskID, err)
			continue
		}
		if d.MissingLocally > 0 || d.MissingRemotely > 0 {
			divergences = append(divergences, d)
		}
	}
	return divergences, nil
}

func (r *Reconciler) diffTask(ctx context.Context, taskID string, events []domain.Event) (Divergence, error) {
	records, err := r.logs.FetchTaskRecords(ctx, taskID)
	if err != nil {
		return Divergence{}, err
	}
	remote := make(map[string]bool, len(records))
	for _, rec := range records {
		remote[rec.ID] = true
	}
	localByExternal := make(map[string]bool, len(events))

	d := Divergence{TaskID: taskID}
	merged := make([]replayEvent, 0, len(events)+len(records))
	for _, evt := range events {
		merged = append(merged, replayEvent{seq: evt.Seq, typ: string(evt.Type)})
		if evt.ExternalEventID == "" {
			// Not yet published; the publisher owns it.
			continue
		}
		localByExternal[evt.ExternalEventID] = true
		if !remote[evt.ExternalEventID] {
			d.MissingRemotely++
		}
	}
	remoteMoves := false
	for _, rec := range records {
		if localByExternal[rec.ID] {
			continue
		}
		eventType, seq, _, err := rec.DecodeContent()
		if err != nil {
			log.Printf("event=log_record_undecodable task_id=%s record_id=%s error=%v", taskID, rec.ID, err)
			continue
		}
		merged = append(merged, replayEvent{seq: seq, typ: eventType})
		if _, ok := stateAfter(eventType); ok {
			remoteMoves = true
		}
		d.MissingLocally++
		if err := r.journalCorrection(ctx, taskID, rec); err != nil {
			return d, err
		}
	}

	// When an adopted record moves the task, the merged stream is
	// authoritative: replay it and overwrite the local row to match.
	if expected, ok := replayState(merged); ok && remoteMoves {
		corrected, err := r.overwriteTaskState(ctx, taskID, expected)
		if err != nil {
			return d, err
		}
		d.StateCorrected = corrected
	}

	if d.MissingRemotely > 0 {
		err := apperrors.WithMetadata(apperrors.CodeReconciliationDivergence,
			"public log dropped published records",
			map[string]string{"task_id": taskID})
		log.Printf("event=reconciliation_divergence task_id=%s missing_remotely=%d error=%v", taskID, d.MissingRemotely, err)
	}
	return d, nil
}

// replayEvent is one step of the merged journal/log stream.
type replayEvent struct {
	seq uint64
	typ string
}

// stateAfter maps an event type to the task state it leaves behind. Events
// that do not move the task report ok=false.
func stateAfter(eventType string) (domain.TaskState, bool) {
	switch domain.EventType(eventType) {
	case domain.EventTaskCreated:
		return domain.TaskDraft, true
	case domain.EventInstrumentCreated:
		return domain.TaskPendingFunding, true
	case domain.EventPaymentAccepted:
		return domain.TaskFunded, true
	case domain.EventTaskClaimed:
		return domain.TaskClaimed, true
	case domain.EventProofVerified:
		return domain.TaskVerified, true
	case domain.EventProofRejected, domain.EventDisputeOpened:
		return domain.TaskDisputed, true
	case domain.EventSettlementCompleted:
		return domain.TaskPaid, true
	case domain.EventRefundCompleted:
		return domain.TaskRefunded, true
	case domain.EventTaskExpired, domain.EventTaskCancelled:
		return domain.TaskExpired, true
	}
	return "", false
}

// replayState folds the merged stream into the task state it implies.
// Terminal states are sticky against trailing bookkeeping events; only a
// deadline expiry moves a task that already settled, matching the deadline
// sweep's refund-then-expire ordering.
func replayState(merged []replayEvent) (domain.TaskState, bool) {
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].seq < merged[j].seq })
	var state domain.TaskState
	var known bool
	for _, e := range merged {
		next, ok := stateAfter(e.typ)
		if !ok {
			continue
		}
		if known && state.IsTerminal() && domain.EventType(e.typ) != domain.EventTaskExpired {
			continue
		}
		state = next
		known = true
	}
	return state, known
}

// overwriteTaskState forces the local task row to the log-derived state and
// journals the correction. Divergence always escalates, even after repair.
func (r *Reconciler) overwriteTaskState(ctx context.Context, taskID string, expected domain.TaskState) (bool, error) {
	unlock, err := r.locks.Lock(ctx, taskID)
	if err != nil {
		return false, err
	}
	defer unlock()

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.State == expected {
		return false, nil
	}
	from := task.State
	task.State = expected
	if _, err := r.store.Apply(ctx, storage.Change{
		Task: &task,
		Events: []domain.Event{{
			TaskID:      taskID,
			Type:        domain.EventStateCorrected,
			ActorType:   domain.ActorSystem,
			PayloadJSON: fmt.Sprintf(`{"cause":"event_log","from":%q,"to":%q}`, from, expected),
		}},
	}); err != nil {
		return false, err
	}
	divergence := apperrors.WithMetadata(apperrors.CodeReconciliationDivergence,
		"local task state overwritten from the public log",
		map[string]string{"task_id": taskID, "from": string(from), "to": string(expected)})
	log.Printf("event=reconciliation_divergence task_id=%s from=%s to=%s error=%v", taskID, from, expected, divergence)
	return true, nil
}

// journalCorrection adopts a log record the journal never saw. The correction
// row carries the record id, so the publisher will not re-export it.
func (r *Reconciler) journalCorrection(ctx context.Context, taskID string, rec eventlog.Record) error {
	unlock, err := r.locks.Lock(ctx, taskID)
	if err != nil {
		return err
	}
	defer unlock()

	eventType, seq, payload, err := rec.DecodeContent()
	if err != nil {
		return err
	}
	events, err := r.store.Apply(ctx, storage.Change{
		Events: []domain.Event{{
			TaskID:      taskID,
			Type:        domain.EventStateCorrected,
			ActorType:   domain.ActorSystem,
			PayloadJSON: payload,
		}},
	})
	if err != nil {
		return err
	}
	for _, evt := range events {
		if err := r.store.MarkEventPublished(ctx, taskID, evt.Seq, rec.ID); err != nil {
			return err
		}
	}
	log.Printf("event=state_corrected task_id=%s source_type=%s source_seq=%d record_id=%s", taskID, eventType, seq, rec.ID)
	return nil
}

// Loop runs a sweep function on a fixed interval until the context ends.
func Loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context, time.Time) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := sweep(ctx, now.UTC()); err != nil {
				log.Printf("event=sweep_failed sweep=%s error=%v", name, err)
			}
		}
	}
}
