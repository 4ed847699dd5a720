// Package domain holds the escrow core models and state machines: tasks,
// funding records, disputes, and the append-only escrow event journal.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/eltris/escrowd/internal/platform/errors"
)

// TaskState describes the task lifecycle label used by domain decisions.
type TaskState string

const (
	// TaskDraft is a created task that has not requested funding yet.
	TaskDraft TaskState = "draft"
	// TaskPendingFunding means a funding instrument was issued and awaits payment.
	TaskPendingFunding TaskState = "pending_funding"
	// TaskFunded means the payment is irrevocably held in escrow.
	TaskFunded TaskState = "funded"
	// TaskClaimed means a worker has claimed the task.
	TaskClaimed TaskState = "claimed"
	// TaskVerified means the proof was accepted and settlement may proceed.
	TaskVerified TaskState = "verified"
	// TaskPaid means funds were released to the worker. Terminal.
	TaskPaid TaskState = "paid"
	// TaskRefunded means funds were returned to the employer. Terminal.
	TaskRefunded TaskState = "refunded"
	// TaskDisputed means the task is under arbitration.
	TaskDisputed TaskState = "disputed"
	// TaskExpired means a deadline elapsed without completion. Terminal.
	TaskExpired TaskState = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskPaid, TaskRefunded, TaskExpired:
		return true
	}
	return false
}

// taskTransitions is the authoritative transition table. Any pair not listed
// here is rejected with INVALID_STATE_TRANSITION.
var taskTransitions = map[TaskState][]TaskState{
	TaskDraft:          {TaskPendingFunding, TaskExpired},
	TaskPendingFunding: {TaskFunded, TaskExpired},
	TaskFunded:         {TaskClaimed, TaskRefunded, TaskExpired},
	TaskClaimed:        {TaskVerified, TaskDisputed, TaskExpired},
	TaskVerified:       {TaskPaid, TaskDisputed},
	TaskDisputed:       {TaskPaid, TaskRefunded},
}

// CanTransition reports whether from -> to is a legal task transition.
func CanTransition(from, to TaskState) bool {
	for _, allowed := range taskTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Verification records the outcome of proof review.
type Verification struct {
	Verifier string
	Approved bool
	Reason   string
	At       time.Time
}

// Proof references the submitted work product. The content itself lives
// outside the core; only the URL and its SHA-256 hash are recorded.
type Proof struct {
	URL         string
	Hash        string
	ExternalRef string
}

// Task represents a marketplace task moving through the escrow lifecycle.
// Tasks are owned by the task controller and mutated only through Transition.
type Task struct {
	ID           string
	Title        string
	Description  string
	RewardAmount int64 // integer minor units
	State        TaskState

	Employer string
	Worker   string
	// PayeeRef is the receiving-payment reference the worker supplied at claim
	// time. Settlement releases funds against this reference.
	PayeeRef string

	FundingID string

	Proof        *Proof
	Verification *Verification

	Deadline *time.Time

	// ExternalEventID links the task to its creation record on the public log.
	ExternalEventID string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
	SettledAt   *time.Time
}

// NewTask creates a task in the draft state.
func NewTask(title, description string, rewardAmount int64, employer string, deadline *time.Time) Task {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Task{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(title),
		Description:  strings.TrimSpace(description),
		RewardAmount: rewardAmount,
		State:        TaskDraft,
		Employer:     strings.TrimSpace(employer),
		Deadline:     deadline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks task creation constraints against the configured maximum reward.
func (t Task) Validate(maxReward int64) error {
	if t.Title == "" {
		return apperrors.New(apperrors.CodeTaskTitleEmpty, "task title is required")
	}
	if t.RewardAmount <= 0 {
		return apperrors.New(apperrors.CodeTaskRewardInvalid, "task reward must be positive")
	}
	if maxReward > 0 && t.RewardAmount > maxReward {
		return apperrors.WithMetadata(apperrors.CodeTaskRewardExceedsMax, "task reward exceeds maximum",
			map[string]string{
				"reward": formatAmount(t.RewardAmount),
				"max":    formatAmount(maxReward),
			})
	}
	if t.Employer == "" {
		return apperrors.New(apperrors.CodeTaskEmployerEmpty, "employer identity is required")
	}
	return nil
}

// Transition moves the task to the target state after checking the transition
// table. Transitions attempted from a terminal state fail and leave the task
// untouched.
func (t *Task) Transition(to TaskState) error {
	if !CanTransition(t.State, to) {
		return apperrors.WithMetadata(apperrors.CodeInvalidStateTransition,
			"illegal task transition "+string(t.State)+" -> "+string(to),
			map[string]string{
				"from": string(t.State),
				"to":   string(to),
			})
	}
	t.State = to
	t.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	return nil
}

// PastDeadline reports whether the task deadline has elapsed at now.
func (t Task) PastDeadline(now time.Time) bool {
	return t.Deadline != nil && t.Deadline.Before(now)
}
