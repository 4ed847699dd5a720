package i18n

// messagesEnUS holds the en-US user-facing error messages.
// Template fields come from the error metadata; amounts are integer minor units.
var messagesEnUS = map[string]string{
	"UNKNOWN": "Something went wrong. Please try again.",

	"INVALID_STATE_TRANSITION":  "This operation is not allowed while the task is {{.from}}.",
	"AMOUNT_MISMATCH":           "Payment amount does not match: expected {{.expected}}, received {{.received}}.",
	"ALREADY_PROCESSING":        "A settlement for this task is already in progress. Try again shortly.",
	"RAIL_UNAVAILABLE":          "The payment provider is temporarily unreachable. Try again later.",
	"RECONCILIATION_DIVERGENCE": "Task state was corrected against the public record. Support has been notified.",
	"AUTHENTICATION_FAILURE":    "The request signature could not be verified.",

	"TASK_TITLE_EMPTY":        "Task title is required.",
	"TASK_REWARD_INVALID":     "Task reward must be greater than zero.",
	"TASK_REWARD_EXCEEDS_MAX": "Task reward {{.reward}} exceeds the maximum of {{.max}}.",
	"TASK_EMPLOYER_EMPTY":     "Employer identity is required.",
	"TASK_NOT_EMPLOYER":       "Only the task employer may perform this operation.",
	"TASK_NOT_WORKER":         "Only the assigned worker may perform this operation.",
	"TASK_PROOF_INVALID":      "The submitted proof reference is invalid.",

	"FUNDING_ACTIVE_EXISTS":      "The task already has an active funding instrument.",
	"FUNDING_DUPLICATE_INBOUND":  "A payment was already recorded for this instrument.",
	"FUNDING_INSTRUMENT_UNKNOWN": "No funding instrument matches this reference.",

	"DISPUTE_QUORUM_UNREACHED":   "The arbitrator panel did not reach a majority ruling.",
	"DISPUTE_ARBITRATOR_UNKNOWN": "You are not an assigned arbitrator for this dispute.",
	"DISPUTE_ALREADY_RESOLVED":   "This dispute has already been resolved.",

	"NOT_FOUND": "The requested record was not found.",
}
