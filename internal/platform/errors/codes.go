package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Settlement-core errors
	CodeInvalidStateTransition    Code = "INVALID_STATE_TRANSITION"
	CodeAmountMismatch            Code = "AMOUNT_MISMATCH"
	CodeAlreadyProcessing         Code = "ALREADY_PROCESSING"
	CodeRailUnavailable           Code = "RAIL_UNAVAILABLE"
	CodeReconciliationDivergence  Code = "RECONCILIATION_DIVERGENCE"
	CodeAuthenticationFailure     Code = "AUTHENTICATION_FAILURE"

	// Task validation errors
	CodeTaskTitleEmpty        Code = "TASK_TITLE_EMPTY"
	CodeTaskRewardInvalid     Code = "TASK_REWARD_INVALID"
	CodeTaskRewardExceedsMax  Code = "TASK_REWARD_EXCEEDS_MAX"
	CodeTaskEmployerEmpty     Code = "TASK_EMPLOYER_EMPTY"
	CodeTaskNotEmployer       Code = "TASK_NOT_EMPLOYER"
	CodeTaskNotWorker         Code = "TASK_NOT_WORKER"
	CodeTaskProofInvalid      Code = "TASK_PROOF_INVALID"

	// Funding errors
	CodeFundingActiveExists   Code = "FUNDING_ACTIVE_EXISTS"
	CodeFundingDuplicateInbound Code = "FUNDING_DUPLICATE_INBOUND"
	CodeFundingInstrumentUnknown Code = "FUNDING_INSTRUMENT_UNKNOWN"

	// Dispute errors
	CodeDisputeQuorumUnreached Code = "DISPUTE_QUORUM_UNREACHED"
	CodeDisputeArbitratorUnknown Code = "DISPUTE_ARBITRATOR_UNKNOWN"
	CodeDisputeAlreadyResolved Code = "DISPUTE_ALREADY_RESOLVED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeTaskTitleEmpty,
		CodeTaskRewardInvalid,
		CodeTaskRewardExceedsMax,
		CodeTaskEmployerEmpty,
		CodeTaskProofInvalid:
		return codes.InvalidArgument

	// FailedPrecondition - wrong state for the requested operation
	case CodeInvalidStateTransition,
		CodeAmountMismatch,
		CodeFundingActiveExists,
		CodeFundingDuplicateInbound,
		CodeDisputeQuorumUnreached,
		CodeDisputeAlreadyResolved:
		return codes.FailedPrecondition

	// Aborted - concurrent operation is in flight, retry later
	case CodeAlreadyProcessing:
		return codes.Aborted

	// Unavailable - external payment provider unreachable, retryable
	case CodeRailUnavailable:
		return codes.Unavailable

	// DataLoss - local state disagreed with the authoritative log/rail
	case CodeReconciliationDivergence:
		return codes.DataLoss

	// Unauthenticated - signature/identity mismatch
	case CodeAuthenticationFailure:
		return codes.Unauthenticated

	// PermissionDenied - authenticated but not the right party
	case CodeTaskNotEmployer,
		CodeTaskNotWorker,
		CodeDisputeArbitratorUnknown:
		return codes.PermissionDenied

	case CodeNotFound,
		CodeFundingInstrumentUnknown:
		return codes.NotFound

	default:
		return codes.Internal
	}
}
