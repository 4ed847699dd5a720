package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeAlreadyProcessing, "settlement in flight")
	if !stderrors.Is(err, New(CodeAlreadyProcessing, "other message")) {
		t.Fatal("errors with the same code should match")
	}
	if stderrors.Is(err, New(CodeRailUnavailable, "settlement in flight")) {
		t.Fatal("errors with different codes should not match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(CodeRailUnavailable, "release hold", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("wrapped cause not found in chain")
	}
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(CodeAmountMismatch, "amount outside tolerance"))
	if got := CodeOf(err); got != CodeAmountMismatch {
		t.Fatalf("code = %q, want %q", got, CodeAmountMismatch)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestToGRPCStatusAttachesDetails(t *testing.T) {
	err := WithMetadata(CodeAmountMismatch, "received outside tolerance", map[string]string{
		"expected": "50000",
		"received": "52000",
	})

	st := status.Convert(err.ToGRPCStatus("en-US"))
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("grpc code = %v, want %v", st.Code(), codes.FailedPrecondition)
	}

	var foundInfo, foundLocalized bool
	for _, detail := range st.Details() {
		switch d := detail.(type) {
		case *errdetails.ErrorInfo:
			foundInfo = true
			if d.Reason != string(CodeAmountMismatch) {
				t.Fatalf("reason = %q, want %q", d.Reason, CodeAmountMismatch)
			}
			if d.Metadata["expected"] != "50000" {
				t.Fatalf("metadata expected = %q, want 50000", d.Metadata["expected"])
			}
		case *errdetails.LocalizedMessage:
			foundLocalized = true
			if d.Locale != "en-US" {
				t.Fatalf("locale = %q, want en-US", d.Locale)
			}
		}
	}
	if !foundInfo || !foundLocalized {
		t.Fatalf("details missing: info=%v localized=%v", foundInfo, foundLocalized)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want codes.Code
	}{
		{CodeInvalidStateTransition, codes.FailedPrecondition},
		{CodeAmountMismatch, codes.FailedPrecondition},
		{CodeAlreadyProcessing, codes.Aborted},
		{CodeRailUnavailable, codes.Unavailable},
		{CodeReconciliationDivergence, codes.DataLoss},
		{CodeAuthenticationFailure, codes.Unauthenticated},
		{CodeNotFound, codes.NotFound},
		{CodeUnknown, codes.Internal},
	}
	for _, tc := range tests {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("%s -> %v, want %v", tc.code, got, tc.want)
		}
	}
}
