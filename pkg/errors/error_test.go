package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	. "runbox/pkg/errors"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code       ErrorCode
		wantStatus int
	}{
		{Success, 200},
		{InvalidParams, 400},
		{LanguageNotSupported, 400},
		{Unauthorized, 401},
		{TokenInvalid, 401},
		{RunNotFound, 404},
		{ProjectNotFound, 404},
		{RunAlreadyFinished, 409},
		{QueueFull, 429},
		{SnapshotExpired, 500},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.wantStatus {
				t.Errorf("HTTPStatus() = %v, want %v", got, tt.wantStatus)
			}
		})
	}
}

func TestWrapKeepsInnerMessage(t *testing.T) {
	inner := Newf(SnapshotExpired, "snapshot %s expired", "runs:snap:1")
	outer := Wrap(fmt.Errorf("resolve: %w", inner), SandboxSystemError)

	if outer.Code != SandboxSystemError {
		t.Fatalf("expected outer code %d, got %d", SandboxSystemError, outer.Code)
	}
	if outer.Error() != "snapshot runs:snap:1 expired" {
		t.Fatalf("unexpected message: %q", outer.Error())
	}
	if inner.Code != SnapshotExpired {
		t.Fatalf("wrap must not mutate the inner error")
	}
	if !Is(outer, SnapshotExpired) || !Is(outer, SandboxSystemError) {
		t.Fatalf("expected both codes in chain")
	}
	if !stderrors.Is(outer, inner) {
		t.Fatalf("expected std errors.Is to find inner")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(nil); got != Success {
		t.Fatalf("expected Success for nil, got %d", got)
	}
	if got := GetCode(stderrors.New("boom")); got != InternalServerError {
		t.Fatalf("expected InternalServerError, got %d", got)
	}
	wrapped := fmt.Errorf("ctx: %w", New(MalformedJob))
	if got := GetCode(wrapped); got != MalformedJob {
		t.Fatalf("expected MalformedJob, got %d", got)
	}
}

func TestValidationErrorDetails(t *testing.T) {
	err := ValidationError("entrypoint", "required")
	if err.Details["field"] != "entrypoint" || err.Details["reason"] != "required" {
		t.Fatalf("unexpected details: %v", err.Details)
	}
	if err.Error() != "entrypoint: required" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
