package errors

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		err       error
		retryable bool
	}{
		{NewTransportError(CodeConnectionFailed, "reset", io.ErrUnexpectedEOF), true},
		{NewTransportError(CodeServerBusy, "503", nil), true},
		{NewTransportError(CodeBadResponse, "garbled", nil), false},
		{NewReadTimeout("deadline", nil), false},
		{NewWriteTimeout("deadline", nil), false},
		{NewValidationError(CodeInvalidSlice, "start < 0"), false},
		{NewProtocolError(CodeSessionExpired, "expired"), false},
		{NewDataError(CodeChecksumMismatch, "crc"), false},
		{errors.New("plain"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.retryable {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.retryable)
		}
	}
}

func TestRetryableSurvivesWrapping(t *testing.T) {
	inner := NewTransportError(CodeConnectionFailed, "reset", nil)
	wrapped := fmt.Errorf("read block 3: %w", inner)
	if !IsRetryable(wrapped) {
		t.Fatal("wrapping lost the retryable flag")
	}
	if GetCode(wrapped) != CodeConnectionFailed {
		t.Fatalf("code = %q", GetCode(wrapped))
	}
	if GetCategory(wrapped) != CategoryTransport {
		t.Fatalf("category = %q", GetCategory(wrapped))
	}
}

func TestIsMatchesCategoryAndCode(t *testing.T) {
	err := NewProtocolError(CodeInvalidState, "writer is closed")
	if !errors.Is(err, New(CategoryProtocol, CodeInvalidState, "")) {
		t.Fatal("same category and code should match")
	}
	if errors.Is(err, New(CategoryProtocol, CodeBlockMismatch, "")) {
		t.Fatal("different code must not match")
	}
	if errors.Is(err, New(CategoryValidation, CodeInvalidState, "")) {
		t.Fatal("different category must not match")
	}
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := io.ErrUnexpectedEOF
	err := NewReadTimeout("read deadline exceeded", cause)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatal("cause not reachable through Unwrap")
	}
	if !strings.Contains(err.Error(), "READ_TIMEOUT") {
		t.Fatalf("message lacks code: %q", err.Error())
	}
	if !strings.Contains(err.Error(), cause.Error()) {
		t.Fatalf("message lacks cause: %q", err.Error())
	}
}

func TestGetCodeOnForeignError(t *testing.T) {
	if GetCode(errors.New("plain")) != "" {
		t.Fatal("foreign errors have no code")
	}
	if GetCategory(nil) != "" {
		t.Fatal("nil has no category")
	}
}
