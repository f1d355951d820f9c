package reader

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestError_Is(t *testing.T) {
	err := newError(OpRead, CodeOperationFailed, "status 6300", nil)

	if !errors.Is(err, ErrOperationFailed) {
		t.Error("errors.Is should match on code")
	}
	if errors.Is(err, ErrFailure) {
		t.Error("errors.Is must not match a different code")
	}
	if !errors.Is(err, &Error{Op: OpRead, Code: CodeOperationFailed}) {
		t.Error("errors.Is should match op+code")
	}
	if errors.Is(err, &Error{Op: OpWrite, Code: CodeOperationFailed}) {
		t.Error("errors.Is must not match a different op")
	}
}

func TestError_UnwrapChain(t *testing.T) {
	transport := newError(OpTransmit, CodeFailure, "", io.ErrUnexpectedEOF)
	load := newError(OpLoadKey, CodeFailure, "", transport)
	auth := newError(OpAuthenticate, CodeUnableToLoadKey, "", load)

	if !errors.Is(auth, io.ErrUnexpectedEOF) {
		t.Error("root cause should be reachable")
	}
	if !errors.Is(auth, ErrUnableToLoadKey) || !errors.Is(auth, ErrFailure) {
		t.Error("both outer and inner codes should match")
	}
	if CodeOf(auth) != CodeUnableToLoadKey {
		t.Errorf("CodeOf() = %q, want %q", CodeOf(auth), CodeUnableToLoadKey)
	}
	if CodeOf(io.EOF) != "" {
		t.Error("CodeOf() of a foreign error should be empty")
	}
}

func TestError_Message(t *testing.T) {
	err := newError(OpConnect, CodeFailure, "An error occurred while connecting.", io.EOF)
	got := err.Error()

	for _, part := range []string{"connect", "failure", "while connecting", "EOF"} {
		if !strings.Contains(got, part) {
			t.Errorf("Error() = %q; want containing %q", got, part)
		}
	}
}
