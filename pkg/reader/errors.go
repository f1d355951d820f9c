package reader

import (
	"errors"
	"fmt"
)

// Op names the operation category an Error belongs to.
type Op string

const (
	OpConnect      Op = "connect"
	OpDisconnect   Op = "disconnect"
	OpTransmit     Op = "transmit"
	OpControl      Op = "control"
	OpLoadKey      Op = "load_key"
	OpAuthenticate Op = "authenticate"
	OpRead         Op = "read"
	OpWrite        Op = "write"
	OpGetUID       Op = "get_uid"
	OpSelect       Op = "select"
	OpTransport    Op = "transport"
)

// Code is the short machine-readable failure kind.
type Code string

const (
	CodeFailure           Code = "failure"
	CodeInvalidMode       Code = "invalid_mode"
	CodeNotConnected      Code = "not_connected"
	CodeCardNotConnected  Code = "card_not_connected"
	CodeInvalidKeyNumber  Code = "invalid_key_number"
	CodeInvalidKey        Code = "invalid_key"
	CodeInvalidDataLength Code = "invalid_data_length"
	CodeInvalidBlock      Code = "invalid_block"
	CodeOperationFailed   Code = "operation_failed"
	CodeUnableToLoadKey   Code = "unable_to_load_key"
	CodeInvalidResponse   Code = "invalid_response"
	CodeNotFound          Code = "not_found"
	CodeAIDNotSet         Code = "aid_not_set"
)

// Error is the failure type of every Session operation.
type Error struct {
	Op   Op
	Code Code
	Msg  string
	Err  error
}

func newError(op Op, code Code, msg string, cause error) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Err: cause}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("reader: %s: %s", e.Op, e.Code)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code, and on Op when the target sets one, so that
// errors.Is(err, ErrOperationFailed) works for any operation.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// Sentinels for errors.Is.
var (
	ErrFailure           = &Error{Code: CodeFailure}
	ErrInvalidMode       = &Error{Code: CodeInvalidMode}
	ErrNotConnected      = &Error{Code: CodeNotConnected}
	ErrCardNotConnected  = &Error{Code: CodeCardNotConnected}
	ErrInvalidKeyNumber  = &Error{Code: CodeInvalidKeyNumber}
	ErrInvalidKey        = &Error{Code: CodeInvalidKey}
	ErrInvalidDataLength = &Error{Code: CodeInvalidDataLength}
	ErrInvalidBlock      = &Error{Code: CodeInvalidBlock}
	ErrOperationFailed   = &Error{Code: CodeOperationFailed}
	ErrUnableToLoadKey   = &Error{Code: CodeUnableToLoadKey}
	ErrInvalidResponse   = &Error{Code: CodeInvalidResponse}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrAIDNotSet         = &Error{Code: CodeAIDNotSet}
)

// CodeOf returns the Code of the outermost *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
