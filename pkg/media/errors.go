package media

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies media failures into the small taxonomy the rest of
// the call stack switches on.
type ErrorCode int

const (
	CodeConnectionFailed ErrorCode = iota + 1
	CodeAlreadyConnecting
	CodeMicrophoneError
	CodeCameraError
	CodePermissionDenied
	CodeTrackError
	CodeNetworkError
	CodeUnknown
)

func (c ErrorCode) String() string {
	switch c {
	case CodeConnectionFailed:
		return "ConnectionFailed"
	case CodeAlreadyConnecting:
		return "AlreadyConnecting"
	case CodeMicrophoneError:
		return "MicrophoneError"
	case CodeCameraError:
		return "CameraError"
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeTrackError:
		return "TrackError"
	case CodeNetworkError:
		return "NetworkError"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error is a classified media failure. Op names the manager operation that
// failed.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("media: %s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("media: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// classify maps a provider error to the taxonomy. Camera operations get
// their own code so UI can distinguish a denied camera permission from a
// generic track failure.
func classify(op string, err error) *Error {
	switch {
	case errors.Is(err, ErrProviderPermission):
		return newError(CodePermissionDenied, op, err)
	case errors.Is(err, ErrProviderNetwork):
		return newError(CodeNetworkError, op, err)
	case errors.Is(err, ErrProviderNoCamera):
		return newError(CodeCameraError, op, err)
	case errors.Is(err, ErrProviderConnect):
		return newError(CodeConnectionFailed, op, err)
	}
	switch {
	case strings.Contains(op, "camera"):
		return newError(CodeCameraError, op, err)
	case strings.Contains(op, "microphone"):
		return newError(CodeMicrophoneError, op, err)
	case op == "connect":
		return newError(CodeConnectionFailed, op, err)
	default:
		return newError(CodeUnknown, op, err)
	}
}

// CodeOf extracts the taxonomy code from err, or CodeUnknown.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeUnknown
}
