package signaling

import "fmt"

// ChannelErrorCode classifies channel-level failures.
type ChannelErrorCode int

const (
	CodeAuthRejected ChannelErrorCode = iota + 1
	CodeNetworkUnavailable
)

func (c ChannelErrorCode) String() string {
	switch c {
	case CodeAuthRejected:
		return "AuthRejected"
	case CodeNetworkUnavailable:
		return "NetworkUnavailable"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// ChannelError is returned by Connect and Emit when the channel itself fails.
type ChannelError struct {
	Code ChannelErrorCode
	Err  error
}

func (e *ChannelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signaling: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("signaling: %s", e.Code)
}

func (e *ChannelError) Unwrap() error { return e.Err }

func newChannelError(code ChannelErrorCode, err error) *ChannelError {
	return &ChannelError{Code: code, Err: err}
}
