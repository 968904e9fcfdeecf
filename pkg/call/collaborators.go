package call

import (
	"context"
	"fmt"
	"time"

	"github.com/loqui-app/callkit/pkg/media"
	"github.com/loqui-app/callkit/pkg/signaling"
)

// FinalStatus is reported to the call-history collaborator when a session
// reaches a terminal state.
type FinalStatus string

const (
	StatusCompleted FinalStatus = "completed"
	StatusRejected  FinalStatus = "rejected"
	StatusMissed    FinalStatus = "missed"
)

// Initiation is the result of the REST initiate call: the call record plus a
// fresh media credential.
type Initiation struct {
	CallID     string
	Room       string
	Token      string
	ServerURL  string
	PeerIsHost bool
}

// Balance is the wallet gate result consulted before dialing.
type Balance struct {
	HasBalance bool
	Coins      int64
	// Rate is coins per minute for the requested call kind.
	Rate int64
}

// API is the REST collaborator surface the orchestrator consumes. Any
// non-success response is treated as InitiationFailed.
type API interface {
	Initiate(ctx context.Context, receiverID string, kind Kind) (Initiation, error)
	UpdateStatus(ctx context.Context, callID string, status FinalStatus, duration time.Duration) error
	CheckBalance(ctx context.Context, kind Kind) (Balance, error)
}

// Signaler is the slice of the signaling client the orchestrator needs.
type Signaler interface {
	Emit(event string, payload any) error
	On(event string, fn signaling.Handler) (off func())
}

// Alerter plays the presentational call cues (ringback for the caller,
// ringtone/vibration for the callee). Implementations must tolerate stop
// without a matching start.
type Alerter interface {
	StartRingback()
	StopRingback()
	StartRinging()
	StopRinging()
}

// NopAlerter is used when the embedding app renders cues elsewhere.
type NopAlerter struct{}

func (NopAlerter) StartRingback() {}
func (NopAlerter) StopRingback()  {}
func (NopAlerter) StartRinging()  {}
func (NopAlerter) StopRinging()   {}

// Hooks are UI-facing notifications. They are invoked from the
// orchestrator's event loop, never concurrently with each other, and must
// not block.
type Hooks struct {
	// OnStateChanged fires after every lifecycle transition.
	OnStateChanged func(Snapshot)
	// OnPeersChanged mirrors the media manager's remote-peer snapshot.
	OnPeersChanged func([]media.PeerState)
	// OnRatingPrompt fires after teardown when the remote peer is a billable
	// host and the call lasted past the rating threshold.
	OnRatingPrompt func(peerID string, duration time.Duration)
	// OnError surfaces user-visible failures.
	OnError func(error)
}

// ErrorCode classifies orchestrator-level failures.
type ErrorCode int

const (
	CodeInsufficientBalance ErrorCode = iota + 1
	CodeInitiationFailed
	CodePeerBusy
	CodeMediaFailed
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInsufficientBalance:
		return "InsufficientBalance"
	case CodeInitiationFailed:
		return "InitiationFailed"
	case CodePeerBusy:
		return "PeerBusy"
	case CodeMediaFailed:
		return "MediaFailed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// Error is a classified orchestrator failure.
type Error struct {
	Code ErrorCode
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("call: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("call: %s", e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}
