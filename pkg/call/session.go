// Package call runs the per-client call-session lifecycle: it consumes
// signaling events and media callbacks, enforces the balance gate before
// dialing, and guarantees at most one active call per client.
package call

import "time"

// Role fixes which side of the call this client is. The lifecycle differs
// per role.
type Role int

const (
	RoleCaller Role = iota + 1
	RoleCallee
)

func (r Role) String() string {
	switch r {
	case RoleCaller:
		return "caller"
	case RoleCallee:
		return "callee"
	default:
		return "unknown"
	}
}

// Kind is the call media kind. Fixed at initiation; a video call may reduce
// to audio mid-call but never upgrades.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) Valid() bool { return k == KindAudio || k == KindVideo }

// State is a lifecycle state of one call session.
type State string

const (
	StateIdle       State = "idle"
	StateDialing    State = "dialing"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateEnding     State = "ending"
	StateEnded      State = "ended"
	StateRejected   State = "rejected"
	StateMissed     State = "missed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s State) Terminal() bool {
	switch s {
	case StateEnded, StateRejected, StateMissed, StateFailed:
		return true
	default:
		return false
	}
}

// Credential is the single-use, time-bounded media credential issued by the
// call-initiation collaborator. It is opaque to this package and never
// reused across two sessions.
type Credential struct {
	ServerURL string
	Room      string
	Token     string
	Identity  string
}

// Session is the unit of state for one call attempt. It is owned and
// mutated exclusively by the Orchestrator; everything else sees snapshots.
type Session struct {
	CallID     string
	Role       Role
	PeerID     string
	PeerName   string
	PeerAvatar string
	Kind       Kind
	Credential Credential
	PeerIsHost bool

	state       State
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
}

// Snapshot is a read-only copy of session state published to the UI layer.
type Snapshot struct {
	CallID      string
	Role        Role
	PeerID      string
	PeerName    string
	PeerAvatar  string
	Kind        Kind
	PeerIsHost  bool
	State       State
	StartedAt   time.Time
	ConnectedAt time.Time
	EndedAt     time.Time
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		CallID:      s.CallID,
		Role:        s.Role,
		PeerID:      s.PeerID,
		PeerName:    s.PeerName,
		PeerAvatar:  s.PeerAvatar,
		Kind:        s.Kind,
		PeerIsHost:  s.PeerIsHost,
		State:       s.state,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
}

// duration is the billed elapsed time: from first successful media
// connection to end. Zero when the call never connected.
func (s *Session) duration() time.Duration {
	if s.connectedAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	return s.endedAt.Sub(s.connectedAt)
}
