// Package media owns the lifecycle of a single external media-session handle
// and presents a normalized surface over the conferencing provider SDK.
package media

import (
	"context"
	"errors"
)

// ConnectParams carries the single-use credential issued at call initiation.
type ConnectParams struct {
	ServerURL     string
	Token         string
	Identity      string
	AutoSubscribe bool
}

// Quality mirrors the provider's per-peer connection quality signal.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityPoor
	QualityGood
	QualityExcellent
)

func (q Quality) String() string {
	switch q {
	case QualityPoor:
		return "poor"
	case QualityGood:
		return "good"
	case QualityExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// PeerState is one remote participant as reported by the provider.
type PeerState struct {
	Identity          string
	IsSpeaking        bool
	MicrophoneEnabled bool
	CameraEnabled     bool
	Quality           Quality
}

// RoomEventKind enumerates provider callbacks relevant to the manager. On any
// of these the manager rebuilds its full remote-peer snapshot from Peers()
// instead of patching a cached list.
type RoomEventKind int

const (
	EventPeerJoined RoomEventKind = iota + 1
	EventPeerLeft
	EventTrackSubscribed
	EventTrackUnsubscribed
	EventActiveSpeakerChanged
	EventQualityChanged
	EventReconnecting
	EventReconnected
	EventDisconnected
)

// RoomEvent is a normalized provider callback.
type RoomEvent struct {
	Kind     RoomEventKind
	Identity string
	Err      error
}

// Sentinel errors the provider adapter translates SDK failures into. The
// manager classifies them into the MediaError taxonomy.
var (
	ErrProviderPermission = errors.New("media provider: permission denied")
	ErrProviderNetwork    = errors.New("media provider: network error")
	ErrProviderNoCamera   = errors.New("media provider: no camera track")
	ErrProviderConnect    = errors.New("media provider: connection failed")
)

// Room is one live media session. Implementations wrap the conferencing SDK's
// room handle; provider callbacks for a single Room are assumed ordered.
type Room interface {
	Disconnect(ctx context.Context) error
	SetMicrophoneEnabled(ctx context.Context, enabled bool) error
	SetCameraEnabled(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) error
	// Peers returns the provider's current view of remote participants.
	Peers() []PeerState
	// Events yields normalized provider callbacks. The channel is closed when
	// the room is gone.
	Events() <-chan RoomEvent
}

// Provider opens rooms against the external conferencing service.
type Provider interface {
	Connect(ctx context.Context, params ConnectParams) (Room, error)
}
