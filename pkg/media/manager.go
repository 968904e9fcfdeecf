package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ConnState is the normalized connection state of the managed session.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Reconnection accounting. The provider reconnects autonomously; this
// counter is an observability signal only and does not drive retries. Once
// it is exhausted the manager surfaces a terminal ConnectionFailed.
const (
	reconnectMaxAttempts = 5
	reconnectBaseDelay   = time.Second
	reconnectDelayCap    = 30 * time.Second
)

const disconnectTimeout = 5 * time.Second

// Callbacks are invoked from the manager's event goroutine, never
// concurrently with each other.
type Callbacks struct {
	OnConnected    func()
	OnDisconnected func()
	OnReconnecting func(attempt int)
	OnReconnected  func()
	OnError        func(err *Error)
	OnPeersChanged func(peers []PeerState)
}

// Manager wraps exactly one provider room. It is safe for concurrent use.
type Manager struct {
	provider Provider
	logger   *slog.Logger
	cb       Callbacks

	mu                sync.Mutex
	state             ConnState
	room              Room
	connecting        bool
	micEnabled        bool
	camEnabled        bool
	peers             []PeerState
	reconnectAttempts int
	watchStop         chan struct{}
}

func NewManager(provider Provider, logger *slog.Logger, cb Callbacks) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider: provider,
		logger:   logger,
		cb:       cb,
		state:    StateIdle,
	}
}

// State returns the normalized connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LocalMediaState reports the provider-confirmed track flags. A failed
// toggle never moves these.
func (m *Manager) LocalMediaState() (micEnabled, camEnabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micEnabled, m.camEnabled
}

// RemotePeers returns the last recomputed remote participant snapshot.
func (m *Manager) RemotePeers() []PeerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerState, len(m.peers))
	copy(out, m.peers)
	return out
}

// Connect opens the room described by params. A connect already in flight is
// rejected with AlreadyConnecting; an existing connection is torn down
// first. The initial microphone state is enabled, camera follows
// params-independent caller toggles afterwards.
func (m *Manager) Connect(ctx context.Context, params ConnectParams) error {
	m.mu.Lock()
	if m.connecting {
		m.mu.Unlock()
		err := newError(CodeAlreadyConnecting, "connect", nil)
		m.emitError(err)
		return err
	}
	m.connecting = true
	existing := m.room
	stop := m.watchStop
	m.room = nil
	m.watchStop = nil
	m.state = StateConnecting
	m.mu.Unlock()

	if existing != nil {
		m.teardownRoom(existing, stop)
	}

	room, err := m.provider.Connect(ctx, params)
	if err != nil {
		cerr := classify("connect", err)
		m.mu.Lock()
		m.connecting = false
		m.state = StateDisconnected
		m.mu.Unlock()
		m.emitError(cerr)
		return cerr
	}

	watchStop := make(chan struct{})
	m.mu.Lock()
	m.connecting = false
	m.room = room
	m.state = StateConnected
	m.micEnabled = true
	m.camEnabled = false
	m.reconnectAttempts = 0
	m.watchStop = watchStop
	m.peers = room.Peers()
	m.mu.Unlock()

	go m.watch(room, watchStop)

	if m.cb.OnConnected != nil {
		m.cb.OnConnected()
	}
	m.notifyPeers()
	return nil
}

// Disconnect tears down the room and resets all state. It is safe to call in
// any state, any number of times; provider-level disconnect errors are
// logged and swallowed so cleanup can never hang or fail.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	room := m.room
	stop := m.watchStop
	m.room = nil
	m.watchStop = nil
	m.connecting = false
	m.state = StateIdle
	m.micEnabled = false
	m.camEnabled = false
	m.peers = nil
	m.reconnectAttempts = 0
	m.mu.Unlock()

	if room != nil {
		m.teardownRoom(room, stop)
	}
}

func (m *Manager) teardownRoom(room Room, stop chan struct{}) {
	if stop != nil {
		close(stop)
	}
	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	if err := room.Disconnect(ctx); err != nil {
		m.logger.Warn("media disconnect error ignored", "error", err)
	}
}

// SetMicrophoneEnabled toggles the local microphone track. The local flag is
// updated only after the provider confirms, so reported state always
// reflects provider truth.
func (m *Manager) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == nil {
		err := newError(CodeMicrophoneError, "set microphone", errors.New("not connected"))
		m.emitError(err)
		return err
	}

	if err := room.SetMicrophoneEnabled(ctx, enabled); err != nil {
		cerr := classify("set microphone", err)
		m.emitError(cerr)
		return cerr
	}

	m.mu.Lock()
	m.micEnabled = enabled
	m.mu.Unlock()
	return nil
}

// SetCameraEnabled toggles the local camera track. Camera permission
// failures classify as PermissionDenied, distinct from generic CameraError.
func (m *Manager) SetCameraEnabled(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == nil {
		err := newError(CodeCameraError, "set camera", errors.New("not connected"))
		m.emitError(err)
		return err
	}

	if err := room.SetCameraEnabled(ctx, enabled); err != nil {
		cerr := classify("set camera", err)
		m.emitError(cerr)
		return cerr
	}

	m.mu.Lock()
	m.camEnabled = enabled
	m.mu.Unlock()
	return nil
}

// SwitchCamera flips between front and back camera. Valid only while a
// camera track exists.
func (m *Manager) SwitchCamera(ctx context.Context) error {
	m.mu.Lock()
	room := m.room
	camEnabled := m.camEnabled
	m.mu.Unlock()
	if room == nil || !camEnabled {
		err := newError(CodeCameraError, "switch camera", errors.New("no camera track"))
		m.emitError(err)
		return err
	}

	if err := room.SwitchCamera(ctx); err != nil {
		cerr := classify("switch camera", err)
		m.emitError(cerr)
		return cerr
	}
	return nil
}

// watch consumes provider callbacks for one room until the room goes away or
// the manager tears it down.
func (m *Manager) watch(room Room, stop chan struct{}) {
	events := room.Events()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handleRoomEvent(room, ev)
		}
	}
}

func (m *Manager) handleRoomEvent(room Room, ev RoomEvent) {
	switch ev.Kind {
	case EventPeerJoined, EventPeerLeft, EventTrackSubscribed,
		EventTrackUnsubscribed, EventActiveSpeakerChanged, EventQualityChanged:
		// Rebuild the whole snapshot from provider state. O(peers) per
		// event, but immune to drift across reordered callbacks.
		m.mu.Lock()
		if m.room != room {
			m.mu.Unlock()
			return
		}
		m.peers = room.Peers()
		m.mu.Unlock()
		m.notifyPeers()

	case EventReconnecting:
		m.mu.Lock()
		if m.room != room {
			m.mu.Unlock()
			return
		}
		m.state = StateReconnecting
		m.reconnectAttempts++
		attempt := m.reconnectAttempts
		exhausted := attempt > reconnectMaxAttempts
		m.mu.Unlock()

		delay := telemetryDelay(attempt)
		m.logger.Info("media session reconnecting", "attempt", attempt, "nominal_delay", delay)
		if m.cb.OnReconnecting != nil {
			m.cb.OnReconnecting(attempt)
		}
		if exhausted {
			m.emitError(newError(CodeConnectionFailed, "reconnect", errors.New("reconnection attempts exhausted")))
		}

	case EventReconnected:
		m.mu.Lock()
		if m.room != room {
			m.mu.Unlock()
			return
		}
		m.state = StateConnected
		m.reconnectAttempts = 0
		// Fresh snapshot rather than trusting anything carried across the
		// reconnect boundary.
		m.peers = room.Peers()
		m.mu.Unlock()

		if m.cb.OnReconnected != nil {
			m.cb.OnReconnected()
		}
		m.notifyPeers()

	case EventDisconnected:
		m.mu.Lock()
		if m.room != room {
			m.mu.Unlock()
			return
		}
		m.state = StateDisconnected
		m.mu.Unlock()

		if ev.Err != nil {
			m.emitError(classify("connect", ev.Err))
		}
		if m.cb.OnDisconnected != nil {
			m.cb.OnDisconnected()
		}
	}
}

// telemetryDelay reports the nominal backoff for logging. The provider owns
// the actual retry timing.
func telemetryDelay(attempt int) time.Duration {
	d := reconnectBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= reconnectDelayCap {
			return reconnectDelayCap
		}
	}
	return d
}

func (m *Manager) notifyPeers() {
	if m.cb.OnPeersChanged == nil {
		return
	}
	m.cb.OnPeersChanged(m.RemotePeers())
}

func (m *Manager) emitError(err *Error) {
	if m.cb.OnError != nil {
		m.cb.OnError(err)
	}
}
