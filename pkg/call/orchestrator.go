package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/loqui-app/callkit/pkg/media"
	"github.com/loqui-app/callkit/pkg/signaling"
)

// Lifecycle transition events. Events that do not apply to the current state
// are dropped as no-ops, which makes the orchestrator idempotent to
// duplicate or reordered signaling and media events.
const (
	evDial           = "dial"
	evRing           = "ring"
	evConnect        = "connect"
	evEstablish      = "establish"
	evTeardown       = "teardown"
	evConcludeEnded  = "conclude_ended"
	evConcludeReject = "conclude_rejected"
	evConcludeMissed = "conclude_missed"
	evConcludeFailed = "conclude_failed"
)

const (
	defaultResyncInterval = 10 * time.Second
	defaultRatingMinimum  = 30 * time.Second

	collaboratorTimeout = 10 * time.Second
	mediaConnectTimeout = 30 * time.Second
)

// Config wires an Orchestrator to its collaborators. SelfID, API, Signaler
// and Provider are required.
type Config struct {
	// SelfID is this client's user identity on the relay.
	SelfID string
	// SelfName is attached for peers that render it; optional.
	SelfName string

	API      API
	Signaler Signaler
	Provider media.Provider
	Alerter  Alerter
	Hooks    Hooks
	Logger   *slog.Logger

	// ResyncInterval is the period of the full-state refresh task that runs
	// while a call is active. Zero means the default.
	ResyncInterval time.Duration
	// RatingMinimum is the minimum connected duration before a host call
	// triggers the post-call rating prompt. Zero means the default 30s.
	RatingMinimum time.Duration

	nowFn func() time.Time
}

// Orchestrator is the per-client call state machine. All state is mutated on
// a single event loop goroutine; public methods post work to that loop, so
// the type is safe for concurrent use.
type Orchestrator struct {
	selfID   string
	selfName string
	api      API
	sig      Signaler
	alerter  Alerter
	hooks    Hooks
	logger   *slog.Logger
	mediaMgr *media.Manager

	resyncInterval time.Duration
	ratingMinimum  time.Duration
	nowFn          func() time.Time

	ops  chan func()
	done chan struct{}

	// Everything below is touched only from the event loop.
	machine    *fsm.FSM
	sess       *Session
	sigOffs    []func()
	resyncStop chan struct{}

	closeOnce sync.Once
}

// New builds and starts an orchestrator. Close releases it.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.SelfID == "" || cfg.API == nil || cfg.Signaler == nil || cfg.Provider == nil {
		return nil, errors.New("call: SelfID, API, Signaler and Provider are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerter := cfg.Alerter
	if alerter == nil {
		alerter = NopAlerter{}
	}
	resync := cfg.ResyncInterval
	if resync <= 0 {
		resync = defaultResyncInterval
	}
	ratingMin := cfg.RatingMinimum
	if ratingMin <= 0 {
		ratingMin = defaultRatingMinimum
	}
	nowFn := cfg.nowFn
	if nowFn == nil {
		nowFn = time.Now
	}

	o := &Orchestrator{
		selfID:         cfg.SelfID,
		selfName:       cfg.SelfName,
		api:            cfg.API,
		sig:            cfg.Signaler,
		alerter:        alerter,
		hooks:          cfg.Hooks,
		logger:         logger,
		resyncInterval: resync,
		ratingMinimum:  ratingMin,
		nowFn:          nowFn,
		ops:            make(chan func(), 64),
		done:           make(chan struct{}),
	}

	o.mediaMgr = media.NewManager(cfg.Provider, logger, media.Callbacks{
		OnConnected:    func() { o.post(o.onMediaConnected) },
		OnDisconnected: func() { o.post(o.onMediaDisconnected) },
		OnError:        func(err *media.Error) { o.post(func() { o.onMediaError(err) }) },
		OnPeersChanged: func(peers []media.PeerState) {
			o.post(func() { o.notifyPeers(peers) })
		},
	})

	o.sigOffs = []func(){
		o.sig.On(signaling.EventCallIncoming, o.postEvent(o.onCallIncoming)),
		o.sig.On(signaling.EventCallAccepted, o.postEvent(o.onCallAccepted)),
		o.sig.On(signaling.EventCallRejected, o.postEvent(o.onCallRejected)),
		o.sig.On(signaling.EventCallEnded, o.postEvent(o.onCallEnded)),
		o.sig.On(signaling.EventCallError, o.postEvent(o.onCallError)),
	}

	go o.run()
	return o, nil
}

// Close stops the event loop and tears down any non-terminal session as
// ended. Safe to call more than once.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.do(func() {
			if o.sess != nil && !o.sess.state.Terminal() {
				term, status := o.endishOutcome()
				o.teardown(term, status, nil)
			}
			for _, off := range o.sigOffs {
				off()
			}
		})
		close(o.done)
	})
}

func (o *Orchestrator) run() {
	for {
		select {
		case <-o.done:
			return
		case fn := <-o.ops:
			fn()
		}
	}
}

func (o *Orchestrator) post(fn func()) {
	select {
	case o.ops <- fn:
	case <-o.done:
	}
}

// do posts fn and waits for it, for public methods that report a result.
func (o *Orchestrator) do(fn func()) {
	doneCh := make(chan struct{})
	o.post(func() {
		defer close(doneCh)
		fn()
	})
	select {
	case <-doneCh:
	case <-o.done:
	}
}

func (o *Orchestrator) postEvent(fn func(signaling.Event)) signaling.Handler {
	return func(ev signaling.Event) {
		o.post(func() { fn(ev) })
	}
}

// Session returns a snapshot of the current (possibly terminal) session, or
// nil when none exists.
func (o *Orchestrator) Session() *Snapshot {
	var snap *Snapshot
	o.do(func() {
		if o.sess != nil {
			s := o.sess.snapshot()
			snap = &s
		}
	})
	return snap
}

// ---- caller path ----

// PlaceCall dials receiverID. It returns immediately with PeerBusy when a
// session is already active; every later failure surfaces through Hooks.
// Order of gates: balance first (cheapest failure first), then REST
// initiate, then signaling and media.
func (o *Orchestrator) PlaceCall(receiverID string, kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("call: invalid kind %q", kind)
	}
	var err error
	o.do(func() { err = o.placeCall(receiverID, kind) })
	return err
}

func (o *Orchestrator) placeCall(receiverID string, kind Kind) error {
	if o.sess != nil && !o.sess.state.Terminal() {
		return newError(CodePeerBusy, fmt.Errorf("session %s still %s", o.sess.CallID, o.sess.state))
	}

	sess := &Session{
		Role:      RoleCaller,
		PeerID:    receiverID,
		Kind:      kind,
		state:     StateIdle,
		startedAt: o.nowFn(),
	}
	o.sess = sess
	o.machine = o.newLifecycle()
	o.fire(evDial)

	go o.dial(sess, receiverID, kind)
	return nil
}

// dial runs the blocking collaborator calls off the loop; each completion is
// posted back and guarded by current state, so a result arriving after the
// user hung up is discarded rather than cancelled.
func (o *Orchestrator) dial(sess *Session, receiverID string, kind Kind) {
	ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
	defer cancel()

	balance, err := o.api.CheckBalance(ctx, kind)
	if err != nil {
		o.post(func() { o.failDial(sess, newError(CodeInitiationFailed, err)) })
		return
	}
	if !balance.HasBalance {
		// The gate failed: no REST initiate, no signaling, no media.
		o.post(func() { o.failDial(sess, newError(CodeInsufficientBalance, nil)) })
		return
	}

	init, err := o.api.Initiate(ctx, receiverID, kind)
	if err != nil {
		o.post(func() { o.failDial(sess, newError(CodeInitiationFailed, err)) })
		return
	}

	o.post(func() { o.completeDial(sess, init) })
}

func (o *Orchestrator) failDial(sess *Session, cause *Error) {
	if o.sess != sess || o.sess.state != StateDialing {
		return
	}
	o.teardown(evConcludeFailed, StatusMissed, cause)
}

func (o *Orchestrator) completeDial(sess *Session, init Initiation) {
	if o.sess != sess || o.sess.state != StateDialing {
		return
	}

	sess.CallID = init.CallID
	sess.PeerIsHost = init.PeerIsHost
	sess.Credential = Credential{
		ServerURL: init.ServerURL,
		Room:      init.Room,
		Token:     init.Token,
		Identity:  o.selfID,
	}

	err := o.sig.Emit(signaling.EventCallInitiate, signaling.CallInitiate{
		ReceiverID: sess.PeerID,
		CallID:     sess.CallID,
		CallKind:   string(sess.Kind),
		MediaRoom:  sess.Credential.Room,
		MediaToken: sess.Credential.Token,
		ServerURL:  sess.Credential.ServerURL,
	})
	if err != nil {
		// The one signaling failure that blocks a required transition: the
		// callee can never learn about the call, so the dial aborts.
		o.teardown(evConcludeFailed, StatusMissed, newError(CodeInitiationFailed, err))
		return
	}

	o.alerter.StartRingback()
	o.connectMedia(sess)
	o.notifyState()
}

// ---- callee path ----

func (o *Orchestrator) onCallIncoming(ev signaling.Event) {
	p, ok := ev.Payload.(signaling.CallIncoming)
	if !ok {
		return
	}

	if o.sess != nil && !o.sess.state.Terminal() {
		if p.CallID == o.sess.CallID {
			// A redelivered ring for the call already in progress. Answering
			// it with busy would bounce back as a rejection of the live call.
			return
		}
		// At most one active call per client: auto-reject the new ring.
		_ = o.sig.Emit(signaling.EventCallReject, signaling.CallReject{
			CallerID: p.Caller.ID,
			Reason:   signaling.RejectReasonBusy,
		})
		return
	}

	// The inbound credential is stored verbatim; the callee never requests
	// its own.
	o.sess = &Session{
		CallID:     p.CallID,
		Role:       RoleCallee,
		PeerID:     p.Caller.ID,
		PeerName:   p.Caller.Name,
		PeerAvatar: p.Caller.Avatar,
		Kind:       Kind(p.CallKind),
		PeerIsHost: p.CallerHost,
		Credential: Credential{
			ServerURL: p.ServerURL,
			Room:      p.MediaRoom,
			Token:     p.MediaToken,
			Identity:  o.selfID,
		},
		state:     StateIdle,
		startedAt: o.nowFn(),
	}
	o.machine = o.newLifecycle()
	o.fire(evRing)
	o.alerter.StartRinging()
}

// Accept answers the ringing call: it emits the accept event and connects
// media with the stored credential.
func (o *Orchestrator) Accept() error {
	var err error
	o.do(func() {
		if o.sess == nil || o.sess.Role != RoleCallee || o.sess.state != StateRinging {
			err = errors.New("call: no ringing session to accept")
			return
		}
		o.alerter.StopRinging()
		_ = o.sig.Emit(signaling.EventCallAccept, signaling.CallAccept{CallerID: o.sess.PeerID})
		o.fire(evConnect)
		o.connectMedia(o.sess)
	})
	return err
}

// Reject declines the ringing call with an optional reason. No media
// connection is ever attempted.
func (o *Orchestrator) Reject(reason string) error {
	var err error
	o.do(func() {
		if o.sess == nil || o.sess.Role != RoleCallee || o.sess.state != StateRinging {
			err = errors.New("call: no ringing session to reject")
			return
		}
		_ = o.sig.Emit(signaling.EventCallReject, signaling.CallReject{CallerID: o.sess.PeerID, Reason: reason})
		o.teardown(evConcludeReject, StatusRejected, nil)
	})
	return err
}

// ---- shared operations ----

// HangUp ends the current call from any non-terminal state. Safe to call
// repeatedly.
func (o *Orchestrator) HangUp() {
	o.do(func() {
		if o.sess == nil || o.sess.state.Terminal() {
			return
		}
		term, status := o.endishOutcome()
		o.teardown(term, status, nil)
	})
}

// OnRingTimeout is invoked by the external ring-timer owner when callID has
// rung for too long. On the caller side it cancels the dial as missed.
func (o *Orchestrator) OnRingTimeout(callID string) {
	o.post(func() {
		if o.sess == nil || o.sess.CallID != callID {
			return
		}
		if o.sess.Role != RoleCaller || (o.sess.state != StateDialing && o.sess.state != StateConnecting) {
			return
		}
		o.teardown(evConcludeMissed, StatusMissed, nil)
	})
}

// SetMicrophoneEnabled toggles the local microphone. The reported flag
// changes only after the provider confirms.
func (o *Orchestrator) SetMicrophoneEnabled(ctx context.Context, enabled bool) error {
	return o.mediaMgr.SetMicrophoneEnabled(ctx, enabled)
}

// SetCameraEnabled toggles the local camera. Enabling is refused on an
// audio call: a session may reduce video to audio but never upgrades.
func (o *Orchestrator) SetCameraEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		var kindErr error
		o.do(func() {
			if o.sess == nil || o.sess.Kind != KindVideo {
				kindErr = errors.New("call: camera not available on an audio call")
			}
		})
		if kindErr != nil {
			return kindErr
		}
	}
	return o.mediaMgr.SetCameraEnabled(ctx, enabled)
}

// SwitchCamera flips between cameras while a camera track exists.
func (o *Orchestrator) SwitchCamera(ctx context.Context) error {
	return o.mediaMgr.SwitchCamera(ctx)
}

// DowngradeToAudio reduces a video call to audio for the rest of the
// session.
func (o *Orchestrator) DowngradeToAudio(ctx context.Context) error {
	var applies bool
	o.do(func() {
		if o.sess != nil && !o.sess.state.Terminal() && o.sess.Kind == KindVideo {
			o.sess.Kind = KindAudio
			applies = true
		}
	})
	if !applies {
		return nil
	}
	err := o.mediaMgr.SetCameraEnabled(ctx, false)
	o.do(o.notifyState)
	return err
}

// LocalMediaState reports the provider-confirmed microphone/camera flags.
func (o *Orchestrator) LocalMediaState() (micEnabled, camEnabled bool) {
	return o.mediaMgr.LocalMediaState()
}

// RemotePeers returns the media manager's current remote-peer snapshot.
func (o *Orchestrator) RemotePeers() []media.PeerState {
	return o.mediaMgr.RemotePeers()
}

// ---- signaling reactions ----

func (o *Orchestrator) onCallAccepted(signaling.Event) {
	if o.sess == nil || o.sess.Role != RoleCaller || o.sess.state != StateDialing {
		return
	}
	// Media reaching connected is the robust trigger; the accept event just
	// moves the UI forward earlier when it does arrive.
	o.fire(evConnect)
}

func (o *Orchestrator) onCallRejected(ev signaling.Event) {
	if o.sess == nil || o.sess.Role != RoleCaller || o.sess.state.Terminal() {
		return
	}
	var cause *Error
	if p, ok := ev.Payload.(signaling.CallRejected); ok && p.Reason == signaling.RejectReasonBusy {
		cause = newError(CodePeerBusy, nil)
	}
	o.teardown(evConcludeReject, StatusRejected, cause)
}

func (o *Orchestrator) onCallEnded(signaling.Event) {
	if o.sess == nil || o.sess.state.Terminal() {
		return
	}
	term, status := o.endishOutcome()
	o.teardown(term, status, nil)
}

func (o *Orchestrator) onCallError(ev signaling.Event) {
	if o.sess == nil || o.sess.state.Terminal() {
		return
	}
	var cause *Error
	if p, ok := ev.Payload.(signaling.CallError); ok {
		cause = newError(CodeInitiationFailed, errors.New(p.Message))
	}
	o.teardown(evConcludeFailed, StatusMissed, cause)
}

// ---- media reactions ----

func (o *Orchestrator) connectMedia(sess *Session) {
	params := media.ConnectParams{
		ServerURL:     sess.Credential.ServerURL,
		Token:         sess.Credential.Token,
		Identity:      sess.Credential.Identity,
		AutoSubscribe: true,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), mediaConnectTimeout)
		defer cancel()
		// Failures surface through the manager's OnError callback.
		_ = o.mediaMgr.Connect(ctx, params)
	}()
}

func (o *Orchestrator) onMediaConnected() {
	if o.sess == nil || (o.sess.state != StateDialing && o.sess.state != StateConnecting) {
		// A slow connect resolved after the session moved on: discard the
		// result by tearing the fresh connection down again.
		o.mediaMgr.Disconnect()
		return
	}

	// Connection success is sufficient to leave dialing even if the
	// signaling accept never arrived.
	o.fire(evConnect)
	if o.sess.state != StateConnecting {
		return
	}
	if o.sess.connectedAt.IsZero() {
		o.sess.connectedAt = o.nowFn()
	}
	if o.fire(evEstablish) {
		o.alerter.StopRingback()
		o.startResync()
	}
}

func (o *Orchestrator) onMediaDisconnected() {
	if o.sess == nil || o.sess.state.Terminal() {
		return
	}
	if o.sess.state == StateActive || o.sess.state == StateConnecting {
		term, status := o.endishOutcome()
		o.teardown(term, status, nil)
	}
}

func (o *Orchestrator) onMediaError(err *media.Error) {
	if o.sess == nil || o.sess.state.Terminal() {
		return
	}
	if err.Code == media.CodeConnectionFailed {
		// An established call that the transport kills still happened: it is
		// reported as completed with its connected duration. Only a call that
		// never connected concludes as a missed failure.
		term, status := o.endishOutcome()
		if status != StatusCompleted {
			term = evConcludeFailed
		}
		o.teardown(term, status, newError(CodeMediaFailed, err))
		return
	}
	if o.hooks.OnError != nil {
		o.hooks.OnError(err)
	}
}

// ---- teardown ----

// endishOutcome maps the current state to the terminal event and history
// status for a non-error end: an established call completed, an unanswered
// ring was missed.
func (o *Orchestrator) endishOutcome() (term string, status FinalStatus) {
	if o.sess != nil && !o.sess.connectedAt.IsZero() {
		return evConcludeEnded, StatusCompleted
	}
	return evConcludeMissed, StatusMissed
}

// teardown drives the common exit path. It always performs, in order: stop
// cues, disconnect media, best-effort call:end emission, history report,
// then the rating prompt side effect. Guarded so it runs at most once per
// session.
func (o *Orchestrator) teardown(term string, status FinalStatus, cause *Error) {
	if o.sess == nil || !o.fire(evTeardown) {
		return
	}
	sess := o.sess

	o.alerter.StopRingback()
	o.alerter.StopRinging()
	o.stopResync()

	o.mediaMgr.Disconnect()

	// Hang-up notice goes out only when the peer could know about the call
	// at all, and not on the reject path where both sides already concluded.
	if sess.CallID != "" && term != evConcludeReject {
		// Best effort: a dead channel must not block reaching the terminal
		// state.
		if err := o.sig.Emit(signaling.EventCallEnd, signaling.CallEnd{PeerID: sess.PeerID}); err != nil {
			o.logger.Debug("call end emission failed", "call_id", sess.CallID, "error", err)
		}
	}

	sess.endedAt = o.nowFn()
	dur := sess.duration()

	if sess.CallID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), collaboratorTimeout)
			defer cancel()
			if err := o.api.UpdateStatus(ctx, sess.CallID, status, dur); err != nil {
				o.logger.Warn("call status report failed", "call_id", sess.CallID, "status", status, "error", err)
			}
		}()
	}

	o.fire(term)

	if cause != nil && o.hooks.OnError != nil {
		o.hooks.OnError(cause)
	}
	if status == StatusCompleted && sess.PeerIsHost && dur >= o.ratingMinimum {
		if o.hooks.OnRatingPrompt != nil {
			o.hooks.OnRatingPrompt(sess.PeerID, dur)
		}
	}
}

// ---- resync task ----

// startResync schedules the periodic full-state refresh that runs while the
// call is active. It is cancelled unconditionally on every teardown path.
func (o *Orchestrator) startResync() {
	o.stopResync()
	stop := make(chan struct{})
	o.resyncStop = stop
	go func() {
		ticker := time.NewTicker(o.resyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				o.post(func() {
					if o.sess == nil || o.sess.state != StateActive {
						return
					}
					o.notifyPeers(o.mediaMgr.RemotePeers())
				})
			}
		}
	}()
}

func (o *Orchestrator) stopResync() {
	if o.resyncStop != nil {
		close(o.resyncStop)
		o.resyncStop = nil
	}
}

// ---- state machine plumbing ----

func (o *Orchestrator) newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateDialing)},
			{Name: evRing, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: evConnect, Src: []string{string(StateDialing), string(StateRinging)}, Dst: string(StateConnecting)},
			{Name: evEstablish, Src: []string{string(StateConnecting)}, Dst: string(StateActive)},
			{Name: evTeardown, Src: []string{
				string(StateIdle), string(StateDialing), string(StateRinging),
				string(StateConnecting), string(StateActive),
			}, Dst: string(StateEnding)},
			{Name: evConcludeEnded, Src: []string{string(StateEnding)}, Dst: string(StateEnded)},
			{Name: evConcludeReject, Src: []string{string(StateEnding)}, Dst: string(StateRejected)},
			{Name: evConcludeMissed, Src: []string{string(StateEnding)}, Dst: string(StateMissed)},
			{Name: evConcludeFailed, Src: []string{string(StateEnding)}, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"after_event": o.afterTransition,
		},
	)
}

// fire attempts a lifecycle event; an event invalid for the current state is
// a no-op and returns false.
func (o *Orchestrator) fire(event string) bool {
	if o.machine == nil {
		return false
	}
	err := o.machine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var invalid fsm.InvalidEventError
	var noTransition fsm.NoTransitionError
	if errors.As(err, &invalid) || errors.As(err, &noTransition) {
		return false
	}
	o.logger.Warn("lifecycle event failed", "event", event, "error", err)
	return false
}

func (o *Orchestrator) afterTransition(_ context.Context, e *fsm.Event) {
	if o.sess == nil {
		return
	}
	o.sess.state = State(e.Dst)
	o.notifyState()
}

func (o *Orchestrator) notifyState() {
	if o.hooks.OnStateChanged == nil || o.sess == nil {
		return
	}
	o.hooks.OnStateChanged(o.sess.snapshot())
}

func (o *Orchestrator) notifyPeers(peers []media.PeerState) {
	if o.hooks.OnPeersChanged == nil {
		return
	}
	o.hooks.OnPeersChanged(peers)
}
