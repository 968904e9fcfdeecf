// Package presence tracks peer online status and typing indicators over the
// signaling channel. It is strictly best effort: emission failures are
// swallowed and state converges from whatever events arrive.
package presence

import (
	"log/slog"
	"sync"

	"github.com/loqui-app/callkit/pkg/signaling"
)

// Emitter is the slice of the signaling client the tracker needs.
type Emitter interface {
	Emit(event string, payload any) error
	On(event string, fn signaling.Handler) (off func())
}

// Callbacks are invoked on every observed change. They must not block.
type Callbacks struct {
	OnOnlineChanged func(userID string, online bool)
	OnTypingChanged func(userID string, typing bool)
}

// Tracker maintains the online set and per-peer typing flags. Typing state
// has no local expiry: the flag holds until the matching stop event or until
// the peer goes offline.
type Tracker struct {
	sig    Emitter
	cb     Callbacks
	logger *slog.Logger

	mu     sync.Mutex
	online map[string]struct{}
	typing map[string]struct{}
	offs   []func()
}

func NewTracker(sig Emitter, logger *slog.Logger, cb Callbacks) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		sig:    sig,
		cb:     cb,
		logger: logger,
		online: make(map[string]struct{}),
		typing: make(map[string]struct{}),
	}
	t.offs = []func(){
		sig.On(signaling.EventUserOnline, t.onOnline),
		sig.On(signaling.EventUserOffline, t.onOffline),
		sig.On(signaling.EventTypingStart, t.onTypingStart),
		sig.On(signaling.EventTypingStop, t.onTypingStop),
	}
	return t
}

// Close detaches the tracker from the signaling channel.
func (t *Tracker) Close() {
	for _, off := range t.offs {
		off()
	}
	t.offs = nil
}

// IsOnline reports whether userID is currently known to be online.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// IsTyping reports whether userID is currently typing to us.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.typing[userID]
	return ok
}

// Online returns the current online set.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	return out
}

// SetTyping announces the local typing state to receiverID. Failures are
// logged and dropped; a typing cue is never worth an error dialog.
func (t *Tracker) SetTyping(receiverID string, typing bool) {
	event := signaling.EventTypingStop
	if typing {
		event = signaling.EventTypingStart
	}
	if err := t.sig.Emit(event, signaling.TypingEvent{ReceiverID: receiverID}); err != nil {
		t.logger.Debug("typing emission dropped", "receiver", receiverID, "error", err)
	}
}

func (t *Tracker) onOnline(ev signaling.Event) {
	p, ok := ev.Payload.(signaling.PresenceEvent)
	if !ok {
		return
	}
	t.mu.Lock()
	_, known := t.online[p.UserID]
	t.online[p.UserID] = struct{}{}
	t.mu.Unlock()
	if !known && t.cb.OnOnlineChanged != nil {
		t.cb.OnOnlineChanged(p.UserID, true)
	}
}

func (t *Tracker) onOffline(ev signaling.Event) {
	p, ok := ev.Payload.(signaling.PresenceEvent)
	if !ok {
		return
	}
	t.mu.Lock()
	_, known := t.online[p.UserID]
	delete(t.online, p.UserID)
	_, wasTyping := t.typing[p.UserID]
	delete(t.typing, p.UserID)
	t.mu.Unlock()
	if wasTyping && t.cb.OnTypingChanged != nil {
		t.cb.OnTypingChanged(p.UserID, false)
	}
	if known && t.cb.OnOnlineChanged != nil {
		t.cb.OnOnlineChanged(p.UserID, false)
	}
}

func (t *Tracker) onTypingStart(ev signaling.Event) {
	if ev.From == "" {
		return
	}
	t.mu.Lock()
	_, known := t.typing[ev.From]
	t.typing[ev.From] = struct{}{}
	t.mu.Unlock()
	if !known && t.cb.OnTypingChanged != nil {
		t.cb.OnTypingChanged(ev.From, true)
	}
}

func (t *Tracker) onTypingStop(ev signaling.Event) {
	if ev.From == "" {
		return
	}
	t.mu.Lock()
	_, known := t.typing[ev.From]
	delete(t.typing, ev.From)
	t.mu.Unlock()
	if known && t.cb.OnTypingChanged != nil {
		t.cb.OnTypingChanged(ev.From, false)
	}
}
