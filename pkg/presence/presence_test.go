package presence

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqui-app/callkit/pkg/signaling"
)

type stubEmitter struct {
	dispatcher *signaling.Dispatcher

	mu        sync.Mutex
	emitErr   error
	emissions []struct {
		event   string
		payload any
	}
}

func newStubEmitter() *stubEmitter {
	return &stubEmitter{dispatcher: signaling.NewDispatcher()}
}

func (s *stubEmitter) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		return s.emitErr
	}
	s.emissions = append(s.emissions, struct {
		event   string
		payload any
	}{event, payload})
	return nil
}

func (s *stubEmitter) On(event string, fn signaling.Handler) (off func()) {
	return s.dispatcher.On(event, fn)
}

func (s *stubEmitter) emitted() []struct {
	event   string
	payload any
} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]struct {
		event   string
		payload any
	}, len(s.emissions))
	copy(out, s.emissions)
	return out
}

type change struct {
	userID string
	value  bool
}

func newTestTracker(t *testing.T) (*Tracker, *stubEmitter, *[]change, *[]change) {
	t.Helper()
	sig := newStubEmitter()
	var onlineChanges, typingChanges []change
	tracker := NewTracker(sig, slog.New(slog.NewTextHandler(io.Discard, nil)), Callbacks{
		OnOnlineChanged: func(userID string, online bool) {
			onlineChanges = append(onlineChanges, change{userID, online})
		},
		OnTypingChanged: func(userID string, typing bool) {
			typingChanges = append(typingChanges, change{userID, typing})
		},
	})
	t.Cleanup(tracker.Close)
	return tracker, sig, &onlineChanges, &typingChanges
}

func TestOnlineTracking(t *testing.T) {
	tracker, sig, onlineChanges, _ := newTestTracker(t)

	assert.False(t, tracker.IsOnline("u1"))

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOnline, Payload: signaling.PresenceEvent{UserID: "u1"}})
	assert.True(t, tracker.IsOnline("u1"))
	require.Equal(t, []change{{"u1", true}}, *onlineChanges)

	// A duplicate online event does not re-notify.
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOnline, Payload: signaling.PresenceEvent{UserID: "u1"}})
	require.Len(t, *onlineChanges, 1)

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOnline, Payload: signaling.PresenceEvent{UserID: "u2"}})
	assert.ElementsMatch(t, []string{"u1", "u2"}, tracker.Online())

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOffline, Payload: signaling.PresenceEvent{UserID: "u1"}})
	assert.False(t, tracker.IsOnline("u1"))
	assert.Equal(t, []change{{"u1", true}, {"u2", true}, {"u1", false}}, *onlineChanges)

	// Offline for an unknown user is silent.
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOffline, Payload: signaling.PresenceEvent{UserID: "u9"}})
	assert.Len(t, *onlineChanges, 3)
}

func TestTypingTracking(t *testing.T) {
	tracker, sig, _, typingChanges := newTestTracker(t)

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventTypingStart, From: "u1"})
	assert.True(t, tracker.IsTyping("u1"))
	require.Equal(t, []change{{"u1", true}}, *typingChanges)

	// Repeated starts hold the flag without re-notifying.
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventTypingStart, From: "u1"})
	require.Len(t, *typingChanges, 1)

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventTypingStop, From: "u1"})
	assert.False(t, tracker.IsTyping("u1"))
	assert.Equal(t, []change{{"u1", true}, {"u1", false}}, *typingChanges)

	// A stop without a start is silent, as is an anonymous event.
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventTypingStop, From: "u2"})
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventTypingStart, From: ""})
	assert.Len(t, *typingChanges, 2)
}

func TestOfflineClearsTyping(t *testing.T) {
	tracker, sig, _, typingChanges := newTestTracker(t)

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOnline, Payload: signaling.PresenceEvent{UserID: "u1"}})
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventTypingStart, From: "u1"})
	require.True(t, tracker.IsTyping("u1"))

	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOffline, Payload: signaling.PresenceEvent{UserID: "u1"}})
	assert.False(t, tracker.IsTyping("u1"))
	assert.Equal(t, []change{{"u1", true}, {"u1", false}}, *typingChanges)
}

func TestSetTyping(t *testing.T) {
	tracker, sig, _, _ := newTestTracker(t)

	tracker.SetTyping("friend-1", true)
	tracker.SetTyping("friend-1", false)

	emitted := sig.emitted()
	require.Len(t, emitted, 2)
	assert.Equal(t, signaling.EventTypingStart, emitted[0].event)
	assert.Equal(t, signaling.TypingEvent{ReceiverID: "friend-1"}, emitted[0].payload)
	assert.Equal(t, signaling.EventTypingStop, emitted[1].event)

	// Emission failures are swallowed.
	sig.mu.Lock()
	sig.emitErr = errors.New("socket closed")
	sig.mu.Unlock()
	tracker.SetTyping("friend-1", true)
	assert.Len(t, sig.emitted(), 2)
}

func TestCloseDetachesHandlers(t *testing.T) {
	tracker, sig, onlineChanges, _ := newTestTracker(t)

	tracker.Close()
	sig.dispatcher.Dispatch(signaling.Event{Name: signaling.EventUserOnline, Payload: signaling.PresenceEvent{UserID: "u1"}})
	assert.False(t, tracker.IsOnline("u1"))
	assert.Empty(t, *onlineChanges)
}
