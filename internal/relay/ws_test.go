package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqui-app/callkit/pkg/signaling"
)

func newWSServer(t *testing.T) (*testEnv, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	t.Cleanup(srv.Close)
	return env, srv
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	raw, err := json.Marshal(signaling.Envelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write %s failed: %v", event, err)
	}
}

// readEvent reads until the wanted event arrives, skipping interleaved
// presence traffic.
func readEvent(t *testing.T, conn *websocket.Conn, want string) signaling.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		var env signaling.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("bad envelope for %s: %v", want, err)
		}
		if env.Event == want {
			return env
		}
	}
}

func TestWebSocketRequiresValidToken(t *testing.T) {
	_, srv := newWSServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestWebSocketCallRouting(t *testing.T) {
	env, srv := newWSServer(t)
	aliceID, aliceToken := env.login(t, "alice")
	bobID, bobToken := env.login(t, "bob")

	alice := dialWS(t, srv, aliceToken)
	bob := dialWS(t, srv, bobToken)

	sendEvent(t, alice, signaling.EventCallInitiate, signaling.CallInitiate{
		ReceiverID: bobID,
		CallID:     "c-1",
		CallKind:   "audio",
		MediaRoom:  "call-room-1",
		MediaToken: "caller-token",
	})

	ring := readEvent(t, bob, signaling.EventCallIncoming)
	if ring.From != aliceID {
		t.Fatalf("ring must carry the authenticated sender, got %q", ring.From)
	}
	var incoming signaling.CallIncoming
	if err := json.Unmarshal(ring.Data, &incoming); err != nil {
		t.Fatalf("decode ring: %v", err)
	}
	if incoming.CallID != "c-1" || incoming.Caller.ID != aliceID || incoming.Caller.Name != "alice" {
		t.Fatalf("ring not enriched with the caller profile: %+v", incoming)
	}
	if incoming.MediaToken == "" || incoming.MediaToken == "caller-token" {
		t.Fatal("the callee must get its own media token, not the caller's")
	}
	if incoming.ServerURL != "wss://media.test" {
		t.Fatalf("empty server URL should fall back to the configured one, got %q", incoming.ServerURL)
	}

	sendEvent(t, bob, signaling.EventCallAccept, signaling.CallAccept{CallerID: aliceID})
	accepted := readEvent(t, alice, signaling.EventCallAccepted)
	var acc signaling.CallAccepted
	if err := json.Unmarshal(accepted.Data, &acc); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if acc.CalleeID != bobID {
		t.Fatalf("accepted should carry the callee, got %q", acc.CalleeID)
	}

	sendEvent(t, alice, signaling.EventTypingStart, signaling.TypingEvent{ReceiverID: bobID})
	typing := readEvent(t, bob, signaling.EventTypingStart)
	if typing.From != aliceID {
		t.Fatalf("typing must carry the sender, got %q", typing.From)
	}

	sendEvent(t, bob, signaling.EventCallEnd, signaling.CallEnd{PeerID: aliceID})
	readEvent(t, alice, signaling.EventCallEnded)
}

func TestWebSocketPresenceBroadcast(t *testing.T) {
	env, srv := newWSServer(t)
	_, aliceToken := env.login(t, "alice")
	bobID, bobToken := env.login(t, "bob")

	alice := dialWS(t, srv, aliceToken)

	bob := dialWS(t, srv, bobToken)
	online := readEvent(t, alice, signaling.EventUserOnline)
	var p signaling.PresenceEvent
	if err := json.Unmarshal(online.Data, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if p.UserID != bobID {
		t.Fatalf("expected bob online, got %q", p.UserID)
	}

	_ = bob.Close()
	offline := readEvent(t, alice, signaling.EventUserOffline)
	if err := json.Unmarshal(offline.Data, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if p.UserID != bobID {
		t.Fatalf("expected bob offline, got %q", p.UserID)
	}
}

func TestWebSocketBuffersRingForOfflineCallee(t *testing.T) {
	env, srv := newWSServer(t)
	_, aliceToken := env.login(t, "alice")
	bobID, bobToken := env.login(t, "bob")

	alice := dialWS(t, srv, aliceToken)
	sendEvent(t, alice, signaling.EventCallInitiate, signaling.CallInitiate{
		ReceiverID: bobID,
		CallID:     "c-2",
		CallKind:   "video",
		MediaRoom:  "call-room-2",
	})

	// The hub buffers asynchronously from bob's point of view; give the
	// relay a moment before connecting.
	deadline := time.Now().Add(2 * time.Second)
	for !env.handlers.hub.HasPendingRings(bobID) {
		if time.Now().After(deadline) {
			t.Fatal("ring was never buffered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bob := dialWS(t, srv, bobToken)
	ring := readEvent(t, bob, signaling.EventCallIncoming)
	var incoming signaling.CallIncoming
	if err := json.Unmarshal(ring.Data, &incoming); err != nil {
		t.Fatalf("decode ring: %v", err)
	}
	if incoming.CallID != "c-2" {
		t.Fatalf("expected the buffered ring, got %+v", incoming)
	}
}

func TestWebSocketUnknownReceiverBouncesError(t *testing.T) {
	env, srv := newWSServer(t)
	_, aliceToken := env.login(t, "alice")

	alice := dialWS(t, srv, aliceToken)
	sendEvent(t, alice, signaling.EventCallInitiate, signaling.CallInitiate{
		ReceiverID: "ghost",
		CallID:     "c-3",
		CallKind:   "audio",
	})

	errEnv := readEvent(t, alice, signaling.EventCallError)
	var p signaling.CallError
	if err := json.Unmarshal(errEnv.Data, &p); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if p.Message != "receiver not found" {
		t.Fatalf("unexpected error message %q", p.Message)
	}
}
