package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loqui-app/callkit/pkg/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// HandleWebSocket authenticates the token query parameter, upgrades and runs
// the signaling session.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID, err := h.parseUserToken(c.Query("token"))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	cl := &client{
		conn:   conn,
		send:   make(chan []byte, 32),
		userID: userID,
	}

	buffered := h.hub.Add(cl)
	h.logger.Debug("ws connected", "user_id", userID, "buffered_rings", len(buffered))

	h.broadcastPresence(signaling.EventUserOnline, userID)

	// Flush rings that arrived while the user was offline.
	for _, payload := range buffered {
		if !cl.trySend(payload) {
			break
		}
	}

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Handlers) readPump(cl *client) {
	defer func() {
		_ = cl.conn.Close()
		if h.hub.Remove(cl) {
			h.logger.Debug("ws disconnected", "user_id", cl.userID)
			h.broadcastPresence(signaling.EventUserOffline, cl.userID)
		}
	}()

	_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	cl.conn.SetPongHandler(func(string) error {
		_ = cl.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := cl.conn.ReadMessage()
		if err != nil {
			return
		}

		var env signaling.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Debug("ws bad json", "user_id", cl.userID, "error", err)
			continue
		}
		if env.Event == "ping" {
			continue
		}

		h.route(cl, env)
	}
}

func (h *Handlers) writePump(cl *client) {
	defer func() {
		_ = cl.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-cl.send:
			if !ok {
				return
			}
			_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// route translates client events into peer-facing ones. The sender identity
// always comes from the authenticated connection, never from the payload.
func (h *Handlers) route(cl *client, env signaling.Envelope) {
	decoded, err := signaling.DecodePayload(env.Event, env.Data)
	if err != nil {
		h.logger.Debug("ws rejected payload", "user_id", cl.userID, "event", env.Event, "error", err)
		return
	}

	switch p := decoded.(type) {
	case signaling.CallInitiate:
		h.routeInitiate(cl, p)
	case signaling.CallAccept:
		h.forward(cl.userID, p.CallerID, signaling.EventCallAccepted, signaling.CallAccepted{CalleeID: cl.userID})
	case signaling.CallReject:
		h.forward(cl.userID, p.CallerID, signaling.EventCallRejected, signaling.CallRejected{Reason: p.Reason})
	case signaling.CallEnd:
		h.forward(cl.userID, p.PeerID, signaling.EventCallEnded, signaling.CallEnded{})
	case signaling.TypingEvent:
		h.forward(cl.userID, p.ReceiverID, env.Event, p)
	default:
		h.logger.Debug("ws unroutable event", "user_id", cl.userID, "event", env.Event)
	}
}

// routeInitiate turns a caller's initiate into the callee's ring. The relay
// enriches it with the caller profile and mints the callee's own media token
// for the same room. An offline callee gets the ring buffered plus a push
// notification; an unknown callee bounces a call:error back.
func (h *Handlers) routeInitiate(cl *client, p signaling.CallInitiate) {
	caller, err := h.store.GetUser(cl.userID)
	if err != nil {
		h.logger.Error("ws initiate caller lookup failed", "user_id", cl.userID, "error", err)
		h.sendError(cl.userID, "internal error")
		return
	}
	if _, err := h.store.GetUser(p.ReceiverID); err != nil {
		h.sendError(cl.userID, "receiver not found")
		return
	}

	serverURL := p.ServerURL
	if serverURL == "" {
		serverURL = h.cfg.MediaServerURL
	}

	ring := h.encode(signaling.EventCallIncoming, cl.userID, p.ReceiverID, signaling.CallIncoming{
		CallID: p.CallID,
		Caller: signaling.CallerInfo{
			ID:     caller.ID,
			Name:   caller.DisplayName,
			Avatar: caller.AvatarURL,
		},
		CallKind:   p.CallKind,
		MediaRoom:  p.MediaRoom,
		MediaToken: h.mediaToken(p.MediaRoom, p.ReceiverID),
		ServerURL:  serverURL,
		CallerHost: caller.IsHost,
	})

	if h.hub.SendTo(p.ReceiverID, ring) {
		h.logger.Debug("ws ring delivered", "call_id", p.CallID, "callee_id", p.ReceiverID)
		return
	}

	h.hub.BufferRing(p.ReceiverID, ring)
	h.logger.Info("ws ring buffered for offline callee", "call_id", p.CallID, "callee_id", p.ReceiverID)

	go h.notifyIncomingCall(p.ReceiverID, caller.DisplayName, p.CallKind, p.CallID)
}

func (h *Handlers) forward(fromUserID, toUserID, event string, payload any) {
	if toUserID == "" {
		return
	}
	msg := h.encode(event, fromUserID, toUserID, payload)
	if !h.hub.SendTo(toUserID, msg) {
		h.logger.Debug("ws forward not delivered", "event", event, "from", fromUserID, "to", toUserID)
	}
}

func (h *Handlers) sendError(userID, message string) {
	msg := h.encode(signaling.EventCallError, "", userID, signaling.CallError{Message: message})
	h.hub.SendTo(userID, msg)
}

func (h *Handlers) broadcastPresence(event, userID string) {
	msg := h.encode(event, userID, "", signaling.PresenceEvent{UserID: userID})
	h.hub.Broadcast(userID, msg)
}

func (h *Handlers) encode(event, from, to string, payload any) []byte {
	data, _ := json.Marshal(payload)
	msg, _ := json.Marshal(signaling.Envelope{
		Event: event,
		From:  from,
		To:    to,
		Data:  data,
	})
	return msg
}
