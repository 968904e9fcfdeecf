package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Event names carried over the relay channel. Keep values stable because they
// are part of the wire protocol shared with the mobile and web clients.
const (
	EventCallInitiate = "call:initiate"
	EventCallIncoming = "call:incoming"
	EventCallAccept   = "call:accept"
	EventCallAccepted = "call:accepted"
	EventCallReject   = "call:reject"
	EventCallRejected = "call:rejected"
	EventCallEnd      = "call:end"
	EventCallEnded    = "call:ended"
	EventCallError    = "call:error"
	EventTypingStart  = "typing:start"
	EventTypingStop   = "typing:stop"
	EventUserOnline   = "user:online"
	EventUserOffline  = "user:offline"
)

// Envelope is the raw wire frame. The relay routes on Event and To only and
// never inspects Data.
type Envelope struct {
	Event string          `json:"event"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CallerInfo is the minimal caller profile attached by the relay to an
// incoming ring so the callee can render it without a profile fetch.
type CallerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type CallInitiate struct {
	ReceiverID string `json:"receiver_id"`
	CallID     string `json:"call_id"`
	CallKind   string `json:"call_kind"`
	MediaRoom  string `json:"media_room"`
	MediaToken string `json:"media_token"`
	ServerURL  string `json:"server_url"`
}

type CallIncoming struct {
	CallID     string     `json:"call_id"`
	Caller     CallerInfo `json:"caller"`
	CallKind   string     `json:"call_kind"`
	MediaRoom  string     `json:"media_room"`
	MediaToken string     `json:"media_token"`
	ServerURL  string     `json:"server_url"`
	CallerHost bool       `json:"caller_host,omitempty"`
}

type CallAccept struct {
	CallerID string `json:"caller_id"`
}

type CallAccepted struct {
	CalleeID string `json:"callee_id,omitempty"`
}

type CallReject struct {
	CallerID string `json:"caller_id"`
	Reason   string `json:"reason,omitempty"`
}

type CallRejected struct {
	Reason string `json:"reason,omitempty"`
}

type CallEnd struct {
	PeerID string `json:"peer_id"`
}

type CallEnded struct{}

type CallError struct {
	Message string `json:"message"`
}

type TypingEvent struct {
	ReceiverID string `json:"receiver_id"`
}

type PresenceEvent struct {
	UserID string `json:"user_id"`
}

// RejectReasonBusy is sent automatically when a ring arrives while another
// session is active.
const RejectReasonBusy = "busy"

var ErrUnknownEvent = errors.New("signaling: unknown event")

func validKind(kind string) bool {
	return kind == "audio" || kind == "video"
}

// DecodePayload parses and validates the payload for a named event. Payloads
// are a tagged union keyed by event name; a malformed or incomplete payload
// is rejected rather than passed through.
func DecodePayload(event string, data json.RawMessage) (any, error) {
	switch event {
	case EventCallInitiate:
		var p CallInitiate
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.ReceiverID == "" || p.CallID == "" {
			return nil, fmt.Errorf("signaling: %s missing receiver_id or call_id", event)
		}
		if !validKind(p.CallKind) {
			return nil, fmt.Errorf("signaling: %s invalid call_kind %q", event, p.CallKind)
		}
		return p, nil
	case EventCallIncoming:
		var p CallIncoming
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.CallID == "" || p.Caller.ID == "" {
			return nil, fmt.Errorf("signaling: %s missing call_id or caller", event)
		}
		if !validKind(p.CallKind) {
			return nil, fmt.Errorf("signaling: %s invalid call_kind %q", event, p.CallKind)
		}
		return p, nil
	case EventCallAccept:
		var p CallAccept
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.CallerID == "" {
			return nil, fmt.Errorf("signaling: %s missing caller_id", event)
		}
		return p, nil
	case EventCallAccepted:
		var p CallAccepted
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventCallReject:
		var p CallReject
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.CallerID == "" {
			return nil, fmt.Errorf("signaling: %s missing caller_id", event)
		}
		return p, nil
	case EventCallRejected:
		var p CallRejected
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventCallEnd:
		var p CallEnd
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.PeerID == "" {
			return nil, fmt.Errorf("signaling: %s missing peer_id", event)
		}
		return p, nil
	case EventCallEnded:
		return CallEnded{}, nil
	case EventCallError:
		var p CallError
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return p, nil
	case EventTypingStart, EventTypingStop:
		var p TypingEvent
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.ReceiverID == "" {
			return nil, fmt.Errorf("signaling: %s missing receiver_id", event)
		}
		return p, nil
	case EventUserOnline, EventUserOffline:
		var p PresenceEvent
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("signaling: %s missing user_id", event)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
}

func unmarshalPayload(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("signaling: bad payload: %w", err)
	}
	return nil
}
