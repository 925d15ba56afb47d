// Package events defines the wire protocol spoken over a signaling
// connection: a thin JSON envelope with a type tag and a typed payload.
package events

import (
	"encoding/json"
	"errors"

	"github.com/marska/chatline/internal/models"
)

// Inbound event types, sent by clients.
const (
	TypeIdentify     = "identify"
	TypeSendMessage  = "send-message"
	TypeMarkRead     = "mark-read"
	TypeCallInitiate = "call-initiate"
	TypeCallAccept   = "call-accept"
	TypeCallReject   = "call-reject"
	TypeCallEnd      = "call-end"
)

// Outbound event types, delivered to clients.
const (
	TypeOnlineUsers      = "online-users"
	TypeMessageReceived  = "message-received"
	TypeMarkReadReceived = "mark-read-received"
	TypeIncomingCall     = "incoming-call"
	TypeCallAccepted     = "call-accepted"
	TypeCallRejected     = "call-rejected"
	TypeCallUnavailable  = "call-unavailable"
	TypeCallEnded        = "call-ended"
)

// Envelope wraps every frame in both directions.
type Envelope struct {
	Type string          `json:"type"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

var ErrMissingField = errors.New("event is missing a required field")

type Identify struct {
	UserID string `json:"user_id"`
}

func (p Identify) Validate() error {
	if p.UserID == "" {
		return ErrMissingField
	}
	return nil
}

type SendMessage struct {
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id"`
	Message     json.RawMessage `json:"message"`
}

func (p SendMessage) Validate() error {
	if p.SenderID == "" || p.RecipientID == "" || len(p.Message) == 0 {
		return ErrMissingField
	}
	return nil
}

type MarkRead struct {
	MessageID   string `json:"message_id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
}

func (p MarkRead) Validate() error {
	if p.MessageID == "" || p.SenderID == "" || p.RecipientID == "" {
		return ErrMissingField
	}
	return nil
}

type CallInitiate struct {
	CallerID string          `json:"caller_id"`
	CalleeID string          `json:"callee_id"`
	CallKind models.CallKind `json:"call_kind"`
}

func (p CallInitiate) Validate() error {
	if p.CallerID == "" || p.CalleeID == "" || !p.CallKind.Valid() {
		return ErrMissingField
	}
	return nil
}

// Room carries the call-accept, call-reject and call-end payloads.
type Room struct {
	RoomID string `json:"room_id"`
}

func (p Room) Validate() error {
	if p.RoomID == "" {
		return ErrMissingField
	}
	return nil
}

type OnlineUsers struct {
	OnlineUsers []string `json:"online_users"`
}

type MessageReceived struct {
	SenderID string          `json:"sender_id"`
	Message  json.RawMessage `json:"message"`
}

type MarkReadReceived struct {
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
}

type IncomingCall struct {
	RoomID     string          `json:"room_id"`
	FromUserID string          `json:"from_user_id"`
	CallKind   models.CallKind `json:"call_kind"`
}

type CallResult struct {
	RoomID string `json:"room_id"`
}

// Marshal builds a ready-to-send frame. Payloads are plain structs of
// primitives, so marshaling cannot fail in practice; a zero-length result
// signals a programming error and is dropped by senders.
func Marshal(typ, from string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	frame, err := json.Marshal(Envelope{Type: typ, From: from, Data: data})
	if err != nil {
		return nil
	}
	return frame
}
