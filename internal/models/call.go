package models

import "time"

// CallKind distinguishes voice-only calls from video calls.
// Keep values stable because they are part of the wire protocol.
type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// CallState is the lifecycle state of one call negotiation attempt.
// Transitions: Ringing -> Accepted -> Ended, Ringing -> Rejected -> Ended,
// or Ringing -> Ended directly on timeout/disconnect.
type CallState string

const (
	CallStateRinging  CallState = "ringing"
	CallStateAccepted CallState = "accepted"
	CallStateRejected CallState = "rejected"
	CallStateEnded    CallState = "ended"
)

// CallInvitation is the ephemeral record of one call attempt, keyed by RoomID.
// It lives only in memory; once it reaches Ended it is removed from the active
// set and (optionally) flushed to the call history log.
type CallInvitation struct {
	RoomID     string
	CallerID   string
	CalleeID   string
	Kind       CallKind
	State      CallState
	CreatedAt  time.Time
	RingsUntil time.Time
	AcceptedAt time.Time
	EndedAt    time.Time
}

// Active reports whether the invitation still occupies both parties:
// a user may appear in at most one active invitation at a time.
func (i *CallInvitation) Active() bool {
	return i.State == CallStateRinging || i.State == CallStateAccepted
}

func (i *CallInvitation) Involves(userID string) bool {
	return i.CallerID == userID || i.CalleeID == userID
}

// Peer returns the other party of the invitation, or "" if userID is
// not a party at all.
func (i *CallInvitation) Peer(userID string) string {
	switch userID {
	case i.CallerID:
		return i.CalleeID
	case i.CalleeID:
		return i.CallerID
	}
	return ""
}
