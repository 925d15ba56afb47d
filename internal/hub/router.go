package hub

import (
	"encoding/json"
	"log/slog"

	"github.com/marska/chatline/internal/calls"
	"github.com/marska/chatline/internal/events"
	"github.com/marska/chatline/internal/models"
)

// HistoryRecorder receives a log entry for every call attempt that ends.
// Implementations must not block the caller.
type HistoryRecorder interface {
	Record(rec models.CallRecord)
}

// PushNotifier delivers best-effort out-of-band notifications to users
// without an open connection. Implementations must not block the caller.
type PushNotifier interface {
	NotifyMissedCall(userID, fromUserID string, kind models.CallKind)
}

// Router validates inbound signaling events and forwards the transformed
// event to exactly the right connected parties. Routing never blocks and
// never queues: an offline target means the event is dropped, and for call
// events the failure is surfaced back to the sender.
type Router struct {
	registry *Registry
	calls    *calls.Store
	history  HistoryRecorder
	push     PushNotifier
	logger   *slog.Logger
}

func NewRouter(registry *Registry, store *calls.Store, history HistoryRecorder, push PushNotifier, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		registry: registry,
		calls:    store,
		history:  history,
		push:     push,
		logger:   logger,
	}
	registry.OnDisconnect(r.cleanupUser)
	store.OnExpired(r.callRangOut)
	return r
}

// Dispatch handles one inbound frame from conn. Events with missing required
// fields, unknown types, or a sender field that does not match the
// connection's bound identity are rejected here and never reach state-
// mutating logic.
func (r *Router) Dispatch(conn *Conn, frame []byte) {
	var env events.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		r.logger.Debug("dropping malformed frame", "user_id", conn.UserID(), "error", err)
		return
	}

	switch env.Type {
	case events.TypeSendMessage:
		r.handleSendMessage(conn, env.Data)
	case events.TypeMarkRead:
		r.handleMarkRead(conn, env.Data)
	case events.TypeCallInitiate:
		r.handleCallInitiate(conn, env.Data)
	case events.TypeCallAccept:
		r.handleCallAccept(conn, env.Data)
	case events.TypeCallReject:
		r.handleCallReject(conn, env.Data)
	case events.TypeCallEnd:
		r.handleCallEnd(conn, env.Data)
	default:
		r.logger.Debug("dropping unknown event type", "user_id", conn.UserID(), "type", env.Type)
	}
}

func (r *Router) handleSendMessage(conn *Conn, data json.RawMessage) {
	var p events.SendMessage
	if err := json.Unmarshal(data, &p); err != nil || p.Validate() != nil {
		r.logger.Debug("dropping invalid send-message", "user_id", conn.UserID())
		return
	}
	if p.SenderID != conn.UserID() {
		r.logger.Debug("dropping spoofed send-message", "user_id", conn.UserID(), "claimed", p.SenderID)
		return
	}

	// Offline recipient: silent drop. Persistence happened upstream, the
	// recipient will load the message from the store on next fetch.
	target, ok := r.registry.Lookup(p.RecipientID)
	if !ok {
		return
	}
	target.TrySend(events.Marshal(events.TypeMessageReceived, p.SenderID, events.MessageReceived{
		SenderID: p.SenderID,
		Message:  p.Message,
	}))
}

func (r *Router) handleMarkRead(conn *Conn, data json.RawMessage) {
	var p events.MarkRead
	if err := json.Unmarshal(data, &p); err != nil || p.Validate() != nil {
		r.logger.Debug("dropping invalid mark-read", "user_id", conn.UserID())
		return
	}
	if p.RecipientID != conn.UserID() {
		r.logger.Debug("dropping spoofed mark-read", "user_id", conn.UserID(), "claimed", p.RecipientID)
		return
	}

	target, ok := r.registry.Lookup(p.SenderID)
	if !ok {
		return
	}
	target.TrySend(events.Marshal(events.TypeMarkReadReceived, p.RecipientID, events.MarkReadReceived{
		MessageID:   p.MessageID,
		RecipientID: p.RecipientID,
	}))
}

func (r *Router) handleCallInitiate(conn *Conn, data json.RawMessage) {
	var p events.CallInitiate
	if err := json.Unmarshal(data, &p); err != nil || p.Validate() != nil {
		r.logger.Debug("dropping invalid call-initiate", "user_id", conn.UserID())
		return
	}
	if p.CallerID != conn.UserID() {
		r.logger.Debug("dropping spoofed call-initiate", "user_id", conn.UserID(), "claimed", p.CallerID)
		return
	}

	inv, err := r.calls.Initiate(p.CallerID, p.CalleeID, p.CallKind)
	if err != nil {
		// Busy party. There is no room to report, only the refusal.
		r.logger.Debug("call-initiate refused", "caller_id", p.CallerID, "callee_id", p.CalleeID, "error", err)
		conn.TrySend(events.Marshal(events.TypeCallUnavailable, "", events.CallResult{}))
		return
	}

	callee, online := r.registry.Lookup(p.CalleeID)
	if !online {
		ended, endErr := r.calls.End(inv.RoomID)
		if endErr == nil {
			r.record(ended, models.CallOutcomeMissed)
		}
		if r.push != nil {
			r.push.NotifyMissedCall(p.CalleeID, p.CallerID, p.CallKind)
		}
		conn.TrySend(events.Marshal(events.TypeCallUnavailable, "", events.CallResult{RoomID: inv.RoomID}))
		return
	}

	r.logger.Info("call ringing",
		"room_id", inv.RoomID, "caller_id", p.CallerID, "callee_id", p.CalleeID, "kind", p.CallKind)
	callee.TrySend(events.Marshal(events.TypeIncomingCall, p.CallerID, events.IncomingCall{
		RoomID:     inv.RoomID,
		FromUserID: p.CallerID,
		CallKind:   p.CallKind,
	}))
}

func (r *Router) handleCallAccept(conn *Conn, data json.RawMessage) {
	var p events.Room
	if err := json.Unmarshal(data, &p); err != nil || p.Validate() != nil {
		r.logger.Debug("dropping invalid call-accept", "user_id", conn.UserID())
		return
	}
	if inv, ok := r.calls.Get(p.RoomID); ok && inv.CalleeID != conn.UserID() {
		r.logger.Debug("dropping call-accept from non-callee", "user_id", conn.UserID(), "room_id", p.RoomID)
		return
	}

	inv, err := r.calls.Accept(p.RoomID)
	if err != nil {
		// Raced with a just-ended call. Logged, never surfaced.
		r.logger.Debug("call-accept ignored", "room_id", p.RoomID, "error", err)
		return
	}

	r.logger.Info("call accepted", "room_id", inv.RoomID, "caller_id", inv.CallerID, "callee_id", inv.CalleeID)
	if caller, ok := r.registry.Lookup(inv.CallerID); ok {
		caller.TrySend(events.Marshal(events.TypeCallAccepted, inv.CalleeID, events.CallResult{RoomID: inv.RoomID}))
	}
}

func (r *Router) handleCallReject(conn *Conn, data json.RawMessage) {
	var p events.Room
	if err := json.Unmarshal(data, &p); err != nil || p.Validate() != nil {
		r.logger.Debug("dropping invalid call-reject", "user_id", conn.UserID())
		return
	}
	if inv, ok := r.calls.Get(p.RoomID); ok && inv.CalleeID != conn.UserID() {
		r.logger.Debug("dropping call-reject from non-callee", "user_id", conn.UserID(), "room_id", p.RoomID)
		return
	}

	inv, err := r.calls.Reject(p.RoomID)
	if err != nil {
		r.logger.Debug("call-reject ignored", "room_id", p.RoomID, "error", err)
		return
	}

	r.logger.Info("call rejected", "room_id", inv.RoomID, "caller_id", inv.CallerID, "callee_id", inv.CalleeID)
	r.record(inv, models.CallOutcomeRejected)
	if caller, ok := r.registry.Lookup(inv.CallerID); ok {
		caller.TrySend(events.Marshal(events.TypeCallRejected, inv.CalleeID, events.CallResult{RoomID: inv.RoomID}))
	}
}

func (r *Router) handleCallEnd(conn *Conn, data json.RawMessage) {
	var p events.Room
	if err := json.Unmarshal(data, &p); err != nil || p.Validate() != nil {
		r.logger.Debug("dropping invalid call-end", "user_id", conn.UserID())
		return
	}
	if inv, ok := r.calls.Get(p.RoomID); !ok || !inv.Involves(conn.UserID()) {
		r.logger.Debug("dropping call-end from non-party", "user_id", conn.UserID(), "room_id", p.RoomID)
		return
	}

	inv, err := r.calls.End(p.RoomID)
	if err != nil {
		r.logger.Debug("call-end ignored", "room_id", p.RoomID, "error", err)
		return
	}

	outcome := models.CallOutcomeMissed // hung up while still ringing
	if inv.State == models.CallStateAccepted {
		outcome = models.CallOutcomeCompleted
	}
	r.logger.Info("call ended", "room_id", inv.RoomID, "by", conn.UserID(), "outcome", outcome)
	r.record(inv, outcome)

	if peer, ok := r.registry.Lookup(inv.Peer(conn.UserID())); ok {
		peer.TrySend(events.Marshal(events.TypeCallEnded, conn.UserID(), events.CallResult{RoomID: inv.RoomID}))
	}
}

// cleanupUser runs under the registry lock when an identity goes offline.
// The call-store mutation happens right there, before any new event for the
// identity can be admitted; notifying the remaining party is returned as a
// follow-up the registry runs once its lock is released, so no UI keeps
// showing a call connected to a vanished peer. A near-simultaneous
// disconnect of both parties is idempotent: the second cleanup finds no
// invitation and notifies nobody.
func (r *Router) cleanupUser(userID string) (after func()) {
	ended := r.calls.EndAllFor(userID)
	if len(ended) == 0 {
		return nil
	}
	return func() {
		for _, inv := range ended {
			outcome := models.CallOutcomeMissed
			notify := events.TypeCallRejected
			if inv.State == models.CallStateAccepted {
				outcome = models.CallOutcomeDropped
				notify = events.TypeCallEnded
			}
			r.logger.Info("call cleaned up on disconnect",
				"room_id", inv.RoomID, "user_id", userID, "outcome", outcome)
			r.record(inv, outcome)

			if peer, ok := r.registry.Lookup(inv.Peer(userID)); ok {
				peer.TrySend(events.Marshal(notify, userID, events.CallResult{RoomID: inv.RoomID}))
			}
		}
	}
}

// callRangOut handles a ringing invitation that hit its ring timeout.
func (r *Router) callRangOut(inv models.CallInvitation) {
	r.logger.Info("call rang out", "room_id", inv.RoomID, "caller_id", inv.CallerID, "callee_id", inv.CalleeID)
	r.record(inv, models.CallOutcomeMissed)

	frame := events.Marshal(events.TypeCallEnded, "", events.CallResult{RoomID: inv.RoomID})
	if caller, ok := r.registry.Lookup(inv.CallerID); ok {
		caller.TrySend(frame)
	}
	if callee, ok := r.registry.Lookup(inv.CalleeID); ok {
		callee.TrySend(frame)
	}
}

func (r *Router) record(inv models.CallInvitation, outcome models.CallOutcome) {
	if r.history == nil {
		return
	}
	rec := models.CallRecord{
		RoomID:    inv.RoomID,
		CallerID:  inv.CallerID,
		CalleeID:  inv.CalleeID,
		Kind:      inv.Kind,
		Outcome:   outcome,
		StartedAt: inv.CreatedAt,
		EndedAt:   inv.EndedAt,
	}
	if !inv.AcceptedAt.IsZero() {
		acceptedAt := inv.AcceptedAt
		rec.AcceptedAt = &acceptedAt
	}
	r.history.Record(rec)
}
