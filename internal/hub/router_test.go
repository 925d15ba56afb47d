package hub

import (
	"encoding/json"
	"testing"

	"github.com/marska/chatline/internal/calls"
	"github.com/marska/chatline/internal/events"
	"github.com/marska/chatline/internal/models"
)

type fakeHistory struct {
	recs []models.CallRecord
}

func (h *fakeHistory) Record(rec models.CallRecord) {
	h.recs = append(h.recs, rec)
}

type fakePush struct {
	missed []string // "callee<-caller"
}

func (p *fakePush) NotifyMissedCall(userID, fromUserID string, _ models.CallKind) {
	p.missed = append(p.missed, userID+"<-"+fromUserID)
}

type routerFixture struct {
	registry *Registry
	store    *calls.Store
	router   *Router
	history  *fakeHistory
	push     *fakePush
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		registry: NewRegistry(nil),
		store:    calls.NewStore(),
		history:  &fakeHistory{},
		push:     &fakePush{},
	}
	f.router = NewRouter(f.registry, f.store, f.history, f.push, nil)
	return f
}

// connect registers a connection for userID and drains the presence frames
// every online connection just received.
func (f *routerFixture) connect(t *testing.T, userID string) *Conn {
	t.Helper()
	conn := NewConn(userID, &fakeSocket{})
	f.registry.Register(conn)
	// One presence frame lands on every online connection, the new one included.
	for _, id := range f.registry.Online() {
		c, ok := f.registry.Lookup(id)
		if !ok {
			continue
		}
		recvOnlineUsers(t, c)
	}
	return conn
}

func frame(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshaling payload: %v", err)
	}
	raw, err := json.Marshal(events.Envelope{Type: typ, Data: data})
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	return raw
}

func TestSendMessageRoutedToRecipient(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	msg := json.RawMessage(`{"text":"hi"}`)
	f.router.Dispatch(alice, frame(t, events.TypeSendMessage, events.SendMessage{
		SenderID:    "alice",
		RecipientID: "bob",
		Message:     msg,
	}))

	env := recvEnvelope(t, bob)
	if env.Type != events.TypeMessageReceived || env.From != "alice" {
		t.Fatalf("unexpected frame: type=%s from=%s", env.Type, env.From)
	}
	var p events.MessageReceived
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if p.SenderID != "alice" || string(p.Message) != string(msg) {
		t.Fatalf("payload not forwarded intact: %+v", p)
	}
	expectNoFrame(t, alice)
}

func TestSendMessageToOfflineRecipientIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")

	f.router.Dispatch(alice, frame(t, events.TypeSendMessage, events.SendMessage{
		SenderID:    "alice",
		RecipientID: "carol",
		Message:     json.RawMessage(`{"text":"hi"}`),
	}))

	expectNoFrame(t, alice)
}

func TestSpoofedSenderIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(alice, frame(t, events.TypeSendMessage, events.SendMessage{
		SenderID:    "bob", // not alice's identity
		RecipientID: "bob",
		Message:     json.RawMessage(`{"text":"hi"}`),
	}))

	expectNoFrame(t, bob)
}

func TestMarkReadRoutedToSender(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(bob, frame(t, events.TypeMarkRead, events.MarkRead{
		MessageID:   "m-1",
		SenderID:    "alice",
		RecipientID: "bob",
	}))

	env := recvEnvelope(t, alice)
	if env.Type != events.TypeMarkReadReceived {
		t.Fatalf("expected %s, got %s", events.TypeMarkReadReceived, env.Type)
	}
	var p events.MarkReadReceived
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if p.MessageID != "m-1" || p.RecipientID != "bob" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestCallFlowInitiateAcceptEnd(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice",
		CalleeID: "bob",
		CallKind: models.CallKindVideo,
	}))

	env := recvEnvelope(t, bob)
	if env.Type != events.TypeIncomingCall {
		t.Fatalf("expected %s, got %s", events.TypeIncomingCall, env.Type)
	}
	var incoming events.IncomingCall
	if err := json.Unmarshal(env.Data, &incoming); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if incoming.FromUserID != "alice" || incoming.CallKind != models.CallKindVideo || incoming.RoomID == "" {
		t.Fatalf("unexpected incoming call: %+v", incoming)
	}

	f.router.Dispatch(bob, frame(t, events.TypeCallAccept, events.Room{RoomID: incoming.RoomID}))
	env = recvEnvelope(t, alice)
	if env.Type != events.TypeCallAccepted || env.From != "bob" {
		t.Fatalf("expected call-accepted from bob, got type=%s from=%s", env.Type, env.From)
	}

	f.router.Dispatch(alice, frame(t, events.TypeCallEnd, events.Room{RoomID: incoming.RoomID}))
	env = recvEnvelope(t, bob)
	if env.Type != events.TypeCallEnded {
		t.Fatalf("expected %s, got %s", events.TypeCallEnded, env.Type)
	}

	if len(f.history.recs) != 1 {
		t.Fatalf("expected one call record, got %d", len(f.history.recs))
	}
	rec := f.history.recs[0]
	if rec.Outcome != models.CallOutcomeCompleted || rec.RoomID != incoming.RoomID {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.AcceptedAt == nil {
		t.Fatalf("completed call record should carry an accept time")
	}
}

func TestCallRejectNotifiesCaller(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKindVoice,
	}))
	var incoming events.IncomingCall
	json.Unmarshal(recvEnvelope(t, bob).Data, &incoming)

	f.router.Dispatch(bob, frame(t, events.TypeCallReject, events.Room{RoomID: incoming.RoomID}))

	env := recvEnvelope(t, alice)
	if env.Type != events.TypeCallRejected {
		t.Fatalf("expected %s, got %s", events.TypeCallRejected, env.Type)
	}
	if _, ok := f.store.Get(incoming.RoomID); ok {
		t.Fatalf("rejected invitation still active")
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != models.CallOutcomeRejected {
		t.Fatalf("expected one rejected record, got %+v", f.history.recs)
	}

	// Both parties are free to call again.
	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKindVoice,
	}))
	if env := recvEnvelope(t, bob); env.Type != events.TypeIncomingCall {
		t.Fatalf("expected fresh incoming call, got %s", env.Type)
	}
}

func TestCallAcceptFromNonCalleeIsDropped(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	mallory := f.connect(t, "mallory")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKindVoice,
	}))
	var incoming events.IncomingCall
	json.Unmarshal(recvEnvelope(t, bob).Data, &incoming)

	f.router.Dispatch(mallory, frame(t, events.TypeCallAccept, events.Room{RoomID: incoming.RoomID}))
	expectNoFrame(t, alice)
	if inv, ok := f.store.Get(incoming.RoomID); !ok || inv.State != models.CallStateRinging {
		t.Fatalf("invitation should still be ringing, got %+v ok=%v", inv, ok)
	}

	// The caller cannot accept their own call either.
	f.router.Dispatch(alice, frame(t, events.TypeCallAccept, events.Room{RoomID: incoming.RoomID}))
	if inv, _ := f.store.Get(incoming.RoomID); inv.State != models.CallStateRinging {
		t.Fatalf("caller accepted their own call")
	}
}

func TestCallInitiateToOfflineCallee(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "carol", CallKind: models.CallKindVideo,
	}))

	env := recvEnvelope(t, alice)
	if env.Type != events.TypeCallUnavailable {
		t.Fatalf("expected %s, got %s", events.TypeCallUnavailable, env.Type)
	}
	var res events.CallResult
	if err := json.Unmarshal(env.Data, &res); err != nil {
		t.Fatalf("unmarshaling payload: %v", err)
	}
	if res.RoomID == "" {
		t.Fatalf("offline-callee refusal should name the attempted room")
	}

	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != models.CallOutcomeMissed {
		t.Fatalf("expected one missed record, got %+v", f.history.recs)
	}
	if len(f.push.missed) != 1 || f.push.missed[0] != "carol<-alice" {
		t.Fatalf("expected missed-call push to carol, got %v", f.push.missed)
	}
	if _, ok := f.store.ActiveFor("alice"); ok {
		t.Fatalf("caller should be free after offline-callee refusal")
	}
}

func TestCallInitiateWhileBusyIsRefused(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")
	carol := f.connect(t, "carol")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKindVoice,
	}))
	recvEnvelope(t, bob) // incoming-call

	f.router.Dispatch(carol, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "carol", CalleeID: "bob", CallKind: models.CallKindVoice,
	}))

	env := recvEnvelope(t, carol)
	if env.Type != events.TypeCallUnavailable {
		t.Fatalf("expected %s, got %s", events.TypeCallUnavailable, env.Type)
	}
	var res events.CallResult
	json.Unmarshal(env.Data, &res)
	if res.RoomID != "" {
		t.Fatalf("busy refusal must not carry a room, got %q", res.RoomID)
	}
	expectNoFrame(t, bob)
}

func TestDisconnectWhileRingingRejectsCall(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKindVideo,
	}))
	var incoming events.IncomingCall
	json.Unmarshal(recvEnvelope(t, bob).Data, &incoming)

	f.registry.Unregister(bob.ID())

	env := recvEnvelope(t, alice)
	if env.Type != events.TypeCallRejected || env.From != "bob" {
		t.Fatalf("expected call-rejected from bob, got type=%s from=%s", env.Type, env.From)
	}
	recvOnlineUsers(t, alice) // presence update after bob left

	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != models.CallOutcomeMissed {
		t.Fatalf("expected one missed record, got %+v", f.history.recs)
	}
	if _, ok := f.store.ActiveFor("alice"); ok {
		t.Fatalf("caller should be free after callee disconnect")
	}
}

func TestDisconnectDuringAcceptedCallEndsIt(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKindVoice,
	}))
	var incoming events.IncomingCall
	json.Unmarshal(recvEnvelope(t, bob).Data, &incoming)
	f.router.Dispatch(bob, frame(t, events.TypeCallAccept, events.Room{RoomID: incoming.RoomID}))
	recvEnvelope(t, alice) // call-accepted

	f.registry.Unregister(alice.ID())

	env := recvEnvelope(t, bob)
	if env.Type != events.TypeCallEnded || env.From != "alice" {
		t.Fatalf("expected call-ended from alice, got type=%s from=%s", env.Type, env.From)
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != models.CallOutcomeDropped {
		t.Fatalf("expected one dropped record, got %+v", f.history.recs)
	}

	// Bob disconnecting right after finds nothing left to clean up.
	f.registry.Unregister(bob.ID())
	if len(f.history.recs) != 1 {
		t.Fatalf("double cleanup produced extra records: %+v", f.history.recs)
	}
}

func TestRingTimeoutNotifiesBothParties(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	inv, err := f.store.Initiate("alice", "bob", models.CallKindVoice)
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}

	f.router.callRangOut(inv)

	for _, c := range []*Conn{alice, bob} {
		env := recvEnvelope(t, c)
		if env.Type != events.TypeCallEnded {
			t.Fatalf("expected %s for %s, got %s", events.TypeCallEnded, c.UserID(), env.Type)
		}
	}
	if len(f.history.recs) != 1 || f.history.recs[0].Outcome != models.CallOutcomeMissed {
		t.Fatalf("expected one missed record, got %+v", f.history.recs)
	}
}

func TestUnknownAndMalformedFramesAreIgnored(t *testing.T) {
	f := newRouterFixture(t)
	alice := f.connect(t, "alice")
	bob := f.connect(t, "bob")

	f.router.Dispatch(alice, []byte(`not json`))
	f.router.Dispatch(alice, frame(t, "no-such-event", events.Room{RoomID: "x"}))
	f.router.Dispatch(alice, frame(t, events.TypeSendMessage, events.SendMessage{SenderID: "alice"}))
	f.router.Dispatch(alice, frame(t, events.TypeCallInitiate, events.CallInitiate{
		CallerID: "alice", CalleeID: "bob", CallKind: models.CallKind("carrier-pigeon"),
	}))

	expectNoFrame(t, alice)
	expectNoFrame(t, bob)
}
