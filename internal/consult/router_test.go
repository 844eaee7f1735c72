package consult

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/digitalclinic/consult-relay/internal/metrics"
	"github.com/digitalclinic/consult-relay/internal/registry"
)

type transportCall struct {
	op        string // subscribe, unsubscribe, drop, broadcast, deliver
	principal string
	roomID    string
	class     string
	queue     string
	event     any
}

type fakeTransport struct {
	mu    sync.Mutex
	calls []transportCall
}

func (f *fakeTransport) record(c transportCall) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
}

func (f *fakeTransport) Subscribe(principal, roomID string) {
	f.record(transportCall{op: "subscribe", principal: principal, roomID: roomID})
}

func (f *fakeTransport) Unsubscribe(principal, roomID string) {
	f.record(transportCall{op: "unsubscribe", principal: principal, roomID: roomID})
}

func (f *fakeTransport) DropRoom(roomID string) {
	f.record(transportCall{op: "drop", roomID: roomID})
}

func (f *fakeTransport) Broadcast(roomID, class string, event any) {
	f.record(transportCall{op: "broadcast", roomID: roomID, class: class, event: event})
}

func (f *fakeTransport) DeliverToUser(principal, queue string, event any) {
	f.record(transportCall{op: "deliver", principal: principal, queue: queue, event: event})
}

func (f *fakeTransport) byOp(op string) []transportCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transportCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func newTestRouter(t *testing.T) (*Router, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	r := NewRouter(Config{
		Transport: tr,
		Metrics:   metrics.New(),
		Now:       func() time.Time { return time.UnixMilli(1700000000000) },
	})
	return r, tr
}

func dispatch(t *testing.T, r *Router, principal, raw string) {
	t.Helper()
	r.Dispatch(context.Background(), principal, []byte(raw))
}

// Full happy path from the protocol definition: two joins, a chat, a leave,
// an end.
func TestConsultationScenario(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.join","roomId":"r1","userName":"Alice"}`)
	dispatch(t, r, "B", `{"action":"consultation.join","roomId":"r1","userName":"Bob"}`)

	joins := tr.byOp("broadcast")
	if len(joins) != 2 {
		t.Fatalf("broadcasts after two joins = %d, want 2", len(joins))
	}
	second, ok := joins[1].event.(ParticipantsEvent)
	if !ok || second.Type != EventUserJoined {
		t.Fatalf("second broadcast = %#v, want USER_JOINED ParticipantsEvent", joins[1].event)
	}
	wantSnap := registry.Snapshot{"A": "Alice", "B": "Bob"}
	if !reflect.DeepEqual(second.Participants, wantSnap) {
		t.Fatalf("second join snapshot = %v, want %v", second.Participants, wantSnap)
	}

	dispatch(t, r, "A", `{"action":"consultation.chat","roomId":"r1","content":"hi"}`)
	chats := tr.byOp("broadcast")
	chat, ok := chats[len(chats)-1].event.(ChatEvent)
	if !ok {
		t.Fatalf("expected ChatEvent, got %#v", chats[len(chats)-1].event)
	}
	if chats[len(chats)-1].class != TopicChat {
		t.Fatalf("chat class = %q, want %q", chats[len(chats)-1].class, TopicChat)
	}
	if chat.SenderID != "A" || chat.SenderName != "Alice" || chat.Content != "hi" {
		t.Fatalf("chat = %+v, want senderId=A senderName=Alice content=hi", chat)
	}
	if chat.Timestamp != 1700000000000 {
		t.Fatalf("chat timestamp = %d, want server-assigned 1700000000000", chat.Timestamp)
	}

	dispatch(t, r, "B", `{"action":"consultation.leave","roomId":"r1"}`)
	bcasts := tr.byOp("broadcast")
	left, ok := bcasts[len(bcasts)-1].event.(ParticipantsEvent)
	if !ok || left.Type != EventUserLeft {
		t.Fatalf("expected USER_LEFT, got %#v", bcasts[len(bcasts)-1].event)
	}
	if want := (registry.Snapshot{"A": "Alice"}); !reflect.DeepEqual(left.Participants, want) {
		t.Fatalf("USER_LEFT snapshot = %v, want %v", left.Participants, want)
	}
	if left.UserName != "Bob" {
		t.Fatalf("USER_LEFT userName = %q, want Bob", left.UserName)
	}

	dispatch(t, r, "A", `{"action":"consultation.end","roomId":"r1"}`)
	bcasts = tr.byOp("broadcast")
	end, ok := bcasts[len(bcasts)-1].event.(EndEvent)
	if !ok || end.EndedBy != "A" {
		t.Fatalf("expected END by A, got %#v", bcasts[len(bcasts)-1].event)
	}
	if drops := tr.byOp("drop"); len(drops) != 1 || drops[0].roomID != "r1" {
		t.Fatalf("drop calls = %v, want one for r1", drops)
	}
	if snap := r.Registry().Snapshot("r1"); len(snap) != 0 {
		t.Fatalf("snapshot after end = %v, want empty", snap)
	}
}

func TestJoinDefaultsDisplayNameToPrincipal(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "dr.jones@clinic.test", `{"action":"consultation.join","roomId":"r1"}`)

	joins := tr.byOp("broadcast")
	evt := joins[0].event.(ParticipantsEvent)
	if evt.UserName != "dr.jones@clinic.test" {
		t.Fatalf("userName = %q, want principal", evt.UserName)
	}
	if evt.UserType != "USER" {
		t.Fatalf("userType = %q, want USER", evt.UserType)
	}
}

// Point-to-point signaling must reach exactly one private queue and never a
// room topic.
func TestSignalingIsDirectOnly(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.webrtc.offer","roomId":"r1","targetUserId":"B","offer":{"type":"offer","sdp":"v=0"}}`)
	dispatch(t, r, "B", `{"action":"consultation.webrtc.answer","roomId":"r1","targetUserId":"A","answer":{"type":"answer","sdp":"v=0"}}`)
	dispatch(t, r, "A", `{"action":"consultation.webrtc.ice-candidate","roomId":"r1","targetUserId":"B","candidate":{"candidate":"candidate:1"}}`)

	if bcasts := tr.byOp("broadcast"); len(bcasts) != 0 {
		t.Fatalf("signaling produced room broadcasts: %v", bcasts)
	}

	deliveries := tr.byOp("deliver")
	if len(deliveries) != 3 {
		t.Fatalf("deliveries = %d, want 3", len(deliveries))
	}

	offer := deliveries[0]
	if offer.principal != "B" || offer.queue != "/queue/webrtc.offer" {
		t.Fatalf("offer delivery = %+v, want B on /queue/webrtc.offer", offer)
	}
	evt := offer.event.(SignalEvent)
	if evt.FromUserID != "A" || evt.RoomID != "r1" || len(evt.Offer) == 0 {
		t.Fatalf("offer event = %+v", evt)
	}

	if deliveries[1].queue != "/queue/webrtc.answer" || deliveries[1].principal != "A" {
		t.Fatalf("answer delivery = %+v", deliveries[1])
	}
	if deliveries[2].queue != "/queue/webrtc.ice-candidate" || deliveries[2].principal != "B" {
		t.Fatalf("candidate delivery = %+v", deliveries[2])
	}
}

// The sender identity always comes from the connection, never from the
// envelope.
func TestSenderCannotBeImpersonated(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "mallory", `{"action":"consultation.chat","roomId":"r1","content":"hello","senderName":"Dr. Alice"}`)

	chat := tr.byOp("broadcast")[0].event.(ChatEvent)
	if chat.SenderID != "mallory" {
		t.Fatalf("senderId = %q, want mallory", chat.SenderID)
	}
	// Explicit senderName is display-only and allowed through.
	if chat.SenderName != "Dr. Alice" {
		t.Fatalf("senderName = %q, want explicit value", chat.SenderName)
	}
}

func TestChatSenderNameAbsentWhenUnknown(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.chat","roomId":"r1","content":"hi"}`)

	chat := tr.byOp("broadcast")[0].event.(ChatEvent)
	if chat.SenderName != "" {
		t.Fatalf("senderName = %q, want absent", chat.SenderName)
	}
}

func TestMalformedEnvelopeHasNoSideEffects(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.join"}`)   // missing roomId
	dispatch(t, r, "A", `not json at all`)                  // not JSON
	dispatch(t, r, "A", `{"action":"nope","roomId":"r1"}`)  // unknown action
	dispatch(t, r, "A", `{"action":"consultation.media.toggle","roomId":"r1","mediaType":"video"}`) // missing enabled

	if n := len(tr.byOp("broadcast")) + len(tr.byOp("deliver")) + len(tr.byOp("subscribe")); n != 0 {
		t.Fatalf("dropped envelopes caused %d transport calls", n)
	}
	if snap := r.Registry().Snapshot("r1"); len(snap) != 0 {
		t.Fatalf("dropped envelopes mutated the registry: %v", snap)
	}
}

func TestLeaveOfUnknownRoomStillBroadcastsEmptySnapshot(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.leave","roomId":"ghost"}`)

	bcasts := tr.byOp("broadcast")
	if len(bcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(bcasts))
	}
	evt := bcasts[0].event.(ParticipantsEvent)
	if evt.Type != EventUserLeft || len(evt.Participants) != 0 || evt.UserName != "" {
		t.Fatalf("USER_LEFT for unknown room = %+v, want empty snapshot and absent name", evt)
	}
}

func TestMediaToggleBroadcast(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.media.toggle","roomId":"r1","mediaType":"video","enabled":false}`)

	calls := tr.byOp("broadcast")
	if calls[0].class != TopicMedia {
		t.Fatalf("class = %q, want %q", calls[0].class, TopicMedia)
	}
	evt := calls[0].event.(MediaEvent)
	if evt.UserID != "A" || evt.MediaType != "video" || evt.Enabled {
		t.Fatalf("media event = %+v", evt)
	}
}

func TestStatusUpdateBroadcast(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "doc", `{"action":"consultation.status.update","roomId":"r1","status":"COMPLETED"}`)

	calls := tr.byOp("broadcast")
	evt := calls[0].event.(StatusEvent)
	if evt.Status != "COMPLETED" || evt.UpdatedBy != "doc" || evt.Timestamp == 0 {
		t.Fatalf("status event = %+v", evt)
	}
}

type denyAuthorizer struct{}

func (denyAuthorizer) AuthorizeJoin(ctx context.Context, roomID, principal string) error {
	return fmt.Errorf("no consultation scheduled in %s for %s", roomID, principal)
}

func TestUnauthorizedJoinIsDropped(t *testing.T) {
	tr := &fakeTransport{}
	met := metrics.New()
	r := NewRouter(Config{Transport: tr, Authorizer: denyAuthorizer{}, Metrics: met})

	dispatch(t, r, "A", `{"action":"consultation.join","roomId":"r1","userName":"Alice"}`)

	if n := len(tr.calls); n != 0 {
		t.Fatalf("unauthorized join caused %d transport calls", n)
	}
	if snap := r.Registry().Snapshot("r1"); len(snap) != 0 {
		t.Fatalf("unauthorized join mutated registry: %v", snap)
	}
	if got := met.Get(metrics.DropUnauthorizedJoin); got != 1 {
		t.Fatalf("unauthorized drop counter = %d, want 1", got)
	}
}

func TestDisconnectCleansUpAllRooms(t *testing.T) {
	r, tr := newTestRouter(t)

	dispatch(t, r, "A", `{"action":"consultation.join","roomId":"r1","userName":"Alice"}`)
	dispatch(t, r, "A", `{"action":"consultation.join","roomId":"r2","userName":"Alice"}`)
	dispatch(t, r, "B", `{"action":"consultation.join","roomId":"r1","userName":"Bob"}`)

	r.HandleDisconnect("A", []string{"r1", "r2"})

	if snap := r.Registry().Snapshot("r1"); !reflect.DeepEqual(snap, registry.Snapshot{"B": "Bob"}) {
		t.Fatalf("r1 after disconnect = %v, want only Bob", snap)
	}
	if snap := r.Registry().Snapshot("r2"); len(snap) != 0 {
		t.Fatalf("r2 after disconnect = %v, want empty", snap)
	}

	var lefts []ParticipantsEvent
	for _, c := range tr.byOp("broadcast") {
		if evt, ok := c.event.(ParticipantsEvent); ok && evt.Type == EventUserLeft {
			lefts = append(lefts, evt)
		}
	}
	if len(lefts) != 2 {
		t.Fatalf("USER_LEFT broadcasts after disconnect = %d, want 2", len(lefts))
	}
}

// Broadcast order for one room must match mutation order: with concurrent
// joins, the snapshots observed on the participants topic grow by exactly
// one member at a time.
func TestJoinBroadcastsObserveMutationOrder(t *testing.T) {
	r, tr := newTestRouter(t)

	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		principal := fmt.Sprintf("p%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatch(t, r, principal, fmt.Sprintf(`{"action":"consultation.join","roomId":"r1","userName":%q}`, principal))
		}()
	}
	wg.Wait()

	joins := tr.byOp("broadcast")
	if len(joins) != n {
		t.Fatalf("broadcasts = %d, want %d", len(joins), n)
	}
	for i, c := range joins {
		evt := c.event.(ParticipantsEvent)
		if got := len(evt.Participants); got != i+1 {
			t.Fatalf("broadcast %d carries snapshot of size %d, want %d", i, got, i+1)
		}
	}
}
