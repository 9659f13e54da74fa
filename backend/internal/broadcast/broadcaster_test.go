package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func startInstance(t *testing.T, ps PubSub, origin string) (*Broadcaster, *recorder) {
	t.Helper()
	b := New(ps, Options{Origin: origin})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	rec := &recorder{}
	b.AddListener(rec.listen)
	return b, rec
}

func TestChannelRoundTrip(t *testing.T) {
	ch := ChannelFor("flow-42")
	if ch != "flowcollab:flow:{flow-42}" {
		t.Fatalf("ChannelFor() = %q", ch)
	}
	doc, ok := documentFromChannel(ch)
	if !ok || doc != "flow-42" {
		t.Fatalf("documentFromChannel(%q) = %q, %v", ch, doc, ok)
	}
	if _, ok := documentFromChannel("other:channel"); ok {
		t.Fatalf("documentFromChannel accepted a foreign channel")
	}
}

func TestBroadcaster_DeliversAcrossInstances(t *testing.T) {
	ps := NewMemoryPubSub()
	a, recA := startInstance(t, ps, "instance-a")
	_, recB := startInstance(t, ps, "instance-b")

	evt, err := NewEvent(EventOperation, "flow-1", "alice", map[string]int{"sequence": 7}, t0)
	if err != nil {
		t.Fatalf("NewEvent() error = %v", err)
	}
	if err := a.Publish(context.Background(), evt.Excluding("alice")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	// local delivery exactly once: the echo from the broker is skipped
	if got := recA.all(); len(got) != 1 {
		t.Fatalf("instance a got %d events, want 1", len(got))
	}
	got := recB.all()
	if len(got) != 1 {
		t.Fatalf("instance b got %d events, want 1", len(got))
	}
	e := got[0]
	if e.Type != EventOperation || e.DocumentID != "flow-1" || e.Origin != "instance-a" || e.ExcludeUserID != "alice" {
		t.Fatalf("remote event = %+v", e)
	}
	if string(e.Payload) != `{"sequence":7}` {
		t.Fatalf("payload = %s", e.Payload)
	}
}

func TestBroadcaster_BrokerFailureKeepsLocalDelivery(t *testing.T) {
	ps := NewMemoryPubSub()
	a, recA := startInstance(t, ps, "instance-a")
	_, recB := startInstance(t, ps, "instance-b")

	boom := errors.New("broker down")
	ps.FailWith(boom)
	evt, _ := NewEvent(EventUserJoined, "flow-1", "bob", nil, t0)
	if err := a.Publish(context.Background(), evt); !errors.Is(err, boom) {
		t.Fatalf("Publish() error = %v, want %v", err, boom)
	}
	if len(recA.all()) != 1 {
		t.Fatalf("local listener missed the event")
	}
	if len(recB.all()) != 0 {
		t.Fatalf("remote instance received an event through a failed broker")
	}

	ps.FailWith(nil)
	if err := a.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() after recovery error = %v", err)
	}
	if len(recB.all()) != 1 {
		t.Fatalf("remote instance got %d events after recovery, want 1", len(recB.all()))
	}
}

func TestBroadcaster_WithoutPubSub(t *testing.T) {
	b := New(nil, Options{})
	if b.Origin() == "" {
		t.Fatalf("Origin() is empty")
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec := &recorder{}
	remove := b.AddListener(rec.listen)
	evt, _ := NewEvent(EventSessionTimeout, "flow-1", "", nil, t0)
	if err := b.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	remove()
	_ = b.Publish(context.Background(), evt)
	if len(rec.all()) != 1 {
		t.Fatalf("listener got %d events, want 1", len(rec.all()))
	}
}

func TestBroadcaster_DropsUndecodableMessage(t *testing.T) {
	b := New(nil, Options{Origin: "x"})
	rec := &recorder{}
	b.AddListener(rec.listen)
	b.OnMessage(ChannelFor("flow-1"), []byte("not json"))
	if len(rec.all()) != 0 {
		t.Fatalf("undecodable message was delivered")
	}
	b.OnMessage(ChannelFor("flow-1"), []byte(`{"type":"user_left","origin":"y"}`))
	got := rec.all()
	if len(got) != 1 || got[0].DocumentID != "flow-1" {
		t.Fatalf("OnMessage() delivered %+v", got)
	}
}

func TestEvent_DeliverTo(t *testing.T) {
	base, _ := NewEvent(EventOperation, "flow-1", "alice", nil, t0)
	tests := []struct {
		name string
		evt  Event
		user string
		conn string
		want bool
	}{
		{name: "no exclusion", evt: base, user: "alice", conn: "c1", want: true},
		{name: "excluded user", evt: base.Excluding("alice"), user: "alice", conn: "c1", want: false},
		{name: "other user", evt: base.Excluding("alice"), user: "bob", conn: "c3", want: true},
		{name: "excluded connection", evt: base.Excluding("alice").ExcludingConn("c1"), user: "alice", conn: "c1", want: false},
		{name: "same user other connection", evt: base.Excluding("alice").ExcludingConn("c1"), user: "alice", conn: "c2", want: true},
		{name: "other user with conn exclusion", evt: base.Excluding("alice").ExcludingConn("c1"), user: "bob", conn: "c3", want: true},
	}
	for _, tt := range tests {
		if got := tt.evt.DeliverTo(tt.user, tt.conn); got != tt.want {
			t.Fatalf("%s: DeliverTo(%s, %s) = %v, want %v", tt.name, tt.user, tt.conn, got, tt.want)
		}
	}
}
