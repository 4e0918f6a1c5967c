package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/junbin-yang/go-tripfsm/internal/metrics"
	"github.com/junbin-yang/go-tripfsm/pkg/logger"
	"github.com/junbin-yang/go-tripfsm/pkg/tripfsm"
)

type published struct {
	subject string
	msg     StateMessage
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	var m StateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	p.msgs = append(p.msgs, published{subject: subject, msg: m})
	return nil
}

func (p *fakePublisher) take() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.msgs
	p.msgs = nil
	return out
}

var fixed = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestConsumer(t *testing.T, opts ...tripfsm.RegistryOption) (*Consumer, *tripfsm.Registry, *fakePublisher, *metrics.Collector) {
	t.Helper()
	var reg *tripfsm.Registry
	col := metrics.NewCollector(func() int { return reg.Count() })
	base := []tripfsm.RegistryOption{
		tripfsm.WithAutoOpen(true),
		tripfsm.WithArchiveTerminal(true),
		tripfsm.WithRegistryObserver(col),
	}
	reg = tripfsm.NewRegistry(append(base, opts...)...)
	t.Cleanup(reg.Close)
	pub := &fakePublisher{}
	c := NewConsumer(reg, "rides.trips",
		WithPublisher(pub),
		WithMetrics(col),
		WithLogger(logger.New(&bytes.Buffer{}, logger.DebugLevel)),
		WithClock(func() time.Time { return fixed }),
	)
	return c, reg, pub, col
}

func eventMsg(subject, event string) *nats.Msg {
	data, _ := json.Marshal(EventMessage{Event: event})
	return &nats.Msg{Subject: subject, Data: data}
}

func TestSubjects(t *testing.T) {
	c := NewConsumer(nil, "rides.trips.")
	if got := c.EventsSubject(); got != "rides.trips.*.events" {
		t.Errorf("EventsSubject = %q", got)
	}
	if got := c.StateSubject("a.b c"); got != "rides.trips.a_b_c.state" {
		t.Errorf("StateSubject = %q", got)
	}

	tests := []struct {
		subject string
		id      string
		ok      bool
	}{
		{"rides.trips.t-1.events", "t-1", true},
		{"rides.trips.t-1.state", "", false},
		{"rides.trips..events", "", false},
		{"rides.trips.a.b.events", "", false},
		{"other.t-1.events", "", false},
	}
	for _, tt := range tests {
		id, ok := c.tripID(tt.subject)
		if id != tt.id || ok != tt.ok {
			t.Errorf("tripID(%q) = %q, %v; want %q, %v", tt.subject, id, ok, tt.id, tt.ok)
		}
	}
}

func TestHandleMessagePublishesState(t *testing.T) {
	c, reg, pub, col := newTestConsumer(t)

	c.HandleMessage(eventMsg("rides.trips.t-1.events", "CONFIRM_REQUEST"))

	msgs := pub.take()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.subject != "rides.trips.t-1.state" {
		t.Errorf("subject = %q", got.subject)
	}
	if got.msg.TripID != "t-1" || got.msg.Event != "CONFIRM_REQUEST" || !got.msg.Changed || got.msg.Terminal {
		t.Errorf("unexpected state message: %+v", got.msg)
	}
	if len(got.msg.Leaves) != 1 || got.msg.Leaves[0] != tripfsm.LeafAwaitingDriver {
		t.Errorf("leaves = %v", got.msg.Leaves)
	}
	if !got.msg.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v", got.msg.Timestamp)
	}

	m, ok := reg.Get("t-1")
	if !ok || m.Current().State() != tripfsm.AwaitingDriver {
		t.Fatalf("registry state not updated")
	}
	if v := testutil.ToFloat64(col.IngestReceived); v != 1 {
		t.Errorf("received = %v", v)
	}
	if v := testutil.ToFloat64(col.NATSPublished); v != 1 {
		t.Errorf("published = %v", v)
	}
}

func TestHandleMessageNoOpNotPublished(t *testing.T) {
	c, _, pub, _ := newTestConsumer(t)

	c.HandleMessage(eventMsg("rides.trips.t-1.events", "CONFIRM_REQUEST"))
	pub.take()

	c.HandleMessage(eventMsg("rides.trips.t-1.events", "START_TRIP"))
	if msgs := pub.take(); len(msgs) != 0 {
		t.Errorf("no-op should not publish, got %+v", msgs)
	}

	// 请求-应答仍然回复当前状态
	msg := eventMsg("rides.trips.t-1.events", "START_TRIP")
	msg.Reply = "_INBOX.1"
	c.HandleMessage(msg)
	msgs := pub.take()
	if len(msgs) != 1 || msgs[0].subject != "_INBOX.1" || msgs[0].msg.Changed {
		t.Fatalf("unexpected reply: %+v", msgs)
	}
	if msgs[0].msg.Leaves[0] != tripfsm.LeafAwaitingDriver {
		t.Errorf("reply leaves = %v", msgs[0].msg.Leaves)
	}
}

func TestHandleMessageNoOpOnNewTripNotPublished(t *testing.T) {
	c, reg, pub, _ := newTestConsumer(t)

	// 行程由该事件自动创建，ASSIGN_DRIVER 在 requestReceived 下为 no-op
	c.HandleMessage(eventMsg("rides.trips.t-1.events", "ASSIGN_DRIVER"))
	if msgs := pub.take(); len(msgs) != 0 {
		t.Errorf("新行程的 no-op 不应发布状态, got %+v", msgs)
	}
	m, ok := reg.Get("t-1")
	if !ok || m.Current() != tripfsm.Initial() {
		t.Fatalf("行程应被自动创建且保持初始配置: ok=%v", ok)
	}

	msg := eventMsg("rides.trips.t-2.events", "ASSIGN_DRIVER")
	msg.Reply = "_INBOX.2"
	c.HandleMessage(msg)
	msgs := pub.take()
	if len(msgs) != 1 || msgs[0].subject != "_INBOX.2" || msgs[0].msg.Changed {
		t.Errorf("应答错误: %+v", msgs)
	}
}

func TestAwaitClosed(t *testing.T) {
	status := make(chan nats.SubStatus, 2)
	status <- nats.SubscriptionDraining
	status <- nats.SubscriptionClosed
	if !awaitClosed(status, time.Second) {
		t.Error("收到 SubscriptionClosed 后应返回 true")
	}

	closed := make(chan nats.SubStatus)
	close(closed)
	if !awaitClosed(closed, time.Second) {
		t.Error("状态通道关闭后应返回 true")
	}

	if awaitClosed(make(chan nats.SubStatus), 20*time.Millisecond) {
		t.Error("未关闭时应超时返回 false")
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	c, reg, pub, col := newTestConsumer(t)

	c.HandleMessage(&nats.Msg{Subject: "rides.trips.t-1.events", Data: []byte("{not json")})
	c.HandleMessage(&nats.Msg{Subject: "rides.trips.t-1.events", Data: []byte(`{"event":"  "}`)})
	c.HandleMessage(eventMsg("rides.trips.x.y.events", "CANCEL"))

	if v := testutil.ToFloat64(col.IngestMalformed); v != 3 {
		t.Errorf("malformed = %v, want 3", v)
	}
	if reg.Count() != 0 {
		t.Errorf("malformed messages should not open trips, count = %d", reg.Count())
	}
	if msgs := pub.take(); len(msgs) != 0 {
		t.Errorf("malformed messages should not publish, got %+v", msgs)
	}

	msg := &nats.Msg{Subject: "rides.trips.t-2.events", Data: []byte("[]"), Reply: "_INBOX.2"}
	c.HandleMessage(msg)
	msgs := pub.take()
	if len(msgs) != 1 || msgs[0].msg.Error == "" || msgs[0].msg.TripID != "t-2" {
		t.Errorf("expected error reply, got %+v", msgs)
	}
}

func TestHandleMessageUnknownEvent(t *testing.T) {
	c, reg, pub, col := newTestConsumer(t, tripfsm.WithAutoOpen(false))

	if _, err := reg.Open("t-1"); err != nil {
		t.Fatal(err)
	}

	msg := eventMsg("rides.trips.t-1.events", "FLY")
	msg.Reply = "_INBOX.3"
	c.HandleMessage(msg)

	msgs := pub.take()
	if len(msgs) != 1 || msgs[0].msg.Error == "" {
		t.Fatalf("expected error reply, got %+v", msgs)
	}
	if v := testutil.ToFloat64(col.Rejected.WithLabelValues("unknown_event")); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}

	// autoOpen 关闭时未知行程返回错误
	c.HandleMessage(eventMsg("rides.trips.t-9.events", "CANCEL"))
	if _, ok := reg.Get("t-9"); ok {
		t.Error("t-9 should not be opened")
	}
}

func TestHandleMessageArchivedTrip(t *testing.T) {
	c, reg, pub, _ := newTestConsumer(t)

	c.HandleMessage(eventMsg("rides.trips.t-1.events", "CANCEL"))
	msgs := pub.take()
	if len(msgs) != 1 || !msgs[0].msg.Terminal || msgs[0].msg.Leaves[0] != tripfsm.LeafCancelled {
		t.Fatalf("unexpected terminal state: %+v", msgs)
	}
	if _, ok := reg.Archived("t-1"); !ok {
		t.Fatal("t-1 should be archived")
	}

	// 归档后的事件不会重新打开行程，也不会重复发布
	c.HandleMessage(eventMsg("rides.trips.t-1.events", "CONFIRM_REQUEST"))
	if msgs := pub.take(); len(msgs) != 0 {
		t.Errorf("stale event should not publish, got %+v", msgs)
	}
	if reg.Count() != 0 {
		t.Errorf("archived trip reopened, count = %d", reg.Count())
	}
}

func TestHandleMessagePublishError(t *testing.T) {
	c, _, pub, col := newTestConsumer(t)
	pub.err = errors.New("nats: connection closed")

	c.HandleMessage(eventMsg("rides.trips.t-1.events", "CONFIRM_REQUEST"))
	if v := testutil.ToFloat64(col.NATSPublishErrs); v != 1 {
		t.Errorf("publish errors = %v, want 1", v)
	}
}

func TestHandleMessageOrderedRide(t *testing.T) {
	c, reg, pub, _ := newTestConsumer(t)
	for _, e := range []string{
		"CONFIRM_REQUEST", "ASSIGN_DRIVER", "DRIVER_ARRIVED", "START_TRIP",
		"RIDER_LEFT", "ARRIVED_AT_DESTINATION", "COMPLETE_TRIP",
	} {
		c.HandleMessage(eventMsg("rides.trips.t-7.events", e))
	}

	msgs := pub.take()
	if len(msgs) != 7 {
		t.Fatalf("published %d state messages, want 7", len(msgs))
	}
	riding := msgs[3].msg.Leaves
	if len(riding) != 2 || riding[0] != tripfsm.LeafInCar || riding[1] != tripfsm.LeafDriving {
		t.Errorf("START_TRIP leaves = %v", riding)
	}
	last := msgs[6].msg
	if !last.Terminal || last.Leaves[0] != tripfsm.LeafCompleted {
		t.Errorf("final state = %+v", last)
	}
	if final, ok := reg.Archived("t-7"); !ok || final.State() != tripfsm.Completed {
		t.Errorf("archived final = %v, %v", final, ok)
	}
}
