package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pliu/ume/internal/metrics"
	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/presence"
	"github.com/pliu/ume/internal/store"
	"github.com/pliu/ume/internal/store/sqlstore"
)

type stubHandle struct {
	name string

	mu        sync.Mutex
	events    []presence.Event
	failAfter int
}

func newStub(name string) *stubHandle {
	return &stubHandle{name: name, failAfter: -1}
}

func (s *stubHandle) Username() string { return s.name }

func (s *stubHandle) Push(ctx context.Context, ev presence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter >= 0 && len(s.events) >= s.failAfter {
		return presence.ErrHandleClosed
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *stubHandle) received() []presence.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]presence.Event(nil), s.events...)
}

func (s *stubHandle) ofType(t string) []presence.Event {
	var out []presence.Event
	for _, ev := range s.received() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// faultyStore injects errors into selected operations.
type faultyStore struct {
	store.Store
	appendErr error
	markErr   error
	findErr   error
	hang      bool

	afterAppend func()
	onFind      func()
}

func (f *faultyStore) Append(ctx context.Context, m *models.Message) (string, error) {
	if f.hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.appendErr != nil {
		return "", f.appendErr
	}
	id, err := f.Store.Append(ctx, m)
	if err == nil && f.afterAppend != nil {
		f.afterAppend()
	}
	return id, err
}

func (f *faultyStore) MarkDelivered(ctx context.Context, id string) error {
	if f.markErr != nil {
		return f.markErr
	}
	return f.Store.MarkDelivered(ctx, id)
}

func (f *faultyStore) FindUndelivered(ctx context.Context, username string) ([]models.Message, error) {
	if f.onFind != nil {
		f.onFind()
	}
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.Store.FindUndelivered(ctx, username)
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *faultyStore, *presence.Memory) {
	t.Helper()
	s, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	fs := &faultyStore{Store: s}
	reg := presence.NewMemory()
	d := NewDispatcher(fs, reg, metrics.New(), nil)
	return d, fs, reg
}

func text(to, body string) models.Draft {
	return models.Draft{To: to, Kind: models.KindText, Text: body}
}

func payload(t *testing.T, ev presence.Event) Delivery {
	t.Helper()
	p, ok := ev.Payload.(Delivery)
	if !ok {
		t.Fatalf("Expected Delivery payload, got %T", ev.Payload)
	}
	return p
}

func pending(t *testing.T, s store.Store, user string) []models.Message {
	t.Helper()
	msgs, err := s.FindUndelivered(context.Background(), user)
	if err != nil {
		t.Fatalf("FindUndelivered failed: %v", err)
	}
	return msgs
}

func TestSendToOnlineRecipient(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	res, err := d.Send(context.Background(), alice, text("bob", " hi "))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Outcome != Delivered {
		t.Fatalf("Expected Delivered, got %v", res.Outcome)
	}

	got := bob.ofType(EventText)
	if len(got) != 1 {
		t.Fatalf("Expected bob to receive 1 message, got %d", len(got))
	}
	p := payload(t, got[0])
	if p.Self || p.Text != "hi" || p.From != "alice" {
		t.Errorf("Unexpected delivery to bob: %+v", p)
	}

	echo := alice.ofType(EventText)
	if len(echo) != 1 || !payload(t, echo[0]).Self {
		t.Fatalf("Expected a self echo to alice, got %+v", echo)
	}
	if payload(t, echo[0]).ID != p.ID {
		t.Error("Expected echo and delivery to share the persisted id")
	}

	if left := pending(t, st, "bob"); len(left) != 0 {
		t.Errorf("Expected nothing pending for bob, got %d", len(left))
	}
	if v := testutil.ToFloat64(d.Metrics.Delivered.WithLabelValues(metrics.PathLive)); v != 1 {
		t.Errorf("Expected 1 live delivery metric, got %v", v)
	}
}

func TestSendToOfflineThenBackfill(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice := newStub("alice")
	reg.Register("alice", alice)

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i, body := range []string{"m1", "m2"} {
		at := base.Add(time.Duration(i) * time.Second)
		d.Now = func() time.Time { return at }
		res, err := d.Send(context.Background(), alice, text("bob", body))
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if res.Outcome != Queued {
			t.Fatalf("Expected Queued, got %v", res.Outcome)
		}
	}
	if got := len(alice.ofType(EventText)); got != 2 {
		t.Errorf("Expected 2 echoes to alice, got %d", got)
	}
	if got := len(pending(t, st, "bob")); got != 2 {
		t.Fatalf("Expected 2 pending for bob, got %d", got)
	}

	bob := newStub("bob")
	reg.Register("bob", bob)
	n, err := d.Backfill(context.Background(), bob)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 backfilled, got %d", n)
	}

	got := bob.ofType(EventText)
	if len(got) != 2 || payload(t, got[0]).Text != "m1" || payload(t, got[1]).Text != "m2" {
		t.Fatalf("Expected m1 then m2, got %+v", got)
	}
	for _, ev := range got {
		if payload(t, ev).Self {
			t.Error("Expected backfilled messages to have self=false")
		}
	}
	if left := pending(t, st, "bob"); len(left) != 0 {
		t.Errorf("Expected nothing pending after backfill, got %d", len(left))
	}

	// A second backfill finds nothing.
	if n, _ := d.Backfill(context.Background(), bob); n != 0 {
		t.Errorf("Expected empty second backfill, got %d", n)
	}
}

func TestSendInvalidDropped(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	for _, draft := range []models.Draft{
		text("bob", "   "),
		text("", "hello"),
		{To: "bob", Kind: models.KindFile},
	} {
		res, err := d.Send(context.Background(), alice, draft)
		if err != nil {
			t.Fatalf("Expected no error for invalid draft, got %v", err)
		}
		if res.Outcome != Dropped || res.Message != nil {
			t.Errorf("Expected Dropped, got %+v", res)
		}
	}

	if len(alice.received()) != 0 || len(bob.received()) != 0 {
		t.Error("Expected no events for dropped messages")
	}
	history, _ := st.FindConversation(context.Background(), "alice", "bob", 0)
	if len(history) != 0 {
		t.Errorf("Expected nothing persisted, got %d", len(history))
	}
	if v := testutil.ToFloat64(d.Metrics.Dropped); v != 3 {
		t.Errorf("Expected 3 dropped, got %v", v)
	}
}

func TestSendStorageFailure(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)
	st.appendErr = errors.New("disk full")

	_, err := d.Send(context.Background(), alice, text("bob", "hi"))
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("Expected ErrStorage, got %v", err)
	}
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "append" {
		t.Errorf("Expected append StorageError, got %v", err)
	}
	if len(alice.received()) != 0 || len(bob.received()) != 0 {
		t.Error("Expected no echo and no delivery after storage failure")
	}
}

func TestSendStoreTimeout(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice := newStub("alice")
	reg.Register("alice", alice)
	st.hang = true
	d.StoreTimeout = 20 * time.Millisecond

	_, err := d.Send(context.Background(), alice, text("bob", "hi"))
	if !errors.Is(err, ErrStorage) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected storage timeout, got %v", err)
	}
}

func TestLivePushFailureStaysQueued(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	bob.failAfter = 0
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	res, err := d.Send(context.Background(), alice, text("bob", "hi"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Outcome != Queued {
		t.Fatalf("Expected Queued after failed push, got %v", res.Outcome)
	}
	if got := len(pending(t, st, "bob")); got != 1 {
		t.Fatalf("Expected message to stay pending, got %d", got)
	}

	// Bob reconnects on a healthy socket and gets it exactly once.
	bob2 := newStub("bob")
	reg.Register("bob", bob2)
	if n, err := d.Backfill(context.Background(), bob2); err != nil || n != 1 {
		t.Fatalf("Expected 1 backfilled, got %d (%v)", n, err)
	}
	if n, _ := d.Backfill(context.Background(), bob2); n != 0 {
		t.Errorf("Expected no redelivery, got %d", n)
	}
	if got := len(bob2.ofType(EventText)); got != 1 {
		t.Errorf("Expected exactly one delivery, got %d", got)
	}
}

func TestMarkDeliveredFailureStaysQueued(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)
	st.markErr = errors.New("connection reset")

	res, err := d.Send(context.Background(), alice, text("bob", "hi"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Outcome != Queued {
		t.Errorf("Expected Queued when mark fails, got %v", res.Outcome)
	}
	if got := len(bob.ofType(EventText)); got != 1 {
		t.Errorf("Expected bob to still get the live push, got %d", got)
	}
	if got := len(pending(t, st, "bob")); got != 1 {
		t.Errorf("Expected delivered flag to stay false, got %d pending", got)
	}
}

func TestBackfillStopsAtFirstFailure(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice := newStub("alice")
	reg.Register("alice", alice)

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		d.Now = func() time.Time { return at }
		if _, err := d.Send(context.Background(), alice, text("bob", fmt.Sprintf("m%d", i))); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	bob := newStub("bob")
	bob.failAfter = 1
	n, err := d.Backfill(context.Background(), bob)
	if err != nil {
		t.Fatalf("Backfill failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 delivered before failure, got %d", n)
	}

	left := pending(t, st, "bob")
	if len(left) != 2 || left[0].Text != "m1" || left[1].Text != "m2" {
		t.Errorf("Expected m1 and m2 to remain pending, got %+v", left)
	}
}

func TestBackfillStorageFailure(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.findErr = errors.New("down")

	_, err := d.Backfill(context.Background(), newStub("bob"))
	var serr *StorageError
	if !errors.As(err, &serr) || serr.Op != "find_undelivered" {
		t.Errorf("Expected find_undelivered StorageError, got %v", err)
	}
}

func TestReconnectRaceKeepsNewSession(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice := newStub("alice")
	reg.Register("alice", alice)

	c1, c2 := newStub("carol"), newStub("carol")
	reg.Register("carol", c1)
	reg.Register("carol", c2)
	reg.Unregister("carol", c1)

	res, err := d.Send(context.Background(), alice, text("carol", "still there?"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if res.Outcome != Delivered {
		t.Fatalf("Expected Delivered via the newer session, got %v", res.Outcome)
	}
	if len(c1.received()) != 0 || len(c2.ofType(EventText)) != 1 {
		t.Errorf("Expected only c2 to receive, got c1=%d c2=%d", len(c1.received()), len(c2.received()))
	}
	if got := len(pending(t, st, "carol")); got != 0 {
		t.Errorf("Expected nothing pending, got %d", got)
	}
}

func TestConcurrentSendsPersistOnce(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	bob := newStub("bob")
	reg.Register("bob", bob)

	const senders, each = 5, 10
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		sender := newStub(fmt.Sprintf("user%d", i))
		reg.Register(sender.name, sender)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				if _, err := d.Send(context.Background(), sender, text("bob", "hi")); err != nil {
					t.Errorf("Send failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	got := bob.ofType(EventText)
	if len(got) != senders*each {
		t.Fatalf("Expected %d deliveries, got %d", senders*each, len(got))
	}
	seen := make(map[string]bool)
	for _, ev := range got {
		id := payload(t, ev).ID
		if seen[id] {
			t.Fatalf("Message %s delivered twice", id)
		}
		seen[id] = true
	}
	if left := pending(t, st, "bob"); len(left) != 0 {
		t.Errorf("Expected nothing pending, got %d", len(left))
	}
}

func TestHistory(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)

	base := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	steps := []struct {
		from *stubHandle
		to   string
		body string
	}{
		{alice, "bob", "a1"},
		{bob, "alice", "b1"},
		{alice, "bob", "a2"},
	}
	for i, s := range steps {
		at := base.Add(time.Duration(i) * time.Second)
		d.Now = func() time.Time { return at }
		if _, err := d.Send(context.Background(), s.from, text(s.to, s.body)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	page, err := d.History(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if page.With != "bob" || len(page.Messages) != 3 {
		t.Fatalf("Unexpected page: %+v", page)
	}
	wantSelf := []bool{true, false, true}
	for i, m := range page.Messages {
		if m.Self != wantSelf[i] {
			t.Errorf("message %d self = %v, want %v", i, m.Self, wantSelf[i])
		}
	}

	// History is read-only: bob's queued messages are still queued.
	if n, _ := d.Backfill(context.Background(), bob); n != 2 {
		t.Errorf("Expected 2 messages still queued for bob, got %d", n)
	}
}

func TestRedeliverOnline(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	bob.failAfter = 0
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	if res, _ := d.Send(context.Background(), alice, text("bob", "hi")); res.Outcome != Queued {
		t.Fatalf("Expected Queued, got %v", res.Outcome)
	}

	bob.mu.Lock()
	bob.failAfter = -1
	bob.mu.Unlock()

	n, err := d.RedeliverOnline(context.Background())
	if err != nil {
		t.Fatalf("RedeliverOnline failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 redelivered, got %d", n)
	}
	if got := len(pending(t, st, "bob")); got != 0 {
		t.Errorf("Expected nothing pending, got %d", got)
	}
	if v := testutil.ToFloat64(d.Metrics.Delivered.WithLabelValues(metrics.PathSweep)); v != 1 {
		t.Errorf("Expected sweep delivery metric, got %v", v)
	}
}

func TestSweepDuringSendPushesOnce(t *testing.T) {
	d, st, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	findStarted := make(chan struct{}, 1)
	st.onFind = func() {
		select {
		case findStarted <- struct{}{}:
		default:
		}
	}
	swept := make(chan struct{})
	st.afterAppend = func() {
		go func() {
			d.RedeliverOnline(context.Background())
			close(swept)
		}()
		// Give the sweep every chance to read the fresh row before delivery.
		select {
		case <-findStarted:
		case <-time.After(50 * time.Millisecond):
		}
	}

	res, err := d.Send(context.Background(), alice, text("bob", "once"))
	if err != nil || res.Outcome != Delivered {
		t.Fatalf("Expected Delivered, got %v %v", res.Outcome, err)
	}
	<-swept

	if got := len(bob.ofType(EventText)); got != 1 {
		t.Errorf("Expected bob to receive exactly 1 text_message, got %d", got)
	}
	if got := len(pending(t, st, "bob")); got != 0 {
		t.Errorf("Expected nothing pending, got %d", got)
	}
}

func TestSignal(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	alice, bob := newStub("alice"), newStub("bob")
	reg.Register("alice", alice)
	reg.Register("bob", bob)

	to, ok, err := d.Signal(context.Background(), alice, CallOffer, json.RawMessage(`{"to":"bob","sdp":"v=0"}`))
	if err != nil || !ok || to != "bob" {
		t.Fatalf("Expected offer to reach bob, got %q %v %v", to, ok, err)
	}
	got := bob.ofType(CallOffer)
	if len(got) != 1 {
		t.Fatalf("Expected bob to receive an offer, got %d", len(got))
	}
	raw, _ := json.Marshal(got[0].Payload)
	var fields map[string]string
	json.Unmarshal(raw, &fields)
	if fields["from"] != "alice" || fields["sdp"] != "v=0" {
		t.Errorf("Unexpected forwarded payload: %s", raw)
	}
	if _, ok := fields["to"]; ok {
		t.Error("Expected 'to' to be stripped")
	}
}

func TestSignalOfflineTarget(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	alice := newStub("alice")
	reg.Register("alice", alice)

	tests := []struct {
		event  string
		notice string
	}{
		{CallOffer, EventCallError},
		{CallAnswer, EventOffline},
		{CallCandidate, EventOffline},
		{CallEnd, EventOffline},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			before := len(alice.ofType(tt.notice))
			_, ok, err := d.Signal(context.Background(), alice, tt.event, json.RawMessage(`{"to":"dave"}`))
			if err != nil || ok {
				t.Fatalf("Expected undelivered signal without error, got %v %v", ok, err)
			}
			got := alice.ofType(tt.notice)
			if len(got) != before+1 {
				t.Fatalf("Expected a %s notice", tt.notice)
			}
			n := got[len(got)-1].Payload.(OfflineNotice)
			if n.Error != "User is offline" || n.TargetUser != "dave" {
				t.Errorf("Unexpected notice: %+v", n)
			}
		})
	}
}

func TestSignalOfflineNoticeGoesToSendingConnection(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	oldTab, newTab := newStub("alice"), newStub("alice")
	reg.Register("alice", oldTab)
	reg.Register("alice", newTab)

	if _, ok, err := d.Signal(context.Background(), oldTab, CallOffer, json.RawMessage(`{"to":"dave"}`)); err != nil || ok {
		t.Fatalf("Expected undelivered signal without error, got %v %v", ok, err)
	}
	if got := len(oldTab.ofType(EventCallError)); got != 1 {
		t.Errorf("Expected the sending tab to get 1 call_error, got %d", got)
	}
	if got := len(newTab.received()); got != 0 {
		t.Errorf("Expected the newer tab to receive nothing, got %d events", got)
	}
}

func TestSignalWithoutTarget(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	alice := newStub("alice")
	if _, _, err := d.Signal(context.Background(), alice, CallOffer, json.RawMessage(`{"sdp":"x"}`)); !errors.Is(err, ErrNoTarget) {
		t.Errorf("Expected ErrNoTarget, got %v", err)
	}
	if _, _, err := d.Signal(context.Background(), alice, CallOffer, json.RawMessage(`[1]`)); err == nil {
		t.Error("Expected error for non-object payload")
	}
}

func TestBroadcast(t *testing.T) {
	d, _, reg := newTestDispatcher(t)
	users := []*stubHandle{newStub("alice"), newStub("bob"), newStub("carol")}
	for _, u := range users {
		reg.Register(u.name, u)
	}
	ev := presence.Event{Type: "profile_updated", Payload: map[string]string{"username": "alice"}}

	if n := d.Broadcast(context.Background(), "alice", ev, false); n != 2 {
		t.Errorf("Expected 2 recipients excluding sender, got %d", n)
	}
	if len(users[0].received()) != 0 {
		t.Error("Expected sender to be skipped")
	}
	if n := d.Broadcast(context.Background(), "alice", ev, true); n != 3 {
		t.Errorf("Expected 3 recipients including sender, got %d", n)
	}
}

func TestForwardOffline(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	if d.Forward(context.Background(), "nobody", "typing", nil) {
		t.Error("Expected forward to offline user to report false")
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Dropped: "dropped", Queued: "queued", Delivered: "delivered", Outcome(9): "unknown"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(o), o.String(), want)
		}
	}
}
