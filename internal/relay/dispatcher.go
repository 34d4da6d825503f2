// Package relay decides, for every outbound message, between live push and
// persist-only, and drains persisted messages when their recipient appears.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/pliu/ume/internal/metrics"
	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/presence"
	"github.com/pliu/ume/internal/store"
)

// Outbound event types carrying a message.
const (
	EventText = "text_message"
	EventFile = "file_message"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultPushTimeout  = 2 * time.Second
)

// Delivery is the payload of text_message and file_message events.
type Delivery struct {
	models.Message
	Self bool `json:"self"`
}

// EventFor wraps m for a recipient (self=false) or its sender (self=true).
func EventFor(m models.Message, self bool) presence.Event {
	t := EventText
	if m.Kind == models.KindFile {
		t = EventFile
	}
	return presence.Event{Type: t, Payload: Delivery{Message: m, Self: self}}
}

type Result struct {
	Outcome Outcome
	// Message is the persisted record; nil when dropped.
	Message *models.Message
}

type Dispatcher struct {
	Store    store.Store
	Registry presence.Registry
	Metrics  *metrics.Metrics
	Log      *zap.Logger

	StoreTimeout time.Duration
	PushTimeout  time.Duration
	HistoryLimit int

	// Now stamps CreatedAt. Defaults to time.Now.
	Now func() time.Time

	locks userLocks
}

func NewDispatcher(st store.Store, reg presence.Registry, m *metrics.Metrics, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Dispatcher{
		Store:        st,
		Registry:     reg,
		Metrics:      m,
		Log:          log,
		StoreTimeout: DefaultStoreTimeout,
		PushTimeout:  DefaultPushTimeout,
		HistoryLimit: store.DefaultConversationLimit,
		Now:          time.Now,
	}
}

// Send validates, persists and routes d on behalf of sender. Invalid drafts
// are dropped without error. A storage failure returns a *StorageError and
// nothing is pushed to anyone.
func (d *Dispatcher) Send(ctx context.Context, sender presence.Handle, draft models.Draft) (Result, error) {
	draft.From = sender.Username()
	if !draft.Valid() {
		d.Metrics.Dropped.Inc()
		d.Log.Debug("message_dropped", zap.String("from", draft.From), zap.String("to", draft.To), zap.String("kind", string(draft.Kind)))
		return Result{Outcome: Dropped}, nil
	}

	m := draft.Message(d.Now())

	// The recipient's lock spans Append to MarkDelivered so a backfill for
	// the same user cannot find and push the row in between.
	unlock := d.locks.lock(m.To)
	sctx, cancel := context.WithTimeout(ctx, d.StoreTimeout)
	_, err := d.Store.Append(sctx, m)
	cancel()
	if err != nil {
		unlock()
		d.Metrics.StoreErrors.WithLabelValues("append").Inc()
		d.Log.Error("message_append_failed", zap.String("from", m.From), zap.String("to", m.To), zap.Error(err))
		return Result{}, &StorageError{Op: "append", Err: err}
	}
	d.Metrics.Persisted.WithLabelValues(string(m.Kind)).Inc()
	if m.Kind == models.KindFile {
		d.Log.Info("file_message_persisted",
			zap.String("id", m.ID),
			zap.String("name", m.File.Name),
			zap.String("size", humanize.Bytes(uint64(m.File.Size))),
		)
	}

	outcome := d.deliver(ctx, m, metrics.PathLive)
	unlock()

	if err := d.push(ctx, sender, EventFor(*m, true)); err != nil {
		d.Log.Warn("echo_failed", zap.String("id", m.ID), zap.String("user", m.From), zap.Error(err))
	}
	return Result{Outcome: outcome, Message: m}, nil
}

// deliver pushes a persisted message to its recipient if online and marks it
// delivered once the push is accepted. The caller holds the recipient's lock.
func (d *Dispatcher) deliver(ctx context.Context, m *models.Message, path string) Outcome {
	h, ok := d.Registry.Lookup(m.To)
	if !ok {
		d.Metrics.Queued.Inc()
		return Queued
	}
	if err := d.push(ctx, h, EventFor(*m, false)); err != nil {
		d.Metrics.Queued.Inc()
		d.Log.Warn("live_push_failed", zap.String("id", m.ID), zap.String("to", m.To), zap.Error(err))
		return Queued
	}
	if err := d.markDelivered(ctx, m.ID); err != nil {
		d.Metrics.Queued.Inc()
		d.Log.Warn("mark_delivered_failed", zap.String("id", m.ID), zap.Error(err))
		return Queued
	}
	m.Delivered = true
	d.Metrics.Delivered.WithLabelValues(path).Inc()
	return Delivered
}

func (d *Dispatcher) push(ctx context.Context, h presence.Handle, ev presence.Event) error {
	pctx, cancel := context.WithTimeout(ctx, d.PushTimeout)
	defer cancel()
	return h.Push(pctx, ev)
}

func (d *Dispatcher) markDelivered(ctx context.Context, id string) error {
	sctx, cancel := context.WithTimeout(ctx, d.StoreTimeout)
	defer cancel()
	if err := d.Store.MarkDelivered(sctx, id); err != nil {
		d.Metrics.StoreErrors.WithLabelValues("mark_delivered").Inc()
		return &StorageError{Op: "mark_delivered", Err: err}
	}
	return nil
}

// Forward pushes a live-only event to an online user and reports whether
// the push was accepted. Nothing is persisted.
func (d *Dispatcher) Forward(ctx context.Context, to, eventType string, payload interface{}) bool {
	h, ok := d.Registry.Lookup(to)
	if !ok {
		return false
	}
	if err := d.push(ctx, h, presence.Event{Type: eventType, Payload: payload}); err != nil {
		d.Log.Debug("forward_failed", zap.String("type", eventType), zap.String("to", to), zap.Error(err))
		return false
	}
	d.Metrics.SignalsForward.WithLabelValues(eventType).Inc()
	return true
}

// Broadcast pushes ev to every online user, optionally skipping from, and
// returns how many pushes were accepted.
func (d *Dispatcher) Broadcast(ctx context.Context, from string, ev presence.Event, includeSender bool) int {
	n := 0
	for _, name := range d.Registry.Online() {
		if name == from && !includeSender {
			continue
		}
		h, ok := d.Registry.Lookup(name)
		if !ok {
			continue
		}
		if err := d.push(ctx, h, ev); err != nil {
			d.Log.Debug("broadcast_push_failed", zap.String("type", ev.Type), zap.String("to", name), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

// userLocks serialises live delivery and backfill per recipient.
type userLocks struct {
	mu sync.Mutex
	m  map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func (l *userLocks) lock(name string) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[string]*userLock)
	}
	ul, ok := l.m[name]
	if !ok {
		ul = &userLock{}
		l.m[name] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.m, name)
		}
		l.mu.Unlock()
	}
}
