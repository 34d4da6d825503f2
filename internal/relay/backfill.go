package relay

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pliu/ume/internal/metrics"
	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/presence"
)

// Backfill pushes every undelivered message addressed to h's user, oldest
// first, marking each delivered only after its push is accepted. It stops at
// the first rejected push and leaves the rest queued. The returned count is
// the number of messages marked delivered.
func (d *Dispatcher) Backfill(ctx context.Context, h presence.Handle) (int, error) {
	return d.backfill(ctx, h, metrics.PathBackfill)
}

func (d *Dispatcher) backfill(ctx context.Context, h presence.Handle, path string) (int, error) {
	username := h.Username()
	unlock := d.locks.lock(username)
	defer unlock()

	sctx, cancel := context.WithTimeout(ctx, d.StoreTimeout)
	pending, err := d.Store.FindUndelivered(sctx, username)
	cancel()
	if err != nil {
		d.Metrics.StoreErrors.WithLabelValues("find_undelivered").Inc()
		d.Log.Error("find_undelivered_failed", zap.String("user", username), zap.Error(err))
		return 0, &StorageError{Op: "find_undelivered", Err: err}
	}

	n := 0
	for _, m := range pending {
		if err := d.push(ctx, h, EventFor(m, false)); err != nil {
			d.Log.Info("backfill_interrupted",
				zap.String("user", username),
				zap.Int("delivered", n),
				zap.Int("remaining", len(pending)-n),
				zap.Error(err),
			)
			break
		}
		if err := d.markDelivered(ctx, m.ID); err != nil {
			d.Log.Error("backfill_mark_failed", zap.String("user", username), zap.String("id", m.ID), zap.Error(err))
			return n, err
		}
		d.Metrics.Delivered.WithLabelValues(path).Inc()
		n++
	}
	if n > 0 {
		d.Log.Info("backfill_done", zap.String("user", username), zap.String("path", path), zap.Int("delivered", n))
	}
	return n, nil
}

// RedeliverOnline backfills every online user. Failures for one user do not
// stop the others; they are joined into the returned error.
func (d *Dispatcher) RedeliverOnline(ctx context.Context) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, name := range d.Registry.Online() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		h, ok := d.Registry.Lookup(name)
		if !ok {
			continue
		}
		n, err := d.backfill(ctx, h, metrics.PathSweep)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// HistoryPage is the payload of chat_history.
type HistoryPage struct {
	With     string     `json:"with"`
	Messages []Delivery `json:"messages"`
}

// History returns the most recent messages between requester and other in
// ascending order, each flagged self when requester sent it. It never
// changes delivery state.
func (d *Dispatcher) History(ctx context.Context, requester, other string) (HistoryPage, error) {
	sctx, cancel := context.WithTimeout(ctx, d.StoreTimeout)
	defer cancel()
	msgs, err := d.Store.FindConversation(sctx, requester, other, d.HistoryLimit)
	if err != nil {
		d.Metrics.StoreErrors.WithLabelValues("find_conversation").Inc()
		d.Log.Error("history_failed", zap.String("user", requester), zap.String("with", other), zap.Error(err))
		return HistoryPage{}, &StorageError{Op: "find_conversation", Err: err}
	}
	return HistoryPage{With: other, Messages: flag(msgs, requester)}, nil
}

func flag(msgs []models.Message, requester string) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Delivery{Message: m, Self: m.From == requester})
	}
	return out
}
