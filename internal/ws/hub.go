// Package ws serves the websocket endpoint. Each connection becomes a
// Session registered in the presence registry under its username.
package ws

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pliu/ume/internal/metrics"
	"github.com/pliu/ume/internal/presence"
	"github.com/pliu/ume/internal/relay"
)

type Options struct {
	AllowedOrigins []string
	MaxMessageSize int64
	SendBuffer     int
	RateLimit      rate.Limit
	RateBurst      int

	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
}

func DefaultOptions() Options {
	return Options{
		AllowedOrigins: []string{"*"},
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		RateLimit:      10,
		RateBurst:      20,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
	}
}

type Hub struct {
	dispatcher *relay.Dispatcher
	registry   presence.Registry
	metrics    *metrics.Metrics
	log        *zap.Logger
	opts       Options
	upgrader   websocket.Upgrader

	mu       sync.Mutex
	sessions map[*Session]struct{}
	closing  bool
	wg       sync.WaitGroup
}

func NewHub(d *relay.Dispatcher, opts Options, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		dispatcher: d,
		registry:   d.Registry,
		metrics:    d.Metrics,
		log:        log,
		opts:       opts,
		sessions:   make(map[*Session]struct{}),
	}
	allowAll, allowed := normalizeOrigins(opts.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, allowAll, allowed)
		},
	}
	return h
}

func normalizeOrigins(origins []string) (bool, map[string]struct{}) {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			return true, nil
		}
		if n, ok := normalizeOrigin(o); ok {
			allowed[n] = struct{}{}
		}
	}
	return false, allowed
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// checkOrigin admits requests without an Origin header; only browsers send
// one.
func checkOrigin(r *http.Request, allowAll bool, allowed map[string]struct{}) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowAll {
		return true
	}
	n, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := allowed[n]
	return exists
}

// ServeWs upgrades the request and runs a session for username. A blank
// username is rejected before the upgrade.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, username string) {
	username = strings.TrimSpace(username)
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	closing := h.closing
	h.mu.Unlock()
	if closing {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket_upgrade_failed", zap.String("user", username), zap.Error(err))
		return
	}

	s := newSession(h, conn, username)
	if !h.track(s) {
		conn.Close()
		return
	}
	go s.writePump()
	go s.run()
}

func (h *Hub) track(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.sessions[s] = struct{}{}
	h.metrics.SessionsActive.Inc()
	h.wg.Add(2)
	return true
}

func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Shutdown closes every session and waits for their pumps to exit or ctx to
// expire. New connections are refused from the first call on.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub_shutdown_complete", zap.Int("sessions", len(sessions)))
		return nil
	case <-ctx.Done():
		h.log.Warn("hub_shutdown_timeout", zap.Int("sessions", h.SessionCount()))
		return ctx.Err()
	}
}
