package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pliu/ume/internal/models"
	"github.com/pliu/ume/internal/presence"
	"github.com/pliu/ume/internal/relay"
)

// State is a session's lifecycle stage.
type State int32

const (
	Connecting State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one websocket connection. It is the presence.Handle for its
// user while registered.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	username string
	log      *zap.Logger

	send chan []byte
	done chan struct{}

	// sendMu orders enqueues against close: once sendClosed is set no frame
	// enters send, so everything accepted is flushed by the write pump.
	sendMu     sync.RWMutex
	sendClosed bool

	ctx    context.Context
	cancel context.CancelFunc

	// lifeMu orders registration against close so a closed session is
	// never left in the registry.
	lifeMu    sync.Mutex
	state     atomic.Int32
	closeOnce sync.Once
	limiter   *rate.Limiter

	partnersMu sync.Mutex
	partners   map[string]struct{}
}

var _ presence.Handle = (*Session)(nil)

func newSession(h *Hub, conn *websocket.Conn, username string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		hub:      h,
		conn:     conn,
		username: username,
		log:      h.log.With(zap.String("user", username), zap.String("remote", conn.RemoteAddr().String())),
		send:     make(chan []byte, h.opts.SendBuffer),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		limiter:  rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst),
		partners: make(map[string]struct{}),
	}
	s.state.Store(int32(Connecting))
	return s
}

func (s *Session) Username() string { return s.username }

func (s *Session) State() State { return State(s.state.Load()) }

// Push queues ev for the write pump. It returns once the frame is accepted
// into the send buffer, or fails when the session closes or ctx expires.
func (s *Session) Push(ctx context.Context, ev presence.Event) error {
	if s.State() == Closed {
		return presence.ErrHandleClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return presence.ErrHandleClosed
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return presence.ErrHandleClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", presence.ErrSendTimeout, ctx.Err())
	}
}

func (s *Session) run() {
	defer s.hub.wg.Done()
	defer s.close()

	s.lifeMu.Lock()
	if s.State() == Closed {
		s.lifeMu.Unlock()
		return
	}
	s.state.Store(int32(Active))
	s.hub.registry.Register(s.username, s)
	s.lifeMu.Unlock()
	s.log.Info("session_registered")

	if n, err := s.hub.dispatcher.Backfill(s.ctx, s); err != nil {
		s.log.Error("backfill_failed", zap.Int("delivered", n), zap.Error(err))
	}

	s.readLoop()
}

// close is idempotent. The write pump closes the socket, which in turn
// ends the read loop.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.lifeMu.Lock()
		s.state.Store(int32(Closed))
		removed := s.hub.registry.Unregister(s.username, s)
		s.lifeMu.Unlock()
		if removed {
			s.log.Info("session_unregistered")
		} else {
			s.log.Info("session_closed_without_entry")
		}
		s.hub.metrics.SessionsActive.Dec()
		s.hub.untrack(s)
		// cancel releases Pushes blocked on a full buffer before sendMu is
		// taken.
		s.cancel()
		s.sendMu.Lock()
		s.sendClosed = true
		s.sendMu.Unlock()
		close(s.done)
		go s.notifyPartners()
	})
}

// notifyPartners tells the peers of unfinished calls that this user left.
func (s *Session) notifyPartners() {
	s.partnersMu.Lock()
	peers := make([]string, 0, len(s.partners))
	for p := range s.partners {
		peers = append(peers, p)
	}
	s.partners = make(map[string]struct{})
	s.partnersMu.Unlock()

	ctx := context.Background()
	for _, p := range peers {
		s.hub.dispatcher.Forward(ctx, p, TypeUserDisconnected, UserPayload{Username: s.username})
	}
}

// trackCall records peer as a call partner once a call event reached it.
// Ending events forget the peer whether or not they were delivered.
func (s *Session) trackCall(eventType, peer string, delivered bool) {
	s.partnersMu.Lock()
	defer s.partnersMu.Unlock()
	switch eventType {
	case relay.CallOffer, relay.CallAnswer, relay.CallCandidate:
		if delivered {
			s.partners[peer] = struct{}{}
		}
	case relay.CallEnd, relay.CallReject, relay.CallBusy:
		delete(s.partners, peer)
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(s.hub.opts.MaxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.PongWait)); err != nil {
		s.log.Warn("set_read_deadline_failed", zap.Error(err))
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.hub.opts.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.handleReadError(err)
			return
		}
		if !s.limiter.Allow() {
			s.log.Warn("rate_limit_exceeded", zap.Int("burst", s.hub.opts.RateBurst))
			continue
		}
		s.route(data)
	}
}

func (s *Session) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("message_too_large", zap.Int64("limit", s.hub.opts.MaxMessageSize))
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.log.Info("client_disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), s.State() == Closed:
		s.log.Debug("connection_closed", zap.Error(err))
	default:
		s.log.Warn("read_failed", zap.Error(err))
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.hub.wg.Done()
	}()

	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				s.log.Warn("write_failed", zap.Error(err))
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.log.Warn("ping_failed", zap.Error(err))
				s.close()
				return
			}
		case <-s.done:
			s.flush()
			s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is still buffered when the session closes.
func (s *Session) flush() {
	for {
		select {
		case msg := <-s.send:
			if err := s.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.hub.opts.WriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *Session) reply(eventType string, payload interface{}) {
	ctx, cancel := context.WithTimeout(s.ctx, s.hub.dispatcher.PushTimeout)
	defer cancel()
	if err := s.Push(ctx, presence.Event{Type: eventType, Payload: payload}); err != nil {
		s.log.Debug("reply_failed", zap.String("type", eventType), zap.Error(err))
	}
}

// route handles one inbound frame. Frames are handled strictly in arrival
// order, so a sender's messages are persisted in the order sent.
func (s *Session) route(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.log.Warn("malformed_envelope", zap.Error(err))
		return
	}

	var err error
	switch env.Type {
	case TypeSendText:
		err = s.handleSendText(env.Payload)
	case TypeSendFile:
		err = s.handleSendFile(env.Payload)
	case TypeTyping, TypeStopTyping:
		err = s.handleTyping(env.Type, env.Payload)
	case TypeHistoryRequest:
		err = s.handleHistory(env.Payload)
	case TypeLanguageUpdate:
		err = s.handleLanguage(env.Payload)
	case TypeProfileUpdated:
		err = s.handleProfile(env.Payload)
	default:
		if relay.IsCallEvent(env.Type) {
			err = s.handleSignal(env.Type, env.Payload)
		} else {
			s.log.Debug("unknown_event", zap.String("type", env.Type))
		}
	}
	if err != nil {
		s.log.Warn("malformed_payload", zap.String("type", env.Type), zap.Error(err))
	}
}

func (s *Session) handleSendText(raw json.RawMessage) error {
	var p SendTextPayload
	if err := parsePayload(raw, &p); err != nil {
		return err
	}
	s.dispatch(models.Draft{To: p.To, Kind: models.KindText, Text: p.Text, Lang: p.Lang})
	return nil
}

func (s *Session) handleSendFile(raw json.RawMessage) error {
	var p SendFilePayload
	if err := parsePayload(raw, &p); err != nil {
		return err
	}
	s.dispatch(models.Draft{
		To:     p.To,
		Kind:   models.KindFile,
		SentAt: p.Time,
		Lang:   p.Lang,
		File: &models.FileRef{
			URL:    p.FileURL,
			Name:   p.FileName,
			Size:   p.FileSize,
			Type:   p.FileType,
			Format: p.Format,
		},
	})
	return nil
}

func (s *Session) dispatch(d models.Draft) {
	res, err := s.hub.dispatcher.Send(s.ctx, s, d)
	if err != nil {
		s.reply(TypeMessageError, ErrorPayload{Error: "Failed to send message"})
		return
	}
	if res.Message != nil {
		s.log.Debug("message_routed", zap.String("id", res.Message.ID), zap.String("to", res.Message.To), zap.Stringer("outcome", res.Outcome))
	}
}

func (s *Session) handleTyping(eventType string, raw json.RawMessage) error {
	var p TargetPayload
	if err := parsePayload(raw, &p); err != nil {
		return err
	}
	if p.To == "" {
		return nil
	}
	s.hub.dispatcher.Forward(s.ctx, p.To, eventType, FromPayload{From: s.username})
	return nil
}

func (s *Session) handleHistory(raw json.RawMessage) error {
	var p HistoryRequestPayload
	if err := parsePayload(raw, &p); err != nil {
		return err
	}
	page, err := s.hub.dispatcher.History(s.ctx, s.username, p.With)
	if err != nil {
		s.reply(TypeChatHistoryError, ErrorPayload{Error: "Failed to load chat history"})
		return nil
	}
	s.reply(TypeChatHistory, page)
	return nil
}

func (s *Session) handleSignal(eventType string, raw json.RawMessage) error {
	to, delivered, err := s.hub.dispatcher.Signal(s.ctx, s, eventType, raw)
	if err != nil {
		return err
	}
	s.trackCall(eventType, to, delivered)
	return nil
}

func (s *Session) handleLanguage(raw json.RawMessage) error {
	var p LanguagePayload
	if err := parsePayload(raw, &p); err != nil {
		return err
	}
	ev := presence.Event{Type: TypeLanguageUpdate, Payload: LanguagePayload{Username: s.username, Language: p.Language}}
	s.hub.dispatcher.Broadcast(s.ctx, s.username, ev, true)
	return nil
}

func (s *Session) handleProfile(raw json.RawMessage) error {
	var p ProfilePayload
	if err := parsePayload(raw, &p); err != nil {
		return err
	}
	ev := presence.Event{Type: TypeProfileUpdated, Payload: ProfilePayload{Username: s.username, ImageURL: p.ImageURL}}
	s.hub.dispatcher.Broadcast(s.ctx, s.username, ev, false)
	return nil
}
