package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/ume/internal/auth"
	"github.com/pliu/ume/internal/metrics"
	"github.com/pliu/ume/internal/middleware"
	"github.com/pliu/ume/internal/presence"
	"github.com/pliu/ume/internal/relay"
	"github.com/pliu/ume/internal/ws"
)

type RelayHandler struct {
	Hub        *ws.Hub
	Dispatcher *relay.Dispatcher
	Registry   presence.Registry
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

type PresenceResponse struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// NewRouter wires every endpoint. When signer is non-nil the websocket
// handshake and history reads must carry a signed token instead of a plain
// username.
func NewRouter(h *RelayHandler, signer *auth.Signer) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware(h.Log))

	identified := func(fn http.HandlerFunc) http.Handler {
		if signer == nil {
			return fn
		}
		return middleware.HandshakeAuth(signer)(fn)
	}
	r.Handle("/ws", identified(h.WebSocket)).Methods("GET")

	r.HandleFunc("/healthz", h.Health).Methods("GET")
	r.Handle("/metrics", h.Metrics.Handler()).Methods("GET")
	r.HandleFunc("/presence", h.Presence).Methods("GET")
	r.HandleFunc("/presence/{username}", h.PresenceUser).Methods("GET")
	r.Handle("/history", identified(h.History)).Methods("GET")
	return r
}

// WebSocket takes the username from a verified token when HandshakeAuth ran,
// otherwise from ?username=.
func (h *RelayHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	username, ok := middleware.Username(r.Context())
	if !ok {
		username = r.URL.Query().Get("username")
	}
	h.Hub.ServeWs(w, r, username)
}

func (h *RelayHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (h *RelayHandler) Presence(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"online": h.Registry.Online()})
}

func (h *RelayHandler) PresenceUser(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	_, online := h.Registry.Lookup(username)
	writeJSON(w, http.StatusOK, PresenceResponse{Username: username, Online: online})
}

// History serves the same page a history_request returns over the socket.
// The requesting user comes from a verified token when HandshakeAuth ran,
// otherwise from ?user=.
func (h *RelayHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, ok := middleware.Username(r.Context())
	if !ok {
		user = q.Get("user")
	}
	user, with := strings.TrimSpace(user), strings.TrimSpace(q.Get("with"))
	if user == "" || with == "" {
		http.Error(w, "user and with are required", http.StatusBadRequest)
		return
	}

	page, err := h.Dispatcher.History(r.Context(), user, with)
	if err != nil {
		http.Error(w, "Failed to load chat history", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
