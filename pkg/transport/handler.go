// Package transport serves the real-time websocket endpoint. The handshake
// is authenticated before the upgrade so rejected clients get a plain HTTP
// status and never touch presence state.
package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/auth"
	"github.com/1F47E/geo-presence/pkg/config"
	"github.com/1F47E/geo-presence/pkg/presence"
)

// Handler upgrades authenticated requests and runs one session per socket
type Handler struct {
	ctrl     *presence.Controller
	cfg      config.WebSocketConfig
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*Conn
}

func NewHandler(ctrl *presence.Controller, cfg config.WebSocketConfig, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		ctrl:  ctrl,
		cfg:   cfg,
		log:   log.Named("transport"),
		conns: make(map[string]*Conn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.ctrl.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		status := auth.StatusFor(err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		h.log.Info("WebSocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn := newConn(ws, h.cfg, h.log.With(zap.String("user_id", userID)))
	h.track(conn)
	defer h.untrack(conn)

	session := h.ctrl.Activate(userID, conn)
	go conn.writePump()
	conn.readPump(session)
}

// Active returns the number of open sockets
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes every open socket. Hijacked connections are not covered
// by http.Server.Shutdown, so the server calls this on the way out.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (h *Handler) track(c *Conn) {
	h.mu.Lock()
	h.conns[c.ID()] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID())
	h.mu.Unlock()
}

// checkOrigin allows every origin when none are configured
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
