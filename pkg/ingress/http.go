package ingress

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/models"
)

const (
	// TokenHeader carries the shared secret on internal requests
	TokenHeader = "X-Internal-Token"

	maxBodyBytes = 64 << 10
)

// HTTPHandler serves the internal dispatch endpoints
type HTTPHandler struct {
	router Router
	token  string
	log    *zap.Logger
}

// NewHTTPHandler creates the handler. An empty token disables the check.
func NewHTTPHandler(router Router, token string, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPHandler{
		router: router,
		token:  token,
		log:    log.Named("ingress"),
	}
}

// Register mounts the endpoints on mux
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.Handle("POST /internal/dispatch/nearby", h.RequireToken(h.handle(models.ModeNearby)))
	mux.Handle("POST /internal/dispatch/users", h.RequireToken(h.handle(models.ModeUsers)))
}

// RequireToken rejects requests that do not carry the internal token
func (h *HTTPHandler) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *HTTPHandler) handle(mode models.DispatchMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}

		req, err := decodeRequest(body)
		if err == nil {
			req.Mode = mode
			err = h.router.Route(req)
		}
		if err != nil {
			h.log.Info("Rejected dispatch request", zap.String("mode", string(mode)), zap.Error(err))
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func (h *HTTPHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
