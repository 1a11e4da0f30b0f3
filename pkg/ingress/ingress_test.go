package ingress

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/models"
)

type recordingRouter struct {
	mu   sync.Mutex
	reqs []models.DispatchRequest
}

func (r *recordingRouter) Route(req models.DispatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return nil
}

func (r *recordingRouter) routed() []models.DispatchRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.DispatchRequest(nil), r.reqs...)
}

func newMux(router Router, token string) *http.ServeMux {
	mux := http.NewServeMux()
	NewHTTPHandler(router, token, zap.NewNop()).Register(mux)
	return mux
}

func TestHTTPDispatch(t *testing.T) {
	testCases := []struct {
		name   string
		path   string
		token  string
		body   string
		status int
		routed int
	}{
		{"nearby", "/internal/dispatch/nearby", "secret",
			`{"kind":"alert:triggered","payload":{"id":"a1"},"latitude":-14.06,"longitude":-77.03}`, http.StatusAccepted, 1},
		{"users", "/internal/dispatch/users", "secret",
			`{"kind":"chat:message_sent","payload":"hi","user_ids":["A","Z"]}`, http.StatusAccepted, 1},
		{"path decides mode", "/internal/dispatch/users", "secret",
			`{"mode":"nearby","kind":"chat:message_sent","user_ids":["A"]}`, http.StatusAccepted, 1},
		{"bad token", "/internal/dispatch/users", "wrong",
			`{"kind":"chat:message_sent","user_ids":["A"]}`, http.StatusUnauthorized, 0},
		{"missing token", "/internal/dispatch/users", "",
			`{"kind":"chat:message_sent","user_ids":["A"]}`, http.StatusUnauthorized, 0},
		{"malformed json", "/internal/dispatch/nearby", "secret", `{"kind":`, http.StatusBadRequest, 0},
		{"missing coordinates", "/internal/dispatch/nearby", "secret", `{"kind":"alert:triggered"}`, http.StatusBadRequest, 0},
		{"no users", "/internal/dispatch/users", "secret", `{"kind":"chat:message_sent","user_ids":[]}`, http.StatusBadRequest, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			router := &recordingRouter{}
			mux := newMux(router, "secret")

			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			if tc.token != "" {
				req.Header.Set(TokenHeader, tc.token)
			}
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Len(t, router.routed(), tc.routed)
		})
	}
}

func TestHTTPDispatchSetsMode(t *testing.T) {
	router := &recordingRouter{}
	mux := newMux(router, "")

	body := `{"kind":"chat:group_created","payload":{"name":"block 4"},"user_ids":["A","B"]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/dispatch/users", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())

	reqs := router.routed()
	require.Len(t, reqs, 1)
	assert.Equal(t, models.ModeUsers, reqs[0].Mode)
	assert.Equal(t, models.KindChatGroupCreated, reqs[0].Kind)
	assert.Equal(t, []string{"A", "B"}, reqs[0].UserIDs)
	assert.Equal(t, map[string]any{"name": "block 4"}, reqs[0].Payload)
}

func TestHTTPDispatchMethodAndSize(t *testing.T) {
	mux := newMux(&recordingRouter{}, "")

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/dispatch/users", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	big := `{"kind":"chat:message_sent","user_ids":["A"],"payload":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/dispatch/users", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestSubscriberHandle(t *testing.T) {
	router := &recordingRouter{}
	s := NewSubscriber(nil, "presence:dispatch", router, zap.NewNop())

	s.handle(`{"mode":"users","kind":"chat:message_sent","user_ids":["A"]}`)
	s.handle(`{"mode":"nearby","kind":"incident:reported","latitude":-14.06,"longitude":-77.03}`)
	s.handle(`not json`)
	s.handle(`{"mode":"broadcast","kind":"chat:message_sent"}`)

	reqs := router.routed()
	require.Len(t, reqs, 2)
	assert.Equal(t, models.ModeUsers, reqs[0].Mode)
	assert.Equal(t, models.ModeNearby, reqs[1].Mode)
}

func TestSubscriberStopsOnCancel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
	defer client.Close()

	s := NewSubscriber(client, "presence:dispatch", &recordingRouter{}, zap.NewNop())
	s.maxInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

// Runs against a real server when PRESENCE_TEST_REDIS_ADDR is set
func TestSubscriberRedis(t *testing.T) {
	addr := os.Getenv("PRESENCE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PRESENCE_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	channel := "presence:dispatch:test"
	router := &recordingRouter{}
	s := NewSubscriber(client, channel, router, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := client.Publish(context.Background(), channel,
			`{"mode":"users","kind":"chat:message_sent","user_ids":["A"]}`).Result()
		return err == nil && n > 0
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool { return len(router.routed()) > 0 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestNilLogger(t *testing.T) {
	router := &recordingRouter{}

	mux := http.NewServeMux()
	require.NotPanics(t, func() { NewHTTPHandler(router, "", nil).Register(mux) })
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/dispatch/users", strings.NewReader(`{"kind":`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var s *Subscriber
	require.NotPanics(t, func() { s = NewSubscriber(nil, "presence:dispatch", router, nil) })
	assert.NotPanics(t, func() {
		s.handle(`not json`)
		s.handle(`{"mode":"users","kind":"chat:message_sent","user_ids":["A"]}`)
	})
	assert.Len(t, router.routed(), 1)
}
