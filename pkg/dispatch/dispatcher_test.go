package dispatch

import (
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/geo"
	"github.com/1F47E/geo-presence/pkg/metrics"
	"github.com/1F47E/geo-presence/pkg/models"
	"github.com/1F47E/geo-presence/pkg/registry"
)

type recordingHandle struct {
	id  string
	err error

	mu     sync.Mutex
	events []models.Event
}

func (h *recordingHandle) ID() string   { return h.id }
func (h *recordingHandle) Close() error { return nil }

func (h *recordingHandle) Emit(kind models.EventKind, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, models.Event{Kind: kind, Payload: payload})
	return h.err
}

func (h *recordingHandle) received() []models.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.Event(nil), h.events...)
}

type fixture struct {
	grid     *geo.Grid
	registry *registry.Registry
	d        *Dispatcher
	promReg  *prometheus.Registry
	handles  map[string]*recordingHandle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		grid:     geo.NewGrid(),
		registry: registry.New(),
		promReg:  prometheus.NewRegistry(),
		handles:  make(map[string]*recordingHandle),
	}
	f.d = New(f.grid, f.registry, zap.NewNop(), metrics.New(f.promReg))
	return f
}

func (f *fixture) connect(userID string) *recordingHandle {
	h := &recordingHandle{id: "conn-" + userID}
	f.registry.Register(userID, h)
	f.handles[userID] = h
	return h
}

func (f *fixture) locate(t *testing.T, userID string, lat, lon float64) {
	t.Helper()
	require.NoError(t, f.grid.Insert(models.UserLocation{UserID: userID, Latitude: lat, Longitude: lon}))
}

func TestDispatchToNearby(t *testing.T) {
	f := newFixture(t)
	a, b, c := f.connect("A"), f.connect("B"), f.connect("C")
	f.locate(t, "A", -14.06, -77.03)
	f.locate(t, "B", -14.061, -77.031)
	f.locate(t, "C", -14.10, -77.03)

	payload := map[string]any{"id": "inc-1", "title": "Fire"}
	f.d.IncidentReported(-14.06, -77.03, payload)

	require.Len(t, a.received(), 1)
	require.Len(t, b.received(), 1)
	assert.Empty(t, c.received())
	assert.Equal(t, models.Event{Kind: models.KindIncidentReported, Payload: payload}, a.received()[0])
}

func TestDispatchToNearbySkipsOffline(t *testing.T) {
	f := newFixture(t)
	a := f.connect("A")
	f.locate(t, "A", -14.06, -77.03)
	// located but no live connection
	f.locate(t, "ghost", -14.061, -77.031)

	f.d.AlertTriggered(-14.06, -77.03, "sos")
	assert.Len(t, a.received(), 1)
}

func TestDispatchToNearbyEmptyArea(t *testing.T) {
	f := newFixture(t)
	a := f.connect("A")
	f.locate(t, "A", -14.06, -77.03)

	f.d.AlertTriggered(40.0, -3.7, "sos")
	assert.Empty(t, a.received())
}

func TestDispatchToUsers(t *testing.T) {
	f := newFixture(t)
	a := f.connect("A")

	f.d.ChatMessageSent([]string{"A", "Z"}, "hello")

	events := a.received()
	require.Len(t, events, 1)
	assert.Equal(t, models.KindChatMessageSent, events[0].Kind)
	assert.Equal(t, "hello", events[0].Payload)
}

func TestDispatchToUsersDeduplicates(t *testing.T) {
	f := newFixture(t)
	a := f.connect("A")
	b := f.connect("B")

	f.d.ChatGroupCreated([]string{"A", "B", "A", "A"}, "group")
	assert.Len(t, a.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestDispatchUsesLatestHandle(t *testing.T) {
	f := newFixture(t)
	old := f.connect("A")
	newer := &recordingHandle{id: "conn-A-2"}
	f.registry.Register("A", newer)

	f.d.DispatchToUsers([]string{"A"}, models.Event{Kind: models.KindChatMessageSent})
	assert.Empty(t, old.received())
	assert.Len(t, newer.received(), 1)
}

func TestEmitFailureIsSilent(t *testing.T) {
	f := newFixture(t)
	broken := f.connect("A")
	broken.err = errors.New("send buffer full")
	ok := f.connect("B")

	assert.NotPanics(t, func() {
		f.d.DispatchToUsers([]string{"A", "B"}, models.Event{Kind: models.KindAlertTriggered})
	})
	assert.Len(t, ok.received(), 1)

	n, err := testutil.GatherAndCount(f.promReg, "presence_emissions_total")
	require.NoError(t, err)
	// sent and dropped series
	assert.Equal(t, 2, n)
}

func TestRoute(t *testing.T) {
	lat, lon := -14.06, -77.03
	badLat := 120.0

	testCases := []struct {
		name    string
		req     models.DispatchRequest
		wantErr bool
		wantA   int
	}{
		{
			name:  "nearby",
			req:   models.DispatchRequest{Mode: models.ModeNearby, Kind: models.KindAlertTriggered, Latitude: &lat, Longitude: &lon},
			wantA: 1,
		},
		{
			name:  "users",
			req:   models.DispatchRequest{Mode: models.ModeUsers, Kind: models.KindChatMessageSent, UserIDs: []string{"A"}},
			wantA: 1,
		},
		{
			name:    "nearby without coordinates",
			req:     models.DispatchRequest{Mode: models.ModeNearby, Kind: models.KindAlertTriggered},
			wantErr: true,
		},
		{
			name:    "nearby out of range",
			req:     models.DispatchRequest{Mode: models.ModeNearby, Kind: models.KindAlertTriggered, Latitude: &badLat, Longitude: &lon},
			wantErr: true,
		},
		{
			name:    "users empty",
			req:     models.DispatchRequest{Mode: models.ModeUsers, Kind: models.KindChatMessageSent},
			wantErr: true,
		},
		{
			name:    "unknown mode",
			req:     models.DispatchRequest{Mode: "broadcast", Kind: models.KindChatMessageSent},
			wantErr: true,
		},
		{
			name:    "missing kind",
			req:     models.DispatchRequest{Mode: models.ModeUsers, UserIDs: []string{"A"}},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			a := f.connect("A")
			f.locate(t, "A", lat, lon)

			err := f.d.Route(tc.req)
			if tc.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidDispatch)
				assert.Empty(t, a.received())
				return
			}
			require.NoError(t, err)
			assert.Len(t, a.received(), tc.wantA)
		})
	}
}

func TestConcurrentDispatch(t *testing.T) {
	f := newFixture(t)
	a := f.connect("A")
	f.locate(t, "A", 10.005, 20.005)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.d.AlertTriggered(10.005, 20.005, nil)
		}()
		go func() {
			defer wg.Done()
			f.d.DispatchToUsers([]string{"A"}, models.Event{Kind: models.KindChatMessageSent})
		}()
	}
	wg.Wait()
	assert.Len(t, a.received(), 40)
}

func TestNewNilLogger(t *testing.T) {
	grid, reg := geo.NewGrid(), registry.New()
	var d *Dispatcher
	require.NotPanics(t, func() { d = New(grid, reg, nil, nil) })

	failing := &recordingHandle{id: "conn-A", err: errors.New("buffer full")}
	reg.Register("A", failing)
	require.NoError(t, grid.Insert(models.UserLocation{UserID: "A", Latitude: 10.005, Longitude: 20.005}))

	assert.NotPanics(t, func() {
		d.DispatchToUsers([]string{"A", "offline"}, models.Event{Kind: models.KindChatMessageSent})
		d.DispatchToNearby(10.005, 20.005, models.Event{Kind: models.KindIncidentReported})
	})
	assert.Len(t, failing.received(), 2)
}
