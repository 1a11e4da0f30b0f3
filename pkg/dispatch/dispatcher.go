// Package dispatch delivers events to live connections, either to everyone
// near a point or to an explicit list of users. Delivery is best effort:
// offline users and broken connections are skipped without error.
package dispatch

import (
	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/geo"
	"github.com/1F47E/geo-presence/pkg/metrics"
	"github.com/1F47E/geo-presence/pkg/models"
	"github.com/1F47E/geo-presence/pkg/registry"
)

// Dispatcher only reads the grid and the registry
type Dispatcher struct {
	grid     *geo.Grid
	registry *registry.Registry
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a dispatcher. m may be nil.
func New(grid *geo.Grid, reg *registry.Registry, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		grid:     grid,
		registry: reg,
		log:      log.Named("dispatch"),
		metrics:  m,
	}
}

// DispatchToNearby emits ev to every connected user in the 3x3 block of
// cells around (lat, lon)
func (d *Dispatcher) DispatchToNearby(lat, lon float64, ev models.Event) {
	nearby := d.grid.QueryNear(lat, lon)
	ids := make([]string, 0, len(nearby))
	for _, loc := range nearby {
		ids = append(ids, loc.UserID)
	}
	n := d.emit(ids, ev)
	d.metrics.Dispatched(string(models.ModeNearby), n)
	d.log.Debug("Dispatched nearby",
		zap.String("kind", string(ev.Kind)),
		zap.Float64("lat", lat),
		zap.Float64("lon", lon),
		zap.Int("located", len(nearby)),
		zap.Int("recipients", n))
}

// DispatchToUsers emits ev to each listed user that has a live connection
func (d *Dispatcher) DispatchToUsers(userIDs []string, ev models.Event) {
	n := d.emit(userIDs, ev)
	d.metrics.Dispatched(string(models.ModeUsers), n)
	d.log.Debug("Dispatched to users",
		zap.String("kind", string(ev.Kind)),
		zap.Int("requested", len(userIDs)),
		zap.Int("recipients", n))
}

// Route dispatches a producer request after validating it
func (d *Dispatcher) Route(req models.DispatchRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	switch req.Mode {
	case models.ModeNearby:
		d.DispatchToNearby(*req.Latitude, *req.Longitude, req.Event())
	case models.ModeUsers:
		d.DispatchToUsers(req.UserIDs, req.Event())
	}
	return nil
}

// emit sends ev once per distinct user and returns how many live handles
// were found. Send failures are dropped; the connection's own disconnect
// path does the cleanup.
func (d *Dispatcher) emit(userIDs []string, ev models.Event) int {
	seen := make(map[string]struct{}, len(userIDs))
	found := 0
	for _, id := range userIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		h, ok := d.registry.Lookup(id)
		if !ok {
			continue
		}
		found++

		err := h.Emit(ev.Kind, ev.Payload)
		d.metrics.Emitted(string(ev.Kind), err == nil)
		if err != nil {
			d.log.Debug("Emit dropped",
				zap.String("user_id", id),
				zap.String("conn_id", h.ID()),
				zap.Error(err))
		}
	}
	return found
}
