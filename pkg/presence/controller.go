// Package presence owns the lifecycle of a live connection: it authenticates
// the handshake, registers the connection, keeps the user's grid entry in
// step with location reports and cleans both up on every disconnect path.
package presence

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/auth"
	"github.com/1F47E/geo-presence/pkg/geo"
	"github.com/1F47E/geo-presence/pkg/metrics"
	"github.com/1F47E/geo-presence/pkg/registry"
)

var (
	// ErrSessionClosed is returned for reports on a closed session
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionSuperseded is returned for reports on a connection that a
	// newer one for the same user has replaced
	ErrSessionSuperseded = errors.New("session superseded")
)

// Options tunes controller behaviour
type Options struct {
	// CloseSuperseded closes a user's previous connection when a new one registers
	CloseSuperseded bool
}

// Controller is the only writer of registry entries and grid locations
type Controller struct {
	grid     *geo.Grid
	registry *registry.Registry
	verifier auth.Verifier
	log      *zap.Logger
	metrics  *metrics.Metrics
	opts     Options

	mu       sync.Mutex
	sessions map[string]*Session // by connection ID
}

// NewController wires a controller to shared state. m may be nil.
func NewController(grid *geo.Grid, reg *registry.Registry, verifier auth.Verifier, log *zap.Logger, m *metrics.Metrics, opts Options) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		grid:     grid,
		registry: reg,
		verifier: verifier,
		log:      log.Named("presence"),
		metrics:  m,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
}

// Authenticate verifies the handshake credential. Nothing is mutated on failure.
func (c *Controller) Authenticate(ctx context.Context, token string) (string, error) {
	userID, err := c.verifier.Verify(ctx, token)
	if err != nil {
		reason := auth.Reason(err)
		c.metrics.ConnectionRejected(reason)
		c.log.Warn("Connection rejected", zap.String("reason", reason), zap.Error(err))
		return "", err
	}
	return userID, nil
}

// Activate registers h for an authenticated user and returns its session.
// The previous session of the same user loses its grid entry and is
// closed as well when configured.
func (c *Controller) Activate(userID string, h registry.Handle) *Session {
	s := &Session{
		c:      c,
		userID: userID,
		handle: h,
		state:  StateAuthenticated,
	}

	c.mu.Lock()
	c.sessions[h.ID()] = s
	c.mu.Unlock()

	prev, replaced := c.registry.Register(userID, h)
	s.setState(StateActive)
	c.metrics.ConnectionOpened()
	c.log.Info("Connection active",
		zap.String("user_id", userID),
		zap.String("conn_id", h.ID()),
		zap.Bool("superseded", replaced))

	if replaced {
		c.supersede(prev)
	}
	return s
}

// Open runs the full handshake: authenticate then activate
func (c *Controller) Open(ctx context.Context, token string, h registry.Handle) (*Session, error) {
	userID, err := c.Authenticate(ctx, token)
	if err != nil {
		return nil, err
	}
	return c.Activate(userID, h), nil
}

// Sessions returns the number of sessions that are not yet closed
func (c *Controller) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// supersede retires the previous connection of a user. Its grid entry is
// dropped before the new connection can report, since both share a user ID
// and may land in the same cell.
func (c *Controller) supersede(prev registry.Handle) {
	c.mu.Lock()
	old, ok := c.sessions[prev.ID()]
	c.mu.Unlock()

	if ok {
		old.release()
	}
	if !c.opts.CloseSuperseded {
		return
	}
	if ok {
		old.Close()
	}
	if err := prev.Close(); err != nil {
		c.log.Debug("Closing superseded connection", zap.String("conn_id", prev.ID()), zap.Error(err))
	}
}

func (c *Controller) forget(connID string) {
	c.mu.Lock()
	delete(c.sessions, connID)
	c.mu.Unlock()
}
