package presence

import (
	"sync"

	"go.uber.org/zap"

	"github.com/1F47E/geo-presence/pkg/models"
	"github.com/1F47E/geo-presence/pkg/registry"
)

// State of a connection. Closed is terminal.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state owned by the controller
type Session struct {
	c      *Controller
	userID string
	handle registry.Handle

	mu    sync.Mutex
	state State
	last  *models.UserLocation
	// superseded is set once a newer connection for the same user is
	// registered; the grid entry then belongs to that connection.
	superseded bool
}

func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) Handle() registry.Handle {
	return s.handle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastLocation returns the location currently indexed for this connection
func (s *Session) LastLocation() (models.UserLocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.UserLocation{}, false
	}
	return *s.last, true
}

// ReportLocation moves the user's grid entry to the reported position.
// An invalid report is a protocol violation: the session and its
// connection are closed and the validation error is returned.
// Reports from a superseded session are dropped with ErrSessionSuperseded.
func (s *Session) ReportLocation(report models.LocationReport) error {
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	loc, err := report.ToLocation(s.userID)
	if err != nil {
		s.ProtocolViolation(err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return ErrSessionClosed
	}
	if s.superseded {
		return ErrSessionSuperseded
	}
	if err := s.c.grid.Update(s.last, loc); err != nil {
		return err
	}
	s.last = &loc
	s.c.metrics.LocationReported()
	return nil
}

// Close unregisters the connection and drops its grid entry. It is safe to
// call from every disconnect path; only the first call does anything.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	last := s.last
	s.last = nil
	if last != nil {
		s.c.grid.Remove(*last)
	}
	s.mu.Unlock()

	unregistered := s.c.registry.Unregister(s.userID, s.handle)
	s.c.forget(s.handle.ID())
	s.c.metrics.ConnectionClosed()
	s.c.log.Info("Connection closed",
		zap.String("user_id", s.userID),
		zap.String("conn_id", s.handle.ID()),
		zap.Bool("unregistered", unregistered))
}

// ProtocolViolation closes the session and its connection after a bad frame
func (s *Session) ProtocolViolation(err error) {
	s.c.metrics.ProtocolViolation()
	s.c.log.Warn("Protocol violation, closing connection",
		zap.String("user_id", s.userID),
		zap.String("conn_id", s.handle.ID()),
		zap.Error(err))

	s.Close()
	if cerr := s.handle.Close(); cerr != nil {
		s.c.log.Debug("Closing connection", zap.String("conn_id", s.handle.ID()), zap.Error(cerr))
	}
}

// release hands the user's grid entry over to a newer connection
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.superseded = true
	if s.last != nil {
		s.c.grid.Remove(*s.last)
		s.last = nil
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateClosed {
		s.state = state
	}
}
