package models

import (
	"errors"
	"fmt"
)

// EventKind tags an event pushed to clients
type EventKind string

const (
	KindIncidentReported EventKind = "incident:reported"
	KindAlertTriggered   EventKind = "alert:triggered"
	KindChatGroupCreated EventKind = "chat:group_created"
	KindChatMessageSent  EventKind = "chat:message_sent"
)

// Event is a transient notification; the payload is opaque to the core
type Event struct {
	Kind    EventKind `json:"type"`
	Payload any       `json:"payload"`
}

// DispatchMode selects how a DispatchRequest is addressed
type DispatchMode string

const (
	ModeNearby DispatchMode = "nearby"
	ModeUsers  DispatchMode = "users"
)

// ErrInvalidDispatch is returned for malformed producer requests
var ErrInvalidDispatch = errors.New("invalid dispatch request")

// DispatchRequest is what out-of-process producers submit
type DispatchRequest struct {
	Mode      DispatchMode `json:"mode"`
	Kind      EventKind    `json:"kind"`
	Payload   any          `json:"payload"`
	Latitude  *float64     `json:"latitude,omitempty"`
	Longitude *float64     `json:"longitude,omitempty"`
	UserIDs   []string     `json:"user_ids,omitempty"`
}

// Validate checks that the request carries what its mode needs
func (r DispatchRequest) Validate() error {
	if r.Kind == "" {
		return fmt.Errorf("%w: kind is required", ErrInvalidDispatch)
	}
	switch r.Mode {
	case ModeNearby:
		if r.Latitude == nil || r.Longitude == nil {
			return fmt.Errorf("%w: latitude and longitude are required", ErrInvalidDispatch)
		}
		if err := ValidateCoordinates(*r.Latitude, *r.Longitude); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidDispatch, err)
		}
	case ModeUsers:
		if len(r.UserIDs) == 0 {
			return fmt.Errorf("%w: user_ids is required", ErrInvalidDispatch)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidDispatch, r.Mode)
	}
	return nil
}

// Event returns the event carried by the request
func (r DispatchRequest) Event() Event {
	return Event{Kind: r.Kind, Payload: r.Payload}
}
