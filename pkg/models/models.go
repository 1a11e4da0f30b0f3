package models

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidLocation is returned when a coordinate pair is outside the valid range
var ErrInvalidLocation = errors.New("invalid location")

// UserLocation is the last known position of one connected user
type UserLocation struct {
	UserID    string  `json:"user_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks latitude is in [-90,90] and longitude in [-180,180]
func (l UserLocation) Validate() error {
	return ValidateCoordinates(l.Latitude, l.Longitude)
}

// LocationReport is the payload of a set_location frame sent by a client
type LocationReport struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// ToLocation validates the report and binds it to a user
func (r LocationReport) ToLocation(userID string) (UserLocation, error) {
	if r.Latitude == nil || r.Longitude == nil {
		return UserLocation{}, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidLocation)
	}
	loc := UserLocation{UserID: userID, Latitude: *r.Latitude, Longitude: *r.Longitude}
	if err := loc.Validate(); err != nil {
		return UserLocation{}, err
	}
	return loc, nil
}

// ValidateCoordinates rejects NaN, infinities and out-of-range values
func ValidateCoordinates(lat, lon float64) error {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude %v must be between -90 and 90 degrees", ErrInvalidLocation, lat)
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return fmt.Errorf("%w: longitude %v must be between -180 and 180 degrees", ErrInvalidLocation, lon)
	}
	return nil
}

// Identity is a verified user as returned by the identity collaborator
type Identity struct {
	UserID        string `json:"id"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// ErrUserNotFound is returned by user directories for unknown IDs
var ErrUserNotFound = errors.New("user not found")
