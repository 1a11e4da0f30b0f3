// Package ingress accepts dispatch requests from producers running in
// other processes, over HTTP or a Redis channel, and hands them to the
// dispatcher.
package ingress

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/1F47E/geo-presence/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Router routes a validated request to live connections
type Router interface {
	Route(req models.DispatchRequest) error
}

func decodeRequest(data []byte) (models.DispatchRequest, error) {
	var req models.DispatchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", models.ErrInvalidDispatch, err)
	}
	return req, nil
}
