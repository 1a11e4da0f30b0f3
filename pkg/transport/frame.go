package transport

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/1F47E/geo-presence/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// FrameSetLocation is the only frame type clients send
const FrameSetLocation = "set_location"

// ClientFrame is a message received from a client
type ClientFrame struct {
	Type    string              `json:"type"`
	Payload jsoniter.RawMessage `json:"payload"`
}

// ServerFrame is a message pushed to a client
type ServerFrame struct {
	Type    models.EventKind `json:"type"`
	Payload any              `json:"payload"`
}

func encodeFrame(kind models.EventKind, payload any) ([]byte, error) {
	return json.Marshal(ServerFrame{Type: kind, Payload: payload})
}

func decodeFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	err := json.Unmarshal(data, &f)
	return f, err
}

func decodeLocation(payload jsoniter.RawMessage) (models.LocationReport, error) {
	var r models.LocationReport
	err := json.Unmarshal(payload, &r)
	return r, err
}
