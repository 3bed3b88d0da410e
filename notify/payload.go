package notify

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrInvalidPayload is returned for push payloads that cannot be shown.
var ErrInvalidPayload = errors.New("invalid notification payload")

// Payload is a push message.
type Payload struct {
	Title string      `json:"title"`
	Body  string      `json:"body,omitempty"`
	Data  PayloadData `json:"data,omitempty"`
}

// PayloadData carries the optional routing fields of a push message.
type PayloadData struct {
	// ActionURL is where the default action navigates, relative to the
	// application root.
	ActionURL string `json:"actionUrl,omitempty"`

	// Tag groups alerts; a new alert replaces the active one with the same
	// tag.
	Tag string `json:"tag,omitempty"`
}

// ParsePayload decodes a push payload. A title is required.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, errors.Join(ErrInvalidPayload, err)
	}
	if strings.TrimSpace(p.Title) == "" {
		return Payload{}, errors.Join(ErrInvalidPayload, errors.New("missing title"))
	}
	return p, nil
}
