// Package protocol defines the wire-level message shape exchanged over relay
// connections. Inbound frames carry a UTF-8 JSON object with a string field
// named "content"; everything else in the payload is opaque to the relay.
// Outbound replay and broadcast frames carry the plain decoded content text,
// not the original envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedContent is returned when an inbound payload is not a JSON
// object carrying a string "content" field.
var ErrMalformedContent = errors.New("protocol: malformed message content")

// payload is the inbound envelope. Only "content" is extracted; unknown
// fields are ignored.
type payload struct {
	Content *string `json:"content"`
}

// ExtractContent parses an inbound frame payload and returns the value of its
// "content" field. A payload that is not valid JSON, not an object, or whose
// "content" field is missing or not a string yields ErrMalformedContent.
func ExtractContent(data []byte) (string, error) {
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedContent, err)
	}
	if p.Content == nil {
		return "", fmt.Errorf("%w: missing \"content\" field", ErrMalformedContent)
	}
	return *p.Content, nil
}
