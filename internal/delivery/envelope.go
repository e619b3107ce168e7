package delivery

import (
	"bytes"
	"encoding/json"
	"time"
)

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	Event          string         `json:"event"`
	EventID        string         `json:"event_id"`
	Timestamp      string         `json:"timestamp"`
	OrganizationID string         `json:"organization_id"`
	Data           map[string]any `json:"data"`
}

// Envelope builds the wire envelope for d.
func (d *Delivery) Envelope() Envelope {
	data := d.Payload
	if data == nil {
		data = map[string]any{}
	}
	return Envelope{
		Event:          string(d.EventType),
		EventID:        d.EventID,
		Timestamp:      d.OccurredAt.UTC().Format(time.RFC3339),
		OrganizationID: d.TenantID,
		Data:           data,
	}
}

// Marshal returns the canonical encoding: map keys sorted, no HTML escaping,
// no trailing newline. These are the bytes that get signed and sent.
func (e Envelope) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
