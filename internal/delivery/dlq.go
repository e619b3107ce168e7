package delivery

import "time"

const DLQType = "delivery.dlq"

// DeadLetter is published to the dead-letter topic when a delivery fails for good.
type DeadLetter struct {
	Type       string   `json:"type"`    // "delivery.dlq"
	Version    string   `json:"version"` // schema version
	At         string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string   `json:"reason"`  // human/debug text
	Attempt    int      `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus int      `json:"http_status,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Delivery   Delivery `json:"delivery"` // full delivery snapshot
}

// NewDeadLetter snapshots d for the dead-letter topic.
func NewDeadLetter(d *Delivery, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    d.AttemptsMade,
		HTTPStatus: d.LastStatusCode,
		LastError:  d.LastError,
		Delivery:   *d,
	}
}
