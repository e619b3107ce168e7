package delivery

import "time"

// Task is the NSQ message announcing that a delivery is due now.
// It only carries identity; workers always reload state from storage.
type Task struct {
	DeliveryID     string            `json:"delivery_id"`
	TenantID       string            `json:"tenant_id"`
	SubscriptionID string            `json:"subscription_id"`
	EventType      string            `json:"event_type"`
	EventID        string            `json:"event_id"`
	PublishedAt    string            `json:"published_at"`            // RFC3339
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// NewTask builds the wake-up task for d.
func NewTask(d *Delivery, traceHeaders map[string]string) Task {
	return Task{
		DeliveryID:     d.ID,
		TenantID:       d.TenantID,
		SubscriptionID: d.SubscriptionID,
		EventType:      string(d.EventType),
		EventID:        d.EventID,
		PublishedAt:    time.Now().UTC().Format(time.RFC3339),
		TraceHeaders:   traceHeaders,
	}
}
