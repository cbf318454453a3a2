package outbox

import (
	"encoding/json"
	"time"
)

// Source identifies which channel produced the event.
type Source struct {
	Gateway string `json:"gateway,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Source     *Source         `json:"source,omitempty"`
	Data       json.RawMessage `json:"data"`
}
