package webhooks

import (
	"slices"
	"time"
)

// Event types dispatched by auditd.
const (
	EventBlockAppended = "ledger.block_appended"
	EventChainDegraded = "ledger.chain_degraded"
)

// Endpoint is a configured webhook receiver.
type Endpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"` // empty: every event
}

func (e Endpoint) wants(eventType string) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, eventType)
}

// Event is the JSON body POSTed to each matching endpoint.
type Event struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// Delivery records the outcome of a single delivery attempt.
type Delivery struct {
	URL          string
	EventType    string
	StatusCode   int
	Attempt      int
	Success      bool
	ErrorMessage string
}
