package models

import "time"

// Event is the envelope carried on every Kafka topic.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // e.g. notification.created
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}
