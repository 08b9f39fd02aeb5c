package delivery

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimestampLayout is RFC 3339 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the JSON document POSTed to a webhook. Field order fixes the
// key order of the serialized body.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// BuildEnvelope wraps data in an envelope stamped with at. The returned
// bytes are exactly what is signed and sent.
func BuildEnvelope(eventType string, at time.Time, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	body, err := json.Marshal(Envelope{
		Event:     eventType,
		Timestamp: at.UTC().Format(TimestampLayout),
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	return body, nil
}
