package model

import "fmt"

// Reading is one observation record produced by a sensor unit. The
// payload is schema-less on purpose: new sensors must not require host
// changes. Only the most recent reading per producer is retained.
type Reading struct {
	// ProducerID is the stable producer identifier (e.g. "pi4:dht22-gpio4").
	ProducerID string `json:"producer_id"`
	// TimestampMS is the reading timestamp in unix milliseconds.
	TimestampMS uint64 `json:"timestamp_ms"`
	// Data is the open payload, e.g. {"temperature": 22.5, "humidity": 45.0}.
	Data map[string]interface{} `json:"data"`
}

// Validate validates the reading.
func (r *Reading) Validate() error {
	if r.ProducerID == "" {
		return fmt.Errorf("producer id is required: %w", ErrNotValid)
	}
	return nil
}
