// Package storage defines the persistence interfaces of the app.
package storage

import (
	"context"
	"time"

	"github.com/wasihub/wasihub/internal/model"
)

// ReadingsRepository stores the most recent reading per producer: the
// node's merged application state. Writers (local cycle aggregation and
// inbound pushes) are serialized by the implementation.
type ReadingsRepository interface {
	// UpsertReadings inserts or replaces readings by producer id and
	// refreshes the last-update timestamp.
	UpsertReadings(ctx context.Context, readings []model.Reading) error
	// ListReadings returns the latest reading of every known producer.
	ListReadings(ctx context.Context) ([]model.Reading, error)
	// LastUpdate returns the time of the last successful upsert.
	LastUpdate(ctx context.Context) (time.Time, error)
}
