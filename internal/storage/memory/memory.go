package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

// Repository is an in-memory implementation of storage.ReadingsRepository.
type Repository struct {
	readings   map[string]model.Reading
	lastUpdate time.Time
	mu         sync.RWMutex
	logger     log.Logger
}

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Repository{
		readings: map[string]model.Reading{},
		logger:   cfg.Logger,
	}, nil
}

// UpsertReadings inserts or replaces readings by producer id. The batch
// applies as a whole: an invalid reading rejects it without touching the
// stored state.
func (r *Repository) UpsertReadings(ctx context.Context, readings []model.Reading) error {
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			return fmt.Errorf("invalid reading: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reading := range readings {
		r.readings[reading.ProducerID] = reading
	}
	r.lastUpdate = time.Now().UTC()

	r.logger.Debugf("Upserted %d readings", len(readings))
	return nil
}

// ListReadings returns the latest reading of every known producer,
// sorted by producer id for stable output.
func (r *Repository) ListReadings(ctx context.Context) ([]model.Reading, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	readings := make([]model.Reading, 0, len(r.readings))
	for _, reading := range r.readings {
		readings = append(readings, reading)
	}
	sort.Slice(readings, func(i, j int) bool { return readings[i].ProducerID < readings[j].ProducerID })

	return readings, nil
}

// LastUpdate returns the time of the last successful upsert.
func (r *Repository) LastUpdate(ctx context.Context) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastUpdate, nil
}
