package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wasihub/wasihub/internal/log"
	"github.com/wasihub/wasihub/internal/model"
	"github.com/wasihub/wasihub/internal/storage/sqlite/migrations"
)

// RepositoryConfig is the configuration for the SQLite repository.
type RepositoryConfig struct {
	DBPath string
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.DBPath == "" {
		return fmt.Errorf("db path is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.SQLite"})
	return nil
}

// Repository is a SQLite implementation of storage.ReadingsRepository.
// It keeps the latest reading per producer across host restarts, which
// the hub uses so a reboot doesn't blank the dashboard until every
// spoke has pushed again.
type Repository struct {
	db     *sql.DB
	logger log.Logger
}

// NewRepository creates a new SQLite repository and runs migrations.
func NewRepository(ctx context.Context, cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if err := migrations.Up(db, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	cfg.Logger.Debugf("SQLite repository initialized at %s", cfg.DBPath)

	return &Repository{db: db, logger: cfg.Logger}, nil
}

// Close closes the database connection.
func (r *Repository) Close() error { return r.db.Close() }

// UpsertReadings inserts or replaces readings by producer id.
func (r *Repository) UpsertReadings(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO readings (producer_id, timestamp_ms, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(producer_id) DO UPDATE SET
			timestamp_ms = excluded.timestamp_ms,
			data = excluded.data,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC().Unix()
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			return fmt.Errorf("invalid reading: %w", err)
		}

		data, err := json.Marshal(reading.Data)
		if err != nil {
			return fmt.Errorf("could not marshal reading payload: %w", err)
		}

		if _, err := tx.ExecContext(ctx, query, reading.ProducerID, int64(reading.TimestampMS), string(data), now); err != nil {
			return fmt.Errorf("could not upsert reading %q: %w", reading.ProducerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	r.logger.Debugf("Upserted %d readings", len(readings))
	return nil
}

// ListReadings returns the latest reading of every known producer.
func (r *Repository) ListReadings(ctx context.Context) ([]model.Reading, error) {
	query := `
		SELECT producer_id, timestamp_ms, data
		FROM readings
		ORDER BY producer_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query readings: %w", err)
	}
	defer rows.Close()

	var readings []model.Reading
	for rows.Next() {
		var (
			reading model.Reading
			tsMS    int64
			data    string
		)
		if err := rows.Scan(&reading.ProducerID, &tsMS, &data); err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		reading.TimestampMS = uint64(tsMS)

		if err := json.Unmarshal([]byte(data), &reading.Data); err != nil {
			return nil, fmt.Errorf("could not unmarshal payload of %q: %w", reading.ProducerID, err)
		}

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return readings, nil
}

// LastUpdate returns the time of the last successful upsert.
func (r *Repository) LastUpdate(ctx context.Context) (time.Time, error) {
	var updatedAt sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM readings`).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("could not query last update: %w", err)
	}
	if !updatedAt.Valid {
		return time.Time{}, fmt.Errorf("no readings stored: %w", model.ErrNotFound)
	}

	return time.Unix(updatedAt.Int64, 0).UTC(), nil
}
