// Package postgres journals hotword events in PostgreSQL so detections can
// be audited and shown by the monitor.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/micarray/internal/events"
)

const ddl = `
CREATE TABLE IF NOT EXISTS hotword_events (
    id          BIGSERIAL    PRIMARY KEY,
    device_id   TEXT         NOT NULL,
    keyword_set TEXT         NOT NULL DEFAULT '',
    keyword     INTEGER      NOT NULL,
    direction   INTEGER      NOT NULL,
    seq         BIGINT       NOT NULL,
    detected_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_hotword_events_device_time
    ON hotword_events (device_id, detected_at DESC);
`

// Journal is a PostgreSQL-backed [events.Sink].
type Journal struct {
	pool *pgxpool.Pool
}

var _ events.Sink = (*Journal)(nil)

// New connects to dsn and creates the schema if needed.
func New(ctx context.Context, dsn string) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres journal: migrate: %w", err)
	}
	return &Journal{pool: pool}, nil
}

func (j *Journal) Name() string { return "postgres" }

// Publish inserts e.
func (j *Journal) Publish(ctx context.Context, e events.Event) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO hotword_events (device_id, keyword_set, keyword, direction, seq, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.DeviceID, e.KeywordSet, e.Keyword, e.Direction, int64(e.Seq), e.Time,
	)
	if err != nil {
		return fmt.Errorf("postgres journal: insert: %w", err)
	}
	return nil
}

// Recent returns up to limit events for deviceID, newest first.
func (j *Journal) Recent(ctx context.Context, deviceID string, limit int) ([]events.Event, error) {
	rows, err := j.pool.Query(ctx,
		`SELECT device_id, keyword_set, keyword, direction, seq, detected_at
		   FROM hotword_events
		  WHERE device_id = $1
		  ORDER BY detected_at DESC, id DESC
		  LIMIT $2`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres journal: query: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (events.Event, error) {
		var (
			e   events.Event
			seq int64
			at  time.Time
		)
		err := row.Scan(&e.DeviceID, &e.KeywordSet, &e.Keyword, &e.Direction, &seq, &at)
		e.Seq, e.Time = uint64(seq), at.UTC()
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres journal: scan: %w", err)
	}
	return out, nil
}

// Ping reports whether the database is reachable.
func (j *Journal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close releases the pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}
