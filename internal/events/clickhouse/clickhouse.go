// Package clickhouse stores hotword events in ClickHouse for fleet-wide
// analytics.
package clickhouse

import (
	"context"
	"fmt"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/MrWong99/micarray/internal/events"
)

const ddl = `
CREATE TABLE IF NOT EXISTS hotword_events (
    detected_at DateTime64(3),
    device_id   LowCardinality(String),
    keyword_set LowCardinality(String),
    keyword     UInt8,
    direction   Int16,
    seq         UInt64
) ENGINE = MergeTree()
ORDER BY (device_id, detected_at)
TTL toDateTime(detected_at) + INTERVAL 90 DAY`

const insert = `INSERT INTO hotword_events (detected_at, device_id, keyword_set, keyword, direction, seq) VALUES (?, ?, ?, ?, ?, ?)`

// Config configures the connection.
type Config struct {
	Addr     string
	Database string
	Username string
	Password string
}

// execer is the subset of driver.Conn the sink uses.
type execer interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// Sink is a ClickHouse-backed [events.Sink].
type Sink struct {
	conn execer
}

var _ events.Sink = (*Sink)(nil)

// New connects, pings and creates the table if needed.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	conn, err := ch.Open(&ch.Options{
		Addr: []string{cfg.Addr},
		Auth: ch.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &ch.Compression{Method: ch.CompressionLZ4},
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open %s: %w", cfg.Addr, err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping %s: %w", cfg.Addr, err)
	}
	return newSink(ctx, conn)
}

func newSink(ctx context.Context, conn execer) (*Sink, error) {
	if err := conn.Exec(ctx, ddl); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}
	return &Sink{conn: conn}, nil
}

var _ execer = driver.Conn(nil)

func (s *Sink) Name() string { return "clickhouse" }

// Publish inserts e.
func (s *Sink) Publish(ctx context.Context, e events.Event) error {
	err := s.conn.Exec(ctx, insert,
		e.Time, e.DeviceID, e.KeywordSet, uint8(e.Keyword), int16(e.Direction), e.Seq,
	)
	if err != nil {
		return fmt.Errorf("clickhouse: insert: %w", err)
	}
	return nil
}

func (s *Sink) Close() error { return s.conn.Close() }
