package eventsink

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink is the optional durable RequestEvent store. It is never
// required to run the gateway (spec §1: durable observability is out of
// core scope) but gives the request_events table a concrete write path
// when an operator wants one.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseOptions configures the connection.
type ClickHouseOptions struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string
}

// NewClickHouseSink opens a connection and verifies it with a ping.
func NewClickHouseSink(ctx context.Context, opts ClickHouseOptions) (*ClickHouseSink, error) {
	table := opts.Table
	if table == "" {
		table = "request_events"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: opts.Addr,
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("eventsink: clickhouse: open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("eventsink: clickhouse: ping: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

// WriteBatch inserts events into the configured table in a single batch
// insert, satisfying Durable.
func (c *ClickHouseSink) WriteBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, fmt.Sprintf(
		"INSERT INTO %s (request_id, timestamp_ms, date, hour, api_key_name, provider, instance, model, endpoint, status, error_type, error_message, input_tokens, output_tokens, total_tokens, cache_creation_tokens, cache_read_tokens, duration_ms)",
		c.table,
	))
	if err != nil {
		return fmt.Errorf("eventsink: clickhouse: prepare batch: %w", err)
	}

	for _, ev := range events {
		if err := batch.Append(
			ev.RequestID,
			ev.TimestampMs,
			ev.Date,
			uint8(ev.Hour),
			ev.APIKeyName,
			ev.Provider,
			ev.Instance,
			ev.Model,
			ev.Endpoint,
			string(ev.Status),
			ev.ErrorType,
			ev.ErrorMessage,
			ev.InputTokens,
			ev.OutputTokens,
			ev.TotalTokens,
			ev.CacheCreationTokens,
			ev.CacheReadTokens,
			ev.DurationMs,
		); err != nil {
			return fmt.Errorf("eventsink: clickhouse: append: %w", err)
		}
	}

	return batch.Send()
}

// Close releases the underlying connection.
func (c *ClickHouseSink) Close() error {
	return c.conn.Close()
}
