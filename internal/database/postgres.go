// Package database implements the optional Postgres-backed history of
// sensor readings and conversation events. The poller records one batch of
// readings per successful cycle; nothing in the poll path reads from the
// database.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/helpdesk-tools/freescout-sensors/internal/publish"
)

// Reading is one sensor value at one poll cycle.
type Reading struct {
	Time   time.Time
	Sensor string
	Value  float64
}

// ReadingRepository stores poll history.
type ReadingRepository interface {
	// BatchInsertReadings inserts all readings of one poll cycle in a
	// single transaction. Either the whole cycle is recorded or none of it.
	BatchInsertReadings(ctx context.Context, readings []Reading) error

	// RecentReadings returns the most recent readings for one sensor,
	// newest first.
	RecentReadings(ctx context.Context, sensor string, limit int) ([]Reading, error)

	// InsertEvent records a detected new conversation.
	InsertEvent(ctx context.Context, ev publish.ConversationEvent) error

	// Close releases the underlying connection pool.
	Close() error
}

// PostgresRepo implements ReadingRepository on database/sql with lib/pq.
type PostgresRepo struct {
	db *sql.DB
}

// NewPostgresRepo connects to Postgres, verifies connectivity, and creates
// the history tables if they do not exist.
func NewPostgresRepo(connStr string) (*PostgresRepo, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	repo := &PostgresRepo{db: db}
	if err := repo.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

func (r *PostgresRepo) ensureSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sensor_readings (
			time   TIMESTAMPTZ NOT NULL,
			sensor TEXT        NOT NULL,
			value  DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sensor_readings_sensor_time_idx
			ON sensor_readings (sensor, time DESC)`,
		`CREATE TABLE IF NOT EXISTS conversation_events (
			detected_at     TIMESTAMPTZ NOT NULL,
			conversation_id BIGINT      NOT NULL,
			subject         TEXT        NOT NULL,
			status          TEXT        NOT NULL,
			mailbox_id      BIGINT      NOT NULL,
			assignee_id     BIGINT      NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}

// BatchInsertReadings inserts one poll cycle's readings transactionally.
func (r *PostgresRepo) BatchInsertReadings(ctx context.Context, readings []Reading) error {
	if len(readings) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // rollback if not committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_readings (time, sensor, value)
		VALUES ($1, $2, $3)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, reading := range readings {
		if _, err := stmt.ExecContext(ctx, reading.Time, reading.Sensor, reading.Value); err != nil {
			return fmt.Errorf("failed to insert reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecentReadings returns up to limit readings for the sensor, newest first.
func (r *PostgresRepo) RecentReadings(ctx context.Context, sensor string, limit int) ([]Reading, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT time, sensor, value
		FROM sensor_readings
		WHERE sensor = $1
		ORDER BY time DESC
		LIMIT $2
	`, sensor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var reading Reading
		if err := rows.Scan(&reading.Time, &reading.Sensor, &reading.Value); err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, rows.Err()
}

// InsertEvent records one detected conversation arrival.
func (r *PostgresRepo) InsertEvent(ctx context.Context, ev publish.ConversationEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO conversation_events
			(detected_at, conversation_id, subject, status, mailbox_id, assignee_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, time.Now(), ev.ConversationID, ev.Subject, ev.Status, ev.MailboxID, ev.AssigneeID, ev.CreatedAt)
	return err
}

// Close releases the connection pool.
func (r *PostgresRepo) Close() error {
	return r.db.Close()
}

// Compile-time interface implementation check
var _ ReadingRepository = (*PostgresRepo)(nil)
