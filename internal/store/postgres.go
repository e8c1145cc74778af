package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotwatch/bookerd/internal/tasks"
)

// PostgresStore keeps one row per booking; slot requests and the activity log
// are JSONB columns so a Put stays a single upsert.
type PostgresStore struct {
	pool  *pgxpool.Pool
	codec Codec
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initBookingSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initBookingSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
			id TEXT PRIMARY KEY,
			target_url TEXT NOT NULL,
			credential_ref TEXT NOT NULL DEFAULT '',
			booking_date TEXT NOT NULL,
			trigger_at TIMESTAMPTZ NOT NULL,
			slots JSONB NOT NULL DEFAULT '[]',
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			logs JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_status_trigger ON bookings (status, trigger_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init booking schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, task tasks.Task) error {
	slots, err := s.codec.Encode(task.Slots)
	if err != nil {
		return fmt.Errorf("encode slots: %w", err)
	}
	logs, err := s.codec.Encode(task.Logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO bookings (
			id, target_url, credential_ref, booking_date, trigger_at, slots, status, message, logs, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			target_url=EXCLUDED.target_url,
			credential_ref=EXCLUDED.credential_ref,
			booking_date=EXCLUDED.booking_date,
			trigger_at=EXCLUDED.trigger_at,
			slots=EXCLUDED.slots,
			status=EXCLUDED.status,
			message=EXCLUDED.message,
			logs=EXCLUDED.logs,
			updated_at=EXCLUDED.updated_at`,
		task.ID,
		task.TargetURL,
		task.CredentialRef,
		task.BookingDate,
		task.TriggerAt,
		slots,
		string(task.Status),
		task.Message,
		logs,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert booking: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (tasks.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, target_url, credential_ref, booking_date, trigger_at, slots, status, message, logs, created_at, updated_at
		 FROM bookings WHERE id = $1`, id)
	task, err := s.scanBooking(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tasks.Task{}, ErrNotFound
		}
		return tasks.Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) All(ctx context.Context) ([]tasks.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, target_url, credential_ref, booking_date, trigger_at, slots, status, message, logs, created_at, updated_at
		 FROM bookings ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []tasks.Task
	for rows.Next() {
		task, err := s.scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM bookings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendLog(ctx context.Context, id string, entry tasks.LogEntry) error {
	encoded, err := s.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("encode log entry: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE bookings SET logs = logs || $2::jsonb, updated_at = $3 WHERE id = $1`,
		id, encoded, entry.At)
	if err != nil {
		return fmt.Errorf("append booking log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) scanBooking(row pgx.Row) (tasks.Task, error) {
	var (
		task      tasks.Task
		status    string
		slotsRaw  []byte
		logsRaw   []byte
		triggerAt time.Time
	)
	err := row.Scan(
		&task.ID,
		&task.TargetURL,
		&task.CredentialRef,
		&task.BookingDate,
		&triggerAt,
		&slotsRaw,
		&status,
		&task.Message,
		&logsRaw,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return tasks.Task{}, err
	}
	task.TriggerAt = triggerAt
	parsed, err := tasks.ParseStatus(status)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("booking %s: %w", task.ID, err)
	}
	task.Status = parsed
	if err := s.codec.Decode(slotsRaw, &task.Slots); err != nil {
		return tasks.Task{}, fmt.Errorf("decode slots: %w", err)
	}
	if err := s.codec.Decode(logsRaw, &task.Logs); err != nil {
		return tasks.Task{}, fmt.Errorf("decode logs: %w", err)
	}
	return task, nil
}
