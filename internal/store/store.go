package store

import (
	"context"
	"errors"

	"github.com/slotwatch/bookerd/internal/tasks"
)

var ErrNotFound = errors.New("booking not found in store")

// Store persists booking records. Every mutation is flushed to durable
// storage before the call returns; the scheduler treats a write failure as
// fatal to the triggering transition.
type Store interface {
	// Put upserts a record. Readers never observe a partial record.
	Put(ctx context.Context, task tasks.Task) error
	Get(ctx context.Context, id string) (tasks.Task, error)
	All(ctx context.Context) ([]tasks.Task, error)
	Delete(ctx context.Context, id string) error
	// AppendLog appends one entry to the record's activity log.
	AppendLog(ctx context.Context, id string, entry tasks.LogEntry) error
	Close() error
}
