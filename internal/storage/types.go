package storage

import (
	"context"
	"errors"
	"time"

	"adsync/internal/workflow"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("run not found")
	ErrClosed   = errors.New("storage closed")
)

// DefaultListLimit caps ListRuns when limit <= 0.
const DefaultListLimit = 20

// Store is the persistence API used by the dispatcher, notifier and ops.
type Store interface {
	// SaveRun inserts or replaces the run with the same ID.
	SaveRun(ctx context.Context, run *workflow.Run) error
	GetRun(ctx context.Context, id string) (*workflow.Run, error)
	// ListRuns returns up to limit runs, newest first by queue time.
	ListRuns(ctx context.Context, limit int) ([]*workflow.Run, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
