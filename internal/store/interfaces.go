package store

import (
	"context"
	"errors"

	"github.com/timberdb/coordinator/internal/model"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a compare-and-swap write loses a race
// with a concurrent writer. Callers re-read and retry.
var ErrVersionConflict = errors.New("version conflict")

// AliasStore is the versioned alias registry. All mutation goes through
// optimistic compare-and-swap, never raw overwrite, because external writers
// may also touch the registry.
type AliasStore interface {
	// GetAlias reads the alias target list, metadata and current version.
	GetAlias(ctx context.Context, name string) (*model.Alias, error)
	// CompareAndSwapTargets replaces the target list if the stored version
	// still equals expectedVersion, incrementing the version.
	CompareAndSwapTargets(ctx context.Context, name string, targets []string, expectedVersion int64) error

	// Health check
	Ping(ctx context.Context) error
	Close()
}

// TriggerStore persists trigger definitions so the engine can reload them
// after a restart.
type TriggerStore interface {
	ListTriggers(ctx context.Context) ([]*model.TriggerDefinition, error)
	UpsertTrigger(ctx context.Context, def *model.TriggerDefinition) error
	DeleteTrigger(ctx context.Context, name string) error

	Ping(ctx context.Context) error
	Close()
}

// TriggerStateStore durably records per-trigger runtime state (pending
// debounce candidates and fired markers) between scans and across restarts.
type TriggerStateStore interface {
	Save(ctx context.Context, trigger string, state *model.TriggerState) error
	Load(ctx context.Context, trigger string) (*model.TriggerState, error)
	Delete(ctx context.Context, trigger string) error

	Ping(ctx context.Context) error
	Close() error
}

// Lease is an exclusive execution slot granted by the LockManager. Release
// returns the slot; releasing an expired lease is logged, not an error.
type Lease interface {
	Release(ctx context.Context) error
}

// LockManager grants cluster-wide mutual exclusion on a named resource to
// exactly one holder at a time. Different resource names proceed fully
// concurrently.
type LockManager interface {
	// Acquire blocks until the named resource is available or ctx is done.
	Acquire(ctx context.Context, resource string) (Lease, error)

	Ping(ctx context.Context) error
	Close() error
}
