package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Words
	PutWord(ctx context.Context, rec *WordRecord) error
	ScanWords(ctx context.Context, partition string, limit int, startHint string) ([]*WordRecord, error)
	GetWordsByKeys(ctx context.Context, partition string, sortKeys []string) ([]*WordRecord, error)
	CountWords(ctx context.Context, partition string) (int, error)

	// Runs and the append-only run event log
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	AppendRunEvent(ctx context.Context, event *RunEvent) error
	ListRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
