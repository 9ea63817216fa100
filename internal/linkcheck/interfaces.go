package linkcheck

import (
	"context"
	"errors"
	"time"
)

// ErrTaskNotFound signals that the requested task record does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrLinkNotFound signals that the requested link record does not exist.
var ErrLinkNotFound = errors.New("link not found")

// TaskStore persists task records and the shared processed counter.
type TaskStore interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	// UpdateTaskStatus applies a status transition guarded by the expected
	// current status. It reports whether the write changed the row, which
	// the finalizer uses as its idempotence guard.
	UpdateTaskStatus(ctx context.Context, taskID string, from, to TaskStatus, errText string) (bool, error)
	// IncrementProcessed atomically adds one to processed_links and returns
	// the new processed and total counts. Implementations must never push
	// processed past total.
	IncrementProcessed(ctx context.Context, taskID string) (processed, total int64, err error)
	// UpdateProgress records derived progress fields for the read model.
	UpdateProgress(ctx context.Context, taskID string, percent float64, etaSeconds int64) error
}

// LinkStore persists link records.
type LinkStore interface {
	CreateLinks(ctx context.Context, links []Link) error
	GetLink(ctx context.Context, linkID string) (Link, error)
	UpdateLink(ctx context.Context, link Link) error
	ListLinks(ctx context.Context, taskID string) ([]Link, error)
}

// Publisher pushes progress/completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Exporter receives the final link set once a task reaches a terminal state.
type Exporter interface {
	Export(ctx context.Context, task Task, links []Link) error
}

// Scheduler is the external recurring-analysis collaborator. The pipeline
// only ever asks it to enqueue the next run.
type Scheduler interface {
	ScheduleNext(ctx context.Context, req ScheduleRequest) error
}

// Hasher computes digests for artifact naming and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and link IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
