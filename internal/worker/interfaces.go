package worker

import (
	"context"
	"time"

	"painchain.app/ingest/internal/connector"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/queue"
)

// Consumer abstracts the poll job queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Retry(ctx context.Context, msg queue.Message, cause error) (time.Time, error)
	Fail(ctx context.Context, msg queue.Message, cause error) error
	Complete(ctx context.Context, msg queue.Message, result map[string]any) error
}

// ConnectionStore is the slice of store.ConnectionStore a poll job needs.
type ConnectionStore interface {
	GetByID(ctx context.Context, id int64) (*model.Connection, error)
	TouchLastSync(ctx context.Context, id int64, at time.Time) error
}

type ConnectorBuilder interface {
	Build(conn *model.Connection) (connector.Connector, error)
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*queue.Lock, bool, error)
}

// JobProcessor runs one poll job. Retry and completion are the caller's concern.
type JobProcessor interface {
	Process(ctx context.Context, job queue.PollJob) (Outcome, error)
}
