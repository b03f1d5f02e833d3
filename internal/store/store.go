package store

import (
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"painchain.app/ingest/core/db"
)

// Stores hands out stores bound to one DBTX: the pool, or a transaction.
type Stores struct {
	conn db.DBTX
}

func NewStores(conn db.DBTX) *Stores {
	return &Stores{conn: conn}
}

func (s *Stores) Connections() ConnectionStore {
	return newConnectionStore(s.conn)
}

func (s *Stores) ChangeEvents() ChangeEventStore {
	return newChangeEventStore(s.conn)
}

func timeToPgTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func pgTimestamptzToTime(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
