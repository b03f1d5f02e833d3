package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"painchain.app/ingest/core/db"
	"painchain.app/ingest/internal/model"
)

const (
	changeEventColumns = `id, connection_id, external_id, source, event_type, title, description, "timestamp", url, status, metadata, event_metadata, created_at, updated_at`

	pgUniqueViolation = "23505"
)

type changeEventStore struct {
	conn db.DBTX
}

func newChangeEventStore(conn db.DBTX) ChangeEventStore {
	return &changeEventStore{conn: conn}
}

// Insert writes event and fills in server-side timestamps.
// A collision on (connection_id, external_id) returns ErrDuplicate and writes nothing.
func (s *changeEventStore) Insert(ctx context.Context, event *model.ChangeEvent) error {
	metadata, err := marshalJSONB(event.Metadata)
	if err != nil {
		return err
	}
	eventMetadata, err := marshalJSONB(event.EventMetadata)
	if err != nil {
		return err
	}

	row := s.conn.QueryRow(ctx, `
		INSERT INTO change_events (id, connection_id, external_id, source, event_type, title, description, "timestamp", url, status, metadata, event_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		event.ID, event.ConnectionID, event.ExternalID, event.Source, string(event.EventType), event.Title,
		event.Description, event.Timestamp, event.URL, event.Status, metadata, eventMetadata,
	)
	if err := row.Scan(&event.CreatedAt, &event.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting change event: %w", err)
	}
	return nil
}

func (s *changeEventStore) GetByExternalID(ctx context.Context, connectionID int64, externalID string) (*model.ChangeEvent, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+changeEventColumns+` FROM change_events WHERE connection_id = $1 AND external_id = $2`,
		connectionID, externalID,
	)
	return scanChangeEvent(row)
}

func (s *changeEventStore) ExistsByExternalID(ctx context.Context, connectionID int64, externalID string) (bool, error) {
	var exists bool
	err := s.conn.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM change_events WHERE connection_id = $1 AND external_id = $2)`,
		connectionID, externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking change event: %w", err)
	}
	return exists, nil
}

func (s *changeEventStore) ListByConnection(ctx context.Context, connectionID int64, limit int) ([]model.ChangeEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.conn.Query(ctx,
		`SELECT `+changeEventColumns+` FROM change_events WHERE connection_id = $1 ORDER BY "timestamp" DESC, id DESC LIMIT $2`,
		connectionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing change events: %w", err)
	}
	defer rows.Close()

	var events []model.ChangeEvent
	for rows.Next() {
		event, err := scanChangeEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func scanChangeEvent(row pgx.Row) (*model.ChangeEvent, error) {
	var (
		event         model.ChangeEvent
		eventType     string
		metadata      []byte
		eventMetadata []byte
	)
	err := row.Scan(
		&event.ID, &event.ConnectionID, &event.ExternalID, &event.Source, &eventType, &event.Title,
		&event.Description, &event.Timestamp, &event.URL, &event.Status, &metadata, &eventMetadata,
		&event.CreatedAt, &event.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	event.EventType = model.EventType(eventType)
	if event.Metadata, err = unmarshalJSONB(metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if event.EventMetadata, err = unmarshalJSONB(eventMetadata); err != nil {
		return nil, fmt.Errorf("decoding event metadata: %w", err)
	}
	return &event, nil
}
