package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"painchain.app/ingest/core/db"
	"painchain.app/ingest/internal/model"
)

const connectionColumns = `id, tenant_id, name, provider, config, enabled, webhook_secret, last_sync, last_webhook, created_at, updated_at`

type connectionStore struct {
	conn db.DBTX
}

func newConnectionStore(conn db.DBTX) ConnectionStore {
	return &connectionStore{conn: conn}
}

func (s *connectionStore) GetByID(ctx context.Context, id int64) (*model.Connection, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, id)
	return scanConnection(row)
}

func (s *connectionStore) GetForUpdate(ctx context.Context, id int64) (*model.Connection, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1 FOR UPDATE`, id)
	return scanConnection(row)
}

func (s *connectionStore) List(ctx context.Context, filter ConnectionFilter) ([]model.Connection, error) {
	var (
		where []string
		args  []any
	)
	if filter.TenantID != nil {
		args = append(args, *filter.TenantID)
		where = append(where, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if filter.Provider != nil {
		args = append(args, string(*filter.Provider))
		where = append(where, fmt.Sprintf("provider = $%d", len(args)))
	}
	if filter.EnabledOnly {
		where = append(where, "enabled")
	}

	query := `SELECT ` + connectionColumns + ` FROM connections`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id`

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var result []model.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connections: %w", err)
	}
	return result, nil
}

func (s *connectionStore) Create(ctx context.Context, conn *model.Connection) error {
	config, err := marshalJSONB(conn.Config)
	if err != nil {
		return err
	}

	row := s.conn.QueryRow(ctx, `
		INSERT INTO connections (id, tenant_id, name, provider, config, enabled, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+connectionColumns,
		conn.ID, conn.TenantID, conn.Name, string(conn.Provider), config, conn.Enabled, conn.WebhookSecret,
	)
	created, err := scanConnection(row)
	if err != nil {
		return fmt.Errorf("creating connection: %w", err)
	}
	*conn = *created
	return nil
}

func (s *connectionStore) Update(ctx context.Context, conn *model.Connection) error {
	config, err := marshalJSONB(conn.Config)
	if err != nil {
		return err
	}

	row := s.conn.QueryRow(ctx, `
		UPDATE connections
		SET tenant_id = $2, name = $3, config = $4, enabled = $5, webhook_secret = $6, updated_at = now()
		WHERE id = $1
		RETURNING `+connectionColumns,
		conn.ID, conn.TenantID, conn.Name, config, conn.Enabled, conn.WebhookSecret,
	)
	updated, err := scanConnection(row)
	if err != nil {
		return err
	}
	*conn = *updated
	return nil
}

func (s *connectionStore) Delete(ctx context.Context, id int64) error {
	tag, err := s.conn.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSync and TouchLastWebhook are last-write-wins; they do not bump updated_at.
func (s *connectionStore) TouchLastSync(ctx context.Context, id int64, at time.Time) error {
	return s.touch(ctx, `UPDATE connections SET last_sync = $2 WHERE id = $1`, id, at)
}

func (s *connectionStore) TouchLastWebhook(ctx context.Context, id int64, at time.Time) error {
	return s.touch(ctx, `UPDATE connections SET last_webhook = $2 WHERE id = $1`, id, at)
}

func (s *connectionStore) touch(ctx context.Context, query string, id int64, at time.Time) error {
	tag, err := s.conn.Exec(ctx, query, id, at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConnection(row pgx.Row) (*model.Connection, error) {
	var (
		conn        model.Connection
		provider    string
		config      []byte
		lastSync    pgtype.Timestamptz
		lastWebhook pgtype.Timestamptz
	)
	err := row.Scan(
		&conn.ID, &conn.TenantID, &conn.Name, &provider, &config, &conn.Enabled,
		&conn.WebhookSecret, &lastSync, &lastWebhook, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	conn.Provider = model.Provider(provider)
	conn.LastSync = pgTimestamptzToTime(lastSync)
	conn.LastWebhook = pgTimestamptzToTime(lastWebhook)
	if conn.Config, err = unmarshalJSONB(config); err != nil {
		return nil, fmt.Errorf("decoding connection %d config: %w", conn.ID, err)
	}
	return &conn, nil
}

func marshalJSONB(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding jsonb: %w", err)
	}
	return data, nil
}

func unmarshalJSONB(data []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
