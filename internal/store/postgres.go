package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charter_sessions (id, title, input_policy)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Title, rec.InputPolicy)
	if err != nil {
		return fmt.Errorf("insert charter session: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE charter_sessions SET closed_at=NOW() WHERE id=$1 AND closed_at IS NULL`, sessionID)
	if err != nil {
		return fmt.Errorf("close charter session: %w", err)
	}
	return nil
}

// SaveCharter stores a finalized version. Saving the same session version
// twice overwrites the earlier row.
func (s *PostgresStore) SaveCharter(ctx context.Context, c Charter) (Charter, error) {
	fields, err := json.Marshal(nonNilMap(c.Fields))
	if err != nil {
		return Charter{}, fmt.Errorf("marshal charter fields: %w", err)
	}
	locked, err := json.Marshal(nonNilSlice(c.LockedPaths))
	if err != nil {
		return Charter{}, fmt.Errorf("marshal locked paths: %w", err)
	}
	missing, err := json.Marshal(nonNilSlice(c.MissingRequired))
	if err != nil {
		return Charter{}, fmt.Errorf("marshal missing fields: %w", err)
	}

	const query = `
		INSERT INTO charters (id, session_id, version, fields, locked_paths, missing_required, commit_hash, finalized_by)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7, $8)
		ON CONFLICT (session_id, version) DO UPDATE SET
			fields=EXCLUDED.fields,
			locked_paths=EXCLUDED.locked_paths,
			missing_required=EXCLUDED.missing_required,
			commit_hash=EXCLUDED.commit_hash,
			finalized_by=EXCLUDED.finalized_by,
			finalized_at=NOW()
		RETURNING id, finalized_at
	`
	err = s.db.QueryRowContext(ctx, query,
		c.ID, c.SessionID, c.Version, string(fields), string(locked), string(missing), c.CommitHash, c.FinalizedBy,
	).Scan(&c.ID, &c.FinalizedAt)
	if err != nil {
		return Charter{}, fmt.Errorf("save charter: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) LatestCharter(ctx context.Context, sessionID string) (Charter, error) {
	row := s.db.QueryRowContext(ctx, charterSelect+`
		WHERE session_id=$1
		ORDER BY version DESC
		LIMIT 1
	`, sessionID)
	c, err := scanCharter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Charter{}, fmt.Errorf("latest charter for %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Charter{}, fmt.Errorf("latest charter: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListCharters(ctx context.Context, sessionID string) ([]Charter, error) {
	rows, err := s.db.QueryContext(ctx, charterSelect+`
		WHERE session_id=$1
		ORDER BY version DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list charters: %w", err)
	}
	defer rows.Close()

	items := make([]Charter, 0)
	for rows.Next() {
		c, err := scanCharter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan charter: %w", err)
		}
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate charters: %w", err)
	}
	return items, nil
}

const charterSelect = `
	SELECT id, session_id, version, fields, locked_paths, missing_required, commit_hash, finalized_by, finalized_at
	FROM charters
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharter(row rowScanner) (Charter, error) {
	var (
		c                       Charter
		fields, locked, missing []byte
	)
	if err := row.Scan(&c.ID, &c.SessionID, &c.Version, &fields, &locked, &missing, &c.CommitHash, &c.FinalizedBy, &c.FinalizedAt); err != nil {
		return Charter{}, err
	}
	if err := json.Unmarshal(fields, &c.Fields); err != nil {
		return Charter{}, fmt.Errorf("decode fields: %w", err)
	}
	if err := json.Unmarshal(locked, &c.LockedPaths); err != nil {
		return Charter{}, fmt.Errorf("decode locked paths: %w", err)
	}
	if err := json.Unmarshal(missing, &c.MissingRequired); err != nil {
		return Charter{}, fmt.Errorf("decode missing fields: %w", err)
	}
	return c, nil
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
