package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists the entry set as one JSON document row in Postgres,
// for deployments that already run a database and want follow-up state
// to survive host loss, not just process restarts.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS followup_state (
			id         SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
			doc        JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`
	if _, err := s.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create followup_state table: %w", err)
	}
	return nil
}

func (s *PGStore) Save(ctx context.Context, entries []Entry) error {
	data, err := json.Marshal(document{Version: storeVersion, Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal follow-up document: %w", err)
	}

	query := `
		INSERT INTO followup_state (id, doc, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, data); err != nil {
		return fmt.Errorf("failed to save follow-up state: %w", err)
	}
	return nil
}

func (s *PGStore) Load(ctx context.Context) ([]Entry, error) {
	var data []byte
	err := s.db.QueryRow(ctx, `SELECT doc FROM followup_state WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load follow-up state: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse follow-up state: %w", err)
	}
	if doc.Version != storeVersion {
		return nil, fmt.Errorf("unsupported follow-up state version %d", doc.Version)
	}
	return doc.Entries, nil
}
