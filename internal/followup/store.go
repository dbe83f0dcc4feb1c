package followup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const storeVersion = 1

// document is the on-disk shape shared by the file and Postgres stores.
type document struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// FileStore persists the entry set as a single JSON document, written
// to a temp file and renamed so readers never observe a torn write.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Save(_ context.Context, entries []Entry) error {
	data, err := json.MarshalIndent(document{Version: storeVersion, Entries: entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal follow-up document: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".followups-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (f *FileStore) Load(_ context.Context) ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	if doc.Version != storeVersion {
		return nil, fmt.Errorf("unsupported state file version %d", doc.Version)
	}
	return doc.Entries, nil
}
