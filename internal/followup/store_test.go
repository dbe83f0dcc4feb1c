package followup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "followups.json")
	store := NewFileStore(path)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	entries := []Entry{
		{
			PendingID:      "p1",
			Recipient:      "a@b",
			Subject:        "Quarterly report",
			Step:           2,
			Cycle:          0,
			NextFireAt:     created.Add(21 * time.Hour),
			CreatedAt:      created,
			DeliveryTarget: TargetEmail,
		},
		{
			PendingID:      "p2",
			Recipient:      "c@d",
			Subject:        "Invoice",
			Step:           3,
			Cooldown:       true,
			Cycle:          1,
			NextFireAt:     created.Add(94 * time.Hour),
			CreatedAt:      created,
			DeliveryTarget: TargetEvent,
		},
	}

	require.NoError(t, store.Save(ctx, entries))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, entries, loaded)
}

func TestFileStoreCooldownStepEncoding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followups.json")
	store := NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, []Entry{
		{PendingID: "p1", Step: 1},
		{PendingID: "p2", Step: 3, Cooldown: true},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"version": 1`)
	assert.Contains(t, string(data), `"step": 1`)
	assert.Contains(t, string(data), `"step": "cooldown"`)
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nope.json"))
	entries, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestFileStoreRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "followups.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":9,"entries":[]}`), 0o644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}
