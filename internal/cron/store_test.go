package cron

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCrontab holds crontab content in memory.
type fakeCrontab struct {
	content  string
	readErr  error
	writeErr error
	writes   int
}

func (f *fakeCrontab) Read(_ context.Context) ([]string, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.content == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(f.content, "\n"), "\n"), nil
}

func (f *fakeCrontab) Write(_ context.Context, content string) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	f.content = content
	f.writes++
	return nil
}

func newTestStore(t *testing.T, tab Crontab) *Store {
	t.Helper()
	store := NewStore(tab, filepath.Join(t.TempDir(), "cron.lock"), zerolog.Nop())
	store.now = func() time.Time { return time.Date(2030, 6, 15, 12, 0, 0, 0, time.UTC) }
	return store
}

func TestStoreLoadEmpty(t *testing.T) {
	store := newTestStore(t, &fakeCrontab{})
	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Jobs)
}

func TestStoreMutateAddsJob(t *testing.T) {
	tab := &fakeCrontab{content: "0 3 * * * /usr/bin/backup.sh\n"}
	store := newTestStore(t, tab)

	_, err := store.Mutate(context.Background(), func(snap *Snapshot) error {
		snap.Jobs = append(snap.Jobs, sampleJob())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tab.writes)
	assert.Contains(t, tab.content, "0 3 * * * /usr/bin/backup.sh")
	assert.Contains(t, tab.content, "openclaw cron run job-1")

	job, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "Morning brief", job.Name)
	require.NotNil(t, job.State.NextRunAtMs)
}

func TestStoreMutateFnErrorSkipsWrite(t *testing.T) {
	tab := &fakeCrontab{}
	store := newTestStore(t, tab)

	_, err := store.Mutate(context.Background(), func(snap *Snapshot) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.Zero(t, tab.writes)
}

func TestStoreMutateRereadsEveryCycle(t *testing.T) {
	tab := &fakeCrontab{}
	store := newTestStore(t, tab)

	_, err := store.Mutate(context.Background(), func(snap *Snapshot) error {
		snap.Jobs = append(snap.Jobs, sampleJob())
		return nil
	})
	require.NoError(t, err)

	// An external edit between cycles survives the next rewrite.
	tab.content = "MAILTO=ops\n" + tab.content

	_, err = store.Mutate(context.Background(), func(snap *Snapshot) error {
		require.Len(t, snap.Jobs, 1)
		snap.Jobs[0].Name = "Renamed"
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, tab.content, "MAILTO=ops")
	assert.Contains(t, tab.content, "name=Renamed")
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t, &fakeCrontab{})
	_, err := store.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}
