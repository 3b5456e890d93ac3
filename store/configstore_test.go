package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDeduplicatesIdenticalContent(t *testing.T) {
	store, err := NewConfigStore("")
	require.NoError(t, err)

	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(1 * time.Hour)

	first, created, err := store.Append("dev-1", "hostname sw-1\n", t1)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.Append("dev-1", "hostname sw-1\n", t2)
	require.NoError(t, err)
	assert.False(t, created)
	// The original capture time is preserved, never overwritten
	assert.Equal(t, t1, second.CapturedAt)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	assert.Len(t, store.History("dev-1"), 1)
	latest, found := store.Latest("dev-1")
	require.True(t, found)
	assert.Equal(t, t1, latest.CapturedAt)
}

func TestHistoryIsDescendingWithPredecessorChain(t *testing.T) {
	store, err := NewConfigStore("")
	require.NoError(t, err)

	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(1 * time.Hour)
	t3 := t1.Add(2 * time.Hour)
	for i, at := range []time.Time{t1, t2, t3} {
		_, created, err := store.Append("dev-1", "version "+string(rune('a'+i))+"\n", at)
		require.NoError(t, err)
		require.True(t, created)
	}

	history := store.History("dev-1")
	require.Len(t, history, 3)
	assert.Equal(t, t3, history[0].CapturedAt)
	assert.Equal(t, t2, history[1].CapturedAt)
	assert.Equal(t, t1, history[2].CapturedAt)

	assert.Empty(t, history[2].Predecessor)
	assert.Equal(t, history[2].ContentHash, history[1].Predecessor)
	assert.Equal(t, history[1].ContentHash, history[0].Predecessor)
}

func TestAppendKeepsChainOrderedUnderClockSkew(t *testing.T) {
	store, err := NewConfigStore("")
	require.NoError(t, err)

	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_, _, err = store.Append("dev-1", "a\n", t1)
	require.NoError(t, err)
	// Captured-at going backwards must not break total ordering
	version, created, err := store.Append("dev-1", "b\n", t1.Add(-1*time.Minute))
	require.NoError(t, err)
	require.True(t, created)
	assert.True(t, version.CapturedAt.After(t1))
}

func TestConfigStorePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()

	store, err := NewConfigStore(dir)
	require.NoError(t, err)
	t1 := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	_, _, err = store.Append("dev-1", "hostname sw-1\n", t1)
	require.NoError(t, err)
	_, _, err = store.Append("dev-1", "hostname sw-1-renamed\n", t1.Add(time.Hour))
	require.NoError(t, err)

	reloaded, err := NewConfigStore(dir)
	require.NoError(t, err)
	history := reloaded.History("dev-1")
	require.Len(t, history, 2)
	assert.Equal(t, "hostname sw-1-renamed\n", history[0].Content)

	// De-duplication still works against the reloaded latest version
	_, created, err := reloaded.Append("dev-1", "hostname sw-1-renamed\n", t1.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
}
