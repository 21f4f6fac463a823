package session_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycache/tavern/session"
)

func TestManagerNewAndGet(t *testing.T) {
	m := session.NewManager(10, time.Minute)

	s, err := m.New()
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.NotEmpty(t, s.UUID)
	assert.NotEqual(t, s.ID, s.UUID)

	got := m.Get(s.ID)
	require.NotNil(t, got)
	assert.Equal(t, s.UUID, got.UUID)
}

func TestNewManagerDefaultsCapacityTo65536(t *testing.T) {
	m := session.NewManager(0, time.Minute)
	assert.Equal(t, 65536, m.Capacity())
}

func TestManagerGetExpired(t *testing.T) {
	m := session.NewManager(10, time.Millisecond)
	s, err := m.New()
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	assert.Nil(t, m.Get(s.ID))
	assert.Equal(t, 0, m.Len())
}

func TestManagerPurgesColdestSessionWhenFull(t *testing.T) {
	m := session.NewManager(2, time.Minute)

	first, err := m.New()
	require.NoError(t, err)
	// Access first repeatedly so it outranks a freshly minted session on
	// purge score (idle time offset by access count).
	for i := 0; i < 5; i++ {
		m.Get(first.ID)
	}

	_, err = m.New()
	require.NoError(t, err)

	third, err := m.New()
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	assert.NotNil(t, m.Get(first.ID))
	assert.NotNil(t, m.Get(third.ID))
}

func TestManagerAttachBlobAndDelete(t *testing.T) {
	m := session.NewManager(10, time.Minute)
	s, err := m.New()
	require.NoError(t, err)

	assert.True(t, m.AttachBlob(s.ID, []byte("state")))
	assert.False(t, m.AttachBlob("missing", []byte("state")))

	m.Delete(s.ID)
	assert.Nil(t, m.Get(s.ID))
}

func TestSnapshotStoreSaveAndRestore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions")
	store, err := session.OpenSnapshotStore(path)
	require.NoError(t, err)
	defer store.Close()

	m := session.NewManager(10, time.Hour)
	s, err := m.New()
	require.NoError(t, err)
	require.True(t, m.AttachBlob(s.ID, []byte("widget-state")))

	require.NoError(t, store.Save(m))

	restored := session.NewManager(10, time.Hour)
	require.NoError(t, store.Restore(restored))

	got := restored.Get(s.ID)
	require.NotNil(t, got)
	assert.Equal(t, s.UUID, got.UUID)
	assert.Equal(t, []byte("widget-state"), got.Blob)
}
