package session

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/relaycache/tavern/contrib/log"
)

// persisted is the on-disk shape of a Session, dropping the manager's
// internal score/access bookkeeping that has no meaning across a restart.
type persisted struct {
	ID      string            `json:"id"`
	UUID    string            `json:"uuid"`
	Data    map[string]string `json:"data"`
	Blob    []byte            `json:"blob,omitempty"`
	Expires time.Time         `json:"expires"`
}

// SnapshotStore persists the live session table to a pebble database on
// an interval, so a restart doesn't silently drop every logged-in user —
// the same embedded-KV pattern storage/indexdb/pebble already uses for
// the cache index.
type SnapshotStore struct {
	db *pebble.DB
}

// OpenSnapshotStore opens (creating if absent) a pebble database at path.
func OpenSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// Save writes every live session in m to the store.
func (s *SnapshotStore) Save(m *Manager) error {
	m.mu.Lock()
	snap := make([]persisted, 0, len(m.sessions))
	for _, sess := range m.sessions {
		snap = append(snap, persisted{
			ID:      sess.ID,
			UUID:    sess.UUID,
			Data:    sess.Data,
			Blob:    sess.Blob,
			Expires: sess.expires,
		})
	}
	m.mu.Unlock()

	for _, p := range snap {
		buf, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if err := s.db.Set([]byte(p.ID), buf, pebble.Sync); err != nil {
			return err
		}
	}
	return nil
}

// Restore loads every non-expired persisted session back into m.
func (s *SnapshotStore) Restore(m *Manager) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	now := time.Now()
	restored := 0
	for iter.First(); iter.Valid(); iter.Next() {
		buf, verr := iter.ValueAndErr()
		if verr != nil {
			continue
		}
		var p persisted
		if err := json.Unmarshal(buf, &p); err != nil {
			continue
		}
		if now.After(p.Expires) {
			continue
		}

		m.mu.Lock()
		m.sessions[p.ID] = &Session{
			ID:       p.ID,
			UUID:     p.UUID,
			Data:     p.Data,
			Blob:     p.Blob,
			created:  now,
			accessed: now,
			expires:  p.Expires,
			score:    1,
		}
		m.mu.Unlock()
		restored++
	}

	log.Infof("session: restored %d sessions from snapshot", restored)
	return nil
}

// Run saves m to the store every interval until stop is closed.
func (s *SnapshotStore) Run(m *Manager, interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Save(m); err != nil {
				log.Errorf("session: snapshot save failed: %v", err)
			}
		case <-stop:
			return
		}
	}
}

// Close closes the underlying pebble database.
func (s *SnapshotStore) Close() error { return s.db.Close() }
