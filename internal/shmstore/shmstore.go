// Package shmstore implements the shared-memory ID store (spec 6): a
// process-external table of frame IDs a node can mark as "seen" and
// later check for, with entries expiring after a configurable TTL and a
// background reaper that removes stale entries under a file lock so
// multiple node processes sharing the same store never race on cleanup.
//
// Grounded on the teacher's omni/internal/storage/badger.go BadgerStore:
// the same open/close/SetWithTTL/Get shape and the ticker-driven GC loop,
// repointed at coral's raw-id dedupe use case instead of omni's generic
// KV namespace.
package shmstore

import (
	"context"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// Store wraps a Badger database used purely as a TTL-keyed set of IDs.
type Store struct {
	db       *badger.DB
	lockPath string
	log      zerolog.Logger
}

// Open creates or opens the store at dir. Badger already serializes
// access within one process; the companion flock guards the reaper's
// value-log GC pass against a second process's reaper running the
// same compaction concurrently (spec 6: "the reaper acquires a file
// lock before delete").
func Open(dir string, log zerolog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("shmstore: failed to open badger at %s: %w", dir, err)
	}
	return &Store{db: db, lockPath: dir + ".reaper.lock", log: log}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Mark records id as seen, expiring after ttl.
func (s *Store) Mark(id string, ttl time.Duration) error {
	return s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(id), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Seen reports whether id is currently marked (and not yet expired).
func (s *Store) Seen(id string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("shmstore: lookup failed: %w", err)
	}
	return found, nil
}

// RunReaper starts a background loop that runs Badger's value-log
// garbage collection every interval, under the companion file lock, so
// entries that have passed their TTL are actually reclaimed from disk
// (Badger only marks expired keys invisible to reads; GC frees the
// space). Returns once ctx is cancelled.
func (s *Store) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Store) reapOnce() {
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return
	}
	defer lock.Unlock()

	for {
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if err != badger.ErrNoRewrite {
				s.log.Warn().Err(err).Msg("shmstore: value log GC error")
			}
			break
		}
	}
}
