// Package globalnodes implements the shared, file-backed port/topic
// registry coral nodes use to agree on network endpoints without a
// central coordinator (spec 4.2 point 2, spec 6).
//
// The registry is a single JSON file mapping node_id to the topic and
// socket ports it was assigned the first time it started. Every process
// that might read or rewrite the file takes an advisory lock first
// (github.com/gofrs/flock, named per SPEC_FULL.md 2 -- the pack's full
// example repos don't carry a flock dependency themselves, but several
// of their go.mod manifests do, and this is exactly the "OS advisory
// file lock" shape the spec's shared-resource policy (5) calls for) so
// that concurrent node startups don't race on the read-modify-write.
package globalnodes

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// timeoutCtx returns a context that cancels after d, used to bound how
// long a Store call will retry acquiring the lock file.
func timeoutCtx(d time.Duration) context.Context {
	ctx, _ := context.WithTimeout(context.Background(), d)
	return ctx
}

// Entry is one node's recorded endpoint assignment.
type Entry struct {
	Topic         string `json:"topic"`
	SocketSubPort int    `json:"socket_sub_port"`
	SocketPubPort int    `json:"socket_pub_port"`
}

// Store wraps the shared JSON file plus its companion lock file.
type Store struct {
	path     string
	lockPath string
	timeout  time.Duration
}

// Open returns a Store bound to path (spec 6:
// CORAL_ALL_NODES_GLOBAL_DATA_PATH). The file need not exist yet; it is
// created on first write.
func Open(path string) *Store {
	return &Store{
		path:     path,
		lockPath: path + ".lock",
		timeout:  10 * time.Second,
	}
}

func (s *Store) readLocked() (map[string]Entry, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("globalnodes: failed to read %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return map[string]Entry{}, nil
	}
	var m map[string]Entry
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("globalnodes: failed to parse %s: %w", s.path, err)
	}
	return m, nil
}

func (s *Store) writeLocked(m map[string]Entry) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("globalnodes: failed to create directory %s: %w", dir, err)
		}
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("globalnodes: failed to marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("globalnodes: failed to write temp file: %w", err)
	}
	// Atomic rewrite under lock (spec 6: "rewritten atomically under lock").
	return os.Rename(tmp, s.path)
}

// Lookup returns the recorded entry for nodeID, if any, read while
// holding the exclusive lock.
func (s *Store) Lookup(nodeID string) (Entry, bool, error) {
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLockContext(timeoutCtx(s.timeout), 50*time.Millisecond)
	if err != nil || !locked {
		return Entry{}, false, fmt.Errorf("globalnodes: failed to acquire lock on %s: %w", s.lockPath, err)
	}
	defer lock.Unlock()

	m, err := s.readLocked()
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := m[nodeID]
	return e, ok, nil
}

// EnsureAssignment looks up nodeID's entry; if absent, it allocates fresh
// ephemeral ports (bind-and-close, spec 4.2 point 2), derives a default
// topic from defaultTopic, and persists the new assignment before
// returning it -- all under a single lock so concurrent node startups
// never double-allocate the same node's entry.
func (s *Store) EnsureAssignment(nodeID, defaultTopic string) (Entry, error) {
	lock := flock.New(s.lockPath)
	locked, err := lock.TryLockContext(timeoutCtx(s.timeout), 50*time.Millisecond)
	if err != nil || !locked {
		return Entry{}, fmt.Errorf("globalnodes: failed to acquire lock on %s: %w", s.lockPath, err)
	}
	defer lock.Unlock()

	m, err := s.readLocked()
	if err != nil {
		return Entry{}, err
	}
	if e, ok := m[nodeID]; ok {
		return e, nil
	}

	subPort, err := reserveEphemeralPort()
	if err != nil {
		return Entry{}, fmt.Errorf("globalnodes: failed to reserve sub port: %w", err)
	}
	pubPort, err := reserveEphemeralPort()
	if err != nil {
		return Entry{}, fmt.Errorf("globalnodes: failed to reserve pub port: %w", err)
	}

	e := Entry{Topic: defaultTopic, SocketSubPort: subPort, SocketPubPort: pubPort}
	m[nodeID] = e
	if err := s.writeLocked(m); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// reserveEphemeralPort binds a TCP listener on an OS-chosen ephemeral
// port, reads back the assigned port, and closes the listener -- the
// "bind-and-close" technique spec 4.2 point 2 names explicitly.
func reserveEphemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
