// internal/state/store.go
//
// The store persists session records in a single JSON file shared by every
// churn process on the machine: the loop writing its own progress, status
// queries, stop commands, and the monitoring server. A cross-process lock
// guards every read-modify-write, and writes go through a temp file plus
// rename so a reader never observes a half-written collection.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/churnlabs/churn/internal/lockfile"
)

var (
	// ErrNotFound means no record exists under the requested name.
	ErrNotFound = errors.New("state: session not found")
	// ErrInvalidName rejects names that are empty or could escape the
	// store namespace. Distinct from ErrNotFound at the API boundary.
	ErrInvalidName = errors.New("state: invalid session name")
)

const (
	storeFileName = "sessions.json"
	lockFileName  = "sessions.lock"
)

// Logger is the minimal sink for store diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Store is a handle on one on-disk record collection. Handles are cheap;
// every caller that mutates sessions gets its own and shares the same
// underlying file and lock.
type Store struct {
	dir     string
	path    string
	lock    lockfile.Lock
	timeout time.Duration
	poll    time.Duration
	logger  Logger
	alive   func(pid int) bool

	// mu serializes goroutines inside this process; the file lock only
	// arbitrates between processes.
	mu sync.Mutex
}

// Option customizes store construction.
type Option func(*Store)

// WithLogger routes diagnostics (corruption recovery, cleanup actions) to l.
func WithLogger(l Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLockTimeout overrides the bounded wait for the cross-process lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLock overrides the probed cross-process lock strategy.
func WithLock(l lockfile.Lock) Option {
	return func(s *Store) {
		if l != nil {
			s.lock = l
		}
	}
}

// WithAliveProbe lets tests control process-liveness answers.
func WithAliveProbe(probe func(pid int) bool) Option {
	return func(s *Store) {
		if probe != nil {
			s.alive = probe
		}
	}
}

// Open prepares a store handle rooted at dir, creating the directory if
// needed.
func Open(dir string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("state: empty store directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("state: ensure store directory: %w", err)
	}
	s := &Store{
		dir:     dir,
		path:    filepath.Join(dir, storeFileName),
		timeout: lockfile.DefaultTimeout,
		poll:    lockfile.DefaultPoll,
		logger:  nopLogger{},
		alive:   lockfile.ProcessAlive,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.lock == nil {
		s.lock = lockfile.New(filepath.Join(dir, lockFileName))
	}
	return s, nil
}

// Path returns the location of the collection file.
func (s *Store) Path() string { return s.path }

// Dir returns the store's root directory.
func (s *Store) Dir() string { return s.dir }

// Init makes sure the collection file exists and is well-formed, healing a
// corrupt file into an empty collection. Idempotent. The returned bool
// reports whether corruption recovery happened.
func (s *Store) Init() (bool, error) {
	healed := false
	err := s.withLock(func() error {
		records, recovered, err := s.load()
		if err != nil {
			return err
		}
		healed = recovered
		if _, err := os.Stat(s.path); os.IsNotExist(err) {
			return s.save(records)
		}
		return nil
	})
	return healed, err
}

// Get returns the record stored under name.
func (s *Store) Get(name string) (Record, error) {
	if err := validateName(name); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.withLock(func() error {
		records, _, err := s.load()
		if err != nil {
			return err
		}
		raw, ok := records[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("state: decode session %q: %w", name, err)
		}
		return nil
	})
	return rec, err
}

// Set merges a partial update into the record under name, creating it when
// absent. The mutate callback receives the current record; the name field
// is re-stamped afterwards so it can never drift.
func (s *Store) Set(name string, mutate func(*Record)) (Record, error) {
	if err := validateName(name); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.withLock(func() error {
		records, _, err := s.load()
		if err != nil {
			return err
		}
		if raw, ok := records[name]; ok {
			if err := json.Unmarshal(raw, &rec); err != nil {
				// A malformed record is replaced rather than crashing
				// the writer; the diagnostic is the best we can do.
				s.logger.Printf("state: replacing malformed record %q: %v", name, err)
				rec = Record{}
			}
		}
		if mutate != nil {
			mutate(&rec)
		}
		rec.Name = name
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("state: encode session %q: %w", name, err)
		}
		records[name] = raw
		return s.save(records)
	})
	return rec, err
}

// List returns every decodable record. Order is not part of the contract;
// records come back sorted by name for stable output.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.withLock(func() error {
		records, _, err := s.load()
		if err != nil {
			return err
		}
		for name, raw := range records {
			var rec Record
			if err := json.Unmarshal(raw, &rec); err != nil {
				s.logger.Printf("state: skipping malformed record %q: %v", name, err)
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the record under name and reports whether it existed.
func (s *Store) Delete(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	existed := false
	err := s.withLock(func() error {
		records, _, err := s.load()
		if err != nil {
			return err
		}
		if _, ok := records[name]; !ok {
			return nil
		}
		existed = true
		delete(records, name)
		return s.save(records)
	})
	return existed, err
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// withLock runs fn while holding both the in-process mutex and the
// cross-process lock.
func (s *Store) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := lockfile.Acquire(s.lock, s.timeout, s.poll); err != nil {
		return fmt.Errorf("state: lock store: %w", err)
	}
	defer func() {
		if err := s.lock.Release(); err != nil {
			s.logger.Printf("state: release lock: %v", err)
		}
	}()
	return fn()
}

// load reads the collection. Records stay raw so one malformed entry never
// poisons the rest. A file that cannot be parsed at all is recovered into
// an empty collection that is persisted immediately; the second return
// value reports that recovery. Callers already hold the lock.
func (s *Store) load() (map[string]json.RawMessage, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, false, nil
		}
		return nil, false, fmt.Errorf("state: read store: %w", err)
	}
	var records map[string]json.RawMessage
	if unmarshalErr := json.Unmarshal(data, &records); unmarshalErr != nil {
		s.logger.Printf("state: store file corrupt, reinitializing: %v", unmarshalErr)
		records = map[string]json.RawMessage{}
		if err := s.save(records); err != nil {
			return nil, true, err
		}
		return records, true, nil
	}
	if records == nil {
		records = map[string]json.RawMessage{}
	}
	return records, false, nil
}

// save serializes the whole collection to a uniquely-named temp file in the
// store directory and renames it into place.
func (s *Store) save(records map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("state: encode store: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, storeFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("state: create temp store: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: write temp store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("state: sync temp store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: close temp store: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: chmod temp store: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("state: replace store: %w", err)
	}
	return nil
}
