// Package lock implements crash-tolerant mutual exclusion over lock files.
//
// A lock is a file created with O_CREATE|O_EXCL, which every POSIX and
// network filesystem guarantees to succeed for exactly one creator. The
// file body records who holds the lock and since when, so a sweeper can
// reclaim locks whose holders died.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrAlreadyHeld is returned by Acquire when another holder owns the lock.
	ErrAlreadyHeld = errors.New("lock already held")
	// ErrNotHolder is returned by Release when the caller does not own the lock.
	ErrNotHolder = errors.New("lock not held by caller")
)

// ExclusiveClass is the reserved lock name shared by every task that is not
// parallel safe. Holding it serializes those tasks across all workers.
const ExclusiveClass = "exclusive"

const lockSuffix = ".lock"

// Record is the JSON body of a lock file.
type Record struct {
	TaskID     string `json:"task_id"`
	Holder     string `json:"holder"`
	AcquiredAt string `json:"acquired_at"`
}

// Manager owns a directory of lock files.
type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

func (m *Manager) path(name string) string {
	return filepath.Join(m.dir, name+lockSuffix)
}

// Acquire creates the lock file for name, failing with ErrAlreadyHeld if it
// exists. Creation is atomic: of N concurrent callers exactly one wins.
func (m *Manager) Acquire(name, holder string) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}

	f, err := os.OpenFile(m.path(name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyHeld, name)
		}
		return fmt.Errorf("create lock file: %w", err)
	}

	rec := Record{
		TaskID:     name,
		Holder:     holder,
		AcquiredAt: time.Now().UTC().Format(time.RFC3339),
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(rec); err != nil {
		f.Close()
		os.Remove(m.path(name))
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(m.path(name))
		return fmt.Errorf("sync lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(m.path(name))
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// Release removes the lock for name after verifying the caller holds it.
// A missing lock file also yields ErrNotHolder.
func (m *Manager) Release(name, holder string) error {
	rec, err := m.read(name)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s (no lock file)", ErrNotHolder, name)
		}
		return err
	}
	if rec.Holder != holder {
		return fmt.Errorf("%w: %s held by %s", ErrNotHolder, name, rec.Holder)
	}

	if err := os.Remove(m.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Holder returns the current holder of name, or "" if the lock is free.
func (m *Manager) Holder(name string) (string, error) {
	rec, err := m.read(name)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return rec.Holder, nil
}

// List returns every live lock record, sorted by directory order.
func (m *Manager) List() ([]Record, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read locks dir: %w", err)
	}

	var records []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), lockSuffix)
		rec, err := m.read(name)
		if err != nil {
			// Unreadable records still represent held locks; surface
			// them with what we know.
			records = append(records, Record{TaskID: name})
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// ReclaimStale removes every lock older than threshold, plus locks whose
// records cannot be parsed. It is idempotent: losing a removal race to
// another sweeper is not an error. Returns the names reclaimed.
func (m *Manager) ReclaimStale(threshold time.Duration) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read locks dir: %w", err)
	}

	now := time.Now().UTC()
	var reclaimed []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), lockSuffix)

		rec, err := m.read(name)
		stale := false
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			// Corrupt record: the holder can never release it cleanly.
			stale = true
		} else {
			acquiredAt, perr := time.Parse(time.RFC3339, rec.AcquiredAt)
			if perr != nil || now.Sub(acquiredAt) > threshold {
				stale = true
			}
		}
		if !stale {
			continue
		}

		if err := os.Remove(m.path(name)); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return reclaimed, fmt.Errorf("remove stale lock %s: %w", name, err)
		}
		reclaimed = append(reclaimed, name)
	}
	return reclaimed, nil
}

func (m *Manager) read(name string) (Record, error) {
	content, err := os.ReadFile(m.path(name))
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(content, &rec); err != nil {
		return Record{}, fmt.Errorf("parse lock record %s: %w", name, err)
	}
	return rec, nil
}
