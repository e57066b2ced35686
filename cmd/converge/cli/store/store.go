// Package store provides concurrency-safe access to the engine's JSONL
// logs. Appends and updates serialize through an exclusive advisory lock
// on a sidecar .lock file, so concurrent hook processes cannot tear lines
// or lose increments. Updates rewrite through a temporary sibling and
// rename into place.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrLockTimeout means the sidecar lock could not be acquired within
	// the retry budget.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotFound means no record with the requested ID exists.
	ErrNotFound = errors.New("record not found")
)

// Lock retry schedule: the delay doubles each attempt, capped.
const (
	maxLockAttempts  = 20
	initialLockDelay = 100 * time.Millisecond
	maxLockDelay     = 2 * time.Second
)

// WithLock runs fn while holding an exclusive flock on path's sidecar
// lock file. The lock is released (and the handle closed) before return.
func WithLock(path string, fn func() error) error {
	return WithLockAt(path+".lock", fn)
}

// WithLockAt is WithLock with an explicit lock-file location, for data
// files that live outside the engine's directory layout where a sidecar
// would clutter the user's tree.
func WithLockAt(lockPath string, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o750); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600) //nolint:gosec // sidecar of a layout path
	if err != nil {
		return fmt.Errorf("opening lock file: %w", err)
	}
	defer f.Close()

	delay := initialLockDelay
	acquired := false
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			acquired = true
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) && !errors.Is(err, syscall.EAGAIN) {
			return fmt.Errorf("flock %s: %w", lockPath, err)
		}
		time.Sleep(delay)
		delay *= 2
		if delay > maxLockDelay {
			delay = maxLockDelay
		}
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}

// Append serializes record to one JSON line and appends it under the
// lock. Serialization happens before the lock is taken so a bad record
// fails fast without blocking other writers.
func Append(path string, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing record: %w", err)
	}
	return WithLock(path, func() error {
		return appendLineLocked(path, line)
	})
}

// AppendLocked appends a pre-serialized record. The caller must already
// hold the lock for path (capture uses this inside its dedup section).
func AppendLocked(path string, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing record: %w", err)
	}
	return appendLineLocked(path, line)
}

func appendLineLocked(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // layout path
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

// ReadAll returns every parseable record in the file as a generic map,
// in order. Corrupt lines are reported to stderr and skipped; a missing
// file yields an empty slice.
func ReadAll(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path) //nolint:gosec // layout path
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var records []map[string]any
	for i, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(trimmed, &record); err != nil {
			fmt.Fprintf(os.Stderr, "[convergence-engine] Warning: corrupt JSONL at %s:%d, skipping\n", path, i+1)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// FindByID linearly scans for the first record whose "id" equals id.
func FindByID(path, id string) (map[string]any, error) {
	records, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r["id"] == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Update applies a shallow patch to the first record matching id, then
// atomically rewrites the file under the lock. Unparsable lines keep
// their positions byte-for-byte. Returns ErrNotFound when no record
// matches; the file is untouched in that case.
func Update(path, id string, patch map[string]any) error {
	return WithLock(path, func() error {
		return UpdateLocked(path, id, patch)
	})
}

// UpdateLocked is Update for callers already holding the lock.
func UpdateLocked(path, id string, patch map[string]any) error {
	data, err := os.ReadFile(path) //nolint:gosec // layout path
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	patched := false
	for i, line := range lines {
		if patched || strings.TrimSpace(line) == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue // preserved as-is
		}
		if record["id"] != id {
			continue
		}
		for k, v := range patch {
			record[k] = v
		}
		updated, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("serializing patched record: %w", err)
		}
		lines[i] = string(updated)
		patched = true
	}
	if !patched {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return RewriteLocked(path, strings.Join(lines, "\n")+"\n")
}

// RewriteLocked replaces path's contents via a temporary sibling and
// rename. The caller must hold the lock. The temp file is removed on
// failure so a crashed rewrite leaves the original intact.
func RewriteLocked(path, content string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600) //nolint:gosec // sibling of layout path
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
