package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/papercli/papersync/internal/replica"
	"github.com/shirou/gopsutil/v4/process"
)

// staleLockAge is how old a lock artifact may get before any caller may
// reclaim it, live owner or not.
const staleLockAge = 1800 * time.Second

var (
	// ErrSyncBusy means another sync currently holds a replica's lock.
	ErrSyncBusy = errors.New("sync already in progress")
)

// lockInfo is the JSON payload of a sync lock artifact. Extra fields may be
// added; other tools treat the file as opaque.
type lockInfo struct {
	PID       int    `json:"process_id"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"timestamp"`
}

// LockToken identifies one successful acquisition across both replicas.
type LockToken struct {
	ID    string
	paths []string
}

// LockManager implements cooperative mutual exclusion over a replica pair
// using per-replica lock artifacts. Locks are advisory: artifacts left by a
// dead or stalled process are reclaimed on the next acquisition.
type LockManager struct {
	// injectable for tests
	now      func() time.Time
	pidAlive func(int) bool
}

func NewLockManager() *LockManager {
	return &LockManager{
		now:      time.Now,
		pidAlive: pidAlive,
	}
}

// Acquire takes the sync lock on both replica directories, local first. If
// either side is held by a live recent owner, any artifact already written is
// rolled back and ErrSyncBusy is returned.
func (lm *LockManager) Acquire(localDir, remoteDir string) (*LockToken, error) {
	token := &LockToken{ID: uuid.NewString()}

	for _, dir := range []string{localDir, remoteDir} {
		path := filepath.Join(dir, replica.SyncLockFileName)

		if err := lm.reclaimOrFail(path); err != nil {
			lm.Release(token)
			return nil, err
		}

		if err := lm.writeLock(path); err != nil {
			lm.Release(token)
			return nil, fmt.Errorf("create lock artifact %s: %w", path, err)
		}
		token.paths = append(token.paths, path)
	}

	slog.Debug("sync locks acquired", "token", token.ID)
	return token, nil
}

// Release removes the token's lock artifacts. Best-effort and idempotent:
// missing files and I/O errors are swallowed, the locks are advisory.
func (lm *LockManager) Release(token *LockToken) {
	if token == nil {
		return
	}
	for _, path := range token.paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("release sync lock", "path", path, "error", err)
		}
	}
	token.paths = nil
}

// reclaimOrFail inspects an existing lock artifact. Malformed, stale, or
// dead-owner artifacts are removed; a fresh artifact with a live owner yields
// ErrSyncBusy.
func (lm *LockManager) reclaimOrFail(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		slog.Warn("unreadable sync lock, reclaiming", "path", path, "error", err)
		os.Remove(path)
		return nil
	}

	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		slog.Warn("malformed sync lock, reclaiming", "path", path, "error", err)
		os.Remove(path)
		return nil
	}

	created, err := parseLockTime(info.Timestamp)
	if err != nil {
		slog.Warn("sync lock with bad timestamp, reclaiming", "path", path, "value", info.Timestamp)
		os.Remove(path)
		return nil
	}

	if lm.now().Sub(created) > staleLockAge {
		slog.Info("stale sync lock, reclaiming", "path", path, "age", lm.now().Sub(created))
		os.Remove(path)
		return nil
	}

	if !lm.pidAlive(info.PID) {
		slog.Info("sync lock owner is gone, reclaiming", "path", path, "pid", info.PID)
		os.Remove(path)
		return nil
	}

	return fmt.Errorf("%w: held by pid %d on %s", ErrSyncBusy, info.PID, info.Hostname)
}

func (lm *LockManager) writeLock(path string) error {
	hostname, _ := os.Hostname()
	info := lockInfo{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Timestamp: lm.now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// parseLockTime accepts RFC3339 (what this engine writes) plus the naive
// local-time ISO strings written by earlier deployments.
func parseLockTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05",
	}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// pidAlive reports whether the lock owner process still exists. An error
// from the platform check counts as alive; never steal a lock on a guess.
func pidAlive(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return exists
}
