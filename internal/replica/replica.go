package replica

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/papercli/papersync/internal/db"
	"github.com/papercli/papersync/internal/utils"
)

const (
	// DBFileName is the relational store inside a replica directory.
	DBFileName = "papers.db"
	// ArtifactsDirName holds the binary artifacts referenced by papers.pdf_path.
	ArtifactsDirName = "pdfs"
	// SyncLockFileName is the cross-host sync lock artifact.
	SyncLockFileName = ".papercli_sync.lock"

	openLockFileName = ".papers.db.lock"
)

var (
	// ErrReplicaBusy means another process on this host has the replica open.
	ErrReplicaBusy = errors.New("replica is in use by another process")
)

// Replica is a self-contained workspace: a papers.db relational store plus a
// pdfs/ directory of artifacts referenced by bare filename.
type Replica struct {
	Root         string
	DBPath       string
	ArtifactsDir string

	store *Store
	flock *flock.Flock
}

// Open prepares a replica directory for read/write access. It creates the
// layout if missing, takes a host-local advisory lock so two processes on one
// machine cannot write the same store, and opens papers.db.
func Open(rootDir string) (*Replica, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve replica path %s: %w", rootDir, err)
	}

	r := &Replica{
		Root:         root,
		DBPath:       filepath.Join(root, DBFileName),
		ArtifactsDir: filepath.Join(root, ArtifactsDirName),
	}

	if err := utils.EnsureDir(r.ArtifactsDir); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	// Host-local guard only. The cross-host sync lock artifact is separate;
	// flock does not survive network mounts, so a TryLock error (as opposed
	// to contention) is tolerated.
	r.flock = flock.New(filepath.Join(root, openLockFileName))
	locked, err := r.flock.TryLock()
	if err != nil {
		slog.Warn("replica flock unavailable", "path", r.flock.Path(), "error", err)
		r.flock = nil
	} else if !locked {
		return nil, fmt.Errorf("%w: %s", ErrReplicaBusy, root)
	}

	database, err := db.NewSqliteDB(db.WithPath(r.DBPath), db.WithMaxOpenConns(1))
	if err != nil {
		r.releaseFlock()
		return nil, fmt.Errorf("open %s: %w", r.DBPath, err)
	}

	store, err := NewStore(database)
	if err != nil {
		database.Close()
		r.releaseFlock()
		return nil, err
	}
	r.store = store

	return r, nil
}

// HasDB reports whether a replica directory already carries a papers.db.
// Used for the bootstrap shortcut before the remote side is opened.
func HasDB(rootDir string) bool {
	return utils.FileExists(filepath.Join(rootDir, DBFileName))
}

func (r *Replica) Store() *Store {
	return r.store
}

// SyncLockPath is where the sync lock artifact lives for this replica.
func (r *Replica) SyncLockPath() string {
	return filepath.Join(r.Root, SyncLockFileName)
}

// ArtifactPath resolves an artifact_ref to an absolute path. Absolute refs
// are returned unchanged; they are repaired during propagation.
func (r *Replica) ArtifactPath(ref string) string {
	if ref == "" {
		return ""
	}
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(r.ArtifactsDir, ref)
}

func (r *Replica) Close() error {
	var err error
	if r.store != nil {
		err = r.store.Close()
		r.store = nil
	}
	r.releaseFlock()
	return err
}

func (r *Replica) releaseFlock() {
	if r.flock == nil || !r.flock.Locked() {
		return
	}
	if err := r.flock.Unlock(); err != nil {
		slog.Warn("replica flock release", "path", r.flock.Path(), "error", err)
		return
	}
	os.Remove(r.flock.Path())
}
