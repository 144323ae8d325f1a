package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/papercli/papersync/internal/replica"
	"github.com/papercli/papersync/internal/utils"
)

// Progress phase messages, in emission order.
const (
	PhaseCreatingRemoteDir  = "creating-remote-dir"
	PhaseCheckingRemoteDB   = "checking-remote-db"
	PhaseDetectingConflicts = "detecting-conflicts"
	PhaseResolvingConflicts = "resolving-conflicts"
	PhaseSyncingRecords     = "syncing-records"
	PhaseSyncingCollections = "syncing-collections"
	PhaseSyncingArtifacts   = "syncing-artifacts"
	PhaseComplete           = "complete"
)

// Options configures one sync engine. Resolver and Progress cross the
// UI/core boundary; both are optional so the engine runs headless.
type Options struct {
	LocalDir  string
	RemoteDir string

	// Resolver decides conflicts. When nil, conflicts are reported on the
	// result and left unresolved (local state wins by default).
	Resolver Resolver

	// Progress receives phase messages and counters. Optional.
	Progress ProgressFunc

	// Trace receives structured trace events. Optional; defaults to slog.
	Trace TraceSink

	// AutoMode is accepted for compatibility with scheduled syncs. The
	// engine never propagates deletions regardless.
	AutoMode bool
}

// Engine reconciles two replicas on demand. One Sync call runs the full
// phase sequence: lock, bootstrap shortcut, match, detect, resolve,
// propagate records / collections / artifacts, unlock.
type Engine struct {
	opts  Options
	locks *LockManager
}

func New(opts Options) *Engine {
	if opts.Progress == nil {
		opts.Progress = func(string, *Counts) {}
	}
	if opts.Trace == nil {
		opts.Trace = slogTrace{}
	}
	return &Engine{
		opts:  opts,
		locks: NewLockManager(),
	}
}

// Sync runs one full synchronization and returns its result. Only lock
// contention and lock I/O failures abort with an error; everything else is
// collected on the result and the sync continues.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	tstart := time.Now()
	res := &Result{}

	localDir, err := utils.ResolvePath(e.opts.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("resolve local dir: %w", err)
	}
	remoteDir, err := utils.ResolvePath(e.opts.RemoteDir)
	if err != nil {
		return nil, fmt.Errorf("resolve remote dir: %w", err)
	}
	if !utils.DirExists(remoteDir) {
		e.progress(PhaseCreatingRemoteDir, nil)
		if err := utils.EnsureDir(remoteDir); err != nil {
			return nil, fmt.Errorf("create remote dir: %w", err)
		}
	}

	token, err := e.locks.Acquire(localDir, remoteDir)
	if err != nil {
		return nil, err
	}
	defer e.locks.Release(token)

	local, err := replica.Open(localDir)
	if err != nil {
		return nil, fmt.Errorf("open local replica: %w", err)
	}
	defer local.Close()

	e.progress(PhaseCheckingRemoteDB, nil)
	if !replica.HasDB(remoteDir) {
		e.trace("bootstrap", remoteDir)
		e.bootstrap(local, remoteDir, res)
		e.progress(PhaseComplete, nil)
		slog.Info("sync bootstrap", "took", time.Since(tstart), "summary", res.Summary())
		return res, nil
	}

	remote, err := replica.Open(remoteDir)
	if err != nil {
		return nil, fmt.Errorf("open remote replica: %w", err)
	}
	defer remote.Close()

	localPapers, err := local.Store().ListPapers()
	if err != nil {
		return nil, err
	}
	remotePapers, err := remote.Store().ListPapers()
	if err != nil {
		return nil, err
	}

	matches := NewMatcher(local, remote).Match(localPapers, remotePapers)
	e.trace("matched", fmt.Sprintf("%d pairs of %d local / %d remote", len(matches), len(localPapers), len(remotePapers)))

	e.progress(PhaseDetectingConflicts, nil)
	conflicts, err := e.detectConflicts(local, remote, localPapers, remotePapers, matches)
	if err != nil {
		res.addError(err)
	}

	e.progress(PhaseResolvingConflicts, nil)
	decisions, cancelled := e.resolve(conflicts, res)
	if cancelled {
		res.Cancelled = true
		slog.Info("sync cancelled by resolver")
		return res, nil
	}
	e.applyRecordDecisions(local, remote, conflicts, decisions, res)

	if e.opts.AutoMode {
		// Deletion propagation needs tombstones the stores do not keep;
		// auto mode syncs additively like a manual run.
		slog.Debug("auto mode: deletion handling skipped")
	}

	e.syncRecords(local, remote, localPapers, remotePapers, matches, res)
	e.syncCollections(local, remote, res)
	e.syncArtifactDirs(ctx, local, remote, conflicts, decisions, res)

	e.progress(PhaseComplete, nil)
	slog.Info("sync", "took", time.Since(tstart), "summary", res.Summary(), "errors", len(res.Errors))
	return res, nil
}

// bootstrap clones the local replica into an empty remote: snapshot the
// store, then copy every artifact.
func (e *Engine) bootstrap(local *replica.Replica, remoteDir string, res *Result) {
	// VACUUM INTO rather than a file copy: the local store is open in WAL
	// mode and its -wal file may carry pages the main file does not.
	if err := local.Store().CloneTo(filepath.Join(remoteDir, replica.DBFileName)); err != nil {
		res.addError(fmt.Errorf("clone store: %w", err))
		return
	}

	if n, err := local.Store().PaperCount(); err == nil {
		res.RecordsAdded = n
	}
	if cols, err := local.Store().ListCollections(); err == nil {
		res.CollectionsAdded = len(cols)
	}
	res.addDetail("cloned store to empty remote")

	entries, err := os.ReadDir(local.ArtifactsDir)
	if err != nil && !os.IsNotExist(err) {
		res.addError(fmt.Errorf("scan artifacts: %w", err))
		return
	}
	remoteArtifacts := filepath.Join(remoteDir, replica.ArtifactsDirName)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(local.ArtifactsDir, entry.Name())
		if err := utils.CopyFile(src, filepath.Join(remoteArtifacts, entry.Name())); err != nil {
			res.addError(fmt.Errorf("copy %s: %w", entry.Name(), err))
			continue
		}
		res.ArtifactsCopied++
	}
}

func (e *Engine) detectConflicts(local, remote *replica.Replica, localPapers, remotePapers []*replica.Paper, matches map[int64]int64) ([]*Conflict, error) {
	remoteByID := make(map[int64]*replica.Paper, len(remotePapers))
	for _, p := range remotePapers {
		remoteByID[p.ID] = p
	}

	var conflicts []*Conflict
	for _, lp := range localPapers {
		rid, ok := matches[lp.ID]
		if !ok {
			continue
		}
		rp := remoteByID[rid]

		localAuthors, err := local.Store().AuthorsString(lp.ID)
		if err != nil {
			return conflicts, err
		}
		remoteAuthors, err := remote.Store().AuthorsString(rp.ID)
		if err != nil {
			return conflicts, err
		}

		if c := detectRecordConflict(local, remote, lp, rp, localAuthors, remoteAuthors); c != nil {
			conflicts = append(conflicts, c)
		}
	}

	artifactConflicts, err := detectArtifactConflicts(local.ArtifactsDir, remote.ArtifactsDir)
	if err != nil {
		return conflicts, err
	}
	conflicts = append(conflicts, artifactConflicts...)

	e.trace("conflicts", fmt.Sprintf("%d detected", len(conflicts)))
	return conflicts, nil
}

// resolve hands conflicts to the resolver. With no resolver the conflicts
// are surfaced unresolved and local state wins by default. A cancelled
// resolver stops the sync before any propagation writes.
func (e *Engine) resolve(conflicts []*Conflict, res *Result) (map[string]Decision, bool) {
	if len(conflicts) == 0 {
		return nil, false
	}
	if e.opts.Resolver == nil {
		res.Conflicts = conflicts
		return nil, false
	}

	decisions, err := e.opts.Resolver.Resolve(conflicts)
	if err != nil || decisions == nil {
		if err != nil && !errors.Is(err, ErrSyncCancelled) {
			res.addError(fmt.Errorf("resolver: %w", err))
		}
		return nil, true
	}
	return decisions, false
}

func (e *Engine) applyRecordDecisions(local, remote *replica.Replica, conflicts []*Conflict, decisions map[string]Decision, res *Result) {
	for _, c := range conflicts {
		if c.Kind != ConflictRecord {
			continue
		}
		switch decisions[c.Key()] {
		case KeepRemote:
			if err := applyKeepRemote(local, remote, c); err != nil {
				res.addError(err)
				continue
			}
			res.RecordsUpdated++
			res.addDetail(fmt.Sprintf("updated record %q from remote", c.ItemID))
		case KeepBoth:
			if _, err := applyKeepBoth(local, remote, c); err != nil {
				res.addError(err)
				continue
			}
			res.RecordsAdded++
			res.addDetail(fmt.Sprintf("kept both versions of record %q", c.ItemID))
		}
	}
}

// syncRecords inserts unmatched records in the opposite direction. An item
// absent from one side has simply not been propagated yet; nothing is ever
// deleted.
func (e *Engine) syncRecords(local, remote *replica.Replica, localPapers, remotePapers []*replica.Paper, matches map[int64]int64, res *Result) {
	matchedRemote := make(map[int64]bool, len(matches))
	for _, rid := range matches {
		matchedRemote[rid] = true
	}

	var toRemote, toLocal []*replica.Paper
	for _, lp := range localPapers {
		if _, ok := matches[lp.ID]; !ok {
			toRemote = append(toRemote, lp)
		}
	}
	for _, rp := range remotePapers {
		if !matchedRemote[rp.ID] {
			toLocal = append(toLocal, rp)
		}
	}

	counts := &Counts{RecordsTotal: len(toRemote) + len(toLocal)}
	e.progress(PhaseSyncingRecords, counts)

	copyAll := func(src, dst *replica.Replica, papers []*replica.Paper, direction string) {
		for _, p := range papers {
			if _, err := copyPaper(src, dst, p); err != nil {
				res.addError(fmt.Errorf("copy record %q: %w", p.Title, err))
			} else {
				res.RecordsAdded++
				res.addDetail(fmt.Sprintf("added record %q %s", p.Title, direction))
			}
			counts.RecordsDone++
			e.progress(PhaseSyncingRecords, counts)
		}
	}
	copyAll(local, remote, toRemote, "to remote")
	copyAll(remote, local, toLocal, "from remote")
}

func (e *Engine) syncCollections(local, remote *replica.Replica, res *Result) {
	counts := &Counts{}
	if cols, err := local.Store().ListCollections(); err == nil {
		counts.CollectionsTotal += len(cols)
	}
	if cols, err := remote.Store().ListCollections(); err == nil {
		counts.CollectionsTotal += len(cols)
	}
	e.progress(PhaseSyncingCollections, counts)

	syncCollectionsOneWay(local, remote, res)
	syncCollectionsOneWay(remote, local, res)

	counts.CollectionsDone = counts.CollectionsTotal
	e.progress(PhaseSyncingCollections, counts)
}

func (e *Engine) syncArtifactDirs(ctx context.Context, local, remote *replica.Replica, conflicts []*Conflict, decisions map[string]Decision, res *Result) {
	counts := &Counts{ArtifactsTotal: countFiles(local.ArtifactsDir) + countFiles(remote.ArtifactsDir)}
	e.progress(PhaseSyncingArtifacts, counts)

	tick := func() {
		counts.ArtifactsDone++
		e.progress(PhaseSyncingArtifacts, counts)
	}
	syncArtifacts(ctx, local.ArtifactsDir, remote.ArtifactsDir, conflicts, decisions, res, tick)
}

func (e *Engine) progress(message string, counts *Counts) {
	e.opts.Progress(message, counts)
}

func (e *Engine) trace(tag, details string) {
	e.opts.Trace.Trace(tag, details)
}
