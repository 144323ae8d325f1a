package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/papercli/papersync/internal/replica"
	"github.com/papercli/papersync/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedReplica opens a replica directory, hands it to fn for setup, and
// closes it so the engine can take it over.
func seedReplica(t *testing.T, dir string, fn func(r *replica.Replica)) {
	t.Helper()
	r, err := replica.Open(dir)
	require.NoError(t, err)
	if fn != nil {
		fn(r)
	}
	require.NoError(t, r.Close())
}

// inspect reopens a replica for assertions and closes it afterwards.
func inspect(t *testing.T, dir string, fn func(r *replica.Replica)) {
	t.Helper()
	r, err := replica.Open(dir)
	require.NoError(t, err)
	defer r.Close()
	fn(r)
}

func runSync(t *testing.T, localDir, remoteDir string, resolver Resolver) *Result {
	t.Helper()
	engine := New(Options{
		LocalDir:  localDir,
		RemoteDir: remoteDir,
		Resolver:  resolver,
	})
	res, err := engine.Sync(context.Background())
	require.NoError(t, err)
	return res
}

func TestSync_BootstrapClone(t *testing.T) {
	localDir := t.TempDir()
	remoteDir := filepath.Join(t.TempDir(), "remote")

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title:   "A",
			DOI:     replica.StrPtr("10/a"),
			PDFPath: replica.StrPtr("a.pdf"),
		}, []string{"Jane Doe"})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(r.ArtifactsDir, "a.pdf"), []byte("pdf bytes"), 0o644))
	})

	res := runSync(t, localDir, remoteDir, nil)
	assert.Equal(t, 1, res.RecordsAdded)
	assert.Equal(t, 1, res.ArtifactsCopied)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Errors)

	localHash, err := utils.FileHash(filepath.Join(localDir, "pdfs", "a.pdf"))
	require.NoError(t, err)
	remoteHash, err := utils.FileHash(filepath.Join(remoteDir, "pdfs", "a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, localHash, remoteHash)

	inspect(t, remoteDir, func(r *replica.Replica) {
		p, err := r.Store().GetPaperByTitle("A")
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, "10/a", replica.StrVal(p.DOI))
		authors, err := r.Store().AuthorsString(p.ID)
		require.NoError(t, err)
		assert.Equal(t, "Jane Doe", authors)
	})
}

func TestSync_DOIMatchNoDifferences(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "X", DOI: replica.StrPtr("10/x")}, nil)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "X", DOI: replica.StrPtr("10/x")}, nil)
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, nil)
	assert.Empty(t, res.Conflicts)
	assert.Zero(t, res.RecordsAdded)
	assert.Zero(t, res.RecordsUpdated)
	assert.Equal(t, "no changes", res.Summary())
}

func TestSync_DivergentAbstract_NoResolver(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Y", DOI: replica.StrPtr("10/y"), Abstract: replica.StrPtr("foo"),
		}, nil)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Y", DOI: replica.StrPtr("10/y"), Abstract: replica.StrPtr("bar"),
		}, nil)
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, nil)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, FieldDiff{Local: "foo", Remote: "bar"}, res.Conflicts[0].Differences["abstract"])
	assert.Zero(t, res.RecordsUpdated)
	assert.Equal(t, "1 unresolved conflicts", res.Summary())

	// no propagation: the local abstract is untouched
	inspect(t, localDir, func(r *replica.Replica) {
		p, err := r.Store().GetPaperByTitle("Y")
		require.NoError(t, err)
		assert.Equal(t, "foo", replica.StrVal(p.Abstract))
	})
}

func TestSync_DivergentAbstract_KeepRemote(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Y", DOI: replica.StrPtr("10/y"), Abstract: replica.StrPtr("foo"),
		}, nil)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Y", DOI: replica.StrPtr("10/y"), Abstract: replica.StrPtr("bar"),
		}, nil)
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, FixedResolver(KeepRemote))
	assert.Equal(t, 1, res.RecordsUpdated)
	assert.Empty(t, res.Conflicts)

	inspect(t, localDir, func(r *replica.Replica) {
		p, err := r.Store().GetPaperByTitle("Y")
		require.NoError(t, err)
		assert.Equal(t, "bar", replica.StrVal(p.Abstract))
	})
}

func TestSync_FuzzyTitleMatch_NoConflict(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "Attention Is All You Need"}, nil)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "Attention is all you need."}, nil)
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, nil)
	assert.Empty(t, res.Conflicts)
	assert.Zero(t, res.RecordsAdded)
	assert.Zero(t, res.RecordsUpdated)
}

func TestSync_KeepBothRecord(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "Z"}, nil)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Z", Abstract: replica.StrPtr("new"),
		}, nil)
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, FixedResolver(KeepBoth))
	assert.Equal(t, 1, res.RecordsAdded)

	inspect(t, localDir, func(r *replica.Replica) {
		papers, err := r.Store().ListPapers()
		require.NoError(t, err)
		require.Len(t, papers, 2)
		assert.Equal(t, "Z", papers[0].Title)
		assert.Equal(t, "Z (Remote Version)", papers[1].Title)
		assert.Equal(t, "new", replica.StrVal(papers[1].Abstract))
	})
}

func TestSync_RemoteOnlyRecordAppearsLocally(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, nil)
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Remote Paper",
			Year:  func() *int64 { y := int64(2024); return &y }(),
		}, []string{"A One", "B Two", "C Three"})
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, nil)
	assert.Equal(t, 1, res.RecordsAdded)

	inspect(t, localDir, func(r *replica.Replica) {
		p, err := r.Store().GetPaperByTitle("Remote Paper")
		require.NoError(t, err)
		require.NotNil(t, p)

		authors, err := r.Store().AuthorsString(p.ID)
		require.NoError(t, err)
		assert.Equal(t, "A One, B Two, C Three", authors)

		positions, err := r.Store().AuthorPositions(p.ID)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 1, 2}, positions)

		// timestamps were filled during propagation
		assert.NotEmpty(t, replica.StrVal(p.AddedDate))
		assert.NotEmpty(t, replica.StrVal(p.ModifiedDate))
	})
}

func TestSync_CollectionsPropagateByName(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		paperID, err := r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "P"}, nil)
		require.NoError(t, err)
		colID, err := r.Store().InsertCollection(&replica.Collection{
			Name:        "to-read",
			Description: replica.StrPtr("queue"),
		})
		require.NoError(t, err)
		_, err = r.Store().EnsureMembership(paperID, colID)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, nil)

	res := runSync(t, localDir, remoteDir, nil)
	assert.Equal(t, 1, res.RecordsAdded)
	assert.Equal(t, 1, res.CollectionsAdded)

	inspect(t, remoteDir, func(r *replica.Replica) {
		c, err := r.Store().GetCollectionByName("to-read")
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Equal(t, "queue", replica.StrVal(c.Description))

		titles, err := r.Store().CollectionPaperTitles(c.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"P"}, titles)
	})
}

func TestSync_Idempotent(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		paperID, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title:   "A",
			DOI:     replica.StrPtr("10/a"),
			PDFPath: replica.StrPtr("a.pdf"),
		}, []string{"Jane Doe"})
		require.NoError(t, err)
		colID, err := r.Store().InsertCollection(&replica.Collection{Name: "read"})
		require.NoError(t, err)
		_, err = r.Store().EnsureMembership(paperID, colID)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(r.ArtifactsDir, "a.pdf"), []byte("pdf"), 0o644))
	})
	seedReplica(t, remoteDir, nil)

	first := runSync(t, localDir, remoteDir, nil)
	assert.True(t, first.changed())

	second := runSync(t, localDir, remoteDir, nil)
	assert.Zero(t, second.RecordsAdded)
	assert.Zero(t, second.RecordsUpdated)
	assert.Zero(t, second.CollectionsAdded)
	assert.Zero(t, second.CollectionsUpdated)
	assert.Zero(t, second.ArtifactsCopied)
	assert.Zero(t, second.ArtifactsUpdated)
	assert.Equal(t, "no changes", second.Summary())
}

func TestSync_ArtifactDedupUnderRename(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		require.NoError(t, os.WriteFile(filepath.Join(r.ArtifactsDir, "paper.pdf"), []byte("same content"), 0o644))
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		require.NoError(t, os.WriteFile(filepath.Join(r.ArtifactsDir, "other.pdf"), []byte("same content"), 0o644))
	})

	res := runSync(t, localDir, remoteDir, nil)
	assert.Zero(t, res.ArtifactsCopied)
	assert.NoFileExists(t, filepath.Join(remoteDir, "pdfs", "paper.pdf"))
	assert.NoFileExists(t, filepath.Join(localDir, "pdfs", "other.pdf"))
}

func TestSync_BusyWhenLockHeld(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()
	seedReplica(t, localDir, nil)
	seedReplica(t, remoteDir, nil)

	writeLockFile(t, lockPath(localDir), os.Getpid(), time.Now().UTC().Format(time.RFC3339))

	engine := New(Options{LocalDir: localDir, RemoteDir: remoteDir})
	_, err := engine.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncBusy)
}

func TestSync_LocksReleasedAfterRun(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()
	seedReplica(t, localDir, nil)
	seedReplica(t, remoteDir, nil)

	runSync(t, localDir, remoteDir, nil)
	assert.NoFileExists(t, lockPath(localDir))
	assert.NoFileExists(t, lockPath(remoteDir))
}

func TestSync_CancelledResolver(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()

	seedReplica(t, localDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Y", DOI: replica.StrPtr("10/y"), Abstract: replica.StrPtr("foo"),
		}, nil)
		require.NoError(t, err)
		_, err = r.Store().InsertPaperWithAuthors(&replica.Paper{Title: "Local Only"}, nil)
		require.NoError(t, err)
	})
	seedReplica(t, remoteDir, func(r *replica.Replica) {
		_, err := r.Store().InsertPaperWithAuthors(&replica.Paper{
			Title: "Y", DOI: replica.StrPtr("10/y"), Abstract: replica.StrPtr("bar"),
		}, nil)
		require.NoError(t, err)
	})

	res := runSync(t, localDir, remoteDir, cancellingResolver{})
	assert.True(t, res.Cancelled)
	assert.Equal(t, "sync cancelled", res.Summary())

	// cancellation precedes all propagation: the local-only record stayed local
	inspect(t, remoteDir, func(r *replica.Replica) {
		p, err := r.Store().GetPaperByTitle("Local Only")
		require.NoError(t, err)
		assert.Nil(t, p)
	})
}

type cancellingResolver struct{}

func (cancellingResolver) Resolve([]*Conflict) (map[string]Decision, error) {
	return nil, ErrSyncCancelled
}

func TestSync_ProgressPhases(t *testing.T) {
	localDir, remoteDir := t.TempDir(), t.TempDir()
	seedReplica(t, localDir, nil)
	seedReplica(t, remoteDir, nil)

	var phases []string
	engine := New(Options{
		LocalDir:  localDir,
		RemoteDir: remoteDir,
		Progress: func(message string, _ *Counts) {
			if len(phases) == 0 || phases[len(phases)-1] != message {
				phases = append(phases, message)
			}
		},
	})
	_, err := engine.Sync(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		PhaseCheckingRemoteDB,
		PhaseDetectingConflicts,
		PhaseResolvingConflicts,
		PhaseSyncingRecords,
		PhaseSyncingCollections,
		PhaseSyncingArtifacts,
		PhaseComplete,
	}, phases)
}
