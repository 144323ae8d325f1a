package sync

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/papercli/papersync/internal/replica"
)

// remoteVersionSuffix marks a record inserted by a keep_both decision.
const remoteVersionSuffix = " (Remote Version)"

// copyPaper propagates one record from src to dst: snapshot the scalar
// fields minus the source id, fill missing timestamps, repair an absolute
// artifact_ref to a dst-relative one, then insert the row and rebuild the
// ordered author links from the rendered author string. The whole step is a
// single transaction inside the store.
func copyPaper(src *replica.Replica, dst *replica.Replica, p *replica.Paper) (int64, error) {
	authors, err := src.Store().AuthorsString(p.ID)
	if err != nil {
		return 0, err
	}

	clone := p.Clone()
	clone.ID = 0
	fillTimestamps(clone, time.Now())
	repairArtifactRef(clone, dst.ArtifactsDir)

	return dst.Store().InsertPaperWithAuthors(clone, replica.ParseAuthors(authors))
}

// applyKeepRemote overwrites the local record named by the conflict with the
// remote pair's fields and authorship.
func applyKeepRemote(local, remote *replica.Replica, c *Conflict) error {
	lp, err := local.Store().GetPaperByTitle(c.ItemID)
	if err != nil {
		return err
	}
	if lp == nil {
		return fmt.Errorf("record %q not found for keep_remote", c.ItemID)
	}

	rp, err := remotePaperByID(remote, c.RemoteID)
	if err != nil {
		return err
	}

	authors, err := remote.Store().AuthorsString(rp.ID)
	if err != nil {
		return err
	}

	src := rp.Clone()
	repairArtifactRef(src, local.ArtifactsDir)
	return local.Store().UpdatePaperWithAuthors(lp.ID, src, replica.ParseAuthors(authors))
}

// applyKeepBoth inserts the remote pair locally as a new record with a
// suffixed title, leaving the local record untouched.
func applyKeepBoth(local, remote *replica.Replica, c *Conflict) (int64, error) {
	rp, err := remotePaperByID(remote, c.RemoteID)
	if err != nil {
		return 0, err
	}

	authors, err := remote.Store().AuthorsString(rp.ID)
	if err != nil {
		return 0, err
	}

	clone := rp.Clone()
	clone.ID = 0
	clone.Title = rp.Title + remoteVersionSuffix
	fillTimestamps(clone, time.Now())
	repairArtifactRef(clone, local.ArtifactsDir)

	return local.Store().InsertPaperWithAuthors(clone, replica.ParseAuthors(authors))
}

func remotePaperByID(remote *replica.Replica, id int64) (*replica.Paper, error) {
	papers, err := remote.Store().ListPapers()
	if err != nil {
		return nil, err
	}
	for _, p := range papers {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("remote record %d not found", id)
}

func fillTimestamps(p *replica.Paper, now time.Time) {
	ts := now.UTC().Format(time.RFC3339)
	if replica.StrVal(p.AddedDate) == "" {
		p.AddedDate = &ts
	}
	if replica.StrVal(p.ModifiedDate) == "" {
		p.ModifiedDate = &ts
	}
}

// repairArtifactRef rewrites an absolute artifact_ref to a path relative to
// the target replica's artifact directory. On failure the ref is left as-is.
func repairArtifactRef(p *replica.Paper, artifactsDir string) {
	ref := replica.StrVal(p.PDFPath)
	if ref == "" || !filepath.IsAbs(ref) {
		return
	}
	rel, err := filepath.Rel(artifactsDir, ref)
	if err != nil {
		slog.Warn("cannot relativize artifact ref", "ref", ref, "error", err)
		return
	}
	p.PDFPath = &rel
}
