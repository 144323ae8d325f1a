package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/papercli/papersync/internal/replica"
	"github.com/papercli/papersync/internal/utils"
)

// ErrSyncCancelled is returned by a Resolver to abort the sync before any
// propagation writes happen.
var ErrSyncCancelled = errors.New("sync cancelled")

type ConflictKind string

const (
	ConflictRecord   ConflictKind = "record"
	ConflictArtifact ConflictKind = "artifact"
)

// Decision is a resolver's choice for one conflict.
type Decision string

const (
	KeepLocal  Decision = "keep_local"
	KeepRemote Decision = "keep_remote"
	KeepBoth   Decision = "keep_both"
)

// FieldDiff is one differing field of a matched pair.
type FieldDiff struct {
	Local  string
	Remote string
}

// Conflict is a matched record pair, or a same-named artifact pair, whose
// content differs materially. ItemID is the local title for records and the
// filename for artifacts.
type Conflict struct {
	Kind        ConflictKind
	ItemID      string
	LocalID     int64
	RemoteID    int64
	Differences map[string]FieldDiff
}

// Key identifies a conflict in a resolver's decision map.
func (c *Conflict) Key() string {
	return string(c.Kind) + ":" + c.ItemID
}

// Resolver crosses the UI/core boundary: it is handed the full conflict list
// and returns a decision per conflict key. Returning ErrSyncCancelled (or a
// nil map) aborts the sync with no propagation.
type Resolver interface {
	Resolve(conflicts []*Conflict) (map[string]Decision, error)
}

// FixedResolver resolves every conflict with the same decision. Useful for
// headless syncs and tests.
type FixedResolver Decision

func (fr FixedResolver) Resolve(conflicts []*Conflict) (map[string]Decision, error) {
	decisions := make(map[string]Decision, len(conflicts))
	for _, c := range conflicts {
		decisions[c.Key()] = Decision(fr)
	}
	return decisions, nil
}

// recordFields renders the comparison field set of a paper. Empty and NULL
// are both rendered "" so they compare equal.
func recordFields(p *replica.Paper, authors string) map[string]string {
	year := ""
	if p.Year != nil {
		year = strconv.FormatInt(*p.Year, 10)
	}
	return map[string]string{
		"title":         p.Title,
		"abstract":      replica.StrVal(p.Abstract),
		"venue_full":    replica.StrVal(p.VenueFull),
		"venue_acronym": replica.StrVal(p.VenueAcronym),
		"year":          year,
		"volume":        replica.StrVal(p.Volume),
		"issue":         replica.StrVal(p.Issue),
		"pages":         replica.StrVal(p.Pages),
		"paper_type":    replica.StrVal(p.PaperType),
		"doi":           replica.StrVal(p.DOI),
		"preprint_id":   replica.StrVal(p.PreprintID),
		"category":      replica.StrVal(p.Category),
		"url":           replica.StrVal(p.URL),
		"notes":         replica.StrVal(p.Notes),
		"authors":       authors,
	}
}

// detectRecordConflict compares a matched pair field by field, plus the
// rendered author order and, when both sides reference existing artifact
// files, the artifact content. Returns nil when nothing differs.
func detectRecordConflict(local, remote *replica.Replica, lp, rp *replica.Paper, localAuthors, remoteAuthors string) *Conflict {
	diffs := make(map[string]FieldDiff)

	lf := recordFields(lp, localAuthors)
	rf := recordFields(rp, remoteAuthors)
	for field, lv := range lf {
		rv := rf[field]
		if field == "title" {
			// titles that normalized equal were paired on that basis;
			// punctuation and case variants are not a material difference
			if normalizeTitle(lv) != normalizeTitle(rv) {
				diffs[field] = FieldDiff{Local: lv, Remote: rv}
			}
			continue
		}
		if lv != rv {
			diffs[field] = FieldDiff{Local: lv, Remote: rv}
		}
	}

	lpath := local.ArtifactPath(replica.StrVal(lp.PDFPath))
	rpath := remote.ArtifactPath(replica.StrVal(rp.PDFPath))
	if lpath != "" && rpath != "" && utils.FileExists(lpath) && utils.FileExists(rpath) {
		lhash, lerr := utils.FileHash(lpath)
		rhash, rerr := utils.FileHash(rpath)
		if lerr == nil && rerr == nil && lhash != rhash {
			diffs["artifact"] = FieldDiff{Local: lhash, Remote: rhash}
		}
	}

	if len(diffs) == 0 {
		return nil
	}
	return &Conflict{
		Kind:        ConflictRecord,
		ItemID:      lp.Title,
		LocalID:     lp.ID,
		RemoteID:    rp.ID,
		Differences: diffs,
	}
}

// detectArtifactConflicts scans both artifact directories for files present
// under the same name whose hashes or sizes differ.
func detectArtifactConflicts(localDir, remoteDir string) ([]*Conflict, error) {
	entries, err := os.ReadDir(localDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifacts %s: %w", localDir, err)
	}

	var conflicts []*Conflict
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		lpath := filepath.Join(localDir, name)
		rpath := filepath.Join(remoteDir, name)
		if !utils.FileExists(rpath) {
			continue
		}

		lsize, rsize := utils.FileSize(lpath), utils.FileSize(rpath)
		lhash, lerr := utils.FileHash(lpath)
		rhash, rerr := utils.FileHash(rpath)
		if lerr != nil || rerr != nil {
			continue
		}
		if lhash == rhash && lsize == rsize {
			continue
		}

		conflicts = append(conflicts, &Conflict{
			Kind:   ConflictArtifact,
			ItemID: name,
			Differences: map[string]FieldDiff{
				"hash": {Local: lhash, Remote: rhash},
				"size": {Local: strconv.FormatInt(lsize, 10), Remote: strconv.FormatInt(rsize, 10)},
			},
		})
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ItemID < conflicts[j].ItemID })
	return conflicts, nil
}
