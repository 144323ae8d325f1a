package sync

import (
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/papercli/papersync/internal/replica"
	"github.com/papercli/papersync/internal/utils"
)

const (
	// titleFloor is the minimum title score below which no match is possible.
	titleFloor = 0.7
	// matchThreshold is the minimum overall similarity for a pairing.
	matchThreshold = 0.8
)

// Matcher pairs records across two replicas by content similarity; the
// replicas share no identifiers, so doi/preprint/url equality and title
// overlap are all there is to go on.
type Matcher struct {
	local  *replica.Replica
	remote *replica.Replica

	// content hashes of artifact files, keyed by absolute path
	hashCache map[string]string
}

func NewMatcher(local, remote *replica.Replica) *Matcher {
	return &Matcher{
		local:     local,
		remote:    remote,
		hashCache: make(map[string]string),
	}
}

// Match computes a greedy best-effort bijection localID -> remoteID. Each
// remote record is claimed by at most one local record. Enumeration is in
// ascending id order on both sides, so the result is deterministic.
func (m *Matcher) Match(localPapers, remotePapers []*replica.Paper) map[int64]int64 {
	matches := make(map[int64]int64)
	used := make(map[int64]bool)

	// exact-identifier indexes short-circuit the quadratic scan
	byDOI := indexBy(remotePapers, func(p *replica.Paper) string { return replica.StrVal(p.DOI) })
	byPreprint := indexBy(remotePapers, func(p *replica.Paper) string { return replica.StrVal(p.PreprintID) })
	byURL := indexBy(remotePapers, func(p *replica.Paper) string { return replica.StrVal(p.URL) })

	sorted := make([]*replica.Paper, len(localPapers))
	copy(sorted, localPapers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	remoteSorted := make([]*replica.Paper, len(remotePapers))
	copy(remoteSorted, remotePapers)
	sort.Slice(remoteSorted, func(i, j int) bool { return remoteSorted[i].ID < remoteSorted[j].ID })

	for _, lp := range sorted {
		if rp := lookupExact(lp, byDOI, byPreprint, byURL, used); rp != nil {
			matches[lp.ID] = rp.ID
			used[rp.ID] = true
			continue
		}

		var best *replica.Paper
		bestScore := matchThreshold
		for _, rp := range remoteSorted {
			if used[rp.ID] {
				continue
			}
			if score := m.Similarity(lp, rp); score > bestScore {
				best = rp
				bestScore = score
			}
		}
		if best != nil {
			matches[lp.ID] = best.ID
			used[best.ID] = true
		}
	}

	return matches
}

// Similarity scores a candidate pair in [0, 1]. Identifier equality wins
// outright; otherwise the title score gates everything and an artifact score
// can only raise it.
func (m *Matcher) Similarity(lp, rp *replica.Paper) float64 {
	if eq(lp.DOI, rp.DOI) || eq(lp.PreprintID, rp.PreprintID) || eq(lp.URL, rp.URL) {
		return 1
	}

	t := titleScore(lp.Title, rp.Title)
	if t < titleFloor {
		return 0
	}

	p, ok := m.artifactScore(lp, rp)
	if !ok {
		return t
	}
	if blended := (t + p) / 2; blended > t {
		return blended
	}
	return t
}

// normalizeTitle folds the title variations that do not distinguish papers:
// case, outer whitespace, a trailing period.
func normalizeTitle(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.TrimSuffix(s, ".")
}

// titleScore compares normalized titles: equality, containment, then
// word-set overlap against the larger set.
func titleScore(a, b string) float64 {
	a = normalizeTitle(a)
	b = normalizeTitle(b)

	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 0.85
	}

	wa := mapset.NewSet(strings.Fields(a)...)
	wb := mapset.NewSet(strings.Fields(b)...)
	maxLen := wa.Cardinality()
	if wb.Cardinality() > maxLen {
		maxLen = wb.Cardinality()
	}
	if maxLen == 0 {
		return 0
	}

	overlap := float64(wa.Intersect(wb).Cardinality()) / float64(maxLen)
	if overlap > titleFloor {
		return overlap
	}
	return 0
}

// artifactScore compares the two records' referenced artifact files when both
// exist: identical content scores 1, similar sizes 0.8, otherwise undefined.
func (m *Matcher) artifactScore(lp, rp *replica.Paper) (float64, bool) {
	lpath := m.local.ArtifactPath(replica.StrVal(lp.PDFPath))
	rpath := m.remote.ArtifactPath(replica.StrVal(rp.PDFPath))
	if lpath == "" || rpath == "" || !utils.FileExists(lpath) || !utils.FileExists(rpath) {
		return 0, false
	}

	lhash, lerr := m.hash(lpath)
	rhash, rerr := m.hash(rpath)
	if lerr == nil && rerr == nil && lhash == rhash {
		return 1, true
	}

	lsize, rsize := utils.FileSize(lpath), utils.FileSize(rpath)
	if lsize > 0 && rsize > 0 {
		minSize, maxSize := lsize, rsize
		if minSize > maxSize {
			minSize, maxSize = maxSize, minSize
		}
		if float64(minSize)/float64(maxSize) >= 0.8 {
			return 0.8, true
		}
	}

	return 0, false
}

func (m *Matcher) hash(path string) (string, error) {
	if h, ok := m.hashCache[path]; ok {
		return h, nil
	}
	h, err := utils.FileHash(path)
	if err != nil {
		return "", err
	}
	m.hashCache[path] = h
	return h, nil
}

func eq(a, b *string) bool {
	return replica.StrVal(a) != "" && replica.StrVal(a) == replica.StrVal(b)
}

func indexBy(papers []*replica.Paper, key func(*replica.Paper) string) map[string]*replica.Paper {
	idx := make(map[string]*replica.Paper)
	for _, p := range papers {
		if k := key(p); k != "" {
			if _, exists := idx[k]; !exists {
				idx[k] = p
			}
		}
	}
	return idx
}

func lookupExact(lp *replica.Paper, byDOI, byPreprint, byURL map[string]*replica.Paper, used map[int64]bool) *replica.Paper {
	for _, probe := range []struct {
		val string
		idx map[string]*replica.Paper
	}{
		{replica.StrVal(lp.DOI), byDOI},
		{replica.StrVal(lp.PreprintID), byPreprint},
		{replica.StrVal(lp.URL), byURL},
	} {
		if probe.val == "" {
			continue
		}
		if rp, ok := probe.idx[probe.val]; ok && !used[rp.ID] {
			return rp
		}
	}
	return nil
}
