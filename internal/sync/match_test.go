package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/papercli/papersync/internal/replica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPair(t *testing.T) (*replica.Replica, *replica.Replica) {
	t.Helper()
	local, err := replica.Open(t.TempDir())
	require.NoError(t, err)
	remote, err := replica.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

func TestTitleScore(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"equal after normalization", "Attention Is All You Need", "  attention is all you need ", 1},
		{"substring", "attention is all you need", "attention is all", 0.85},
		{"high word overlap", "deep residual learning for image recognition", "deep residual learning for recognition", 5.0 / 6.0},
		{"low overlap is zeroed", "one two three four five", "six seven eight nine ten", 0},
		{"empty title", "", "anything", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, titleScore(tt.a, tt.b), 1e-9)
		})
	}
}

func TestSimilarity_IdentifierShortCircuit(t *testing.T) {
	local, remote := openPair(t)
	m := NewMatcher(local, remote)

	lp := &replica.Paper{Title: "completely different", DOI: replica.StrPtr("10/x")}
	rp := &replica.Paper{Title: "titles here", DOI: replica.StrPtr("10/x")}
	assert.Equal(t, 1.0, m.Similarity(lp, rp))

	lp = &replica.Paper{Title: "a", PreprintID: replica.StrPtr("2406.0001")}
	rp = &replica.Paper{Title: "b", PreprintID: replica.StrPtr("2406.0001")}
	assert.Equal(t, 1.0, m.Similarity(lp, rp))

	// empty identifiers never match each other
	lp = &replica.Paper{Title: "a"}
	rp = &replica.Paper{Title: "b"}
	assert.Equal(t, 0.0, m.Similarity(lp, rp))
}

func TestSimilarity_TitleFloorGatesArtifactScore(t *testing.T) {
	local, remote := openPair(t)

	// identical artifact content on both sides
	lpath := filepath.Join(local.ArtifactsDir, "a.pdf")
	rpath := filepath.Join(remote.ArtifactsDir, "b.pdf")
	require.NoError(t, os.WriteFile(lpath, []byte("same bytes"), 0o644))
	require.NoError(t, os.WriteFile(rpath, []byte("same bytes"), 0o644))

	m := NewMatcher(local, remote)
	lp := &replica.Paper{Title: "one two three", PDFPath: replica.StrPtr("a.pdf")}
	rp := &replica.Paper{Title: "four five six", PDFPath: replica.StrPtr("b.pdf")}

	// no title overlap: the artifact score must not rescue the pair
	assert.Equal(t, 0.0, m.Similarity(lp, rp))
}

func TestSimilarity_ArtifactScoreRaisesTitleScore(t *testing.T) {
	local, remote := openPair(t)

	lpath := filepath.Join(local.ArtifactsDir, "a.pdf")
	rpath := filepath.Join(remote.ArtifactsDir, "b.pdf")
	require.NoError(t, os.WriteFile(lpath, []byte("same bytes"), 0o644))
	require.NoError(t, os.WriteFile(rpath, []byte("same bytes"), 0o644))

	m := NewMatcher(local, remote)
	lp := &replica.Paper{Title: "neural machine translation by jointly learning", PDFPath: replica.StrPtr("a.pdf")}
	rp := &replica.Paper{Title: "neural machine translation by jointly aligning", PDFPath: replica.StrPtr("b.pdf")}

	title := titleScore(lp.Title, rp.Title)
	require.Greater(t, title, 0.7)
	require.Less(t, title, 1.0)

	// hash equality gives P=1, blended (T+1)/2 > T
	assert.InDelta(t, (title+1)/2, m.Similarity(lp, rp), 1e-9)
}

func TestMatch_GreedyUniqueAndDeterministic(t *testing.T) {
	local, remote := openPair(t)
	m := NewMatcher(local, remote)

	localPapers := []*replica.Paper{
		{ID: 1, Title: "attention is all you need"},
		{ID: 2, Title: "attention is all you need"},
	}
	remotePapers := []*replica.Paper{
		{ID: 10, Title: "attention is all you need"},
		{ID: 11, Title: "attention is all you need"},
	}

	matches := m.Match(localPapers, remotePapers)
	assert.Equal(t, map[int64]int64{1: 10, 2: 11}, matches)
}

func TestMatch_BelowThresholdUnmatched(t *testing.T) {
	local, remote := openPair(t)
	m := NewMatcher(local, remote)

	matches := m.Match(
		[]*replica.Paper{{ID: 1, Title: "generative adversarial networks"}},
		[]*replica.Paper{{ID: 2, Title: "support vector machines explained"}},
	)
	assert.Empty(t, matches)
}

func TestMatch_DOIBeatsWeakTitle(t *testing.T) {
	local, remote := openPair(t)
	m := NewMatcher(local, remote)

	matches := m.Match(
		[]*replica.Paper{{ID: 1, Title: "short title", DOI: replica.StrPtr("10/y")}},
		[]*replica.Paper{{ID: 7, Title: "a completely unrelated name", DOI: replica.StrPtr("10/y")}},
	)
	assert.Equal(t, map[int64]int64{1: 7}, matches)
}
