package sync

import (
	"fmt"
	"log/slog"
	"strings"
)

// Counts is a progress snapshot. When present on a progress event it
// supersedes any previous counters.
type Counts struct {
	RecordsTotal     int
	RecordsDone      int
	CollectionsTotal int
	CollectionsDone  int
	ArtifactsTotal   int
	ArtifactsDone    int
}

// ProgressFunc receives a phase message and optional counters.
type ProgressFunc func(message string, counts *Counts)

// TraceSink is an optional structured trace consumer; the engine never
// inspects what it emits.
type TraceSink interface {
	Trace(tag, details string)
}

type slogTrace struct{}

func (slogTrace) Trace(tag, details string) {
	slog.Debug("sync", "tag", tag, "details", details)
}

// Result accumulates what one sync applied, what it could not resolve, and
// what went wrong along the way.
type Result struct {
	RecordsAdded       int
	RecordsUpdated     int
	CollectionsAdded   int
	CollectionsUpdated int
	ArtifactsCopied    int
	ArtifactsUpdated   int

	// Conflicts is non-empty only when no resolver was supplied.
	Conflicts []*Conflict
	Details   []string
	Errors    []string
	Cancelled bool
}

func (r *Result) addError(err error) {
	slog.Warn("sync step failed", "error", err)
	r.Errors = append(r.Errors, err.Error())
}

func (r *Result) addDetail(line string) {
	r.Details = append(r.Details, line)
}

func (r *Result) changed() bool {
	return r.RecordsAdded+r.RecordsUpdated+
		r.CollectionsAdded+r.CollectionsUpdated+
		r.ArtifactsCopied+r.ArtifactsUpdated > 0
}

// Summary renders a one-line human summary of the sync outcome.
func (r *Result) Summary() string {
	if r.Cancelled {
		return "sync cancelled"
	}
	if len(r.Conflicts) > 0 {
		return fmt.Sprintf("%d unresolved conflicts", len(r.Conflicts))
	}
	if !r.changed() {
		return "no changes"
	}

	var parts []string
	add := func(n int, noun string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, plural(n, noun)))
		}
	}
	add(r.RecordsAdded, "record added")
	add(r.RecordsUpdated, "record updated")
	add(r.CollectionsAdded, "collection added")
	add(r.CollectionsUpdated, "collection updated")
	add(r.ArtifactsCopied, "file copied")
	add(r.ArtifactsUpdated, "file updated")
	return strings.Join(parts, ", ")
}

// plural pluralizes the noun of a "noun verbed" phrase: "record added" ->
// "records added".
func plural(n int, phrase string) string {
	if n == 1 {
		return phrase
	}
	noun, verb, ok := strings.Cut(phrase, " ")
	if !ok {
		return phrase + "s"
	}
	return noun + "s " + verb
}
