package sync

import (
	"fmt"
	"log/slog"

	"github.com/papercli/papersync/internal/replica"
)

// syncCollectionsOneWay propagates collections and memberships from src to
// dst. Collections pair by unique name; memberships transfer by exact title
// match only, a deliberately narrower rule than the record matcher so a
// fuzzy pairing never rewires collection membership.
func syncCollectionsOneWay(src, dst *replica.Replica, res *Result) {
	collections, err := src.Store().ListCollections()
	if err != nil {
		res.addError(fmt.Errorf("list collections: %w", err))
		return
	}

	for _, c := range collections {
		existing, err := dst.Store().GetCollectionByName(c.Name)
		if err != nil {
			res.addError(err)
			continue
		}

		var dstID int64
		created := false
		if existing == nil {
			dstID, err = dst.Store().InsertCollection(&replica.Collection{
				Name:        c.Name,
				Description: c.Description,
				CreatedDate: c.CreatedDate,
			})
			if err != nil {
				res.addError(err)
				continue
			}
			created = true
			res.CollectionsAdded++
			res.addDetail(fmt.Sprintf("added collection %q", c.Name))
		} else {
			dstID = existing.ID
		}

		linked, err := copyMemberships(src, dst, c.ID, dstID)
		if err != nil {
			res.addError(err)
			continue
		}
		if linked > 0 && !created {
			res.CollectionsUpdated++
			res.addDetail(fmt.Sprintf("collection %q: %d new memberships", c.Name, linked))
		}
	}
}

// copyMemberships ensures every paper of the source collection is linked in
// the destination collection, matching papers by exact title. Inserts are
// idempotent; papers absent on the destination are skipped.
func copyMemberships(src, dst *replica.Replica, srcID, dstID int64) (int, error) {
	titles, err := src.Store().CollectionPaperTitles(srcID)
	if err != nil {
		return 0, err
	}

	linked := 0
	for _, title := range titles {
		p, err := dst.Store().GetPaperByTitle(title)
		if err != nil {
			return linked, err
		}
		if p == nil {
			slog.Debug("membership skipped, no title match", "title", title)
			continue
		}
		added, err := dst.Store().EnsureMembership(p.ID, dstID)
		if err != nil {
			return linked, err
		}
		if added {
			linked++
		}
	}
	return linked, nil
}
