package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/papercli/papersync/internal/utils"
	"golang.org/x/sync/errgroup"
)

// hashIndexWorkers bounds concurrent file hashing per directory.
const hashIndexWorkers = 8

// buildHashIndex hashes every regular file in a directory, streaming each
// file with bounded parallelism. It returns the per-file hashes (filename ->
// content hash) plus an inverted dedup index (content hash -> filename,
// first name in directory order wins). The dedup index answers "does this
// content already exist here under any name"; the per-file map keeps files
// with duplicate content individually visible.
func buildHashIndex(ctx context.Context, dir string) (map[string]string, map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]string{}, map[string]string{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read artifacts dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	hashes := make([]string, len(names))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(hashIndexWorkers)
	for i, name := range names {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			h, err := utils.FileHash(filepath.Join(dir, name))
			if err != nil {
				return fmt.Errorf("hash %s: %w", name, err)
			}
			hashes[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	byName := make(map[string]string, len(names))
	byHash := make(map[string]string, len(names))
	for i, name := range names {
		byName[name] = hashes[i]
		if _, exists := byHash[hashes[i]]; !exists {
			byHash[hashes[i]] = name
		}
	}
	return byName, byHash, nil
}

// syncArtifacts reconciles the two artifact directories: copy files missing
// on the other side unless their content already exists there under any
// name, then apply artifact conflict decisions. Copy and hash failures are
// recorded and skipped; a bad file never aborts the phase.
func syncArtifacts(ctx context.Context, localDir, remoteDir string, conflicts []*Conflict, decisions map[string]Decision, res *Result, tick func()) {
	localFiles, localByHash, err := buildHashIndex(ctx, localDir)
	if err != nil {
		res.addError(fmt.Errorf("index %s: %w", localDir, err))
		return
	}
	remoteFiles, remoteByHash, err := buildHashIndex(ctx, remoteDir)
	if err != nil {
		res.addError(fmt.Errorf("index %s: %w", remoteDir, err))
		return
	}

	copyMissing(localDir, remoteDir, localFiles, remoteByHash, res, tick)
	copyMissing(remoteDir, localDir, remoteFiles, localByHash, res, tick)

	// Conflicted files exist by name on both sides, so both copyMissing
	// passes already ticked them; applying a decision does not tick again.
	for _, c := range conflicts {
		if c.Kind != ConflictArtifact {
			continue
		}
		src := filepath.Join(remoteDir, c.ItemID)
		switch decisions[c.Key()] {
		case KeepRemote:
			if err := utils.CopyFile(src, filepath.Join(localDir, c.ItemID)); err != nil {
				res.addError(fmt.Errorf("overwrite %s: %w", c.ItemID, err))
				continue
			}
			res.ArtifactsUpdated++
			res.addDetail(fmt.Sprintf("replaced %s with remote version", c.ItemID))
		case KeepBoth:
			dst := filepath.Join(localDir, remoteVariantName(c.ItemID))
			if err := utils.CopyFile(src, dst); err != nil {
				res.addError(fmt.Errorf("copy %s: %w", c.ItemID, err))
				continue
			}
			res.ArtifactsCopied++
			res.addDetail(fmt.Sprintf("kept both versions of %s", c.ItemID))
		}
	}
}

// copyMissing copies every srcDir file absent from dstDir by name whose
// content is also absent from dstDir under any name, preserving mtimes.
// Every file ticks once, copied or skipped. Files sharing content are each
// considered on their own; a name collision blocking one of them must not
// shadow the others.
func copyMissing(srcDir, dstDir string, srcFiles, dstByHash map[string]string, res *Result, tick func()) {
	names := make([]string, 0, len(srcFiles))
	for name := range srcFiles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		hash := srcFiles[name]
		dstPath := filepath.Join(dstDir, name)
		if utils.FileExists(dstPath) {
			tick()
			continue
		}
		if _, exists := dstByHash[hash]; exists {
			// same bytes already stored under a different name
			tick()
			continue
		}

		srcPath := filepath.Join(srcDir, name)
		if err := utils.CopyFile(srcPath, dstPath); err != nil {
			res.addError(fmt.Errorf("copy %s: %w", name, err))
			tick()
			continue
		}
		dstByHash[hash] = name
		res.ArtifactsCopied++
		res.addDetail(fmt.Sprintf("copied %s (%s)", name, humanize.Bytes(uint64(utils.FileSize(srcPath)))))
		tick()
	}
}

// countFiles counts the regular files in a directory; missing dirs count 0.
func countFiles(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			n++
		}
	}
	return n
}

// remoteVariantName turns "paper.pdf" into "paper_remote.pdf".
func remoteVariantName(name string) string {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return stem + "_remote" + ext
}
