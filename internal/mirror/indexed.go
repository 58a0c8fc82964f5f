package mirror

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/mirrorctl/condasync/internal/conda"
)

type fileAction int

const (
	actionSkipped fileAction = iota
	actionDownloaded
	actionFailed
)

// IndexedSyncer mirrors a conda subdir that publishes repodata.json.
type IndexedSyncer struct {
	fetcher  Fetcher
	excluded mapset.Set[string]
	patterns []string
	policy   RetryPolicy
	workers  int
}

// NewIndexedSyncer creates an IndexedSyncer from config.
func NewIndexedSyncer(config *Config, fetcher Fetcher) *IndexedSyncer {
	workers := config.TransfersPerTree
	if workers < 1 {
		workers = 1
	}
	return &IndexedSyncer{
		fetcher:  fetcher,
		excluded: mapset.NewSet(config.ExcludedPackages...),
		patterns: config.PackagePatterns,
		policy:   RetryPolicy{Attempts: config.Attempts, Interval: config.RetryInterval.Duration},
		workers:  workers,
	}
}

// Sync mirrors repoURL into destDir.
//
// Package files are synchronized first and the index documents are
// published last, so a published index never lists a package that was
// not yet attempted.  Per-file failures are logged and counted in the
// result; only failures to fetch or decode the mandatory index documents
// are returned as errors.  With prune, local package files absent from
// the index are deleted afterwards.
func (s *IndexedSyncer) Sync(ctx context.Context, repoURL, destDir string, prune bool) (*TreeResult, error) {
	base, err := parseBaseURL(repoURL)
	if err != nil {
		return nil, err
	}
	tree, err := OpenTree(destDir)
	if err != nil {
		return nil, err
	}

	log := slog.With("tree", base.String())
	log.Info("start syncing")

	staging, err := tree.NewStaging()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			log.Warn("failed to remove staging directory", "dir", staging, "error", err)
		}
	}()

	indices, err := s.fetchIndices(ctx, base, staging)
	if err != nil {
		return nil, err
	}

	rd, err := readRepoData(filepath.Join(staging, conda.RepoDataJSON))
	if err != nil {
		return nil, err
	}
	entries := rd.Merge(s.excluded)

	res := &TreeResult{URL: base.String(), Dir: tree.Dir()}
	desired := mapset.NewThreadUnsafeSet[string]()
	transferrer := NewTransferrer(s.fetcher, tree)

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.workers)

	for _, name := range conda.SortedNames(entries) {
		meta := entries[name]
		if err := validateName(name); err != nil {
			log.Warn("ignoring index entry", "file", name, "error", err)
			continue
		}

		if ctx.Err() != nil {
			break
		}

		mu.Lock()
		res.Files++
		res.Bytes += meta.Size
		mu.Unlock()
		desired.Add(name)

		g.Go(func() error {
			action, err := s.syncFile(ctx, transferrer, base, name, meta)
			mu.Lock()
			defer mu.Unlock()
			switch action {
			case actionSkipped:
				res.Skipped++
			case actionDownloaded:
				res.Downloaded++
			case actionFailed:
				res.Failed++
				if Classify(err) != OutcomeCanceled {
					log.Error("failed to download", "file", name, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}

	for _, name := range indices {
		if err := tree.Publish(filepath.Join(staging, name), name); err != nil {
			return res, errors.Wrapf(err, "publish %s", name)
		}
	}
	if err := tree.Sync(); err != nil {
		return res, err
	}

	if prune {
		deleted, err := s.prune(tree, desired)
		res.Deleted = deleted
		if err != nil {
			return res, err
		}
	}

	log.Info("tree synced",
		"files", res.Files,
		"total_size", humanize.Bytes(res.Bytes),
		"downloaded", res.Downloaded,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"deleted", res.Deleted)
	return res, nil
}

// syncFile brings one package file up to date.  Size equality is the
// only freshness signal; matching files are never rehashed.
func (s *IndexedSyncer) syncFile(ctx context.Context, tr *Transferrer, base *url.URL, name string, meta *conda.PackageMeta) (fileAction, error) {
	st, err := tr.tree.Stat(name)
	if err != nil {
		return actionFailed, err
	}
	if st.Exists {
		if st.Size == meta.Size {
			slog.Debug("skipping", "file", name)
			return actionSkipped, nil
		}
		if err := tr.tree.Remove(name); err != nil {
			return actionFailed, err
		}
	}

	sum, err := meta.Checksum()
	if err != nil {
		slog.Warn("ignoring invalid checksum", "file", name, "error", err)
		sum = conda.Checksum{}
	}

	if err := tr.Download(ctx, s.policy, resolve(base, name), name, sum); err != nil {
		return actionFailed, err
	}
	return actionDownloaded, nil
}

// fetchIndices downloads the index documents into staging and returns the
// names of the documents to publish.  The latest-only variant is optional.
func (s *IndexedSyncer) fetchIndices(ctx context.Context, base *url.URL, staging string) ([]string, error) {
	var names []string
	for _, name := range []string{conda.RepoDataJSON, conda.RepoDataBZ2} {
		if err := s.fetcher.Fetch(ctx, resolve(base, name), filepath.Join(staging, name)); err != nil {
			return nil, errors.Wrapf(err, "fetch %s", name)
		}
		names = append(names, name)
	}

	if err := s.fetchOptional(ctx, base, staging, conda.CurrentRepoDataJSON); err != nil {
		slog.Debug("optional index not available", "tree", base.String(), "file", conda.CurrentRepoDataJSON, "error", err)
	} else {
		names = append(names, conda.CurrentRepoDataJSON)
	}
	return names, nil
}

func (s *IndexedSyncer) fetchOptional(ctx context.Context, base *url.URL, staging, name string) error {
	dst := filepath.Join(staging, name)
	if err := s.fetcher.Fetch(ctx, resolve(base, name), dst); err != nil {
		removeTemp(dst)
		return err
	}
	return nil
}

// prune deletes local package files that are not in desired.
func (s *IndexedSyncer) prune(tree *Tree, desired mapset.Set[string]) (int, error) {
	local, err := tree.PackageFiles(s.patterns)
	if err != nil {
		return 0, err
	}

	orphans := mapset.NewThreadUnsafeSet(local...).Difference(desired).ToSlice()
	sort.Strings(orphans)

	deleted := 0
	for _, name := range orphans {
		slog.Info("deleting", "file", name, "dir", tree.Dir())
		if err := tree.Remove(name); err != nil {
			slog.Warn("failed to delete", "file", name, "error", err)
			continue
		}
		deleted++
	}
	slog.Info("files deleted", "dir", tree.Dir(), "count", deleted)
	return deleted, nil
}

func readRepoData(p string) (*conda.RepoData, error) {
	f, err := os.Open(p) // #nosec G304 - p is inside the staging directory
	if err != nil {
		return nil, filesystemError(err, "read %s", filepath.Base(p))
	}
	defer f.Close()

	rd, err := conda.ParseRepoData(f)
	if err != nil {
		return nil, parseError(err, "read %s", filepath.Base(p))
	}
	return rd, nil
}
