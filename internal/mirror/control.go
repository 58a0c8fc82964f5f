package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"
)

const (
	lockFilename = ".lock"
)

// ErrLocked is returned by Run when another process holds the lock.
var ErrLocked = errors.New("another sync is running")

// Options changes the behavior of Run.
type Options struct {
	// Prune deletes package files absent from the index of repodata trees.
	Prune bool
	// Fetcher defaults to an HTTPClient built from the configuration.
	Fetcher Fetcher
	// Sampler defaults to DefaultSampler.
	Sampler Sampler
	// OnTreeDone is called after every tree, possibly from several
	// goroutines at once.
	OnTreeDone func(*TreeResult)
}

// Summary is the outcome of Run.
type Summary struct {
	Trees []*TreeResult
	// Bytes is the sum of the Bytes of every synced tree.
	Bytes uint64
}

// Failed returns the trees that ended with an error.
func (s *Summary) Failed() []*TreeResult {
	var failed []*TreeResult
	for _, t := range s.Trees {
		if t.Err != nil {
			failed = append(failed, t)
		}
	}
	return failed
}

// validateLockFilePath validates that a lock file path is within the
// configured directory.
func validateLockFilePath(lockFile, baseDir string) error {
	cleanLock := filepath.Clean(lockFile)
	cleanBase := filepath.Clean(baseDir)

	if strings.Contains(lockFile, "..") {
		return errors.New("unsafe lock file path (contains directory traversal): " + lockFile)
	}
	if filepath.Dir(cleanLock) != cleanBase {
		return errors.New("lock file path outside of base directory: " + lockFile)
	}
	return nil
}

// Run synchronizes the mirrors named by ids, or all mirrors if ids is empty.
//
// The first thing to do is to acquire flock on the lock file.  Trees are
// synced concurrently, at most config.MaxTrees at a time.  A failed tree
// never stops the others; the returned error joins the errors of every
// failed tree.  The returned Summary is non-nil whenever the trees were
// planned, even if some failed.
func Run(ctx context.Context, config *Config, ids []string, opts Options) (*Summary, error) {
	tasks, err := PlanTrees(config, ids)
	if err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, filesystemError(err, "Run")
	}
	lockFile := filepath.Join(config.Dir, lockFilename)
	if err := validateLockFilePath(lockFile, config.Dir); err != nil {
		return nil, errors.Wrap(err, "Run")
	}

	fileLock := flock.New(lockFile)
	locked, err := fileLock.TryLock()
	if err != nil {
		return nil, filesystemError(err, "Run: lock")
	}
	if !locked {
		return nil, errors.Wrap(ErrLocked, lockFile)
	}
	// The lock file is left in place so that every run locks the same inode.
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			slog.Warn("failed to unlock file", "error", err)
		}
	}()

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPClient(&config.HTTP)
	}
	sampler := opts.Sampler
	if sampler == nil {
		sampler = DefaultSampler
	}
	maxTrees := config.MaxTrees
	if maxTrees < 1 {
		maxTrees = 1
	}

	slog.Info("update starts", "trees", len(tasks), "max_trees", maxTrees)

	summary := &Summary{Trees: make([]*TreeResult, len(tasks))}
	var total atomic.Uint64
	var mu sync.Mutex
	var errs []error

	// Tree errors are collected, not returned, so that siblings keep going.
	g := new(errgroup.Group)
	g.SetLimit(maxTrees)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := SyncTree(ctx, config, fetcher, sampler, task, opts.Prune)
			summary.Trees[i] = res
			if err != nil {
				slog.Error("failed to sync tree", "repo", task.MirrorID, "tree", task.URL,
					"outcome", Classify(err).String(), "error", err)
				mu.Lock()
				errs = append(errs, errors.Wrapf(err, "%s: %s", task.MirrorID, task.URL))
				mu.Unlock()
			} else {
				total.Add(res.Bytes)
			}
			if opts.OnTreeDone != nil {
				opts.OnTreeDone(res)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Bytes = total.Load()
	slog.Info("update ends",
		"trees", len(tasks),
		"failed", len(errs),
		"total_size", humanize.Bytes(summary.Bytes))

	if len(errs) > 0 {
		return summary, errors.Join(errs...)
	}
	return summary, nil
}
