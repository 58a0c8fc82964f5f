package mirror

import (
	"bytes"
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/mirrorctl/condasync/internal/conda"
)

// ListingSyncer mirrors a directory that only publishes an HTML listing
// ordered newest first, such as the installer archives.
//
// Unless a run is picked as a full scan, scanning stops at the first entry
// whose local copy is confirmed fresh: every older entry is assumed to be
// present already.
type ListingSyncer struct {
	fetcher   Fetcher
	sampler   Sampler
	policy    RetryPolicy
	fullScanP float64
	verifyP   float64
}

// NewListingSyncer creates a ListingSyncer from config.  A nil sampler
// means DefaultSampler.
func NewListingSyncer(config *Config, fetcher Fetcher, sampler Sampler) *ListingSyncer {
	if sampler == nil {
		sampler = DefaultSampler
	}
	return &ListingSyncer{
		fetcher:   fetcher,
		sampler:   sampler,
		policy:    RetryPolicy{Attempts: config.Attempts, Interval: config.RetryInterval.Duration},
		fullScanP: config.Sampling.FullScan,
		verifyP:   config.Sampling.Verify,
	}
}

// Sync mirrors the listing at repoURL into destDir.  Failures to fetch or
// parse the listing are returned; per-file failures are logged, counted
// and skipped.  The result's Bytes is the total size of local files after
// the run.
func (s *ListingSyncer) Sync(ctx context.Context, repoURL, destDir string) (*TreeResult, error) {
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

	fullScan := chance(s.sampler, s.fullScanP)

	page, err := s.fetcher.Get(ctx, base.String())
	if err != nil {
		return nil, err
	}
	entries, err := conda.ParseListing(bytes.NewReader(page))
	if err != nil {
		return nil, parseError(err, "listing %s", base.String())
	}
	if len(entries) == 0 {
		log.Warn("listing has no entries")
	}

	res := &TreeResult{URL: base.String(), Dir: tree.Dir(), FullScan: fullScan}
	transferrer := NewTransferrer(s.fetcher, tree)

scan:
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		name := entry.Filename
		if err := validateName(name); err != nil {
			log.Warn("ignoring listing entry", "file", name, "error", err)
			continue
		}
		res.Files++
		u := resolve(base, name)

		local, err := tree.Stat(name)
		if err != nil {
			log.Error("failed to stat", "file", name, "error", err)
			res.Failed++
			continue
		}

		if local.Exists {
			var remote *RemoteFileState
			err := s.policy.Do(ctx, "probe", name, func() error {
				var err error
				remote, err = s.fetcher.Probe(ctx, u)
				return err
			})
			if err != nil {
				log.Error("failed to probe", "file", name, "error", err)
				res.Failed++
				continue
			}

			if s.fresh(tree, entry, local, remote) {
				log.Info("skipping", "file", name)
				res.Skipped++
				if !fullScan {
					log.Info("stop the scanning", "file", name)
					break scan
				}
				continue
			}

			log.Info("removing", "file", name)
			if err := tree.Remove(name); err != nil {
				log.Error("failed to remove stale file", "file", name, "error", err)
				res.Failed++
				continue
			}
		}

		if err := transferrer.Download(ctx, s.policy, u, name, listingChecksum(entry)); err != nil {
			if Classify(err) == OutcomeCanceled {
				return res, err
			}
			log.Error("failed to download", "file", name, "error", err)
			res.Failed++
			continue
		}
		res.Downloaded++
	}

	total, _, err := tree.Usage()
	if err != nil {
		return res, err
	}
	res.Bytes = total

	log.Info("tree synced",
		"full_scan", fullScan,
		"checked", res.Files,
		"total_size", humanize.Bytes(res.Bytes),
		"downloaded", res.Downloaded,
		"skipped", res.Skipped,
		"failed", res.Failed)
	return res, nil
}

// fresh judges whether the local copy of entry is current.  The size must
// match when the server advertises one and the modification time must be
// equal to Last-Modified.  The content is rehashed only on a sampled
// fraction of checks.
func (s *ListingSyncer) fresh(tree *Tree, entry conda.ListingEntry, local LocalFileState, remote *RemoteFileState) bool {
	if remote.ContentLength != nil && *remote.ContentLength != local.Size {
		return false
	}
	if remote.LastModified.IsZero() || !local.ModTime.Equal(remote.LastModified) {
		return false
	}
	if !chance(s.sampler, s.verifyP) {
		return true
	}

	sum := listingChecksum(entry)
	if sum.IsZero() {
		return false
	}
	ok, err := conda.VerifyFile(tree.Path(entry.Filename), sum)
	if err != nil {
		slog.Warn("failed to verify", "file", entry.Filename, "error", err)
		return false
	}
	if !ok {
		slog.Info("checksum differs from listing", "file", entry.Filename)
	}
	return ok
}

func listingChecksum(entry conda.ListingEntry) conda.Checksum {
	if entry.Checksum == "" {
		return conda.Checksum{}
	}
	sum, err := conda.ParseChecksum(entry.Checksum)
	if err != nil {
		slog.Warn("ignoring invalid checksum", "file", entry.Filename, "error", err)
		return conda.Checksum{}
	}
	return sum
}
