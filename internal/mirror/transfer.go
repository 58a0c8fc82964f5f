package mirror

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/condasync/internal/conda"
)

// Transferrer downloads single files into a Tree.
type Transferrer struct {
	fetcher Fetcher
	tree    *Tree
}

// NewTransferrer creates a Transferrer publishing into tree.
func NewTransferrer(fetcher Fetcher, tree *Tree) *Transferrer {
	return &Transferrer{fetcher: fetcher, tree: tree}
}

// Transfer downloads remoteURL to the in-flight path of name, verifies it
// against want unless want is zero, and renames it onto name.
//
// On any failure the in-flight file is removed and name is left untouched.
// Use Classify on the returned error to obtain the Outcome.
func (t *Transferrer) Transfer(ctx context.Context, remoteURL, name string, want conda.Checksum) error {
	if err := validateName(name); err != nil {
		return errors.Mark(err, ErrFilesystem)
	}

	tmp := t.tree.TempPath(name)
	err := t.fetcher.Fetch(ctx, remoteURL, tmp)
	if err != nil {
		removeTemp(tmp)
		if !errors.Is(err, ErrTransport) && !errors.Is(err, ErrFilesystem) {
			err = errors.Mark(err, ErrTransport)
		}
		return err
	}

	if !want.IsZero() {
		ok, err := conda.VerifyFile(tmp, want)
		if err != nil {
			removeTemp(tmp)
			return filesystemError(err, "verify %s", name)
		}
		if !ok {
			removeTemp(tmp)
			return errors.Mark(errors.Newf("%s: content does not match %s", name, want), ErrChecksumMismatch)
		}
	}

	if err := t.tree.Publish(tmp, name); err != nil {
		removeTemp(tmp)
		return err
	}
	return nil
}

// Download runs Transfer under policy.
func (t *Transferrer) Download(ctx context.Context, policy RetryPolicy, remoteURL, name string, want conda.Checksum) error {
	return policy.Do(ctx, "download", name, func() error {
		slog.Info("downloading", "file", name)
		return t.Transfer(ctx, remoteURL, name, want)
	})
}

func removeTemp(p string) {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove temp file", "file", p, "error", err)
	}
}
