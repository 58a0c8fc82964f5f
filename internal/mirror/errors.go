package mirror

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/mirrorctl/condasync/internal/conda"
)

// Error classes.  Use errors.Is to test an error against them.
var (
	// ErrTransport marks connection, timeout and HTTP status failures.
	ErrTransport = errors.New("transport error")
	// ErrChecksumMismatch marks downloads whose content does not match
	// the declared digest.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrParse marks index and listing documents that cannot be decoded.
	ErrParse = errors.New("parse error")
	// ErrFilesystem marks failures to write, rename or remove local files.
	ErrFilesystem = errors.New("filesystem error")
	// ErrStalled marks transfers aborted by the minimum speed guard.
	ErrStalled = errors.New("transfer stalled")
)

// Outcome is the result class of a single transfer attempt.
type Outcome int

// Transfer outcomes.
const (
	OutcomeSuccess Outcome = iota
	OutcomeChecksumMismatch
	OutcomeTransportError
	OutcomeFilesystemError
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeChecksumMismatch:
		return "checksum_mismatch"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeFilesystemError:
		return "filesystem_error"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify maps an error returned by a transfer to its Outcome.
// Unclassified errors are reported as transport errors.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransport):
		return OutcomeCanceled
	case errors.Is(err, ErrChecksumMismatch):
		return OutcomeChecksumMismatch
	case errors.Is(err, ErrFilesystem):
		return OutcomeFilesystemError
	}
	return OutcomeTransportError
}

func transportError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrTransport)
}

func filesystemError(err error, format string, args ...interface{}) error {
	return errors.Mark(errors.Wrapf(err, format, args...), ErrFilesystem)
}

func parseError(err error, format string, args ...interface{}) error {
	if errors.Is(err, conda.ErrMalformed) || errors.Is(err, ErrParse) {
		return errors.Mark(errors.Wrapf(err, format, args...), ErrParse)
	}
	return filesystemError(err, format, args...)
}
