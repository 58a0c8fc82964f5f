package conda

import (
	"bytes"
	"crypto/md5" // #nosec G501 - MD5 required for conda channel compatibility
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
)

// chunkSize is the read size used when hashing files on disk.
const chunkSize = 1 << 20

// Algorithm identifies a digest algorithm declared by a conda channel.
type Algorithm int

// Supported digest algorithms.
const (
	AlgorithmNone Algorithm = iota
	AlgorithmMD5
	AlgorithmSHA256
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmMD5:
		return "md5"
	case AlgorithmSHA256:
		return "sha256"
	}
	return "none"
}

func (a Algorithm) newHash() hash.Hash {
	switch a {
	case AlgorithmMD5:
		return md5.New() // #nosec G401 - MD5 required for conda channel compatibility
	case AlgorithmSHA256:
		return sha256.New()
	}
	return nil
}

// Checksum is a digest value together with the algorithm that produced it.
// The zero value means "no checksum to be checked".
type Checksum struct {
	Algorithm Algorithm
	Sum       []byte
}

// ParseChecksum decodes a hex digest.  The algorithm is inferred from the
// digest length: 32 hex characters for MD5, 64 for SHA-256.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	var algo Algorithm
	switch len(s) {
	case hex.EncodedLen(md5.Size):
		algo = AlgorithmMD5
	case hex.EncodedLen(sha256.Size):
		algo = AlgorithmSHA256
	default:
		return Checksum{}, errors.Newf("unrecognized checksum %q", s)
	}
	sum, err := hex.DecodeString(s)
	if err != nil {
		return Checksum{}, errors.Wrapf(err, "checksum %q", s)
	}
	return Checksum{Algorithm: algo, Sum: sum}, nil
}

// IsZero returns true if c carries no digest.
func (c Checksum) IsZero() bool {
	return c.Algorithm == AlgorithmNone || len(c.Sum) == 0
}

// Equal returns true if c and t have the same algorithm and digest.
func (c Checksum) Equal(t Checksum) bool {
	return c.Algorithm == t.Algorithm && bytes.Equal(c.Sum, t.Sum)
}

// String returns "<algorithm>:<hex digest>".
func (c Checksum) String() string {
	if c.IsZero() {
		return "none"
	}
	return c.Algorithm.String() + ":" + hex.EncodeToString(c.Sum)
}

// CopyWithChecksum copies from src to dst until either EOF is reached
// on src or an error occurs, and returns the digest computed while copying
// along with the number of bytes copied.
func CopyWithChecksum(dst io.Writer, src io.Reader, algo Algorithm) (Checksum, int64, error) {
	h := algo.newHash()
	if h == nil {
		return Checksum{}, 0, errors.Newf("unsupported algorithm %s", algo)
	}

	buf := make([]byte, chunkSize)
	n, err := io.CopyBuffer(io.MultiWriter(h, dst), src, buf)
	if err != nil {
		return Checksum{}, n, err
	}
	return Checksum{Algorithm: algo, Sum: h.Sum(nil)}, n, nil
}

// FileChecksum streams the file at p through algo without loading it
// into memory.
func FileChecksum(p string, algo Algorithm) (Checksum, error) {
	f, err := os.Open(p) // #nosec G304 - p is a path inside the mirror tree
	if err != nil {
		return Checksum{}, err
	}
	defer f.Close()

	sum, _, err := CopyWithChecksum(io.Discard, f, algo)
	if err != nil {
		return Checksum{}, errors.Wrap(err, "FileChecksum: "+p)
	}
	return sum, nil
}

// VerifyFile returns true if the file at p hashes to want.
func VerifyFile(p string, want Checksum) (bool, error) {
	if want.IsZero() {
		return false, errors.New("VerifyFile: no checksum given for " + p)
	}
	got, err := FileChecksum(p, want.Algorithm)
	if err != nil {
		return false, err
	}
	return got.Equal(want), nil
}
