package conda

import (
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
)

// Index document names published at the root of every conda subdir.
const (
	RepoDataJSON        = "repodata.json"
	RepoDataBZ2         = "repodata.json.bz2"
	CurrentRepoDataJSON = "current_repodata.json"
)

// ErrMalformed marks index and listing documents that cannot be parsed.
var ErrMalformed = errors.New("malformed document")

// PackageMeta is the subset of a repodata record needed for mirroring.
type PackageMeta struct {
	Name   string `json:"name"`
	Size   uint64 `json:"size"`
	MD5    string `json:"md5,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
}

// Checksum returns the strongest digest declared for the package.
// A zero Checksum is returned if the record declares none.
func (pm *PackageMeta) Checksum() (Checksum, error) {
	switch {
	case pm.SHA256 != "":
		return ParseChecksum(pm.SHA256)
	case pm.MD5 != "":
		return ParseChecksum(pm.MD5)
	}
	return Checksum{}, nil
}

// RepoData is a decoded repodata.json document.
type RepoData struct {
	Packages      map[string]*PackageMeta `json:"packages"`
	PackagesConda map[string]*PackageMeta `json:"packages.conda,omitempty"`
}

// ParseRepoData decodes a repodata.json document.
func ParseRepoData(r io.Reader) (*RepoData, error) {
	rd := new(RepoData)
	if err := json.NewDecoder(r).Decode(rd); err != nil {
		return nil, errors.Mark(errors.Wrap(err, "ParseRepoData"), ErrMalformed)
	}
	if rd.Packages == nil {
		return nil, errors.Mark(errors.New("ParseRepoData: no \"packages\" object"), ErrMalformed)
	}
	return rd, nil
}

// Merge returns one filename to metadata mapping built from both
// "packages" and "packages.conda".  Records whose package name is in
// excluded are dropped.  A filename present in both maps takes the
// "packages.conda" record.
func (rd *RepoData) Merge(excluded mapset.Set[string]) map[string]*PackageMeta {
	merged := make(map[string]*PackageMeta, len(rd.Packages)+len(rd.PackagesConda))
	for _, m := range []map[string]*PackageMeta{rd.Packages, rd.PackagesConda} {
		for filename, meta := range m {
			if meta == nil {
				continue
			}
			if excluded != nil && excluded.Contains(meta.Name) {
				continue
			}
			merged[filename] = meta
		}
	}
	return merged
}

// SortedNames returns the keys of a merged mapping in lexical order.
func SortedNames(m map[string]*PackageMeta) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
