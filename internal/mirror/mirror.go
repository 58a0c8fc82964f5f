package mirror

import (
	"context"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	validID = regexp.MustCompile(`^[a-z0-9_-]+$`)
)

// IsValidID checks if the given ID is valid.
func IsValidID(id string) bool {
	return validID.MatchString(id)
}

// TreeTask is one remote directory to be mirrored into one local directory.
type TreeTask struct {
	MirrorID string
	Kind     string
	URL      string
	Dir      string
}

func (t TreeTask) String() string {
	return t.MirrorID + ":" + t.URL
}

// TreeResult summarizes the synchronization of one tree.
type TreeResult struct {
	Task TreeTask
	URL  string
	Dir  string

	// Bytes is the total size described by the index for repodata trees,
	// or the total size of local files for listing trees.
	Bytes      uint64
	Files      int
	Downloaded int
	Skipped    int
	Failed     int
	Deleted    int
	FullScan   bool

	Err error
}

// PlanTrees expands the configured mirrors into trees.  If ids is empty,
// all mirrors are planned.  Trees are ordered by mirror id, then by URL.
func PlanTrees(config *Config, ids []string) ([]TreeTask, error) {
	if len(ids) == 0 {
		for id := range config.Mirrors {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var tasks []TreeTask
	for _, id := range ids {
		mirrorConfig, ok := config.Mirrors[id]
		if !ok {
			return nil, errors.New("no such mirror: " + id)
		}
		if !IsValidID(id) {
			return nil, errors.New("invalid id: " + id)
		}
		if err := mirrorConfig.Check(); err != nil {
			return nil, errors.Wrap(err, id)
		}

		root := mirrorConfig.Path
		if root == "" {
			root = id
		}
		root = filepath.Join(config.Dir, filepath.FromSlash(root))

		if mirrorConfig.Kind == KindListing {
			tasks = append(tasks, TreeTask{
				MirrorID: id,
				Kind:     KindListing,
				URL:      mirrorConfig.URL.String(),
				Dir:      root,
			})
			continue
		}

		channels := mirrorConfig.Channels
		if len(channels) == 0 {
			channels = []string{""}
		}
		for _, channel := range channels {
			for _, arch := range mirrorConfig.Architectures {
				rel := arch
				if channel != "" {
					rel = channel + "/" + arch
				}
				tasks = append(tasks, TreeTask{
					MirrorID: id,
					Kind:     KindRepoData,
					URL:      mirrorConfig.Resolve(rel + "/").String(),
					Dir:      filepath.Join(root, filepath.FromSlash(rel)),
				})
			}
		}
	}
	return tasks, nil
}

// SyncTree runs the syncer matching task.Kind.
func SyncTree(ctx context.Context, config *Config, fetcher Fetcher, sampler Sampler, task TreeTask, prune bool) (*TreeResult, error) {
	var res *TreeResult
	err := ctx.Err()
	switch {
	case err != nil:
		err = errors.Wrap(err, task.URL)
	case task.Kind == KindRepoData:
		res, err = NewIndexedSyncer(config, fetcher).Sync(ctx, task.URL, task.Dir, prune)
	case task.Kind == KindListing:
		res, err = NewListingSyncer(config, fetcher, sampler).Sync(ctx, task.URL, task.Dir)
	default:
		err = errors.New("unknown kind: " + task.Kind)
	}
	if res == nil {
		res = &TreeResult{URL: task.URL, Dir: task.Dir}
	}
	res.Task = task
	res.Err = err
	return res, err
}

// parseBaseURL parses a directory URL and makes sure it ends with "/" so
// that ResolveReference keeps the last path element.
func parseBaseURL(s string) (*url.URL, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, errors.Wrap(err, "parse url")
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, errors.New("unsupported scheme: " + u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		if u.RawPath != "" {
			u.RawPath += "/"
		}
	}
	return u, nil
}

// resolve returns the URL of the file name in the directory base.
func resolve(base *url.URL, name string) string {
	return base.ResolveReference(&url.URL{Path: name}).String()
}
