package mirror

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
)

// fixedSampler always draws the same value.
type fixedSampler float64

func (s fixedSampler) Float64() float64 {
	return float64(s)
}

// testConfig returns a configuration without backoff, transport retries
// or speed guard, and with deterministic sampling disabled.
func testConfig(t *testing.T) *Config {
	t.Helper()

	c := NewConfig()
	c.Dir = t.TempDir()
	c.RetryInterval.Duration = 0
	c.HTTP.Retries = 0
	c.HTTP.SpeedLimit = 0
	c.Sampling.FullScan = 0
	c.Sampling.Verify = 0
	return c
}

type serverFile struct {
	body    []byte
	modTime time.Time
	status  int
}

// condaServer is a fake conda channel.  Paths are served with
// http.ServeContent, so HEAD, Content-Length and Last-Modified behave like
// a static file server.
type condaServer struct {
	server *httptest.Server

	mu       sync.Mutex
	files    map[string]*serverFile
	listings map[string][]string
	requests map[string]int
}

func newCondaServer(t *testing.T) *condaServer {
	t.Helper()

	s := &condaServer{
		files:    make(map[string]*serverFile),
		listings: make(map[string][]string),
		requests: make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)
	return s
}

func (s *condaServer) URL(p string) string {
	return s.server.URL + "/" + strings.TrimPrefix(p, "/")
}

// Put serves body at p.  A zero modTime omits Last-Modified.
func (s *condaServer) Put(p string, body []byte, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files["/"+strings.TrimPrefix(p, "/")] = &serverFile{body: body, modTime: modTime}
}

// Fail makes p answer with status.
func (s *condaServer) Fail(p string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files["/"+strings.TrimPrefix(p, "/")] = &serverFile{status: status}
}

// Delete stops serving p.
func (s *condaServer) Delete(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, "/"+strings.TrimPrefix(p, "/"))
}

// SetListing serves an HTML listing at dir for names, newest first.
// Rows are generated from the current content of dir/name.
func (s *condaServer) SetListing(dir string, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings["/"+strings.Trim(dir, "/")+"/"] = names
}

// Requests returns how many requests with method hit p.
func (s *condaServer) Requests(method, p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" /"+strings.TrimPrefix(p, "/")]
}

func (s *condaServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.Method+" "+r.URL.Path]++
	names, isListing := s.listings[r.URL.Path]
	var page []byte
	if isListing {
		page = s.listingPage(r.URL.Path, names)
	}
	f, ok := s.files[r.URL.Path]
	s.mu.Unlock()

	switch {
	case isListing:
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(page)
	case !ok:
		http.NotFound(w, r)
	case f.status != 0:
		http.Error(w, http.StatusText(f.status), f.status)
	default:
		http.ServeContent(w, r, r.URL.Path, f.modTime, bytes.NewReader(f.body))
	}
}

// listingPage renders the installer index format: a header row followed
// by one 4-cell row per file with the MD5 digest in the last cell.
func (s *condaServer) listingPage(dir string, names []string) []byte {
	var b strings.Builder
	b.WriteString("<html><body><table>\n")
	b.WriteString("<tr><th>Filename</th><th>Size</th><th>Last Modified</th><th>MD5</th></tr>\n")
	for _, name := range names {
		f, ok := s.files[dir+name]
		if !ok {
			continue
		}
		sum := md5.Sum(f.body)
		fmt.Fprintf(&b, "<tr><td><a href=\"%s\">%s</a></td><td>%d</td><td>%s</td><td>%s</td></tr>\n",
			name, name, len(f.body), f.modTime.Format(time.DateTime), hex.EncodeToString(sum[:]))
	}
	b.WriteString("</table></body></html>\n")
	return []byte(b.String())
}

type testPackage struct {
	filename string
	name     string
	body     []byte
	conda    bool
}

// repoData renders repodata.json for pkgs with real digests.
func repoData(t *testing.T, pkgs ...testPackage) []byte {
	t.Helper()

	type meta struct {
		Name   string `json:"name"`
		Size   int    `json:"size"`
		MD5    string `json:"md5"`
		SHA256 string `json:"sha256"`
	}
	doc := map[string]map[string]meta{
		"packages":       {},
		"packages.conda": {},
	}
	for _, p := range pkgs {
		m5 := md5.Sum(p.body)
		s256 := sha256.Sum256(p.body)
		m := meta{
			Name:   p.name,
			Size:   len(p.body),
			MD5:    hex.EncodeToString(m5[:]),
			SHA256: hex.EncodeToString(s256[:]),
		}
		if p.conda {
			doc["packages.conda"][p.filename] = m
		} else {
			doc["packages"][p.filename] = m
		}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// serveRepo publishes a subdir with its index documents under prefix.
func (s *condaServer) serveRepo(t *testing.T, prefix string, pkgs ...testPackage) {
	t.Helper()

	prefix = strings.Trim(prefix, "/") + "/"
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Put(prefix+"repodata.json", repoData(t, pkgs...), modTime)
	s.Put(prefix+"repodata.json.bz2", []byte("BZh91AY&SY compressed index"), modTime)
	for _, p := range pkgs {
		s.Put(prefix+p.filename, p.body, modTime)
	}
}

// fakeFetcher is an in-memory Fetcher.
type fakeFetcher struct {
	mu      sync.Mutex
	bodies  map[string][]byte
	modTime time.Time
	// fail holds errors returned by the next calls of Fetch for a URL.
	fail map[string][]error
	// partial makes Fetch write the first half of the body, then fail.
	partial map[string]bool
	fetches map[string]int
	probes  map[string]int
	// onFetch, if set, is called at the start of every Fetch.
	onFetch func(u string)
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		bodies:  make(map[string][]byte),
		modTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		fail:    make(map[string][]error),
		partial: make(map[string]bool),
		fetches: make(map[string]int),
		probes:  make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, u, dst string) error {
	if f.onFetch != nil {
		f.onFetch(u)
	}
	f.mu.Lock()
	f.fetches[u]++
	var injected error
	if errs := f.fail[u]; len(errs) > 0 {
		injected = errs[0]
		f.fail[u] = errs[1:]
	}
	body, ok := f.bodies[u]
	partial := f.partial[u]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if injected != nil {
		return injected
	}
	if !ok {
		return errors.Mark(errors.Newf("GET %s: status 404", u), ErrTransport)
	}
	if partial {
		if err := os.WriteFile(dst, body[:len(body)/2], 0644); err != nil {
			return err
		}
		return errors.Mark(errors.New("unexpected EOF"), ErrTransport)
	}
	if err := os.WriteFile(dst, body, 0644); err != nil {
		return errors.Mark(err, ErrFilesystem)
	}
	return os.Chtimes(dst, f.modTime, f.modTime)
}

func (f *fakeFetcher) Probe(ctx context.Context, u string) (*RemoteFileState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes[u]++
	body, ok := f.bodies[u]
	if !ok {
		return nil, errors.Mark(errors.Newf("HEAD %s: status 404", u), ErrTransport)
	}
	n := uint64(len(body))
	return &RemoteFileState{ContentLength: &n, LastModified: f.modTime}, nil
}

func (f *fakeFetcher) Get(ctx context.Context, u string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.bodies[u]
	if !ok {
		return nil, errors.Mark(errors.Newf("GET %s: status 404", u), ErrTransport)
	}
	return body, nil
}

func (f *fakeFetcher) Fetches(u string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[u]
}

// dirNames lists dir, sorted.
func dirNames(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// hasHidden reports whether dir contains in-flight or staging entries.
func hasHidden(t *testing.T, dir string) bool {
	t.Helper()

	for _, name := range dirNames(t, dir) {
		if strings.HasPrefix(name, tempPrefix) || strings.HasPrefix(name, stagingPrefix) {
			return true
		}
	}
	return false
}
