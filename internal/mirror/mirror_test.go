package mirror

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
)

func TestIsValidID(t *testing.T) {
	t.Parallel()

	for _, id := range []string{"pkgs", "cloud", "conda-forge", "r_2"} {
		if !IsValidID(id) {
			t.Errorf("IsValidID(%q) = false", id)
		}
	}
	for _, id := range []string{"", "Pkgs", "pkgs/main", "a b", "../x"} {
		if IsValidID(id) {
			t.Errorf("IsValidID(%q) = true", id)
		}
	}
}

func decodeTestConfig(t *testing.T, data string) *Config {
	t.Helper()

	c := NewConfig()
	if _, err := toml.Decode(data, c); err != nil {
		t.Fatal(err)
	}
	c.Dir = t.TempDir()
	return c
}

func TestPlanTrees(t *testing.T) {
	t.Parallel()

	c := decodeTestConfig(t, `
[mirrors.pkgs]
url = "https://repo.continuum.io/pkgs"
kind = "repodata"
channels = ["main", "free"]
architectures = ["linux-64", "noarch"]

[mirrors.forge]
url = "https://conda.anaconda.org/conda-forge/"
kind = "repodata"
path = "cloud/conda-forge"
architectures = ["noarch"]

[mirrors.archive]
url = "https://repo.continuum.io/archive/"
kind = "listing"
`)

	tasks, err := PlanTrees(c, nil)
	if err != nil {
		t.Fatal(err)
	}

	want := []TreeTask{
		{"archive", KindListing, "https://repo.continuum.io/archive/", filepath.Join(c.Dir, "archive")},
		{"forge", KindRepoData, "https://conda.anaconda.org/conda-forge/noarch/", filepath.Join(c.Dir, "cloud", "conda-forge", "noarch")},
		{"pkgs", KindRepoData, "https://repo.continuum.io/pkgs/main/linux-64/", filepath.Join(c.Dir, "pkgs", "main", "linux-64")},
		{"pkgs", KindRepoData, "https://repo.continuum.io/pkgs/main/noarch/", filepath.Join(c.Dir, "pkgs", "main", "noarch")},
		{"pkgs", KindRepoData, "https://repo.continuum.io/pkgs/free/linux-64/", filepath.Join(c.Dir, "pkgs", "free", "linux-64")},
		{"pkgs", KindRepoData, "https://repo.continuum.io/pkgs/free/noarch/", filepath.Join(c.Dir, "pkgs", "free", "noarch")},
	}
	if len(tasks) != len(want) {
		t.Fatalf("len(tasks) = %d, want %d: %v", len(tasks), len(want), tasks)
	}
	for i := range want {
		if tasks[i] != want[i] {
			t.Errorf("tasks[%d] = %+v, want %+v", i, tasks[i], want[i])
		}
	}

	tasks, err = PlanTrees(c, []string{"archive"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].MirrorID != "archive" {
		t.Errorf("tasks = %v, want archive only", tasks)
	}

	if _, err := PlanTrees(c, []string{"nosuch"}); err == nil {
		t.Error("unknown mirror should fail")
	}
}

func TestPlanTreesInvalid(t *testing.T) {
	t.Parallel()

	c := decodeTestConfig(t, `
[mirrors.Bad]
url = "https://repo.continuum.io/archive/"
kind = "listing"
`)
	if _, err := PlanTrees(c, nil); err == nil {
		t.Error("invalid id should fail")
	}

	c = decodeTestConfig(t, `
[mirrors.pkgs]
url = "https://repo.continuum.io/pkgs/"
kind = "repodata"
`)
	if _, err := PlanTrees(c, nil); err == nil {
		t.Error("repodata mirror without architectures should fail")
	}
}

func TestParseBaseURL(t *testing.T) {
	t.Parallel()

	u, err := parseBaseURL("https://conda.anaconda.org/conda-forge/linux-64")
	if err != nil {
		t.Fatal(err)
	}
	if got := resolve(u, "repodata.json"); got != "https://conda.anaconda.org/conda-forge/linux-64/repodata.json" {
		t.Errorf("resolve = %q", got)
	}
	if got := resolve(u, "numpy-1.26.4-py312_0.conda"); !strings.HasSuffix(got, "/linux-64/numpy-1.26.4-py312_0.conda") {
		t.Errorf("resolve = %q", got)
	}

	for _, s := range []string{"ftp://example.org/", "example.org/pkgs", "://bad"} {
		if _, err := parseBaseURL(s); err == nil {
			t.Errorf("parseBaseURL(%q) should fail", s)
		}
	}
}

func TestSyncTreeUnknownKind(t *testing.T) {
	t.Parallel()

	c := testConfig(t)
	task := TreeTask{MirrorID: "x", Kind: "apt", URL: "https://example.org/", Dir: c.Dir}
	res, err := SyncTree(context.Background(), c, newFakeFetcher(), nil, task, false)
	if err == nil {
		t.Fatal("unknown kind should fail")
	}
	if res == nil || res.Err == nil || res.Task != task {
		t.Errorf("res = %+v, want the task and its error", res)
	}
}

func TestChance(t *testing.T) {
	t.Parallel()

	s := fixedSampler(0.5)
	if chance(s, 0) {
		t.Error("p = 0 must never be chosen")
	}
	if !chance(s, 1) {
		t.Error("p = 1 must always be chosen")
	}
	for i := 0; i < 1000; i++ {
		if v := DefaultSampler.Float64(); v < 0 || v >= 1 {
			t.Fatalf("DefaultSampler.Float64() = %v", v)
		}
	}
}
