package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// fakeRepo lays down just enough of a .git directory for git config to
// resolve the origin remote.
func fakeRepo(t *testing.T, dir, remote string) {
	t.Helper()
	gitDir := filepath.Join(dir, ".git")
	// git only treats the directory as a repository if HEAD, objects/ and
	// refs/ all exist.
	for _, d := range []string{gitDir, filepath.Join(gitDir, "objects"), filepath.Join(gitDir, "refs")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(gitDir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	config := "[core]\n\trepositoryformatversion = 0\n"
	if remote != "" {
		config += "[remote \"origin\"]\n\turl = " + remote + "\n"
	}
	if err := os.WriteFile(filepath.Join(gitDir, "config"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseOwnerRepo(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"git@github.com:owner/repo.git", "owner/repo"},
		{"https://github.com/owner/repo.git", "owner/repo"},
		{"https://github.com/owner/repo", "owner/repo"},
		{"ssh://git@github.com/owner/repo.git", "owner/repo"},
		{"https://GitHub.com/Owner/Repo", "Owner/Repo"},
		{"https://gitlab.com/owner/repo.git", ""},
		{"not a url", ""},
	}
	for _, tc := range cases {
		if got := ParseOwnerRepo(tc.url); got != tc.want {
			t.Errorf("ParseOwnerRepo(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestSplit(t *testing.T) {
	owner, repo, err := Split("octo/hello")
	if err != nil {
		t.Fatal(err)
	}
	if owner != "octo" || repo != "hello" {
		t.Errorf("Split = %q, %q", owner, repo)
	}

	for _, bad := range []string{"", "noslash", "/x", "x/"} {
		if _, _, err := Split(bad); err == nil {
			t.Errorf("Split(%q) should fail", bad)
		}
	}
}

func TestRepos_NonRecursive(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "alpha"), "git@github.com:owner/alpha.git")
	fakeRepo(t, filepath.Join(root, "beta"), "https://github.com/owner/beta")
	fakeRepo(t, filepath.Join(root, "foreign"), "https://gitlab.com/owner/foreign.git")
	fakeRepo(t, filepath.Join(root, "noremote"), "")
	if err := os.MkdirAll(filepath.Join(root, "notarepo"), 0o755); err != nil {
		t.Fatal(err)
	}

	repos, err := Repos(context.Background(), Options{Root: root})
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2: %v", len(repos), repos)
	}
	if repos["owner/alpha"] != filepath.Join(root, "alpha") {
		t.Errorf("owner/alpha path = %q", repos["owner/alpha"])
	}
	if _, ok := repos["owner/beta"]; !ok {
		t.Error("owner/beta not discovered")
	}
}

func TestRepos_RequireMarker(t *testing.T) {
	root := t.TempDir()
	withMarker := filepath.Join(root, "enabled")
	fakeRepo(t, withMarker, "git@github.com:owner/enabled.git")
	if err := os.WriteFile(filepath.Join(withMarker, MarkerFile), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	fakeRepo(t, filepath.Join(root, "plain"), "git@github.com:owner/plain.git")

	repos, err := Repos(context.Background(), Options{Root: root, RequireMarker: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 {
		t.Fatalf("got %d repos, want 1: %v", len(repos), repos)
	}
	if _, ok := repos["owner/enabled"]; !ok {
		t.Error("marked repo not discovered")
	}
}

func TestRepos_Exclude(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "keep"), "git@github.com:owner/keep.git")
	fakeRepo(t, filepath.Join(root, "tmp-scratch"), "git@github.com:owner/scratch.git")

	repos, err := Repos(context.Background(), Options{Root: root, Exclude: []string{"tmp*"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 1 {
		t.Fatalf("got %d repos, want 1: %v", len(repos), repos)
	}
	if _, ok := repos["owner/keep"]; !ok {
		t.Error("non-excluded repo missing")
	}
}

func TestRepos_Recursive(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "group", "nested"), "git@github.com:owner/nested.git")
	fakeRepo(t, filepath.Join(root, "top"), "git@github.com:owner/top.git")
	// A repo inside a repo must not be descended into.
	fakeRepo(t, filepath.Join(root, "top", "inner"), "git@github.com:owner/inner.git")

	repos, err := Repos(context.Background(), Options{Root: root, Recursive: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(repos) != 2 {
		t.Fatalf("got %d repos, want 2: %v", len(repos), repos)
	}
	if _, ok := repos["owner/nested"]; !ok {
		t.Error("nested repo not discovered")
	}
	if _, ok := repos["owner/inner"]; ok {
		t.Error("descended into a found repo")
	}
}

func TestRepos_RecursiveExcludesByRelPath(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "vendor", "dep"), "git@github.com:owner/dep.git")
	fakeRepo(t, filepath.Join(root, "src"), "git@github.com:owner/src.git")

	repos, err := Repos(context.Background(), Options{Root: root, Recursive: true, Exclude: []string{"vendor/**"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := repos["owner/dep"]; ok {
		t.Error("excluded path was scanned")
	}
	if _, ok := repos["owner/src"]; !ok {
		t.Error("non-excluded repo missing")
	}
}
