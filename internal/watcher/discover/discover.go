// Package discover finds local git repositories under a root directory and
// maps them to their GitHub "owner/name" identity via the origin remote.
package discover

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/reporelay/reporelay/internal/shell"
)

// MarkerFile gates discovery when require-marker mode is on: only repos
// containing this file are watched.
const MarkerFile = ".reporelay-enabled"

// Options controls a discovery scan.
type Options struct {
	Root          string
	Recursive     bool
	RequireMarker bool

	// Exclude holds doublestar patterns matched against both the directory
	// name and its path relative to Root.
	Exclude []string
}

// Repos scans the root for git repositories and returns owner/name → local
// path. When two checkouts share a remote, the first one found wins.
func Repos(ctx context.Context, opts Options) (map[string]string, error) {
	repos := map[string]string{}

	consider := func(dir string) {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
			return
		}
		if opts.RequireMarker {
			if _, err := os.Stat(filepath.Join(dir, MarkerFile)); err != nil {
				return
			}
		}
		remote := originRemote(ctx, dir)
		if remote == "" {
			return
		}
		name := ParseOwnerRepo(remote)
		if name == "" {
			return
		}
		if _, ok := repos[name]; !ok {
			repos[name] = dir
		}
	}

	if !opts.Recursive {
		entries, err := os.ReadDir(opts.Root)
		if err != nil {
			return nil, fmt.Errorf("reading root %s: %w", opts.Root, err)
		}
		for _, e := range entries {
			if !e.IsDir() || excluded(opts.Exclude, e.Name(), e.Name()) {
				continue
			}
			consider(filepath.Join(opts.Root, e.Name()))
		}
		return repos, nil
	}

	err := filepath.WalkDir(opts.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(opts.Root, path)
		if relErr != nil {
			rel = d.Name()
		}
		if path != opts.Root && excluded(opts.Exclude, d.Name(), rel) {
			return filepath.SkipDir
		}
		if _, statErr := os.Stat(filepath.Join(path, ".git")); statErr == nil {
			consider(path)
			// Don't descend into subdirectories of a found repo.
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking root %s: %w", opts.Root, err)
	}
	return repos, nil
}

// originRemote returns remote.origin.url for the repo at dir, or "".
func originRemote(ctx context.Context, dir string) string {
	r := &shell.Runner{Dir: dir}
	out, err := r.Run(ctx, "git", "config", "--get", "remote.origin.url")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

var ownerRepoRe = regexp.MustCompile(`(?i)github\.com[:/]([^/]+)/([^/.]+?)(?:\.git)?$`)

// ParseOwnerRepo extracts "owner/repo" from an ssh or https GitHub remote
// URL. Returns "" for non-GitHub remotes.
func ParseOwnerRepo(remoteURL string) string {
	m := ownerRepoRe.FindStringSubmatch(remoteURL)
	if m == nil {
		return ""
	}
	return m[1] + "/" + m[2]
}

// Split breaks "owner/name" into its parts.
func Split(name string) (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid repository name %q", name)
	}
	return owner, repo, nil
}

func excluded(patterns []string, name, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
		if ok, _ := doublestar.Match(p, filepath.ToSlash(rel)); ok {
			return true
		}
	}
	return false
}
