package poller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reporelay/reporelay/internal/watcher/discover"
	"github.com/reporelay/reporelay/internal/watcher/github"
	"github.com/reporelay/reporelay/internal/watcher/state"
)

type recordingSyncer struct {
	synced []string
	err    error
}

func (r *recordingSyncer) SyncRepo(_ context.Context, name string) error {
	r.synced = append(r.synced, name)
	return r.err
}

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
	config := "[remote \"origin\"]\n\turl = " + remote + "\n"
	if err := os.WriteFile(filepath.Join(gitDir, "config"), []byte(config), 0o644); err != nil {
		t.Fatal(err)
	}
}

func testStore(t *testing.T) *state.Store {
	t.Helper()
	s, err := state.Load(filepath.Join(t.TempDir(), "state.json"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCycle_SyncsDiscoveredRepos(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "alpha"), "git@github.com:owner/alpha.git")
	fakeRepo(t, filepath.Join(root, "beta"), "git@github.com:owner/beta.git")

	store := testStore(t)
	syncer := &recordingSyncer{}
	p := New(discover.Options{Root: root}, store, syncer, time.Second, 0, nil)

	if err := p.cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if len(syncer.synced) != 2 {
		t.Fatalf("synced %v, want both repos", syncer.synced)
	}
	// Deterministic order: sorted by name.
	if syncer.synced[0] != "owner/alpha" || syncer.synced[1] != "owner/beta" {
		t.Errorf("synced order = %v", syncer.synced)
	}
	if store.Repo("owner/alpha") == nil {
		t.Error("discovered repo not ensured in state")
	}
}

func TestCycle_SkipsUndiscoveredButKeepsState(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "alpha"), "git@github.com:owner/alpha.git")

	store := testStore(t)
	store.EnsureRepo("owner/gone", "/no/longer/here")

	syncer := &recordingSyncer{}
	p := New(discover.Options{Root: root}, store, syncer, time.Second, 0, nil)

	if err := p.cycle(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(syncer.synced) != 1 || syncer.synced[0] != "owner/alpha" {
		t.Errorf("synced = %v, want only the discovered repo", syncer.synced)
	}
	if store.Repo("owner/gone") == nil {
		t.Error("undiscovered repo purged from state; it must be kept")
	}
}

func TestCycle_SyncErrorAborts(t *testing.T) {
	root := t.TempDir()
	fakeRepo(t, filepath.Join(root, "alpha"), "git@github.com:owner/alpha.git")
	fakeRepo(t, filepath.Join(root, "beta"), "git@github.com:owner/beta.git")

	syncer := &recordingSyncer{err: errors.New("stream failed")}
	p := New(discover.Options{Root: root}, testStore(t), syncer, time.Second, 0, nil)

	if err := p.cycle(context.Background()); err == nil {
		t.Fatal("expected cycle error")
	}
	if len(syncer.synced) != 1 {
		t.Errorf("synced %v, cycle should stop at the first failure", syncer.synced)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(discover.Options{Root: t.TempDir()}, testStore(t), &recordingSyncer{}, time.Second, 0, nil)
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestRun_CancelDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	p := New(discover.Options{Root: t.TempDir()}, testStore(t), &recordingSyncer{}, time.Hour, 0, nil)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestErrorBackoff(t *testing.T) {
	p := New(discover.Options{}, testStore(t), &recordingSyncer{}, 20*time.Second, 0, nil)

	if got := p.errorBackoff(errors.New("plain failure")); got != 20*time.Second {
		t.Errorf("plain error backoff = %v, want one interval", got)
	}

	rle := &github.RateLimitError{RetryAfter: 90 * time.Second}
	if got := p.errorBackoff(wrapped(rle)); got != 90*time.Second {
		t.Errorf("rate limit backoff = %v, want Retry-After", got)
	}

	rle = &github.RateLimitError{}
	if got := p.errorBackoff(wrapped(rle)); got != 60*time.Second {
		t.Errorf("rate limit backoff = %v, want 3x interval fallback", got)
	}
}

func wrapped(err error) error {
	return &wrapError{err: err}
}

type wrapError struct{ err error }

func (w *wrapError) Error() string { return "listing comments: " + w.err.Error() }
func (w *wrapError) Unwrap() error { return w.err }
