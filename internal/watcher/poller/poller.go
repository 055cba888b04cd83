// Package poller runs the top-level poll loop: discover repositories,
// sync each through the orchestrator, sleep, repeat until the context is
// canceled.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/reporelay/reporelay/internal/watcher/discover"
	"github.com/reporelay/reporelay/internal/watcher/github"
	"github.com/reporelay/reporelay/internal/watcher/state"
)

// RepoSyncer processes all pending events for one repository.
type RepoSyncer interface {
	SyncRepo(ctx context.Context, name string) error
}

// Poller owns the poll loop.
type Poller struct {
	discover discover.Options
	store    *state.Store
	syncer   RepoSyncer
	logger   *slog.Logger

	interval  time.Duration
	repoPause time.Duration
}

// New creates a Poller. logger defaults to slog.Default().
func New(opts discover.Options, store *state.Store, syncer RepoSyncer, interval, repoPause time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		discover:  opts,
		store:     store,
		syncer:    syncer,
		logger:    logger,
		interval:  interval,
		repoPause: repoPause,
	}
}

// Run loops until ctx is canceled. Cancellation is honored between cycles,
// between repositories, and during sleeps; a repository already being synced
// is finished first.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("watcher started",
		"root", p.discover.Root,
		"poll_interval", p.interval,
		"recursive", p.discover.Recursive,
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := p.interval
		if err := p.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = p.errorBackoff(err)
		}

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// cycle runs one full pass over all repositories. The first stream-level
// error aborts the cycle; state already saved for earlier repositories is
// kept.
func (p *Poller) cycle(ctx context.Context) error {
	repos, err := discover.Repos(ctx, p.discover)
	if err != nil {
		return err
	}

	for name, path := range repos {
		p.store.EnsureRepo(name, path)
	}

	names := p.store.RepoNames()
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := repos[name]; !ok {
			// Known from state but not discovered this cycle. Skipped, never
			// purged: it resumes from its watermarks when it reappears.
			continue
		}
		if err := p.syncer.SyncRepo(ctx, name); err != nil {
			return err
		}
		if p.repoPause > 0 {
			if err := sleep(ctx, p.repoPause); err != nil {
				return err
			}
		}
	}
	return nil
}

// errorBackoff picks the post-error sleep. Rate-limit errors honor
// Retry-After when the API provided one and otherwise back off to three poll
// intervals; anything else waits one normal interval.
func (p *Poller) errorBackoff(err error) time.Duration {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		wait := rle.Wait()
		if wait <= 0 {
			wait = 3 * p.interval
		}
		p.logger.Warn("rate limited, backing off", "wait", wait, "error", err)
		return wait
	}
	p.logger.Error("poll cycle failed", "error", err)
	return p.interval
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
