package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reporelay/reporelay/internal/watcher/config"
	"github.com/reporelay/reporelay/internal/watcher/discover"
	"github.com/reporelay/reporelay/internal/watcher/github"
	"github.com/reporelay/reporelay/internal/watcher/journal"
	"github.com/reporelay/reporelay/internal/watcher/lock"
	"github.com/reporelay/reporelay/internal/watcher/orchestrator"
	"github.com/reporelay/reporelay/internal/watcher/poller"
	"github.com/reporelay/reporelay/internal/watcher/runner"
	"github.com/reporelay/reporelay/internal/watcher/state"
	"github.com/reporelay/reporelay/internal/watcher/trigger"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `reporelay — GitHub conversation watcher

Usage:
  reporelay watch [flags]       Watch repositories and dispatch the worker (default)
  reporelay runs [repo] [flags] Show recent dispatched runs from the journal
  reporelay version             Print version

Flags (watch):
  --config   Config file path (default: ~/.reporelay/config.yaml)
  --root     Override the repository root directory
  --regex    Override the trigger pattern

Flags (runs):
  --config   Config file path
  --limit    Number of runs to show (default: 20)
`)
}

func main() {
	subcmd := "watch"
	rest := os.Args[1:]
	if len(rest) > 0 && !strings.HasPrefix(rest[0], "-") {
		subcmd = rest[0]
		rest = rest[1:]
	}

	var err error
	switch subcmd {
	case "watch":
		err = runWatch(rest)
	case "runs":
		err = runRuns(rest)
	case "version", "--version":
		fmt.Println("reporelay " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "reporelay %s: %v\n", subcmd, err)
		os.Exit(1)
	}
}

func runWatch(args []string) error {
	configPath := config.DefaultPath()
	rootOverride := ""
	regexOverride := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--root":
			if i+1 < len(args) {
				rootOverride = args[i+1]
				i++
			}
		case "--regex":
			if i+1 < len(args) {
				regexOverride = args[i+1]
				i++
			}
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if rootOverride != "" {
		cfg.Root = rootOverride
	}
	if regexOverride != "" {
		cfg.Regex = regexOverride
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	matcher, err := trigger.New(cfg.Regex)
	if err != nil {
		return fmt.Errorf("invalid trigger pattern %q: %w", cfg.Regex, err)
	}

	// Single instance per state file. A second watcher would double-dispatch.
	lk, err := lock.Acquire(cfg.LockPath)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return fmt.Errorf("another reporelay instance is already running (lock: %s)", cfg.LockPath)
		}
		return err
	}
	defer lk.Release()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ghOpts []github.Option
	if cfg.GithubAPIURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(cfg.GithubAPIURL))
	}
	if cfg.HasGithubApp() {
		ghOpts = append(ghOpts, github.WithAppAuth(github.AppCredentials{
			ClientID:       cfg.GithubAppClientID,
			InstallationID: cfg.GithubAppInstallationID,
			PrivateKeyPath: cfg.GithubAppPrivateKeyPath,
		}))
	}
	gh, err := github.New(cfg.GithubToken, ghOpts...)
	if err != nil {
		return err
	}

	me := ""
	if cfg.IgnoreSelf {
		me, err = gh.MeLogin(ctx)
		if err != nil {
			logger.Warn("could not resolve own login, self-ignore disabled", "error", err)
		}
	}

	store, err := state.Load(cfg.StatePath)
	if err != nil {
		return err
	}

	var jrnl orchestrator.RunRecorder
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Warn("journal unavailable, run history disabled", "path", cfg.JournalPath, "error", err)
	} else {
		jrnl = j
		defer j.Close()
	}

	orch := orchestrator.New(gh, store, matcher, runner.CLI{}, jrnl, orchestrator.Config{
		Me:                me,
		IgnoreSelf:        cfg.IgnoreSelf && me != "",
		Command:           cfg.CodexCmd,
		FreshArgs:         cfg.FreshArgs(),
		ResumeArgs:        cfg.ResumeArgs(),
		Timeout:           cfg.WorkerTimeout(),
		DefaultResume:     cfg.DefaultResumeEnabled(),
		ResumeSendContext: cfg.ResumeSendContext,
		ForwardToken:      cfg.ForwardGithubToken,
		MatchBodies:       cfg.MatchTarget == config.MatchIssueOrComments,
	}, logger)

	p := poller.New(discover.Options{
		Root:          cfg.Root,
		Recursive:     cfg.Recursive,
		RequireMarker: cfg.RequireMarker,
		Exclude:       cfg.ExcludeDirs,
	}, store, orch, cfg.PollInterval(), cfg.RepoPause(), logger)

	err = p.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("shutting down")
		return nil
	}
	return err
}

func runRuns(args []string) error {
	configPath := config.DefaultPath()
	repo := ""
	limit := 20

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--limit":
			if i+1 < len(args) {
				fmt.Sscanf(args[i+1], "%d", &limit)
				i++
			}
		default:
			if strings.HasPrefix(args[i], "-") {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
			repo = args[i]
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer j.Close()

	runs, err := j.RecentRuns(repo, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
		return nil
	}

	for _, r := range runs {
		status := "error"
		if r.OK {
			status = "ok"
		}
		mode := "fresh"
		if r.Resume {
			mode = "resume"
		}
		fmt.Printf("%s  %-5s  %-6s  %s#%d  code=%d  %s  %s\n",
			r.CreatedAt.Local().Format(time.DateTime),
			status, mode, r.Repo, r.Number, r.ReturnCode, r.Source, r.RunID)
	}
	return nil
}
