// Package orchestrator drives trigger processing for one repository: it
// syncs the three event streams (issue comments, PR review comments,
// issue/PR bodies), dispatches the worker for matched triggers, republishes
// worker output, and folds results into the durable sync state.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reporelay/reporelay/internal/watcher/discover"
	"github.com/reporelay/reporelay/internal/watcher/dispatch"
	"github.com/reporelay/reporelay/internal/watcher/github"
	"github.com/reporelay/reporelay/internal/watcher/journal"
	"github.com/reporelay/reporelay/internal/watcher/payload"
	"github.com/reporelay/reporelay/internal/watcher/runner"
	"github.com/reporelay/reporelay/internal/watcher/state"
	"github.com/reporelay/reporelay/internal/watcher/trigger"
)

// GitHubClient is the remote conversation API the orchestrator needs.
type GitHubClient interface {
	ListIssueCommentsSince(ctx context.Context, owner, repo string, since time.Time) ([]github.Comment, error)
	ListReviewCommentsSince(ctx context.Context, owner, repo string, since time.Time) ([]github.Comment, error)
	ListIssuesSince(ctx context.Context, owner, repo string, since time.Time) ([]github.Issue, error)
	GetIssue(ctx context.Context, owner, repo string, number int) (github.Issue, error)
	ListConversationComments(ctx context.Context, owner, repo string, number int) ([]github.Comment, error)
	PostComment(ctx context.Context, owner, repo string, number int, body string) (github.Comment, error)
	AddCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error
	AddReviewCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error
}

// WorkerRunner executes the external worker process.
type WorkerRunner interface {
	Exec(ctx context.Context, spec runner.Spec) runner.Result
}

// RunRecorder appends run history; failures are logged, never fatal.
type RunRecorder interface {
	Record(e journal.Entry) error
}

// Config holds the orchestrator's behavioral knobs.
type Config struct {
	Me         string // authenticated login, for self-ignore
	IgnoreSelf bool

	Command    string
	FreshArgs  []string
	ResumeArgs []string
	Timeout    time.Duration

	DefaultResume     bool
	ResumeSendContext bool
	ForwardToken      bool

	// MatchBodies enables the issue/PR-body stream in addition to comments.
	MatchBodies bool

	ReactionContent string // acknowledgement reaction, default "eyes"
}

// Orchestrator processes triggers for known repositories. It is driven by a
// single goroutine (the poll loop); nothing here is safe for concurrent use.
type Orchestrator struct {
	gh      GitHubClient
	store   *state.Store
	matcher *trigger.Matcher
	worker  WorkerRunner
	journal RunRecorder
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an Orchestrator. journal may be nil; logger defaults to
// slog.Default().
func New(gh GitHubClient, store *state.Store, matcher *trigger.Matcher, worker WorkerRunner, jrnl RunRecorder, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReactionContent == "" {
		cfg.ReactionContent = "eyes"
	}
	return &Orchestrator{
		gh:      gh,
		store:   store,
		matcher: matcher,
		worker:  worker,
		journal: jrnl,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source; tests only.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// SyncRepo runs all three stream drivers for one repository, trims the dedup
// sets, and persists state. Stream-level API errors (listing, conversation
// fetch) propagate so the poll loop can classify them; per-event errors
// (posting, reactions, parent lookup, worker failures) are absorbed here.
func (o *Orchestrator) SyncRepo(ctx context.Context, name string) error {
	rs := o.store.Repo(name)
	if rs == nil {
		return fmt.Errorf("no state record for repository %s", name)
	}
	owner, repo, err := discover.Split(name)
	if err != nil {
		return err
	}

	// The body stream reuses the issue-comment watermark as it stood at the
	// start of the cycle.
	bodySince := rs.LastSince

	if err := o.syncIssueComments(ctx, name, owner, repo, rs); err != nil {
		return err
	}
	if err := o.syncReviewComments(ctx, name, owner, repo, rs); err != nil {
		return err
	}
	if o.cfg.MatchBodies {
		if err := o.syncBodies(ctx, name, owner, repo, rs, bodySince); err != nil {
			return err
		}
	}

	rs.Trim()
	if err := o.store.Save(); err != nil {
		o.logger.Error("saving state", "repo", name, "error", err)
	}
	return nil
}

// syncIssueComments processes the issue-comment stream. The watermark is
// advanced to now before the batch is processed, not after: the dedup set is
// the correctness backstop for comments already fetched, and forward
// progress beats re-scanning the same window forever when a batch keeps
// failing mid-way.
func (o *Orchestrator) syncIssueComments(ctx context.Context, name, owner, repo string, rs *state.RepoState) error {
	comments, err := o.gh.ListIssueCommentsSince(ctx, owner, repo, rs.LastSince)
	if err != nil {
		return fmt.Errorf("listing issue comments for %s: %w", name, err)
	}
	rs.AdvanceCommentWatermark(o.now().UTC())

	for _, c := range sortedComments(comments) {
		if rs.HasProcessedComment(c.ID) {
			continue
		}
		if o.cfg.IgnoreSelf && c.User == o.cfg.Me {
			rs.MarkCommentProcessed(c.ID)
			continue
		}
		if !o.matcher.Matches(c.Body) {
			rs.MarkCommentProcessed(c.ID)
			continue
		}
		if c.IssueNumber == 0 {
			rs.MarkCommentProcessed(c.ID)
			continue
		}

		issue, err := o.gh.GetIssue(ctx, owner, repo, c.IssueNumber)
		if err != nil {
			// Not marked processed: the comment is retried next cycle.
			return fmt.Errorf("fetching issue #%d in %s: %w", c.IssueNumber, name, err)
		}

		source := "issue_comment"
		if issue.IsPR {
			source = "pr_comment"
		}
		ev := event{
			source:    source,
			commentID: c.ID,
			isReview:  false,
			trigger: payload.Trigger{
				ID:        c.ID,
				Author:    c.User,
				CreatedAt: c.CreatedAt,
				Body:      c.Body,
			},
		}
		if err := o.process(ctx, name, owner, repo, rs, issue, ev); err != nil {
			return err
		}
		rs.MarkCommentProcessed(c.ID)
		o.saveState(name)
	}
	return nil
}

// syncReviewComments processes the PR review-comment stream against its own
// watermark. Location metadata and a link back to the review thread are
// folded into the trigger body so the worker sees where the comment points.
func (o *Orchestrator) syncReviewComments(ctx context.Context, name, owner, repo string, rs *state.RepoState) error {
	comments, err := o.gh.ListReviewCommentsSince(ctx, owner, repo, rs.PRReviewLastSince)
	if err != nil {
		return fmt.Errorf("listing review comments for %s: %w", name, err)
	}
	rs.AdvanceReviewWatermark(o.now().UTC())

	for _, c := range sortedComments(comments) {
		if rs.HasProcessedReviewComment(c.ID) {
			continue
		}
		if o.cfg.IgnoreSelf && c.User == o.cfg.Me {
			rs.MarkReviewCommentProcessed(c.ID)
			continue
		}
		if !o.matcher.Matches(c.Body) {
			rs.MarkReviewCommentProcessed(c.ID)
			continue
		}
		if c.PRNumber == 0 {
			rs.MarkReviewCommentProcessed(c.ID)
			continue
		}

		issue, err := o.gh.GetIssue(ctx, owner, repo, c.PRNumber)
		if err != nil {
			return fmt.Errorf("fetching PR #%d in %s: %w", c.PRNumber, name, err)
		}
		if !issue.IsPR {
			rs.MarkReviewCommentProcessed(c.ID)
			continue
		}

		created := c.CreatedAt
		if created.IsZero() {
			created = c.UpdatedAt
		}
		if created.IsZero() {
			created = o.now().UTC()
		}
		ev := event{
			source:    "pr_review_comment",
			commentID: c.ID,
			isReview:  true,
			trigger: payload.Trigger{
				ID:        c.ID,
				Author:    c.User,
				CreatedAt: created,
				Body:      reviewTriggerBody(c),
			},
		}
		if c.HTMLURL != "" {
			ev.replyPreamble = fmt.Sprintf("Triggered from review comment %s by @%s\n\n", c.HTMLURL, c.User)
		}
		if err := o.process(ctx, name, owner, repo, rs, issue, ev); err != nil {
			return err
		}
		rs.MarkReviewCommentProcessed(c.ID)
		o.saveState(name)
	}
	return nil
}

// syncBodies processes the issue/PR-body stream. Dedup here is
// watermark-based, not id-based: a conversation re-triggers once per
// distinct update timestamp, never twice for the same one.
func (o *Orchestrator) syncBodies(ctx context.Context, name, owner, repo string, rs *state.RepoState, since time.Time) error {
	issues, err := o.gh.ListIssuesSince(ctx, owner, repo, since)
	if err != nil {
		return fmt.Errorf("listing issues for %s: %w", name, err)
	}

	for _, issue := range issues {
		if !o.matcher.Matches(issue.Title) && !o.matcher.Matches(issue.Body) {
			continue
		}
		if issue.Number == 0 {
			continue
		}

		updated := issueUpdatedAt(issue, o.now().UTC())
		if convo := rs.RunsFor(issue.IsPR)[strconv.Itoa(issue.Number)]; convo != nil {
			if convo.Updated(issue.IsPR).Equal(updated) {
				continue
			}
		}

		body := issue.Body
		if body == "" {
			body = issue.Title
		}
		source := "issue"
		if issue.IsPR {
			source = "pr_issue"
		}
		ev := event{
			source: source,
			trigger: payload.Trigger{
				ID:        issue.ID,
				Author:    issue.User,
				CreatedAt: issue.CreatedAt,
				Body:      body,
			},
		}
		if err := o.process(ctx, name, owner, repo, rs, issue, ev); err != nil {
			return err
		}
		o.saveState(name)
	}
	return nil
}

// event describes the triggering occurrence a driver hands to process.
type event struct {
	source        string
	commentID     int64 // 0 for body triggers: nothing to react to
	isReview      bool
	trigger       payload.Trigger
	replyPreamble string
}

// process runs the full per-trigger pipeline: intent, dispatch decision,
// context assembly, worker execution, reply, reaction, and state update.
// Only the conversation-comments fetch can fail it; everything after the
// worker has run is absorbed so a dispatched run is always reported and
// recorded exactly once.
func (o *Orchestrator) process(ctx context.Context, name, owner, repo string, rs *state.RepoState, issue github.Issue, ev event) error {
	comments, err := o.gh.ListConversationComments(ctx, owner, repo, issue.Number)
	if err != nil {
		return fmt.Errorf("listing comments for %s#%d: %w", name, issue.Number, err)
	}

	var parent *github.Issue
	if pnum := payload.FindParentNumber(issue.Body); pnum != 0 {
		p, err := o.gh.GetIssue(ctx, owner, repo, pnum)
		if err != nil {
			// Degrade to no parent context rather than stalling the trigger.
			o.logger.Warn("could not fetch parent issue", "repo", name, "parent", pnum, "error", err)
		} else {
			parent = &p
		}
	}

	runsStore := rs.RunsFor(issue.IsPR)
	key := strconv.Itoa(issue.Number)
	var storedID string
	if convo := runsStore[key]; convo != nil {
		storedID = convo.CodexRunID
	}

	intent, requestedID := o.matcher.ExtractIntent(ev.trigger.Body)
	dec := dispatch.Decide(dispatch.Input{
		Intent:            intent,
		RequestedID:       requestedID,
		StoredID:          storedID,
		FreshArgs:         o.cfg.FreshArgs,
		ResumeArgs:        o.cfg.ResumeArgs,
		DefaultResume:     o.cfg.DefaultResume,
		ResumeSendContext: o.cfg.ResumeSendContext,
	})

	doc := payload.Build(payload.BuildInput{
		Repo:     name,
		Issue:    issue,
		Comments: comments,
		Parent:   parent,
		Trigger:  ev.trigger,
		Resume:   dec.Resume,
	})

	runID := o.runID(name, issue.Number, ev)
	o.logger.Info("trigger matched",
		"repo", name,
		"number", issue.Number,
		"source", ev.source,
		"author", ev.trigger.Author,
		"intent", string(intent),
		"resume", dec.Resume,
		"run_id", runID,
		"cwd", rs.Path,
	)

	// From here on the run must finish and be reported even when shutdown
	// has begun: killing an in-flight worker would consume the trigger with
	// no work done. Cancellation is honored at the poll loop's yield points,
	// not mid-dispatch. The worker's own timeout still applies.
	runCtx := context.WithoutCancel(ctx)

	started := o.now()
	res := o.worker.Exec(runCtx, runner.Spec{
		Command:      o.cfg.Command,
		Args:         dec.Args,
		Stdin:        doc,
		SendStdin:    dec.SendContext,
		Dir:          rs.Path,
		Timeout:      o.cfg.Timeout,
		ForwardToken: o.cfg.ForwardToken,
	})
	duration := o.now().Sub(started)

	cleaned := runner.CleanStdout(res.Stdout, o.cfg.Command)
	ok := runner.OK(res.Code, cleaned)
	reply := ev.replyPreamble + runner.FormatResultComment(runID, res.Code, cleaned, res.Stderr)

	combined := joinNonEmpty(res.Stdout, res.Stderr)
	codexID := runner.ExtractRunID(combined)
	if codexID == "" && dec.Resume {
		codexID = dec.ResumeTarget
	}

	if ok && ev.commentID != 0 {
		if err := o.react(runCtx, owner, repo, ev); err != nil {
			o.logger.Warn("could not add reaction", "repo", name, "comment_id", ev.commentID, "error", err)
		}
	}

	if _, err := o.gh.PostComment(runCtx, owner, repo, issue.Number, reply); err != nil {
		o.logger.Error("posting result comment", "repo", name, "number", issue.Number, "error", err)
	}

	status := state.StatusError
	if ok {
		status = state.StatusOK
	}
	nowUTC := o.now().UTC()

	rs.Runs[key] = state.RunRecord{
		Status:        status,
		LastRunAt:     nowUTC,
		LastCommentID: ev.trigger.ID,
		RunID:         runID,
		Resume:        dec.Resume,
		ReturnCode:    res.Code,
		Source:        ev.source,
		CodexRunID:    codexID,
	}

	convo := runsStore[key]
	if convo == nil {
		convo = &state.ConversationState{}
		runsStore[key] = convo
	}
	convo.SetUpdated(issue.IsPR, issueUpdatedAt(issue, nowUTC))
	convo.RunID = runID
	convo.ReturnCode = res.Code
	convo.Status = status
	if codexID != "" {
		convo.CodexRunID = codexID
	}

	if o.journal != nil {
		if err := o.journal.Record(journal.Entry{
			Repo:       name,
			Number:     issue.Number,
			Source:     ev.source,
			Intent:     string(intent),
			Resume:     dec.Resume,
			RunID:      runID,
			CodexRunID: codexID,
			ReturnCode: res.Code,
			OK:         ok,
			DurationMS: duration.Milliseconds(),
		}); err != nil {
			o.logger.Warn("recording run in journal", "repo", name, "run_id", runID, "error", err)
		}
	}

	return nil
}

func (o *Orchestrator) react(ctx context.Context, owner, repo string, ev event) error {
	if ev.isReview {
		return o.gh.AddReviewCommentReaction(ctx, owner, repo, ev.commentID, o.cfg.ReactionContent)
	}
	return o.gh.AddCommentReaction(ctx, owner, repo, ev.commentID, o.cfg.ReactionContent)
}

func (o *Orchestrator) runID(name string, number int, ev event) string {
	base := strings.ReplaceAll(name, "/", "_")
	if ev.isReview {
		return fmt.Sprintf("%s-%d-review-%d-%d", base, number, ev.trigger.ID, o.now().Unix())
	}
	return fmt.Sprintf("%s-%d-%d-%d", base, number, ev.trigger.ID, o.now().Unix())
}

func (o *Orchestrator) saveState(name string) {
	if err := o.store.Save(); err != nil {
		o.logger.Error("saving state", "repo", name, "error", err)
	}
}

// sortedComments orders comments ascending by creation time (stable, zero
// timestamps first) without mutating the input.
func sortedComments(comments []github.Comment) []github.Comment {
	out := make([]github.Comment, len(comments))
	copy(out, comments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// reviewTriggerBody augments a review comment body with its file/line/side
// location and a link to the thread, when present.
func reviewTriggerBody(c github.Comment) string {
	var bits []string
	if c.Path != "" {
		bits = append(bits, "path="+c.Path)
	}
	if c.Line != 0 {
		bits = append(bits, fmt.Sprintf("line=%d", c.Line))
	} else if c.OriginalLine != 0 {
		bits = append(bits, fmt.Sprintf("original_line=%d", c.OriginalLine))
	}
	if c.Side != "" {
		bits = append(bits, "side="+c.Side)
	}

	body := c.Body
	if len(bits) > 0 {
		body += "\n\n[Review context: " + strings.Join(bits, ", ") + "]"
	}
	if c.HTMLURL != "" {
		body += "\n\nLink: " + c.HTMLURL
	}
	return body
}

func issueUpdatedAt(issue github.Issue, fallback time.Time) time.Time {
	if !issue.UpdatedAt.IsZero() {
		return issue.UpdatedAt
	}
	if !issue.CreatedAt.IsZero() {
		return issue.CreatedAt
	}
	return fallback
}

func joinNonEmpty(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
