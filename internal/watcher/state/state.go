// Package state owns the durable sync state: per-repository watermarks,
// processed-event dedup sets, and per-conversation run records. The state is
// a single JSON document persisted atomically (temp file + rename) after
// every processed event. The Store has exactly one owner, the poll loop,
// so there is no internal locking.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	// Dedup sets trim to keepProcessed entries once they exceed maxProcessed.
	// Trimmed ids are forgotten permanently; if the API ever re-delivered one
	// of them it would be reprocessed. Accepted approximation: bounded
	// memory wins over unbounded exactly-once.
	maxProcessed  = 5000
	keepProcessed = 2000

	// New repositories start with watermarks this far in the past.
	initialLookback = 7 * 24 * time.Hour
)

// Status classifies the outcome of a dispatched run.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RunRecord summarizes the last dispatched run for a conversation. It is
// overwritten by each new run, not accumulated as history (the journal keeps
// history).
type RunRecord struct {
	Status        string    `json:"status"`
	LastRunAt     time.Time `json:"last_run_at"`
	LastCommentID int64     `json:"last_comment_id"`
	RunID         string    `json:"run_id"`
	Resume        bool      `json:"resume"`
	ReturnCode    int       `json:"returncode"`
	Source        string    `json:"source"`
	CodexRunID    string    `json:"codex_run_id,omitempty"`
}

// ConversationState tracks dispatch state for one issue or PR. Only the
// timestamp field matching the conversation type is ever set.
type ConversationState struct {
	LastIssueUpdated time.Time `json:"last_issue_updated,omitempty"`
	LastPRUpdated    time.Time `json:"last_pr_updated,omitempty"`
	RunID            string    `json:"run_id,omitempty"`
	ReturnCode       int       `json:"returncode"`
	Status           string    `json:"status,omitempty"`

	// CodexRunID is the resume target for the next run. It is overwritten
	// only when a new id is extracted from worker output or an explicit
	// resume target was used, never cleared on failure, so a conversation
	// stays resumable across error runs.
	CodexRunID string `json:"codex_run_id,omitempty"`
}

// SetUpdated records the conversation's update timestamp in the field
// matching its type.
func (c *ConversationState) SetUpdated(isPR bool, t time.Time) {
	if isPR {
		c.LastPRUpdated = t
	} else {
		c.LastIssueUpdated = t
	}
}

// Updated returns the recorded update timestamp for the conversation type.
func (c *ConversationState) Updated(isPR bool) time.Time {
	if isPR {
		return c.LastPRUpdated
	}
	return c.LastIssueUpdated
}

// RepoState is the durable record for one watched repository.
type RepoState struct {
	Path                      string                        `json:"path"`
	LastSince                 time.Time                     `json:"last_since"`
	PRReviewLastSince         time.Time                     `json:"pr_review_last_since"`
	ProcessedCommentIDs       []int64                       `json:"processed_comment_ids"`
	ProcessedReviewCommentIDs []int64                       `json:"processed_review_comment_ids"`
	Runs                      map[string]RunRecord          `json:"runs"`
	IssueRuns                 map[string]*ConversationState `json:"issue_runs"`
	PRRuns                    map[string]*ConversationState `json:"pr_runs"`

	// In-memory indexes over the processed-id slices, rebuilt on load.
	seenComments       map[int64]struct{}
	seenReviewComments map[int64]struct{}
}

// HasProcessedComment reports whether the issue-comment id was already
// evaluated.
func (r *RepoState) HasProcessedComment(id int64) bool {
	_, ok := r.seenComments[id]
	return ok
}

// MarkCommentProcessed records an issue-comment id as evaluated. Every
// examined comment is marked, matched or not, so each id is evaluated at
// most once for the lifetime of the watcher.
func (r *RepoState) MarkCommentProcessed(id int64) {
	if r.HasProcessedComment(id) {
		return
	}
	r.ProcessedCommentIDs = append(r.ProcessedCommentIDs, id)
	r.seenComments[id] = struct{}{}
}

// HasProcessedReviewComment reports whether the review-comment id was
// already evaluated.
func (r *RepoState) HasProcessedReviewComment(id int64) bool {
	_, ok := r.seenReviewComments[id]
	return ok
}

// MarkReviewCommentProcessed records a review-comment id as evaluated.
func (r *RepoState) MarkReviewCommentProcessed(id int64) {
	if r.HasProcessedReviewComment(id) {
		return
	}
	r.ProcessedReviewCommentIDs = append(r.ProcessedReviewCommentIDs, id)
	r.seenReviewComments[id] = struct{}{}
}

// AdvanceCommentWatermark moves the issue-comment watermark forward. Calls
// with an older timestamp are ignored: watermarks never move backward.
func (r *RepoState) AdvanceCommentWatermark(t time.Time) {
	if t.After(r.LastSince) {
		r.LastSince = t
	}
}

// AdvanceReviewWatermark moves the review-comment watermark forward.
func (r *RepoState) AdvanceReviewWatermark(t time.Time) {
	if t.After(r.PRReviewLastSince) {
		r.PRReviewLastSince = t
	}
}

// RunsFor returns the conversation-state map for the conversation type.
func (r *RepoState) RunsFor(isPR bool) map[string]*ConversationState {
	if isPR {
		return r.PRRuns
	}
	return r.IssueRuns
}

// Trim bounds both dedup sets, keeping the most recently appended entries.
func (r *RepoState) Trim() {
	if len(r.ProcessedCommentIDs) > maxProcessed {
		r.ProcessedCommentIDs = append([]int64(nil), r.ProcessedCommentIDs[len(r.ProcessedCommentIDs)-keepProcessed:]...)
		r.seenComments = indexIDs(r.ProcessedCommentIDs)
	}
	if len(r.ProcessedReviewCommentIDs) > maxProcessed {
		r.ProcessedReviewCommentIDs = append([]int64(nil), r.ProcessedReviewCommentIDs[len(r.ProcessedReviewCommentIDs)-keepProcessed:]...)
		r.seenReviewComments = indexIDs(r.ProcessedReviewCommentIDs)
	}
}

// backfill initializes nil maps and rebuilds the in-memory indexes. Called
// on load and on ensure so older state files pick up newer fields.
func (r *RepoState) backfill(now time.Time) {
	if r.LastSince.IsZero() {
		r.LastSince = now.Add(-initialLookback)
	}
	if r.PRReviewLastSince.IsZero() {
		// Older state documents predate the review stream; inherit the
		// comment watermark rather than rescanning a full week.
		r.PRReviewLastSince = r.LastSince
	}
	if r.Runs == nil {
		r.Runs = map[string]RunRecord{}
	}
	if r.IssueRuns == nil {
		r.IssueRuns = map[string]*ConversationState{}
	}
	if r.PRRuns == nil {
		r.PRRuns = map[string]*ConversationState{}
	}
	r.seenComments = indexIDs(r.ProcessedCommentIDs)
	r.seenReviewComments = indexIDs(r.ProcessedReviewCommentIDs)
}

func indexIDs(ids []int64) map[int64]struct{} {
	idx := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		idx[id] = struct{}{}
	}
	return idx
}

// Document is the full persisted state, keyed by "owner/name".
type Document struct {
	Repos map[string]*RepoState `json:"repos"`
}

// Store loads, mutates, and atomically persists the state document.
type Store struct {
	path string
	doc  Document
	now  func() time.Time
}

// Load reads the state file at path. A missing file yields an empty
// document; a corrupt file is an error (better to stop than to rescan and
// re-dispatch a week of history).
func Load(path string) (*Store, error) {
	s := &Store{
		path: path,
		doc:  Document{Repos: map[string]*RepoState{}},
		now:  time.Now,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading state file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	if s.doc.Repos == nil {
		s.doc.Repos = map[string]*RepoState{}
	}
	now := s.now().UTC()
	for _, r := range s.doc.Repos {
		r.backfill(now)
	}
	return s, nil
}

// SetClock overrides the time source; tests only.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// EnsureRepo creates the record for a newly discovered repository (with
// watermarks a week back) or refreshes the local path of an existing one.
func (s *Store) EnsureRepo(name, path string) *RepoState {
	r, ok := s.doc.Repos[name]
	if !ok {
		now := s.now().UTC()
		r = &RepoState{
			Path:              path,
			LastSince:         now.Add(-initialLookback),
			PRReviewLastSince: now.Add(-initialLookback),
		}
		r.backfill(now)
		s.doc.Repos[name] = r
		return r
	}
	r.Path = path
	r.backfill(s.now().UTC())
	return r
}

// Repo returns the record for a repository, or nil when unknown.
func (s *Store) Repo(name string) *RepoState {
	return s.doc.Repos[name]
}

// RepoNames returns the names of all repositories present in state,
// including ones no longer discovered on disk (those are skipped by the
// poll loop but never purged).
func (s *Store) RepoNames() []string {
	names := make([]string, 0, len(s.doc.Repos))
	for name := range s.doc.Repos {
		names = append(names, name)
	}
	return names
}

// Save writes the document atomically: marshal to a temp file in the same
// directory, then rename over the target. A crash mid-save leaves the
// previous document intact.
func (s *Store) Save() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state temp file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
