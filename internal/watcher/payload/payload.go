// Package payload assembles the text document sent to the worker on stdin.
// Output is pure formatting: identical inputs produce byte-identical output.
package payload

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reporelay/reporelay/internal/watcher/github"
)

// Trigger describes the event that fired the dispatch. For issue and review
// comments the fields come from the comment; for body triggers they come
// from the issue itself.
type Trigger struct {
	ID        int64
	Author    string
	CreatedAt time.Time
	Body      string
}

// BuildInput collects everything the job document is assembled from.
type BuildInput struct {
	Repo     string
	Issue    github.Issue
	Comments []github.Comment
	Parent   *github.Issue // nil when the conversation has no parent issue
	Trigger  Trigger
	Resume   bool
}

// Build renders the job input document: header, system instructions,
// conversation body, optional parent issue, the trigger body, and all
// comments in ascending created-at order.
func Build(in BuildInput) string {
	label := "ISSUE"
	if in.Issue.IsPR {
		label = "PR"
	}
	mode := "NEW"
	if in.Resume {
		mode = "RESUME"
	}

	var b strings.Builder
	line := func(format string, args ...any) {
		fmt.Fprintf(&b, format+"\n", args...)
	}

	line("REPO: %s", in.Repo)
	line("%s: #%d - %s", label, in.Issue.Number, strings.TrimSpace(in.Issue.Title))
	line("TRIGGERED_BY: comment_id=%d by @%s at %s", in.Trigger.ID, in.Trigger.Author, formatTime(in.Trigger.CreatedAt))
	line("MODE: %s", mode)
	line("")
	line("=== INITIAL INSTRUCTIONS (SYSTEM) ===")
	line("1) Read the conversation body, any linked parent issue body, and the collected comments.")
	line("2) Follow the instructions contained in the conversation (and parent if relevant).")
	line("3) Perform the requested work, and provide your output.")
	line("")
	line("=== %s BODY ===", label)
	line("%s", orNoBody(in.Issue.Body))
	line("")

	if in.Parent != nil {
		line("=== PARENT ISSUE BODY ===")
		line("(Parent issue #%d: %s)", in.Parent.Number, strings.TrimSpace(in.Parent.Title))
		line("%s", orNoBody(in.Parent.Body))
		line("")
	}

	if in.Trigger.Body != "" {
		line("=== TRIGGER COMMENT BODY ===")
		line("%s", in.Trigger.Body)
		line("")
	}

	line("=== %s COMMENTS (chronological) ===", label)
	for _, c := range sortedByCreation(in.Comments) {
		line("[%s] @%s:", formatTime(c.CreatedAt), orUnknown(c.User))
		line("%s", strings.TrimRight(c.Body, " \t\r\n"))
		line("")
	}

	// The final blank line is part of the document shape; trim only the
	// trailing newline the last call added beyond it.
	return strings.TrimSuffix(b.String(), "\n")
}

// sortedByCreation orders comments ascending by creation time without
// mutating the input. The sort is stable: ties and zero timestamps (which
// sort first) keep their original relative order.
func sortedByCreation(comments []github.Comment) []github.Comment {
	out := make([]github.Comment, len(comments))
	copy(out, comments)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

var (
	parentLineRe = regexp.MustCompile(`(?im)^\s*parent\s*[:\-]?\s*#(\d+)\s*$`)
	parentWordRe = regexp.MustCompile(`(?i)\bparent\b`)
	numberRefRe  = regexp.MustCompile(`#(\d+)`)
)

// FindParentNumber scans a conversation body for a parent-issue reference:
// first a dedicated "parent: #N" line, then any line containing the word
// "parent" together with a "#N" reference. First match wins. Returns 0 when
// no reference is found.
func FindParentNumber(body string) int {
	if body == "" {
		return 0
	}
	if m := parentLineRe.FindStringSubmatch(body); m != nil {
		return atoiOrZero(m[1])
	}
	for _, l := range strings.Split(body, "\n") {
		if !parentWordRe.MatchString(l) {
			continue
		}
		if m := numberRefRe.FindStringSubmatch(l); m != nil {
			return atoiOrZero(m[1])
		}
	}
	return 0
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	return t.UTC().Format(time.RFC3339)
}

func orNoBody(s string) string {
	if s == "" {
		return "(no body)"
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
