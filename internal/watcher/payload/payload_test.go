package payload

import (
	"strings"
	"testing"
	"time"

	"github.com/reporelay/reporelay/internal/watcher/github"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func baseInput() BuildInput {
	return BuildInput{
		Repo: "owner/repo",
		Issue: github.Issue{
			Number: 42,
			Title:  "Fix the widget",
			Body:   "The widget is broken.",
		},
		Trigger: Trigger{
			ID:        1001,
			Author:    "alice",
			CreatedAt: ts("2026-08-20T10:00:00Z"),
			Body:      "codexe please fix",
		},
	}
}

func TestBuild_Header(t *testing.T) {
	doc := Build(baseInput())

	for _, want := range []string{
		"REPO: owner/repo",
		"ISSUE: #42 - Fix the widget",
		"TRIGGERED_BY: comment_id=1001 by @alice at 2026-08-20T10:00:00Z",
		"MODE: NEW",
		"=== ISSUE BODY ===",
		"The widget is broken.",
		"=== TRIGGER COMMENT BODY ===",
		"codexe please fix",
		"=== ISSUE COMMENTS (chronological) ===",
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q\n%s", want, doc)
		}
	}
}

func TestBuild_PRAndResumeLabels(t *testing.T) {
	in := baseInput()
	in.Issue.IsPR = true
	in.Resume = true
	doc := Build(in)

	if !strings.Contains(doc, "PR: #42") {
		t.Error("expected PR label")
	}
	if !strings.Contains(doc, "MODE: RESUME") {
		t.Error("expected RESUME mode")
	}
	if !strings.Contains(doc, "=== PR BODY ===") {
		t.Error("expected PR body section")
	}
}

func TestBuild_CommentsChronological(t *testing.T) {
	in := baseInput()
	in.Comments = []github.Comment{
		{User: "second", Body: "later", CreatedAt: ts("2026-08-20T11:00:00Z")},
		{User: "first", Body: "earlier", CreatedAt: ts("2026-08-20T09:00:00Z")},
		{User: "undated", Body: "no timestamp"},
	}
	doc := Build(in)

	iUndated := strings.Index(doc, "@undated")
	iFirst := strings.Index(doc, "@first")
	iSecond := strings.Index(doc, "@second")
	if iUndated == -1 || iFirst == -1 || iSecond == -1 {
		t.Fatalf("missing comment authors in document:\n%s", doc)
	}
	if !(iUndated < iFirst && iFirst < iSecond) {
		t.Errorf("comments out of order: undated=%d first=%d second=%d", iUndated, iFirst, iSecond)
	}
	if !strings.Contains(doc, "[?] @undated:") {
		t.Error("zero timestamp should render as ?")
	}
}

func TestBuild_ParentSection(t *testing.T) {
	in := baseInput()
	in.Parent = &github.Issue{Number: 7, Title: "Epic", Body: "Parent context."}
	doc := Build(in)

	if !strings.Contains(doc, "=== PARENT ISSUE BODY ===") {
		t.Error("expected parent section")
	}
	if !strings.Contains(doc, "(Parent issue #7: Epic)") {
		t.Error("expected parent header line")
	}
	if !strings.Contains(doc, "Parent context.") {
		t.Error("expected parent body")
	}

	in.Parent = nil
	if strings.Contains(Build(in), "PARENT ISSUE") {
		t.Error("parent section should be absent without a parent")
	}
}

func TestBuild_EmptyBodies(t *testing.T) {
	in := baseInput()
	in.Issue.Body = ""
	in.Trigger.Body = ""
	doc := Build(in)

	if !strings.Contains(doc, "(no body)") {
		t.Error("empty issue body should render as (no body)")
	}
	if strings.Contains(doc, "TRIGGER COMMENT BODY") {
		t.Error("trigger section should be absent for empty trigger body")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	in := baseInput()
	in.Comments = []github.Comment{
		{User: "a", Body: "x", CreatedAt: ts("2026-08-20T09:00:00Z")},
		{User: "b", Body: "y", CreatedAt: ts("2026-08-20T09:00:00Z")},
	}
	first := Build(in)
	for i := 0; i < 5; i++ {
		if got := Build(in); got != first {
			t.Fatal("Build is not deterministic for identical input")
		}
	}
}

func TestFindParentNumber(t *testing.T) {
	cases := []struct {
		name string
		body string
		want int
	}{
		{"dedicated line", "Some intro\nparent: #12\nmore", 12},
		{"dedicated line dash", "Parent - #34", 34},
		{"word and ref on one line", "this tracks the parent issue #56 closely", 56},
		{"first match wins", "parent: #1\nparent: #2", 1},
		{"ref without parent word", "see #99 for details", 0},
		{"parent word without ref", "ask the parent team", 0},
		{"empty", "", 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FindParentNumber(tc.body); got != tc.want {
				t.Errorf("FindParentNumber(%q) = %d, want %d", tc.body, got, tc.want)
			}
		})
	}
}
