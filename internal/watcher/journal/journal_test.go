package journal

import (
	"path/filepath"
	"testing"
	"time"
)

func testJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecentRuns(t *testing.T) {
	j := testJournal(t)

	entries := []Entry{
		{Repo: "owner/a", Number: 1, Source: "issue_comment", Intent: "default", RunID: "r1", ReturnCode: 0, OK: true, CreatedAt: time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)},
		{Repo: "owner/b", Number: 2, Source: "pr_comment", Intent: "resume", Resume: true, RunID: "r2", CodexRunID: "sess-1", ReturnCode: 1, CreatedAt: time.Date(2026, 8, 20, 11, 0, 0, 0, time.UTC)},
		{Repo: "owner/a", Number: 3, Source: "issue", Intent: "new", RunID: "r3", ReturnCode: 0, OK: true, CreatedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)},
	}
	for _, e := range entries {
		if err := j.Record(e); err != nil {
			t.Fatalf("recording %s: %v", e.RunID, err)
		}
	}

	runs, err := j.RecentRuns("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].RunID != "r3" || runs[2].RunID != "r1" {
		t.Errorf("runs not newest-first: %s, %s, %s", runs[0].RunID, runs[1].RunID, runs[2].RunID)
	}

	runs, err = j.RecentRuns("owner/a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("repo filter: got %d runs, want 2", len(runs))
	}
	for _, r := range runs {
		if r.Repo != "owner/a" {
			t.Errorf("unexpected repo %s", r.Repo)
		}
	}
}

func TestRecord_FillsIDAndTimestamp(t *testing.T) {
	j := testJournal(t)

	if err := j.Record(Entry{Repo: "owner/a", Number: 1, Source: "issue_comment", RunID: "r1"}); err != nil {
		t.Fatal(err)
	}
	runs, err := j.RecentRuns("", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Fatal("run not recorded")
	}
	if runs[0].ID == "" {
		t.Error("id not generated")
	}
	if runs[0].CreatedAt.IsZero() {
		t.Error("created_at not backfilled")
	}
}

func TestRecentRuns_Limit(t *testing.T) {
	j := testJournal(t)
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := j.Record(Entry{Repo: "owner/a", Number: i, Source: "issue", RunID: "r", CreatedAt: base.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := j.RecentRuns("", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("got %d runs, want 2", len(runs))
	}
}

func TestRecentRuns_RoundtripsBooleans(t *testing.T) {
	j := testJournal(t)
	if err := j.Record(Entry{Repo: "owner/a", Number: 1, Source: "pr_comment", RunID: "r1", Resume: true, OK: true}); err != nil {
		t.Fatal(err)
	}
	runs, err := j.RecentRuns("", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !runs[0].Resume || !runs[0].OK {
		t.Errorf("booleans lost: %+v", runs[0])
	}
}

func TestOpen_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "runs.db")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("opening journal in nested dir: %v", err)
	}
	j.Close()
}
