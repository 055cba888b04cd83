package dispatch

import (
	"reflect"
	"testing"

	"github.com/reporelay/reporelay/internal/watcher/trigger"
)

var (
	freshTpl  = []string{"exec", "-"}
	resumeTpl = []string{"resume"}
)

func TestDecide(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want Decision
	}{
		{
			name: "new is always fresh with context",
			in: Input{
				Intent:        trigger.IntentNew,
				StoredID:      "stored-123456",
				FreshArgs:     freshTpl,
				ResumeArgs:    resumeTpl,
				DefaultResume: true,
			},
			want: Decision{Args: []string{"exec", "-"}, SendContext: true},
		},
		{
			name: "resume with explicit id",
			in: Input{
				Intent:      trigger.IntentResume,
				RequestedID: "req-123456",
				StoredID:    "stored-123456",
				FreshArgs:   freshTpl,
				ResumeArgs:  resumeTpl,
			},
			want: Decision{Args: []string{"resume", "req-123456"}, Resume: true, ResumeTarget: "req-123456"},
		},
		{
			name: "resume falls back to stored id",
			in: Input{
				Intent:     trigger.IntentResume,
				StoredID:   "stored-123456",
				FreshArgs:  freshTpl,
				ResumeArgs: resumeTpl,
			},
			want: Decision{Args: []string{"resume", "stored-123456"}, Resume: true, ResumeTarget: "stored-123456"},
		},
		{
			name: "resume with no target degrades to fresh",
			in: Input{
				Intent:     trigger.IntentResume,
				FreshArgs:  freshTpl,
				ResumeArgs: resumeTpl,
			},
			want: Decision{Args: []string{"exec", "-"}, SendContext: true},
		},
		{
			name: "default resumes stored session when enabled",
			in: Input{
				Intent:        trigger.IntentDefault,
				StoredID:      "stored-123456",
				FreshArgs:     freshTpl,
				ResumeArgs:    resumeTpl,
				DefaultResume: true,
			},
			want: Decision{Args: []string{"resume", "stored-123456"}, Resume: true, ResumeTarget: "stored-123456"},
		},
		{
			name: "default with resume disabled is fresh",
			in: Input{
				Intent:     trigger.IntentDefault,
				StoredID:   "stored-123456",
				FreshArgs:  freshTpl,
				ResumeArgs: resumeTpl,
			},
			want: Decision{Args: []string{"exec", "-"}, SendContext: true},
		},
		{
			name: "default with no stored id is fresh",
			in: Input{
				Intent:        trigger.IntentDefault,
				FreshArgs:     freshTpl,
				ResumeArgs:    resumeTpl,
				DefaultResume: true,
			},
			want: Decision{Args: []string{"exec", "-"}, SendContext: true},
		},
		{
			name: "resume honors send-context flag",
			in: Input{
				Intent:            trigger.IntentResume,
				RequestedID:       "req-123456",
				FreshArgs:         freshTpl,
				ResumeArgs:        resumeTpl,
				ResumeSendContext: true,
			},
			want: Decision{Args: []string{"resume", "req-123456"}, SendContext: true, Resume: true, ResumeTarget: "req-123456"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.in)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("Decide() = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestDecide_Deterministic(t *testing.T) {
	in := Input{
		Intent:        trigger.IntentDefault,
		StoredID:      "stored-123456",
		FreshArgs:     freshTpl,
		ResumeArgs:    resumeTpl,
		DefaultResume: true,
	}
	first := Decide(in)
	for i := 0; i < 5; i++ {
		if got := Decide(in); !reflect.DeepEqual(got, first) {
			t.Fatalf("Decide() not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestDecide_DoesNotAliasTemplates(t *testing.T) {
	in := Input{
		Intent:     trigger.IntentResume,
		StoredID:   "stored-123456",
		FreshArgs:  []string{"exec", "-"},
		ResumeArgs: []string{"resume"},
	}
	dec := Decide(in)
	dec.Args[0] = "mutated"
	if in.ResumeArgs[0] != "resume" {
		t.Error("decision args alias the resume template")
	}

	in.Intent = trigger.IntentNew
	dec = Decide(in)
	dec.Args[0] = "mutated"
	if in.FreshArgs[0] != "exec" {
		t.Error("decision args alias the fresh template")
	}
}
