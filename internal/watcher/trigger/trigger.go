package trigger

import (
	"fmt"
	"regexp"
)

// Intent is the user directive parsed from trigger text.
type Intent string

const (
	IntentNew     Intent = "new"
	IntentResume  Intent = "resume"
	IntentDefault Intent = "default"
)

// Matcher classifies event text against the configured trigger pattern and
// extracts the session intent from it.
type Matcher struct {
	trigger  *regexp.Regexp
	newRe    *regexp.Regexp
	resumeRe *regexp.Regexp
	idIdx    int
}

// New compiles the user-supplied trigger pattern (case-insensitive). The same
// pattern anchors the intent keywords: "new" or "resume" appearing after a
// trigger match in the same text select the corresponding intent.
func New(pattern string) (*Matcher, error) {
	trigger, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling trigger pattern %q: %w", pattern, err)
	}

	// (?s) lets the keyword live on a later line of the comment.
	newRe, err := regexp.Compile(`(?is)(?:` + pattern + `).*\bnew\b`)
	if err != nil {
		return nil, fmt.Errorf("compiling new-intent pattern for %q: %w", pattern, err)
	}
	// The id group is named: the user pattern may carry capture groups of
	// its own, which would shift a positional index.
	resumeRe, err := regexp.Compile(`(?is)(?:` + pattern + `).*\bresume\b(?:\s+(?P<sid>[A-Za-z0-9._-]{6,}))?`)
	if err != nil {
		return nil, fmt.Errorf("compiling resume-intent pattern for %q: %w", pattern, err)
	}

	return &Matcher{
		trigger:  trigger,
		newRe:    newRe,
		resumeRe: resumeRe,
		idIdx:    resumeRe.SubexpIndex("sid"),
	}, nil
}

// Matches reports whether the text contains the trigger.
func (m *Matcher) Matches(text string) bool {
	return m.trigger.MatchString(text)
}

// ExtractIntent infers the session intent from trigger text. The checks are
// independent searches, not a single parse: "new" wins over "resume" when a
// comment contains both keywords. For resume, an explicit session identifier
// (alphanumeric/._- token of at least 6 chars) may follow the keyword and is
// returned as the second value.
func (m *Matcher) ExtractIntent(text string) (Intent, string) {
	if m.newRe.MatchString(text) {
		return IntentNew, ""
	}
	if sub := m.resumeRe.FindStringSubmatch(text); sub != nil {
		return IntentResume, sub[m.idIdx]
	}
	return IntentDefault, ""
}
