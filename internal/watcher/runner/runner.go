// Package runner executes the external worker process and shapes its output
// for posting: truncation, worker-CLI chatter cleanup, session-id extraction,
// and result comment formatting.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Synthetic exit codes for runs that never produced one.
const (
	codeTimeout    = 124
	codeSpawnError = 125
	codeNotFound   = 127
)

// maxOutputChars bounds captured stdout/stderr before posting.
const maxOutputChars = 60000

// Spec describes one worker invocation.
type Spec struct {
	Command   string
	Args      []string
	Stdin     string // payload; sent only when SendStdin is true
	SendStdin bool
	Dir       string
	Timeout   time.Duration

	// ForwardToken keeps GITHUB_TOKEN in the child environment. Off by
	// default so the worker cannot act with the watcher's credentials.
	ForwardToken bool
}

// Result is the outcome of one worker invocation.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// CLI runs worker processes as local subprocesses.
type CLI struct{}

// Exec runs the worker under a hard wall-clock timeout in the given
// directory. It never returns an error: failures map to synthetic exit codes
// (124 timeout, 127 missing executable, 125 anything else) with an
// explanation in stderr, matching how a failed run is reported upstream.
func (CLI) Exec(ctx context.Context, spec Spec) Result {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = childEnv(spec)
	if spec.SendStdin {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return Result{
			Code:   codeTimeout,
			Stderr: fmt.Sprintf("Process timed out after %s.", spec.Timeout),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			return Result{
				Code:   exitErr.ExitCode(),
				Stdout: truncate(stdout.String(), "[output truncated]"),
				Stderr: truncate(stderr.String(), "[stderr truncated]"),
			}
		case errors.Is(err, exec.ErrNotFound):
			return Result{
				Code:   codeNotFound,
				Stderr: fmt.Sprintf("Command not found or not executable: %s", spec.Command),
			}
		default:
			return Result{
				Code:   codeSpawnError,
				Stderr: fmt.Sprintf("Unexpected error: %v", err),
			}
		}
	}

	return Result{
		Code:   0,
		Stdout: truncate(stdout.String(), "[output truncated]"),
		Stderr: truncate(stderr.String(), "[stderr truncated]"),
	}
}

// childEnv builds the worker environment: the parent environment with
// GITHUB_TOKEN stripped (unless forwarding is enabled) and PWD pointed at
// the working directory.
func childEnv(spec Spec) []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, kv := range os.Environ() {
		if !spec.ForwardToken && strings.HasPrefix(kv, "GITHUB_TOKEN=") {
			continue
		}
		if strings.HasPrefix(kv, "PWD=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "PWD="+spec.Dir)
}

func truncate(s, marker string) string {
	if len(s) <= maxOutputChars {
		return s
	}
	return s[:maxOutputChars] + "\n\n" + marker
}

// CleanStdout trims codex CLI chatter so posted comments contain only the
// final response. The convention: the last "tokens used" line ends the
// substantive output, and a trailing "codex" or "thinking" marker line
// starts it. Output from other commands is returned untouched.
func CleanStdout(out, command string) string {
	if out == "" {
		return out
	}
	if strings.ToLower(filepath.Base(command)) != "codex" {
		return out
	}

	lower := strings.ToLower(out)
	tokensIdx := strings.LastIndex(lower, "tokens used")
	if tokensIdx == -1 {
		return strings.TrimSpace(out)
	}

	prefix := strings.TrimRight(out[:tokensIdx], " \t\r\n")
	prefixLower := strings.ToLower(prefix)

	markerIdx := strings.LastIndex(prefixLower, "\ncodex\n")
	if markerIdx == -1 {
		markerIdx = strings.LastIndex(prefixLower, "\nthinking\n")
	}
	if markerIdx == -1 {
		markerIdx = 0
	} else {
		markerIdx++ // skip the leading newline of the marker line
	}

	trimmed := strings.TrimSpace(prefix[markerIdx:])

	lines := strings.Split(trimmed, "\n")
	if len(lines) > 0 && strings.ToLower(strings.TrimSpace(lines[0])) == "codex" {
		lines = lines[1:]
	}

	cleaned := strings.TrimSpace(strings.Join(lines, "\n"))
	if cleaned == "" {
		return strings.TrimSpace(out)
	}
	return cleaned
}

// Ordered candidates for a session identifier in worker output. First match
// wins: explicit run-id/session key-values, then the resume-hint phrase,
// then a generic JSON id field.
var runIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)\b(?:run[ _-]?id|session)\s*[:=]\s*([A-Za-z0-9._-]{6,})`),
	regexp.MustCompile(`(?im)\bresume\s+with:?\s*codex\s+resume\s+([A-Za-z0-9._-]{6,})`),
	regexp.MustCompile(`(?im)"id"\s*:\s*"([A-Za-z0-9._-]{6,})"`),
}

// ExtractRunID returns the worker session identifier found in mixed
// stdout/stderr text, or "" when none is present.
func ExtractRunID(text string) string {
	for _, pat := range runIDPatterns {
		if m := pat.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

// FormatResultComment composes the reply posted back to the conversation:
// the cleaned output when present, otherwise the captured stderr fenced as a
// code block, otherwise a synthetic exit message.
func FormatResultComment(runID string, code int, out, errOut string) string {
	out = strings.TrimSpace(out)
	if out != "" {
		return out
	}
	errOut = strings.TrimSpace(errOut)
	if errOut != "" {
		return "```\n" + errOut + "\n```"
	}
	return fmt.Sprintf("(run %s exited with code %d without producing output)", runID, code)
}

// OK classifies a run as successful: exit code zero and non-empty cleaned
// output. A silent zero-exit run is a failure: the worker produced nothing
// worth posting.
func OK(code int, cleanedOut string) bool {
	return code == 0 && strings.TrimSpace(cleanedOut) != ""
}
