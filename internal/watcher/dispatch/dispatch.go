// Package dispatch decides the worker invocation shape for a matched trigger.
package dispatch

import "github.com/reporelay/reporelay/internal/watcher/trigger"

// Input carries everything Decide needs. FreshArgs and ResumeArgs are the
// configured argument templates; the resume target is appended to ResumeArgs.
type Input struct {
	Intent      trigger.Intent
	RequestedID string // explicit id from the trigger text, may be empty
	StoredID    string // last known session id for this conversation, may be empty

	FreshArgs         []string
	ResumeArgs        []string
	DefaultResume     bool
	ResumeSendContext bool
}

// Decision is the invocation shape for one worker run.
type Decision struct {
	Args         []string
	SendContext  bool
	Resume       bool
	ResumeTarget string
}

// Decide maps intent and stored run state to an invocation. It is a pure
// function: identical inputs always yield identical outputs.
//
// Policy, evaluated in order:
//  1. new intent: fresh args, full context.
//  2. resume intent with a resolvable target (explicit wins over stored):
//     resume args + target; context per ResumeSendContext.
//  3. resume intent with no target: degrade to a fresh run.
//  4. default intent with a stored id and default-resume enabled: resume.
//  5. otherwise: fresh run.
func Decide(in Input) Decision {
	fresh := Decision{Args: freshArgs(in), SendContext: true}

	switch in.Intent {
	case trigger.IntentNew:
		return fresh
	case trigger.IntentResume:
		target := in.RequestedID
		if target == "" {
			target = in.StoredID
		}
		if target == "" {
			return fresh
		}
		return resumeDecision(in, target)
	default:
		if in.StoredID != "" && in.DefaultResume {
			return resumeDecision(in, in.StoredID)
		}
		return fresh
	}
}

func resumeDecision(in Input, target string) Decision {
	args := make([]string, 0, len(in.ResumeArgs)+1)
	args = append(args, in.ResumeArgs...)
	args = append(args, target)
	return Decision{
		Args:         args,
		SendContext:  in.ResumeSendContext,
		Resume:       true,
		ResumeTarget: target,
	}
}

func freshArgs(in Input) []string {
	args := make([]string, len(in.FreshArgs))
	copy(args, in.FreshArgs)
	return args
}
