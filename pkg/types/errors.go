package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of failure categories a job function or
// executor may produce. Workers convert every one of these into a failed
// ExecutionResult; none of them cross the worker boundary as an error.
type ErrorKind int

const (
	// KindUnclassified is any failure outside the closed set below. It is
	// the only category logged with a stack-style detail line.
	KindUnclassified ErrorKind = iota
	// KindCommandNotFound means a required external command is missing.
	KindCommandNotFound
	// KindExecutionFailed is a generic, expected execution failure.
	KindExecutionFailed
	// KindInvalidInvocation covers bad executor names and malformed
	// executor lists.
	KindInvalidInvocation
	// KindArgumentMismatch means the supplied arguments do not fit the
	// function's signature.
	KindArgumentMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindCommandNotFound:
		return "command not found"
	case KindExecutionFailed:
		return "execution failed"
	case KindInvalidInvocation:
		return "invalid invocation"
	case KindArgumentMismatch:
		return "argument mismatch"
	default:
		return "unclassified error"
	}
}

// JobError is a classified job-level failure.
type JobError struct {
	Kind ErrorKind
	Msg  string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// NewJobError builds a classified failure with a formatted message.
func NewJobError(kind ErrorKind, format string, args ...any) *JobError {
	return &JobError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ClassifyError maps an arbitrary error onto the closed taxonomy,
// defaulting to KindUnclassified.
func ClassifyError(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindUnclassified
}

// BlackoutError reports a function rejected while blackout mode is active.
type BlackoutError struct {
	Fun string
}

func (e *BlackoutError) Error() string {
	return fmt.Sprintf(
		"minion in blackout mode: only %q and whitelisted functions are "+
			"permitted, refusing %q", BlackoutRefreshFun, e.Fun)
}

// BlackoutRefreshFun is always permitted during blackout so operators can
// lift the blackout by refreshing pillar data.
const BlackoutRefreshFun = "saltutil.refresh_pillar"

// NotFoundError reports a function absent from an agent's function table,
// carrying the nearest documentation matches and any load error recorded
// for the function's module.
type NotFoundError struct {
	Fun       string
	Suggest   []string
	LoadError string
}

func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%q is not available", e.Fun)
	if len(e.Suggest) > 0 {
		msg += fmt.Sprintf("; did you mean one of %v", e.Suggest)
	}
	if e.LoadError != "" {
		msg += fmt.Sprintf("; module failed to load: %s", e.LoadError)
	}
	return msg
}
