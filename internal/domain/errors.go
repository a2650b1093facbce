package domain

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Grading Errors
// Every failure coming back from an external collaborator is tagged with a
// kind by the adapter that produced it. The dispatcher only ever looks at the
// kind, never at the message.
// -----------------------------------------------------------------------------

// ErrorKind discriminates per-item problems from upstream outages
type ErrorKind string

const (
	// KindContent is a problem with one submission (unreadable file,
	// malformed grading output). The batch continues.
	KindContent ErrorKind = "content"
	// KindService means the grading capability itself is unavailable
	// (unreachable, auth rejected, rate limited). The batch aborts.
	KindService ErrorKind = "service"
)

// GradingError carries the error kind alongside the underlying cause.
type GradingError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *GradingError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *GradingError) Unwrap() error {
	return e.Err
}

// ContentError tags err as a per-item failure.
func ContentError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GradingError{Kind: KindContent, Op: op, Err: err}
}

// ServiceError tags err as a failure of the upstream service.
func ServiceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GradingError{Kind: KindService, Op: op, Err: err}
}

// KindOf returns the kind of a tagged error. Untagged errors count as content
// errors: escalation must be decided by an adapter, not guessed here.
func KindOf(err error) ErrorKind {
	var ge *GradingError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindContent
}

// IsServiceError reports whether err should abort the batch
func IsServiceError(err error) bool {
	return err != nil && KindOf(err) == KindService
}

// IsTagged reports whether some adapter already classified err.
func IsTagged(err error) bool {
	var ge *GradingError
	return errors.As(err, &ge)
}

// Content-level sentinels
var (
	ErrUnreadableContent   = errors.New("unreadable content")
	ErrUnsupportedContent  = errors.New("unsupported content type")
	ErrMalformedResponse   = errors.New("malformed grading response")
	ErrEmptyResponse       = errors.New("empty grading response")
	ErrScoreOutOfRange     = errors.New("score out of range")
	ErrConsecutiveTimeouts = errors.New("too many consecutive grading timeouts")
)

// General errors
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)
