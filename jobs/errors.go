package jobs

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/api/googleapi"
)

// ErrorClass represents whether an error should be retried or not.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure worth another attempt.
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the job should fail immediately.
	ErrorClassFatal
	// ErrorClassUnknown is returned for a nil error.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Handlers wrap input errors with it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// statusCode finds an HTTP status written as its own token ("HTTP 404",
// "Error 403:", "(503)"), never digits inside a path or id.
var statusCode = regexp.MustCompile(`(?:^|[\s:(])([45]\d\d)(?:[\s:)]|$)`)

// Classify decides whether a handler error is retried.
//
// Fatal:
//   - errors marked Permanent (bad time range, unknown platform, missing rows)
//   - context cancellation (the service is shutting down)
//   - authorization and not-found responses from upstream APIs
//
// Retryable:
//   - network errors, timeouts, 5xx and rate limiting
//   - transcoder crashes, disk errors and anything unrecognised
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code)
	}

	lower := strings.ToLower(err.Error())
	if m := statusCode.FindStringSubmatch(lower); m != nil {
		code, _ := strconv.Atoi(m[1])
		return classifyStatus(code)
	}
	for _, p := range []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout"} {
		if strings.Contains(lower, p) {
			return ErrorClassRetryable
		}
	}
	for _, p := range []string{"unauthorized", "access denied", "forbidden", "invalid_grant", "no youtube token", "not found", "no such file or directory", "does not exist", "invalid argument"} {
		if strings.Contains(lower, p) {
			return ErrorClassFatal
		}
	}
	return ErrorClassRetryable
}

// classifyStatus retries 5xx, 408 and 429; other 4xx are fatal.
func classifyStatus(code int) ErrorClass {
	switch {
	case code >= 500, code == 408, code == 429:
		return ErrorClassRetryable
	case code >= 400:
		return ErrorClassFatal
	default:
		return ErrorClassRetryable
	}
}

// IsRetryable reports whether Classify would retry err.
func IsRetryable(err error) bool { return Classify(err) == ErrorClassRetryable }
