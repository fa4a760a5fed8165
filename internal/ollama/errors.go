package ollama

import (
	"errors"
	"fmt"
)

// serviceUnreachableError signals that the runtime could not be reached or
// answered with a non-2xx status.
type serviceUnreachableError struct {
	url    string
	status int
	err    error
}

func (e serviceUnreachableError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("ollama at %s returned status %d: %v", e.url, e.status, e.err)
	}
	return fmt.Sprintf("ollama unreachable at %s: %v", e.url, e.err)
}

func (e serviceUnreachableError) Unwrap() error { return e.err }

// ErrServiceUnreachable constructs a serviceUnreachableError.
func ErrServiceUnreachable(url string, err error) error {
	return serviceUnreachableError{url: url, err: err}
}

// IsServiceUnreachable reports whether err indicates the runtime is down or refusing requests.
func IsServiceUnreachable(err error) bool {
	var e serviceUnreachableError
	return errors.As(err, &e)
}

// malformedFragmentError describes one stream line that was not valid JSON.
// It is logged and counted, never returned.
type malformedFragmentError struct {
	line string
	err  error
}

func (e malformedFragmentError) Error() string {
	return fmt.Sprintf("malformed stream fragment %q: %v", e.line, e.err)
}

func (e malformedFragmentError) Unwrap() error { return e.err }

// IsMalformedFragment reports whether err is a skipped stream line.
func IsMalformedFragment(err error) bool {
	var e malformedFragmentError
	return errors.As(err, &e)
}

// runtimeError carries an "error" field reported inside the stream.
type runtimeError struct{ msg string }

func (e runtimeError) Error() string { return "ollama: " + e.msg }

// exhaustedRetriesError is attached to the result of a call that failed every attempt.
type exhaustedRetriesError struct {
	attempts int
	last     error
}

func (e exhaustedRetriesError) Error() string {
	return fmt.Sprintf("failed to query model after %d attempts: %v", e.attempts, e.last)
}

func (e exhaustedRetriesError) Unwrap() error { return e.last }

// IsExhaustedRetries reports whether err is the terminal error of a retried call.
func IsExhaustedRetries(err error) bool {
	var e exhaustedRetriesError
	return errors.As(err, &e)
}
