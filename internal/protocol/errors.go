package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrFetch matches every *FetchError via errors.Is.
	ErrFetch = errors.New("fetch failed")

	// ErrParse matches every *ParseError via errors.Is.
	ErrParse = errors.New("parse failed")

	// ErrInvalidEncoding is wrapped by a FetchError when a text body is not UTF-8.
	ErrInvalidEncoding = errors.New("response body is not valid UTF-8")

	// ErrIdleTimeout is wrapped by a FetchError when the server sends nothing for longer than the timeout.
	ErrIdleTimeout = errors.New("no data received within timeout")
)

// FetchError reports a failed retrieval. StatusCode is set when the server
// answered with a non-success status, otherwise Err holds the transport failure.
type FetchError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		status := e.Status
		if status == "" {
			status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
		}
		return fmt.Sprintf("fetching %s: HTTP %s", e.URL, status)
	}
	return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Temporary reports whether repeating the request may succeed.
func (e *FetchError) Temporary() bool {
	switch {
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode >= 500:
		return true
	case e.StatusCode != 0:
		return false
	}
	return !errors.Is(e.Err, ErrInvalidEncoding) && !errors.Is(e.Err, context.Canceled)
}

// ParseError reports a body that could not be interpreted.
type ParseError struct {
	URL  string
	Text string
	Err  error
}

func (e *ParseError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("parsing %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("parsing %s (%q): %v", e.URL, e.Text, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }
