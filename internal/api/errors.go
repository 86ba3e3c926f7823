package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetwork wraps transport failures.
	ErrNetwork = errors.New("network failure")
	// ErrMalformedResponse wraps undecodable response bodies.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrCancelled wraps calls ended by their context.
	ErrCancelled = errors.New("request cancelled")
)

// StatusError reports a non-2xx response, or a 2xx envelope whose status is not Success.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d %s: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("backend returned %d %s", e.Code, e.Status)
}

// Kind classifies a client error.
type Kind string

const (
	KindNone      Kind = "ok"
	KindNetwork   Kind = "network"
	KindBadStatus Kind = "bad_status"
	KindMalformed Kind = "malformed"
	KindCancelled Kind = "cancelled"
	KindUnknown   Kind = "unknown"
)

// KindOf maps err onto the client error taxonomy.
func KindOf(err error) Kind {
	var se *StatusError
	switch {
	case err == nil:
		return KindNone
	case IsCancelled(err):
		return KindCancelled
	case errors.As(err, &se):
		return KindBadStatus
	case errors.Is(err, ErrMalformedResponse):
		return KindMalformed
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// IsCancelled reports whether err came from a cancelled call.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// Describe renders err as a short message fit for a transcript.
func Describe(err error) string {
	var se *StatusError
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindCancelled:
		return "Request cancelled"
	case KindBadStatus:
		errors.As(err, &se)
		if se.Message != "" {
			return se.Message
		}
		return fmt.Sprintf("Request failed with status %d (%s)", se.Code, http.StatusText(se.Code))
	case KindMalformed:
		return "The server returned an unreadable response"
	case KindNetwork:
		return "Network error, please try again later"
	default:
		return err.Error()
	}
}

func networkError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, fmt.Sprintf(format, args...))
}
