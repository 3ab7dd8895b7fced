// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// TimeoutError fires when the idle window elapses with no data, or when
// the relay's watchdog reports an in-band timeout event.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// Is supports errors.Is checks against a zero TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// ErrIdleTimeout is the client-side idle timeout.
var ErrIdleTimeout = &TimeoutError{Message: "response timeout - no data received"}

// OverloadError is the sole auto-retried error kind: the upstream
// signals it is temporarily overloaded.
type OverloadError struct {
	Message string
}

func (e *OverloadError) Error() string {
	if e.Message != "" {
		return "upstream overloaded: " + e.Message
	}
	return "upstream overloaded"
}

// Is supports errors.Is checks against a zero OverloadError.
func (e *OverloadError) Is(target error) bool {
	_, ok := target.(*OverloadError)
	return ok
}

// APIError is a non-2xx upstream response or an in-band error event,
// carrying the upstream-provided type and message.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("api error (HTTP %d, %s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("api error (%s): %s", e.Type, e.Message)
}

// DecodeError is a malformed stream frame that cannot be interpreted.
type DecodeError struct {
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed stream frame %q: %v", truncateLine(e.Line), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError wraps a mid-stream failure together with the partial text
// accumulated before it. Callers must discard the partial text rather
// than persisting it; it is carried for diagnostics only.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream failed after %d chars: %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream failed: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func truncateLine(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
