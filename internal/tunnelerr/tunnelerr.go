// Package tunnelerr defines the error taxonomy shared by both tunnel peers:
// config errors, transport errors (transient vs fatal), protocol
// violations, and stream errors, per spec.md §7.
package tunnelerr

import "github.com/pkg/errors"

var (
	// ErrConfig marks a fatal startup configuration error.
	ErrConfig = errors.New("config error")

	// ErrTransportTransient marks a retryable chat-transport failure
	// (rate limit, timeout, 5xx).
	ErrTransportTransient = errors.New("transient transport error")

	// ErrTransportFatal marks a non-retryable chat-transport failure
	// (auth rejected, invalid chat).
	ErrTransportFatal = errors.New("fatal transport error")

	// ErrProtocolViolation marks a malformed or out-of-context frame. The
	// offending frame is dropped; no stream is torn down.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrStreamTornDown marks a single-stream failure (dial failure,
	// socket reset, write error, reorder overflow, connect timeout).
	// Other streams are unaffected.
	ErrStreamTornDown = errors.New("stream torn down")
)

// IsConfig reports whether err wraps ErrConfig.
func IsConfig(err error) bool { return errors.Is(err, ErrConfig) }

// IsTransportTransient reports whether err wraps ErrTransportTransient.
func IsTransportTransient(err error) bool { return errors.Is(err, ErrTransportTransient) }

// IsTransportFatal reports whether err wraps ErrTransportFatal.
func IsTransportFatal(err error) bool { return errors.Is(err, ErrTransportFatal) }

// IsProtocolViolation reports whether err wraps ErrProtocolViolation.
func IsProtocolViolation(err error) bool { return errors.Is(err, ErrProtocolViolation) }

// IsStreamTornDown reports whether err wraps ErrStreamTornDown.
func IsStreamTornDown(err error) bool { return errors.Is(err, ErrStreamTornDown) }
