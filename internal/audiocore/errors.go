package audiocore

import (
	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// ComponentAudioCore identifies errors raised by the shared pipeline types.
const ComponentAudioCore = "audiocore"

var (
	// ErrDeviceUnavailable is returned when the input device cannot be opened or read.
	ErrDeviceUnavailable = sentinel("audio device unavailable", errors.CategoryDeviceUnavailable)

	// ErrFormatUnsupported is returned when the device rejects the requested parameters.
	ErrFormatUnsupported = sentinel("audio format unsupported", errors.CategoryFormatUnsupported)

	// ErrInvalidFrame is returned for frames whose sample count does not match the configuration.
	ErrInvalidFrame = sentinel("invalid sample frame", errors.CategoryInvalidFrame)

	// ErrMuxInvariantViolation signals a muxer bug. It is never recoverable.
	ErrMuxInvariantViolation = sentinel("container mux invariant violated", errors.CategoryMuxInvariant)

	// ErrConnectTimeout is returned when the sink cannot connect or finish the handshake in time.
	ErrConnectTimeout = sentinel("connect timeout", errors.CategoryConnectTimeout)

	// ErrAuthRejected is returned when the server refuses the source credentials.
	ErrAuthRejected = sentinel("authentication rejected", errors.CategoryAuthRejected)

	// ErrTransport covers connection drops, write failures and unexpected server replies.
	ErrTransport = sentinel("transport error", errors.CategoryTransport)

	// ErrStopTimeout is returned when a goroutine does not observe a stop request in time.
	ErrStopTimeout = sentinel("stop timeout", errors.CategoryStopTimeout)
)

func sentinel(msg string, category errors.ErrorCategory) *errors.EnhancedError {
	return errors.New(errors.NewStd(msg)).
		Component(ComponentAudioCore).
		Category(category).
		Build()
}

// IsStructural reports whether err must not be retried automatically.
func IsStructural(err error) bool {
	return errors.Is(err, ErrFormatUnsupported) ||
		errors.Is(err, ErrAuthRejected) ||
		errors.Is(err, ErrMuxInvariantViolation)
}

// IsTransient reports whether err may be recovered locally by retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrDeviceUnavailable) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.Is(err, ErrTransport)
}
