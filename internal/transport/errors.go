package transport

import (
	"time"

	"github.com/cockroachdb/errors"
)

// failureClass says how a delivery error should be handled by the retry
// loop.
type failureClass int

const (
	classPermanent   failureClass = iota + 1 // do not retry
	classUnreachable                         // do not retry; the chat is gone
	classThrottled                           // retry after the given delay
)

// DeliveryError annotates a transport error with how to handle it.
type DeliveryError struct {
	Err   error
	class failureClass
	after time.Duration
}

func (e *DeliveryError) Error() string {
	switch e.class {
	case classThrottled:
		return "retry-after(" + e.after.String() + "): " + e.Err.Error()
	default:
		return "permanent: " + e.Err.Error()
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func classified(err error, class failureClass, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &DeliveryError{Err: err, class: class, after: after}
}

func classOf(err error) (*DeliveryError, bool) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Permanent marks a failure that retrying cannot fix, such as malformed
// content or missing rights.
func Permanent(err error) error { return classified(err, classPermanent, 0) }

// Unreachable marks a permanent failure caused by the chat itself being
// gone: deleted, or the bot removed or blocked. Such chats get deactivated.
func Unreachable(err error) error { return classified(err, classUnreachable, 0) }

// RetryAfter marks a transient failure with the delay the platform asked
// for, e.g. a Telegram flood wait.
func RetryAfter(err error, after time.Duration) error {
	return classified(err, classThrottled, max(after, 0))
}

// IsPermanent covers both Permanent and Unreachable.
func IsPermanent(err error) bool {
	de, ok := classOf(err)
	return ok && (de.class == classPermanent || de.class == classUnreachable)
}

func IsUnreachable(err error) bool {
	de, ok := classOf(err)
	return ok && de.class == classUnreachable
}

// RetryAfterOf returns the delay carried by a RetryAfter error.
func RetryAfterOf(err error) (time.Duration, bool) {
	de, ok := classOf(err)
	if !ok || de.class != classThrottled {
		return 0, false
	}
	return de.after, true
}
