package guardrail

import (
	"errors"
	"fmt"
)

// TransientError marks a detector failure worth retrying: provider
// unavailable, timeout, rate limit. Exhausted retries feed the breaker.
type TransientError struct {
	Detector string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("detector %s transient failure: %v", e.Detector, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure retrying cannot fix: bad configuration,
// invalid schema. It is logged and the detector's fail mode applies.
type PermanentError struct {
	Detector string
	Err      error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("detector %s permanent failure: %v", e.Detector, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable detector failure.
func Transient(detector string, err error) error {
	return &TransientError{Detector: detector, Err: err}
}

// Permanent wraps err as a non-retryable detector failure.
func Permanent(detector string, err error) error {
	return &PermanentError{Detector: detector, Err: err}
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
