package vote

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidVoteValue = errors.New("invalid vote value")
	ErrInvalidTarget    = errors.New("invalid vote target")
	ErrRateLimited      = errors.New("vote rate limited")
	ErrQuotaExceeded    = errors.New("daily vote quota exceeded")
	ErrTargetNotFound   = errors.New("vote target not found")
	ErrTransientStore   = errors.New("transient store error")
	ErrInconsistent     = errors.New("aggregate counters inconsistent")
)

// LimitError carries the retry hint of a Rate Guard rejection. Kind is
// ErrRateLimited or ErrQuotaExceeded.
type LimitError struct {
	Kind       error
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Kind, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return e.Kind }

// Transient wraps err so that errors.Is(err, ErrTransientStore) holds.
func Transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransientStore, err)
}

// RetryAfter extracts the retry hint from a guard rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var limitErr *LimitError
	if errors.As(err, &limitErr) {
		return limitErr.RetryAfter, true
	}
	return 0, false
}
