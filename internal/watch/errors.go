package watch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable means the fetch failed, timed out or returned
	// nothing. No notification was sent and state is untouched.
	ErrSourceUnavailable = errors.New("result source unavailable")
	// ErrStoreUnavailable means a state read or write failed. The
	// invocation is safe to retry.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// PartialDeliveryError reports records that could not be delivered. Delivered
// records were committed; the failed ones stay pending for the next run.
type PartialDeliveryError struct {
	Failed    []string
	Delivered int
	Cause     error
}

func (e *PartialDeliveryError) Error() string {
	msg := fmt.Sprintf("delivery failed for %d result(s) (%d delivered): %s",
		len(e.Failed), e.Delivered, strings.Join(e.Failed, ", "))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *PartialDeliveryError) Unwrap() error { return e.Cause }

// IsPartialDelivery reports whether err carries a PartialDeliveryError.
func IsPartialDelivery(err error) bool {
	var pd *PartialDeliveryError
	return errors.As(err, &pd)
}
