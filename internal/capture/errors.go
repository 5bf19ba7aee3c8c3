package capture

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// NavigationError is a failed or timed out page load: DNS, TLS, connection or engine errors.
type NavigationError struct {
	URL   string
	Limit time.Duration
	Err   error
}

func (e *NavigationError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("navigation to %s timed out after %s", e.URL, e.Limit)
	}
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error {
	return e.Err
}

func (e *NavigationError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
