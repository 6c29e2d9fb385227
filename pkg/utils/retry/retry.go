// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package retry

import (
	"context"
	"fmt"
	"time"
)

// ErrTimeoutReached is an error returned when timeout is reached.
type ErrTimeoutReached struct {
	Timeout time.Duration
}

func (e *ErrTimeoutReached) Error() string {
	return fmt.Sprintf("timeout reached after %s", e.Timeout)
}

// UntilSuccess retries the given function f for up to the given timeout,
// separating each attempt by the given retryInterval.
//
// f is considered successful if it does not return an error.
// In case the timeout is reached before the first failure of f,
// an ErrTimeoutReached is returned.
// If the context is cancelled first, the context error is returned.
// Otherwise, the error from the last attempt is returned.
func UntilSuccess(ctx context.Context, f func() error, timeout time.Duration, retryInterval time.Duration) error {
	totalTimer := time.NewTimer(timeout)
	defer totalTimer.Stop()
	var lastErr error
	errorToReturn := func() error {
		if lastErr == nil {
			return &ErrTimeoutReached{Timeout: timeout}
		}
		return lastErr
	}
	for {
		resp := make(chan error)
		go func() {
			resp <- f()
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-totalTimer.C:
			return errorToReturn()
		case err := <-resp:
			if err == nil {
				return nil
			}
			lastErr = err
			retryTimer := time.NewTimer(retryInterval)
			select {
			case <-retryTimer.C:
				retryTimer.Stop()
				continue
			case <-ctx.Done():
				retryTimer.Stop()
				return ctx.Err()
			case <-totalTimer.C:
				retryTimer.Stop()
				return errorToReturn()
			}
		}
	}
}
