// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// CancelledError marks a stage cut short by the overall run deadline or an
// explicit cancellation, as opposed to failing on its own. Reported
// distinctly so retries can target genuinely failed entries only.
type CancelledError struct {
	Stage string
	Cause error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("stage %s cancelled: %v", e.Stage, e.Cause)
}

func (e *CancelledError) Unwrap() error {
	return e.Cause
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
