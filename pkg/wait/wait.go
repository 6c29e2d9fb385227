// Copyright the chartmatrix contributors. Licensed under the Apache License 2.0;
// you may not use this file except in compliance with the Apache License 2.0.

// Package wait polls an external readiness oracle until a named set of
// workloads stabilizes, a deadline expires, or a workload starts
// crash-looping.
package wait

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("wait")

// Status is one observation of the external cluster state.
type Status struct {
	Ready         bool
	RestartCounts map[string]int32
}

// Oracle reports the current state of the named workloads.
type Oracle interface {
	Status(ctx context.Context, workloads []string) (Status, error)
}

// ReadinessTarget names a set of workloads that must become ready together.
// Readiness is all-or-nothing across the set.
type ReadinessTarget struct {
	Name         string
	Workloads    []string
	Deadline     time.Duration
	PollInterval time.Duration
	StableWindow time.Duration // how long readiness must hold before success
	MaxRestarts  int32
}

// TimeoutError is returned when the deadline elapses before readiness.
type TimeoutError struct {
	Target   string
	Deadline time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: not ready after %s (%d attempts)", e.Target, e.Deadline, e.Attempts)
}

// RestartLimitError is returned when a workload restarts more than allowed
// before readiness is reached. It distinguishes "still starting" from
// "crash-looping".
type RestartLimitError struct {
	Target   string
	Workload string
	Restarts int32
	Limit    int32
}

func (e *RestartLimitError) Error() string {
	return fmt.Sprintf("%s: workload %s restarted %d times, limit is %d", e.Target, e.Workload, e.Restarts, e.Limit)
}

// Waiter polls an Oracle at a fixed interval.
type Waiter struct {
	clock clockwork.Clock
}

func NewWaiter() *Waiter {
	return &Waiter{clock: clockwork.NewRealClock()}
}

func NewWaiterWithClock(clock clockwork.Clock) *Waiter {
	return &Waiter{clock: clock}
}

// Await blocks until all workloads in the target report ready for at least
// the stable window. It returns the number of poll attempts used, and a
// *TimeoutError, *RestartLimitError or the context error on failure.
// The restart-limit check takes precedence over readiness: a crash-looping
// workload fails the wait even if the set reports ready.
func (w *Waiter) Await(ctx context.Context, oracle Oracle, target ReadinessTarget) (int, error) {
	deadline := w.clock.Now().Add(target.Deadline)
	attempts := 0
	var readySince time.Time

	for {
		if err := ctx.Err(); err != nil {
			return attempts, err
		}

		attempts++
		status, err := oracle.Status(ctx, target.Workloads)
		if err != nil {
			// transient oracle errors count as not ready
			log.V(1).Info("Oracle error, treating as not ready", "target", target.Name, "error", err.Error())
			readySince = time.Time{}
		} else {
			for workload, restarts := range status.RestartCounts {
				if restarts > target.MaxRestarts {
					return attempts, &RestartLimitError{
						Target:   target.Name,
						Workload: workload,
						Restarts: restarts,
						Limit:    target.MaxRestarts,
					}
				}
			}

			now := w.clock.Now()
			switch {
			case !status.Ready:
				readySince = time.Time{}
			case readySince.IsZero():
				readySince = now
			}
			if !readySince.IsZero() && now.Sub(readySince) >= target.StableWindow {
				log.V(1).Info("Target ready", "target", target.Name, "attempts", attempts)
				return attempts, nil
			}
		}

		if w.clock.Now().Add(target.PollInterval).After(deadline) {
			return attempts, &TimeoutError{Target: target.Name, Deadline: target.Deadline, Attempts: attempts}
		}

		select {
		case <-ctx.Done():
			return attempts, ctx.Err()
		case <-w.clock.After(target.PollInterval):
		}
	}
}
