// Package cron provides a thin wrapper around robfig/cron for the
// fixed-interval sweepers used throughout the coordinator (liveness
// sweep, death sweep, persistence reconciliation): each is scheduled as
// a fixed-interval cron entry rather than a hand-rolled ticker loop.
package cron

import (
	"fmt"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Runner wraps a single robfig/cron scheduler running one or more
// fixed-interval jobs, started and stopped as a unit.
type Runner struct {
	c *cronlib.Cron
}

// NewRunner creates an empty Runner. Use Every to register jobs before
// calling Start.
func NewRunner() *Runner {
	return &Runner{c: cronlib.New()}
}

// Every registers fn to run every interval. The interval is used exactly
// as given, including sub-second values (robfig/cron's `@every` spec
// would round those up to one second). A non-positive interval is an
// error.
func (r *Runner) Every(interval time.Duration, fn func()) error {
	if interval <= 0 {
		return fmt.Errorf("cron: interval must be positive, got %v", interval)
	}
	r.c.Schedule(fixedInterval(interval), cronlib.FuncJob(fn))
	return nil
}

// fixedInterval is a cronlib.Schedule that fires interval after the
// previous activation.
type fixedInterval time.Duration

func (d fixedInterval) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Start begins running registered jobs in the background.
func (r *Runner) Start() { r.c.Start() }

// Stop halts the scheduler and blocks until any in-flight job finishes.
func (r *Runner) Stop() {
	<-r.c.Stop().Done()
}
