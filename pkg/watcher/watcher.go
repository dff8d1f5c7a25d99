// Package watcher polls an advisor on a self-adjusting schedule that keeps
// the time spent producing advice within a budget.
package watcher

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
)

const (
	DefaultMaxMillisecondsPerSecond = 5
	DefaultMinInterval              = 100 * time.Millisecond
	DefaultMaxInterval              = 5 * time.Second
	DefaultUnresponsiveThreshold    = time.Second
)

// Advisor is the part of *advisor.Advisor a watcher needs.
type Advisor interface {
	GetAdvice(ctx context.Context) (advisor.Advice, error)
	Backgrounded() bool
}

// Client receives what the watcher observes. NewState is only called when
// the state changes; ReceiveAdvice is called on every iteration.
type Client interface {
	NewState(state advisor.MemoryState)
	ReceiveAdvice(advice advisor.Advice)
}

// ClientFuncs adapts plain functions to Client. Nil functions are skipped.
type ClientFuncs struct {
	OnNewState func(advisor.MemoryState)
	OnAdvice   func(advisor.Advice)
}

func (c ClientFuncs) NewState(state advisor.MemoryState) {
	if c.OnNewState != nil {
		c.OnNewState(state)
	}
}

func (c ClientFuncs) ReceiveAdvice(advice advisor.Advice) {
	if c.OnAdvice != nil {
		c.OnAdvice(advice)
	}
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Watcher struct {
	Advisor Advisor
	Client  Client
	// MaxMillisecondsPerSecond is the share of wall time, in milliseconds
	// per second, the watcher may spend inside the advisor.
	MaxMillisecondsPerSecond float64
	MinInterval              time.Duration
	MaxInterval              time.Duration
	// Iterations starting later than this past their schedule do not count
	// towards the elapsed time of the budget.
	UnresponsiveThreshold time.Duration
	Logger                *log.Logger
	Clock                 Clock
}

// Budget is the running account of a watcher.
type Budget struct {
	Start        time.Time
	Spent        time.Duration
	Unresponsive time.Duration
}

// NextSleep returns how long to wait so that the time spent in the advisor
// stays at maxMsPerSecond per second of responsive wall time, clamped to
// [min, max].
func NextSleep(b Budget, now time.Time, maxMsPerSecond float64, min, max time.Duration) time.Duration {
	var sleep time.Duration
	if maxMsPerSecond > 0 {
		target := time.Duration(float64(b.Spent) * 1000 / maxMsPerSecond)
		sleep = target - (now.Sub(b.Start) - b.Unresponsive)
	} else {
		sleep = max
	}
	if sleep < min {
		sleep = min
	}
	if sleep > max {
		sleep = max
	}
	return sleep
}

func (w *Watcher) withDefaults() {
	if w.MaxMillisecondsPerSecond <= 0 {
		w.MaxMillisecondsPerSecond = DefaultMaxMillisecondsPerSecond
	}
	if w.MinInterval <= 0 {
		w.MinInterval = DefaultMinInterval
	}
	if w.MaxInterval <= 0 {
		w.MaxInterval = DefaultMaxInterval
	}
	if w.MaxInterval < w.MinInterval {
		w.MaxInterval = w.MinInterval
	}
	if w.UnresponsiveThreshold <= 0 {
		w.UnresponsiveThreshold = DefaultUnresponsiveThreshold
	}
	if w.Clock == nil {
		w.Clock = realClock{}
	}
	if w.Logger == nil {
		w.Logger = log.StandardLogger()
	}
	if w.Client == nil {
		w.Client = ClientFuncs{}
	}
}

// Run polls until ctx is cancelled. Iterations never overlap.
func (w *Watcher) Run(ctx context.Context) error {
	w.withDefaults()

	budget := Budget{Start: w.Clock.Now()}
	scheduled := budget.Start
	last := advisor.StateUnknown

	for {
		start := w.Clock.Now()
		if late := start.Sub(scheduled); late > w.UnresponsiveThreshold {
			budget.Unresponsive += late
			w.Logger.Debugf("watcher iteration started %s late", late)
		}

		advice, err := w.Advisor.GetAdvice(ctx)
		end := w.Clock.Now()
		budget.Spent += end.Sub(start)

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.Logger.Warnf("watcher could not get advice: %v", err)
		} else {
			state := advisor.State(advice, w.Advisor.Backgrounded())
			if state != last {
				w.Client.NewState(state)
				last = state
			}
			w.Client.ReceiveAdvice(advice)
		}

		sleep := NextSleep(budget, end, w.MaxMillisecondsPerSecond, w.MinInterval, w.MaxInterval)
		w.Logger.Debugf("advice took %s, sleeping %s", end.Sub(start), sleep)
		scheduled = end.Add(sleep)

		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.Clock.After(sleep):
		}
	}
}
