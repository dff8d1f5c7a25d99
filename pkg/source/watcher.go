package source

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
	"github.com/dbtuneai/memadvisor/pkg/watcher"
)

// NewWatcherSource runs a copy of w and turns what it observes into state
// and advice events. A Client already set on w keeps receiving callbacks.
func NewWatcherSource(w watcher.Watcher, logger *log.Logger) SourceRunner {
	return SourceRunner{
		Name:     "watcher",
		Interval: w.MinInterval,
		Start: func(ctx context.Context, out chan<- events.Event) error {
			run := w
			next := w.Client
			current := advisor.StateUnknown

			run.Client = watcher.ClientFuncs{
				OnNewState: func(state advisor.MemoryState) {
					logger.Infof("memory state changed from %s to %s", current, state)
					if err := emit(ctx, out, events.NewStateEvent(state, current)); err != nil {
						return
					}
					current = state
					if next != nil {
						next.NewState(state)
					}
				},
				OnAdvice: func(advice advisor.Advice) {
					if err := emit(ctx, out, events.NewAdviceEvent(advice, current)); err != nil {
						return
					}
					if next != nil {
						next.ReceiveAdvice(advice)
					}
				},
			}
			return run.Run(ctx)
		},
	}
}

// NewStressTestSource runs the coordinator once, hands the result to
// onResult and reports it as a single event.
func NewStressTestSource(c *stresstest.Coordinator, onResult func(stresstest.Result), logger *log.Logger) SourceRunner {
	return SourceRunner{
		Name: "stress-test",
		Start: func(ctx context.Context, out chan<- events.Event) error {
			logger.Info("starting on-device stress test")
			result := c.Run(ctx)
			if onResult != nil {
				onResult(result)
			}
			return emit(ctx, out, events.NewStressTestEvent(result))
		},
	}
}
