package source

import (
	"context"
	"time"

	"github.com/dbtuneai/memadvisor/pkg/events"
)

// SourceRunner is a simple struct that holds everything needed to run a source
// This avoids the need for interfaces and boilerplate methods
type SourceRunner struct {
	Name     string
	Interval time.Duration
	Start    func(ctx context.Context, out chan<- events.Event) error
}

// emit blocks until the event is accepted or ctx is done.
func emit(ctx context.Context, out chan<- events.Event, event events.Event) error {
	select {
	case out <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
