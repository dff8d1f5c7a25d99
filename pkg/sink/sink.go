package sink

import (
	"context"

	"github.com/dbtuneai/memadvisor/pkg/events"
)

// Sink processes events
type Sink interface {
	// Process handles an incoming event
	Process(ctx context.Context, event events.Event) error

	// Name returns the sink identifier
	Name() string
}

// Flusher is implemented by sinks that buffer events between router flushes
type Flusher interface {
	Flush(ctx context.Context) error
}

// Closer is implemented by sinks holding resources
type Closer interface {
	Close() error
}
