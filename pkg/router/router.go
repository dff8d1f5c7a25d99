package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/sink"
	"github.com/dbtuneai/memadvisor/pkg/source"
)

const (
	DefaultBufferSize    = 100
	DefaultFlushInterval = 5 * time.Second
)

// Router connects sources to multiple sinks
type Router struct {
	sources []source.SourceRunner
	sinks   []sink.Sink

	eventChan chan events.Event
	errChan   chan error

	flushInterval time.Duration
	logger        *log.Logger
}

// Config holds router configuration
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
}

// New creates a new router
func New(sources []source.SourceRunner, sinks []sink.Sink, logger *log.Logger, config Config) *Router {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	return &Router{
		sources:       sources,
		sinks:         sinks,
		eventChan:     make(chan events.Event, config.BufferSize),
		errChan:       make(chan error, len(sources)),
		flushInterval: config.FlushInterval,
		logger:        logger,
	}
}

// Run starts all sources and dispatches their events until ctx is done.
// Sinks are flushed and closed before Run returns.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Infof("Starting router with %d sources and %d sinks", len(r.sources), len(r.sinks))

	var wg sync.WaitGroup
	for _, src := range r.sources {
		wg.Add(1)
		go func(s source.SourceRunner) {
			defer wg.Done()
			r.logger.Debugf("Starting source: %s (interval: %v)", s.Name, s.Interval)
			err := s.Start(ctx, r.eventChan)
			if err != nil && !errors.Is(err, context.Canceled) {
				r.errChan <- fmt.Errorf("source %s: %w", s.Name, err)
			}
		}(src)
	}

	flushTicker := time.NewTicker(r.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Router shutting down")
			wg.Wait()
			r.drain()
			return r.shutdown()

		case event := <-r.eventChan:
			r.dispatch(ctx, event)

		case <-flushTicker.C:
			r.flush(ctx)

		case err := <-r.errChan:
			r.logger.Errorf("Source error: %v", err)
		}
	}
}

func (r *Router) dispatch(ctx context.Context, event events.Event) {
	for _, snk := range r.sinks {
		if err := snk.Process(ctx, event); err != nil {
			r.logger.Debugf("Sink %s error processing %s event: %v", snk.Name(), event.Type(), err)
		}
	}
}

func (r *Router) flush(ctx context.Context) {
	for _, snk := range r.sinks {
		if flusher, ok := snk.(sink.Flusher); ok {
			if err := flusher.Flush(ctx); err != nil {
				r.logger.Debugf("Sink %s flush error: %v", snk.Name(), err)
			}
		}
	}
}

// drain hands events still buffered at shutdown to the sinks.
func (r *Router) drain() {
	for {
		select {
		case event := <-r.eventChan:
			r.dispatch(context.Background(), event)
		default:
			return
		}
	}
}

// shutdown flushes and closes all sinks
func (r *Router) shutdown() error {
	r.logger.Info("Closing all sinks")
	r.flush(context.Background())
	var firstErr error
	for _, snk := range r.sinks {
		if closer, ok := snk.(sink.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
