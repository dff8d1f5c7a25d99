package source

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/events"
)

// TickerConfig describes an interval driven source
type TickerConfig struct {
	Name      string
	Interval  time.Duration
	SkipFirst bool
	Logger    *log.Logger
	// Collect returns the event to send, nil events are skipped
	Collect func(context.Context) (events.Event, error)
}

// RunWithTicker runs cfg.Collect on an interval until ctx is done. Failed
// collections become error events and do not stop the source.
func RunWithTicker(ctx context.Context, out chan<- events.Event, cfg TickerConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	if !cfg.SkipFirst {
		if err := executeAndSend(ctx, out, cfg); err != nil {
			cfg.Logger.Debugf("[%s] initial execution error: %v", cfg.Name, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := executeAndSend(ctx, out, cfg); err != nil {
				cfg.Logger.Debugf("[%s] execution error: %v", cfg.Name, err)
			}
		}
	}
}

func executeAndSend(ctx context.Context, out chan<- events.Event, cfg TickerConfig) error {
	event, err := cfg.Collect(ctx)
	if err != nil {
		errEvent := events.NewErrorEvent(events.ErrorPayload{
			ErrorMessage: err.Error(),
			ErrorType:    "source_error",
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
		})
		if sendErr := emit(ctx, out, errEvent); sendErr != nil {
			return sendErr
		}
		return err
	}

	if event != nil {
		return emit(ctx, out, event)
	}
	return nil
}
