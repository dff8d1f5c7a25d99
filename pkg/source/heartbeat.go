package source

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/events"
)

// NewHeartbeatSource creates a new heartbeat source. deviceKey may be nil.
func NewHeartbeatSource(version, startTime string, deviceKey func() string, interval time.Duration, logger *log.Logger) SourceRunner {
	return SourceRunner{
		Name:     "heartbeat",
		Interval: interval,
		Start: func(ctx context.Context, out chan<- events.Event) error {
			return RunWithTicker(ctx, out, TickerConfig{
				Name:      "heartbeat",
				Interval:  interval,
				SkipFirst: true,
				Logger:    logger,
				Collect: func(ctx context.Context) (events.Event, error) {
					key := ""
					if deviceKey != nil {
						key = deviceKey()
					}
					return events.NewHeartbeatEvent(version, startTime, key), nil
				},
			})
		},
	}
}
