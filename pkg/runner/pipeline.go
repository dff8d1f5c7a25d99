package runner

import (
	"context"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/agent"
	"github.com/dbtuneai/memadvisor/pkg/config"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/server"
	"github.com/dbtuneai/memadvisor/pkg/sink"
	"github.com/dbtuneai/memadvisor/pkg/source"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
	"github.com/dbtuneai/memadvisor/pkg/watcher"
)

// createSources creates the heartbeat, watcher, and optional stress test and
// map tester sources.
func createSources(
	commonAgent *agent.CommonAgent,
	opts config.Options,
	built Built,
	fingerprint string,
	needStress bool,
	workerArgs []string,
	ready <-chan struct{},
	markReady func(),
) []source.SourceRunner {
	logger := commonAgent.Logger()
	adv := built.Advisor

	sources := []source.SourceRunner{
		source.NewHeartbeatSource(
			commonAgent.Version,
			commonAgent.StartTime,
			func() string { return adv.DeviceInfo().DeviceKey },
			DefaultHeartbeatInterval,
			logger,
		),
	}

	w := watcher.Watcher{Advisor: adv, Logger: logger}
	opts.Watcher.Apply(&w)
	sources = append(sources, afterReady(ready, source.NewWatcherSource(w, logger)))

	if needStress {
		coordinator := NewStressTest(opts, workerArgs, logger)
		sources = append(sources, source.NewStressTestSource(coordinator, func(result stresstest.Result) {
			if ApplyStressResult(adv, fingerprint, result, logger) {
				markReady()
			}
		}, logger))
	}

	if built.MapTester != nil {
		mt := built.MapTester
		sources = append(sources, source.SourceRunner{
			Name:     "map-tester",
			Interval: mt.Interval,
			Start: func(ctx context.Context, out chan<- events.Event) error {
				mt.Run(ctx)
				return nil
			},
		})
	}

	return sources
}

// afterReady delays s until ready is closed.
func afterReady(ready <-chan struct{}, s source.SourceRunner) source.SourceRunner {
	start := s.Start
	s.Start = func(ctx context.Context, out chan<- events.Event) error {
		select {
		case <-ctx.Done():
			return nil
		case <-ready:
		}
		return start(ctx, out)
	}
	return s
}

// serverSource runs the status server for the lifetime of the router.
func serverSource(srv *server.Server, listen string) source.SourceRunner {
	return source.SourceRunner{
		Name: "server",
		Start: func(ctx context.Context, out chan<- events.Event) error {
			return srv.Run(ctx, listen)
		},
	}
}

// createSinks returns the configured sinks. Metrics are always kept and are
// served by the status server when one is listening.
func createSinks(commonAgent *agent.CommonAgent, opts config.Options, adv server.Advisor) ([]sink.Sink, *server.Server, error) {
	logger := commonAgent.Logger()
	prom := sink.NewPrometheusSink()
	sinks := []sink.Sink{prom}

	if opts.Sinks.File != "" {
		file, err := sink.NewFileSink(opts.Sinks.File, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, file)
	}
	if opts.Sinks.Endpoint != "" {
		sinks = append(sinks, sink.NewHTTPSink(commonAgent.APIClient, opts.Sinks.Endpoint, logger))
	}

	var srv *server.Server
	if opts.Server.Listen != "" {
		srv = server.New(server.Options{
			Advisor:  adv,
			Gatherer: prom.Registry(),
			Logger:   logger,
			Debug:    opts.Debug,
		})
		sinks = append(sinks, srv)
	}
	return sinks, srv, nil
}

var _ server.Advisor = (*advisor.Advisor)(nil)
