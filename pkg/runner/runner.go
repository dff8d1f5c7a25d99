// Package runner wires the advisor, its device limits and the event pipeline
// together for the long running commands.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/dbtuneai/memadvisor/pkg/agent"
	"github.com/dbtuneai/memadvisor/pkg/config"
	"github.com/dbtuneai/memadvisor/pkg/router"
)

const (
	// DefaultHeartbeatInterval is the interval for sending heartbeat events
	DefaultHeartbeatInterval = 15 * time.Second
)

// Run serves advice until ctx is cancelled. Device limits come from the
// configured table or, failing that, from an on-device stress test run in
// the background; the watcher starts once they are known. workerArgs
// re-execute this binary as the stress test worker.
func Run(ctx context.Context, commonAgent *agent.CommonAgent, opts config.Options, workerArgs []string) error {
	logger := commonAgent.Logger()

	built, err := NewAdvisor(opts, logger)
	if err != nil {
		return err
	}
	fingerprint := Fingerprint(opts)

	needStress, err := PrepareDevice(ctx, built.Advisor, opts, commonAgent.APIClient, fingerprint, logger)
	if err != nil {
		return err
	}

	ready := make(chan struct{})
	var once sync.Once
	markReady := func() { once.Do(func() { close(ready) }) }
	if !needStress {
		markReady()
	}

	sinks, srv, err := createSinks(commonAgent, opts, built.Advisor)
	if err != nil {
		return err
	}

	sources := createSources(commonAgent, opts, built, fingerprint, needStress, workerArgs, ready, markReady)
	if srv != nil {
		sources = append(sources, serverSource(srv, opts.Server.Listen))
	}

	r := router.New(sources, sinks, logger, router.Config{
		BufferSize:    router.DefaultBufferSize,
		FlushInterval: router.DefaultFlushInterval,
	})
	return r.Run(ctx)
}
