package stresstest

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

const (
	DefaultSegmentSize     = 4 << 20
	DefaultResponseTimeout = 30 * time.Second
	DefaultLivenessTimeout = time.Second
	DefaultCheckInterval   = 250 * time.Millisecond
)

type State int

const (
	Starting State = iota
	AwaitingBaseline
	Allocating
	Stopped
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case AwaitingBaseline:
		return "awaiting_baseline"
	case Allocating:
		return "allocating"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

// Result is the outcome of a stress test. Every run ends with a Result;
// Baseline and Limit are nil when the worker died before reporting them.
type Result struct {
	Baseline metrics.Tree `json:"baseline"`
	Limit    metrics.Tree `json:"limit"`
	TimedOut bool         `json:"timedOut"`
	Failed   bool         `json:"failed"`
	Killed   bool         `json:"killed"`
	Segments int          `json:"segments"`
}

// Timer is the part of *time.Timer the coordinator uses.
type Timer interface {
	Stop() bool
}

// Config holds the tunables of a run. Zero values take the defaults.
type Config struct {
	SegmentSize     int64
	ResponseTimeout time.Duration
	LivenessTimeout time.Duration
	CheckInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = DefaultSegmentSize
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	return c
}

// Coordinator supervises one stress test run. All state transitions happen
// on a single goroutine fed by an event channel; timers and connection
// readers only post events.
type Coordinator struct {
	Worker   Worker
	Liveness LivenessProbe
	Config   Config
	Logger   *log.Logger

	// AfterFunc and Now are replaced in tests.
	AfterFunc func(d time.Duration, f func()) Timer
	Now       func() time.Time

	events   chan event
	loopDone chan struct{}
	stopped  atomic.Bool

	state         State
	cfg           Config
	conn          Conn
	connections   int
	pending       string
	responseSeq   uint64
	response      Timer
	watch         *watchdog
	grace         Timer
	pid           int32
	result        Result
	cancelContext context.CancelFunc
}

type eventKind int

const (
	evConnected eventKind = iota
	evDisconnected
	evMessage
	evResponseTimeout
	evWorkerDead
	evSendFailed
	evCancelled
)

type event struct {
	kind eventKind
	conn Conn
	msg  Message
	seq  uint64
	err  error
}

func (c *Coordinator) logger() *log.Logger {
	if c.Logger == nil {
		return log.StandardLogger()
	}
	return c.Logger
}

// Run blocks until the test completes.
func (c *Coordinator) Run(ctx context.Context) Result {
	done := make(chan Result, 1)
	c.Start(ctx, func(r Result) { done <- r })
	return <-done
}

// Start launches the test and returns immediately. onComplete is invoked
// exactly once, after the worker has been stopped and all timers cancelled.
// Cancelling ctx stops the test.
func (c *Coordinator) Start(ctx context.Context, onComplete func(Result)) {
	if c.AfterFunc == nil {
		c.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Liveness == nil {
		c.Liveness = ProcessAlive
	}
	c.cfg = c.Config.withDefaults()
	c.events = make(chan event, 16)
	c.loopDone = make(chan struct{})
	c.state = Starting

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelContext = cancel

	go c.loop(runCtx, onComplete)

	conns, err := c.Worker.Connect(runCtx)
	if err != nil {
		c.logger().Errorf("stress test worker failed to start: %v", err)
		c.post(event{kind: evDisconnected, err: err})
		return
	}
	go func() {
		for conn := range conns {
			c.post(event{kind: evConnected, conn: conn})
		}
	}()
}

// post delivers an event unless the loop has already finished.
func (c *Coordinator) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.loopDone:
	}
}

func (c *Coordinator) loop(ctx context.Context, onComplete func(Result)) {
	for {
		select {
		case <-ctx.Done():
			c.handle(event{kind: evCancelled})
		case ev := <-c.events:
			c.handle(ev)
		}
		if c.state == Stopped {
			close(c.loopDone)
			if c.stopped.CAS(false, true) {
				onComplete(c.result)
			}
			return
		}
	}
}

func (c *Coordinator) handle(ev event) {
	switch ev.kind {
	case evConnected:
		c.connections++
		if c.connections > 1 {
			c.logger().Info("stress test worker reconnected, treating it as killed")
			c.stop(func(r *Result) { r.Killed = true })
			ev.conn.Close()
			return
		}
		c.conn = ev.conn
		go c.read(ev.conn)
		c.state = AwaitingBaseline
		c.request(Message{Kind: GetBaselineMetrics})

	case evDisconnected:
		if c.connections == 0 {
			c.stop(func(r *Result) { r.Failed = true })
			return
		}
		// The worker gets the liveness timeout to come back. A reconnect
		// within that window is also treated as a kill.
		c.logger().Debug("stress test worker disconnected")
		c.conn = nil
		if c.grace == nil {
			c.grace = c.AfterFunc(c.cfg.LivenessTimeout, func() {
				c.post(event{kind: evWorkerDead})
			})
		}

	case evMessage:
		c.receive(ev.msg)

	case evResponseTimeout:
		if ev.seq != c.responseSeq {
			return
		}
		c.logger().Infof("stress test worker did not answer within %s", c.cfg.ResponseTimeout)
		c.stop(func(r *Result) { r.TimedOut = true })

	case evWorkerDead, evSendFailed:
		c.logger().Info("stress test worker is gone")
		c.stop(func(r *Result) { r.Killed = true })

	case evCancelled:
		c.stop(nil)
	}
}

func (c *Coordinator) receive(msg Message) {
	switch msg.Kind {
	case GetBaselineMetricsReturn:
		if c.state != AwaitingBaseline {
			return
		}
		c.result.Baseline = msg.Metrics
		c.pid = msg.Pid
		c.startWatchdog(msg.Pid)
		c.state = Allocating
		c.logger().Infof("stress test worker pid %d reported its baseline, allocating %s segments",
			c.pid, humanize.IBytes(uint64(c.cfg.SegmentSize)))
		c.request(Message{Kind: OccupyMemory, Bytes: c.cfg.SegmentSize})

	case OccupyMemoryOK, OccupyMemoryFailed:
		if c.state != Allocating {
			return
		}
		c.recordLimit(msg.Metrics)
		if msg.Kind == OccupyMemoryFailed {
			c.logger().Info("stress test worker failed to allocate")
			c.stop(func(r *Result) { r.Failed = true })
			return
		}
		if msg.ReplyTo != c.pending {
			return
		}
		c.result.Segments++
		c.request(Message{Kind: OccupyMemory, Bytes: c.cfg.SegmentSize})

	default:
		c.logger().Warnf("unexpected stress test message %q", msg.Kind)
	}
}

// recordLimit keeps the latest reply by its own timestamp. Replies may
// arrive out of order. Timestamps have millisecond resolution, so replies
// stamped in the same millisecond keep the larger allocation.
func (c *Coordinator) recordLimit(received metrics.Tree) {
	if received == nil {
		return
	}
	if c.result.Limit == nil {
		c.result.Limit = received
		return
	}
	current, ok := c.result.Limit.Timestamp()
	next, nextOK := received.Timestamp()
	switch {
	case !nextOK:
	case !ok || next.After(current):
		c.result.Limit = received
	case next.Equal(current) && allocated(received) > allocated(c.result.Limit):
		c.result.Limit = received
	}
}

func allocated(tree metrics.Tree) float64 {
	v, _ := tree.Number(ApplicationAllocatedKey)
	return v
}

// request sends a message and arms the response timer for it, replacing
// any previous one.
func (c *Coordinator) request(msg Message) {
	msg.ID = uuid.NewString()
	c.pending = msg.ID
	if c.response != nil {
		c.response.Stop()
	}
	c.responseSeq++
	seq := c.responseSeq
	c.response = c.AfterFunc(c.cfg.ResponseTimeout, func() {
		c.post(event{kind: evResponseTimeout, seq: seq})
	})
	if c.conn == nil {
		return
	}
	if err := c.conn.Send(msg); err != nil {
		c.logger().Warnf("failed to send %s to stress test worker: %v", msg.Kind, err)
		go c.post(event{kind: evSendFailed, err: err})
	}
}

// watchdog polls the worker's liveness from timer goroutines.
type watchdog struct {
	mu        sync.Mutex
	timer     Timer
	stopped   bool
	lastAlive time.Time
}

func (c *Coordinator) startWatchdog(pid int32) {
	w := &watchdog{lastAlive: c.Now()}
	c.watch = w
	w.timer = c.AfterFunc(c.cfg.CheckInterval, func() { c.checkLiveness(w, pid) })
}

// checkLiveness reports the worker dead once its liveness signal has been
// missing for longer than the liveness timeout.
func (c *Coordinator) checkLiveness(w *watchdog, pid int32) {
	alive := c.Liveness(pid)
	now := c.Now()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if alive {
		w.lastAlive = now
	} else if now.Sub(w.lastAlive) > c.cfg.LivenessTimeout {
		w.stopped = true
		w.mu.Unlock()
		c.post(event{kind: evWorkerDead})
		return
	}
	w.timer = c.AfterFunc(c.cfg.CheckInterval, func() { c.checkLiveness(w, pid) })
	w.mu.Unlock()
}

func (w *watchdog) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

func (c *Coordinator) read(conn Conn) {
	for msg := range conn.Messages() {
		c.post(event{kind: evMessage, msg: msg})
	}
	c.post(event{kind: evDisconnected})
}

// stop is idempotent: timers are cancelled and the worker released once.
func (c *Coordinator) stop(mark func(*Result)) {
	if c.state == Stopped {
		return
	}
	c.state = Stopped
	if mark != nil {
		mark(&c.result)
	}
	for _, t := range []Timer{c.response, c.grace} {
		if t != nil {
			t.Stop()
		}
	}
	if c.watch != nil {
		c.watch.stop()
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger().Debugf("closing stress test worker: %v", err)
		}
	}
	c.cancelContext()
	c.logger().Infof("stress test stopped after %d segments (timedOut=%t failed=%t killed=%t)",
		c.result.Segments, c.result.TimedOut, c.result.Failed, c.result.Killed)
}
