package stresstest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/shirou/gopsutil/v4/process"
	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/collector"
)

// LivenessProbe reports whether the worker with the given pid still exists.
type LivenessProbe func(pid int32) bool

// ProcessAlive treats a process as alive while it exists and the kernel
// still reports an OOM score for it.
func ProcessAlive(pid int32) bool {
	exists, err := process.PidExists(pid)
	if err != nil || !exists {
		return false
	}
	_, err = collector.OOMScore(pid)
	return err == nil
}

// Conn is one live connection to a worker.
type Conn interface {
	Send(Message) error
	// Messages is closed when the worker disconnects.
	Messages() <-chan Message
	// Close stops the worker and releases the connection.
	Close() error
}

// Worker starts the process under test. Each Conn delivered on the channel is
// one incarnation of the worker; a second one means the first was killed and
// restarted.
type Worker interface {
	Connect(ctx context.Context) (<-chan Conn, error)
}

// ProcessWorker runs the worker as a child process speaking msgpack over its
// stdin and stdout.
type ProcessWorker struct {
	// Path defaults to the running executable.
	Path   string
	Args   []string
	Logger *log.Logger
}

func (w *ProcessWorker) Connect(ctx context.Context) (<-chan Conn, error) {
	path := w.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to locate executable: %w", err)
		}
		path = exe
	}

	cmd := exec.CommandContext(ctx, path, w.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	logger := w.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.Infof("started stress test worker pid %d", cmd.Process.Pid)

	kill := func() error {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
	// cmd.Wait closes stdout, so it runs only once the reader has stopped.
	wait := func() error {
		err := cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil
		}
		return err
	}
	conns := make(chan Conn, 1)
	conns <- newStreamConn(stdout, stdin, kill, wait)
	close(conns)
	return conns, nil
}

// streamConn frames messages over a reader/writer pair.
type streamConn struct {
	enc      *Encoder
	writer   io.Closer
	messages chan Message
	done     chan struct{}
	readDone chan struct{}
	// stop unblocks the reader; wait reaps whatever produced it.
	stop func() error
	wait func() error
	once sync.Once
	err  error
}

func newStreamConn(r io.Reader, w io.WriteCloser, stop, wait func() error) *streamConn {
	c := &streamConn{
		enc:      NewEncoder(w),
		writer:   w,
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		stop:     stop,
		wait:     wait,
	}
	go func() {
		defer close(c.readDone)
		defer close(c.messages)
		dec := NewDecoder(r)
		for {
			msg, err := dec.Decode()
			if err != nil {
				return
			}
			select {
			case c.messages <- msg:
			case <-c.done:
				return
			}
		}
	}()
	return c
}

// NewStreamConn wraps an existing pipe pair, e.g. for in-process workers.
// Close also closes r when it is an io.Closer.
func NewStreamConn(r io.Reader, w io.WriteCloser) Conn {
	var stop func() error
	if rc, ok := r.(io.Closer); ok {
		stop = rc.Close
	}
	return newStreamConn(r, w, stop, nil)
}

func (c *streamConn) Send(m Message) error {
	return c.enc.Encode(m)
}

func (c *streamConn) Messages() <-chan Message {
	return c.messages
}

func (c *streamConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.err = c.writer.Close()
		if c.stop == nil {
			return
		}
		if err := c.stop(); err != nil {
			c.err = err
		}
		<-c.readDone
		if c.wait != nil {
			if err := c.wait(); err != nil {
				c.err = err
			}
		}
	})
	return c.err
}
