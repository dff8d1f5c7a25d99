package stresstest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/probe"
)

// ServeOptions configure the worker side of the protocol.
type ServeOptions struct {
	// Collect snapshots the worker's own metrics.
	Collect func(ctx context.Context) (metrics.Tree, error)
	// MaxBytes makes allocation fail once the total would exceed it. Zero
	// means no ceiling.
	MaxBytes int64
	// Occupy defaults to probe.Occupy.
	Occupy func(bytes int64) (*probe.Segment, error)
	Logger *log.Logger
}

// Serve answers coordinator requests read from r until r is exhausted or ctx
// is cancelled. Allocated segments are held until Serve returns.
func Serve(ctx context.Context, r io.Reader, w io.Writer, opts ServeOptions) error {
	if opts.Collect == nil {
		return errors.New("stress test worker needs a metrics collector")
	}
	occupy := opts.Occupy
	if occupy == nil {
		occupy = probe.Occupy
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}

	var (
		segments  []*probe.Segment
		allocated int64
	)
	defer func() {
		for _, s := range segments {
			_ = s.Release()
		}
	}()

	dec := NewDecoder(r)
	enc := NewEncoder(w)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}

		reply := Message{ID: uuid.NewString(), ReplyTo: req.ID}
		switch req.Kind {
		case GetBaselineMetrics:
			reply.Kind = GetBaselineMetricsReturn
			reply.Pid = int32(os.Getpid())

		case OccupyMemory:
			reply.Kind = OccupyMemoryOK
			if opts.MaxBytes > 0 && allocated+req.Bytes > opts.MaxBytes {
				reply.Kind = OccupyMemoryFailed
			} else if seg, err := occupy(req.Bytes); err != nil {
				logger.Warnf("allocation of %s failed: %v", humanize.IBytes(uint64(req.Bytes)), err)
				reply.Kind = OccupyMemoryFailed
			} else {
				segments = append(segments, seg)
				allocated += req.Bytes
			}

		default:
			logger.Warnf("ignoring unexpected request %q", req.Kind)
			continue
		}

		tree, err := opts.Collect(ctx)
		if err != nil {
			logger.Warnf("worker metrics unavailable: %v", err)
			tree = metrics.Tree{}
		}
		if req.Kind == OccupyMemory {
			tree[ApplicationAllocatedKey] = allocated
		}
		reply.Metrics = tree
		if err := enc.Encode(reply); err != nil {
			return fmt.Errorf("failed to write reply: %w", err)
		}
	}
}
