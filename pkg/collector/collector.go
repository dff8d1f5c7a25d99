// Package collector gathers host and process memory counters into metric
// trees. Groups run concurrently, each with its own timeout, and a failing
// group only drops its own metrics.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"golang.org/x/sync/errgroup"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

const (
	// TimingsKey in a field spec enables per group durations.
	TimingsKey = "timings"
	// GroupMetaKey holds per group collection metadata.
	GroupMetaKey = "_meta"

	DefaultIndividualTimeout = 2 * time.Second
)

// Group produces the full, unfiltered set of fields of one metric group.
type Group struct {
	Key     string
	Collect func(ctx context.Context) (metrics.Tree, error)
}

type Collector struct {
	Groups []Group
	// Fields selects groups and fields: a group mapped to true is collected in
	// full, a group mapped to a map keeps the fields set to true.
	Fields            map[string]interface{}
	IndividualTimeout time.Duration
	Logger            *log.Logger
	Now               func() time.Time
}

// New returns a collector over the default groups for process pid.
func New(fields map[string]interface{}, pid int32, logger *log.Logger) *Collector {
	return &Collector{
		Groups:            DefaultGroups(pid),
		Fields:            fields,
		IndividualTimeout: DefaultIndividualTimeout,
		Logger:            logger,
		Now:               time.Now,
	}
}

func (c *Collector) logger() *log.Logger {
	if c.Logger == nil {
		return log.StandardLogger()
	}
	return c.Logger
}

// Collect runs every selected group and assembles the tree. It fails only
// when every selected group failed.
func (c *Collector) Collect(ctx context.Context) (metrics.Tree, error) {
	timings := cast.ToBool(c.Fields[TimingsKey])
	timeout := c.IndividualTimeout
	if timeout <= 0 {
		timeout = DefaultIndividualTimeout
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		tree     = metrics.Tree{}
		failures []error
		selected int
	)
	for _, group := range c.Groups {
		spec, ok := c.Fields[group.Key]
		if !ok || !wanted(spec) {
			continue
		}
		selected++
		group := group
		g.Go(func() error {
			start := time.Now()
			out, err := collectWithTimeout(ctx, group, timeout)
			if err != nil {
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return err
			}
			out = selectFields(out, spec)
			if timings {
				out[GroupMetaKey] = metrics.Tree{"duration": time.Since(start).Nanoseconds()}
			}
			mu.Lock()
			tree[group.Key] = out
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, f := range failures {
			c.logger().Errorf("metric collection: %v", f)
		}
	}
	if selected > 0 && len(failures) == selected {
		return nil, fmt.Errorf("all %d metric groups failed, first: %w", selected, failures[0])
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	tree.Stamp(now())
	return tree, nil
}

// collectWithTimeout bounds a group even when it ignores its context.
func collectWithTimeout(ctx context.Context, group Group, timeout time.Duration) (metrics.Tree, error) {
	groupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		tree metrics.Tree
		err  error
	}
	done := make(chan result, 1)
	go func() {
		tree, err := group.Collect(groupCtx)
		done <- result{tree, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("group %s failed: %w", group.Key, r.err)
		}
		if r.tree == nil {
			r.tree = metrics.Tree{}
		}
		return r.tree, nil
	case <-groupCtx.Done():
		return nil, fmt.Errorf("group %s timed out", group.Key)
	}
}

func wanted(spec interface{}) bool {
	if m := metrics.AsTree(spec); m != nil {
		return len(m) > 0
	}
	return cast.ToBool(spec)
}

func selectFields(all metrics.Tree, spec interface{}) metrics.Tree {
	fields := metrics.AsTree(spec)
	if fields == nil {
		return all
	}
	out := metrics.Tree{}
	for k, v := range all {
		if cast.ToBool(fields[k]) {
			out[k] = v
		}
	}
	return out
}

// Keys lists the groups a collector knows, sorted.
func (c *Collector) Keys() []string {
	keys := make([]string, 0, len(c.Groups))
	for _, g := range c.Groups {
		keys = append(keys, g.Key)
	}
	sort.Strings(keys)
	return keys
}

// WithConstant collects a baseline together with a one-off constant snapshot
// stored under "constant".
type WithConstant struct {
	Base     *Collector
	Constant *Collector
}

func (w WithConstant) Collect(ctx context.Context) (metrics.Tree, error) {
	tree, err := w.Base.Collect(ctx)
	if err != nil {
		return nil, err
	}
	if w.Constant == nil || len(w.Constant.Fields) == 0 {
		return tree, nil
	}
	constant, err := w.Constant.Collect(ctx)
	if err != nil {
		w.Base.logger().Warnf("constant metrics unavailable: %v", err)
		return tree, nil
	}
	delete(constant, metrics.MetaKey)
	tree["constant"] = constant
	return tree, nil
}
