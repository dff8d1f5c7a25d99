// Package profile selects the best matching device limit entry from a table
// of previously measured devices.
package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

type Strategy string

const (
	ByFingerprint Strategy = "fingerprint"
	ByBaseline    Strategy = "baseline"
)

var (
	ErrEmptyTable      = errors.New("device table is empty")
	ErrUnknownStrategy = errors.New("unknown match strategy")
)

// Entry is one measured device: its resting baseline and the metrics seen at
// or near the point of failure.
type Entry struct {
	Fingerprint string       `json:"fingerprint,omitempty" yaml:"fingerprint,omitempty"`
	Baseline    metrics.Tree `json:"baseline" yaml:"baseline"`
	Limit       metrics.Tree `json:"limit" yaml:"limit"`
}

// Table maps device fingerprints to their entries.
type Table map[string]Entry

// Keys returns the table keys in lexical order. Every strategy walks keys in
// this order, so ties go to the lexically first key.
func (t Table) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Match selects a table key with the given strategy.
func Match(table Table, strategy Strategy, fingerprint string, baseline metrics.Tree) (string, error) {
	if len(table) == 0 {
		return "", ErrEmptyTable
	}
	switch strategy {
	case ByFingerprint:
		return MatchByFingerprint(table, fingerprint), nil
	case ByBaseline:
		return MatchByBaseline(table, baseline), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
}

// mismatchIndex returns the first index where a and b differ, or the length
// of the shorter string when one is a prefix of the other.
func mismatchIndex(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// MatchByFingerprint picks the key sharing the longest prefix with fingerprint.
func MatchByFingerprint(table Table, fingerprint string) string {
	best, bestScore := "", -1
	for _, key := range table.Keys() {
		if score := mismatchIndex(fingerprint, key); score > bestScore {
			best, bestScore = key, score
		}
	}
	return best
}

// MatchByBaseline picks the entry whose baseline ranks closest to the current
// one. For each metric, values from every table baseline form a sorted
// multiset; a value's rank is the count of values <= it. The per metric score
// is the rank distance over the multiset size, averaged over the metrics both
// baselines carry. Lowest average wins.
//
// A candidate sharing no metrics with the current baseline scores 0.
func MatchByBaseline(table Table, baseline metrics.Tree) string {
	values := buildValuesTable(table)
	own := numericLeaves(baseline)

	best, bestScore := "", math.MaxFloat64
	for _, key := range table.Keys() {
		score := baselineScore(numericLeaves(table[key].Baseline), own, values)
		if score < bestScore {
			best, bestScore = key, score
		}
	}
	return best
}

func baselineScore(prospect, own map[leaf]float64, values map[string][]float64) float64 {
	total, union := 0.0, 0
	for l, pv := range prospect {
		ov, ok := own[l]
		if !ok {
			continue
		}
		set := values[l.name]
		if len(set) == 0 {
			continue
		}
		union++
		total += math.Abs(float64(rank(set, pv)-rank(set, ov))) / float64(len(set))
	}
	if union == 0 {
		return 0
	}
	return total / float64(union)
}

// rank counts the values in the sorted set that are <= v.
func rank(sorted []float64, v float64) int {
	return sort.Search(len(sorted), func(i int) bool { return sorted[i] > v })
}

// buildValuesTable collects, per metric name, the sorted multiset of values
// seen across every table baseline.
func buildValuesTable(table Table) map[string][]float64 {
	out := make(map[string][]float64)
	for _, key := range table.Keys() {
		for l, v := range numericLeaves(table[key].Baseline) {
			out[l.name] = append(out[l.name], v)
		}
	}
	for _, set := range out {
		sort.Float64s(set)
	}
	return out
}

type leaf struct {
	group string
	name  string
}

// numericLeaves flattens a baseline into its numeric leaves keyed by group
// path and metric name. Collection metadata is not a device property and is
// left out.
func numericLeaves(t metrics.Tree) map[leaf]float64 {
	out := make(map[leaf]float64)
	var walk func(prefix string, node metrics.Tree)
	walk = func(prefix string, node metrics.Tree) {
		for k, v := range node {
			if k == metrics.MetaKey || strings.HasPrefix(k, "_meta") {
				continue
			}
			if child := metrics.AsTree(v); child != nil {
				p := k
				if prefix != "" {
					p = prefix + "/" + k
				}
				walk(p, child)
				continue
			}
			if f, ok := node.Number(k); ok {
				out[leaf{group: prefix, name: k}] = f
			}
		}
	}
	walk("", t)
	return out
}
