package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// Tree is a nested metric snapshot. Leaves are numbers or booleans, inner
// nodes are Tree values (or plain maps when decoded from the wire).
// A Tree handed to the advisor is treated as immutable.
type Tree map[string]interface{}

// MetaKey holds collection metadata such as the sample time.
const MetaKey = "meta"

// AsTree converts decoded map values into a Tree. It returns nil for leaves.
func AsTree(v interface{}) Tree {
	switch t := v.(type) {
	case Tree:
		return t
	case map[string]interface{}:
		return Tree(t)
	case map[interface{}]interface{}:
		// msgpack and yaml.v2 style maps
		out := make(Tree, len(t))
		for k, val := range t {
			out[cast.ToString(k)] = val
		}
		return out
	}
	return nil
}

// Has reports whether key is present anywhere in the tree.
func (t Tree) Has(key string) bool {
	_, ok := t.Find(key)
	return ok
}

// Find returns the value for key. An exact top level hit wins; otherwise the
// nested groups are searched breadth first and the first match is returned.
// Sibling groups are visited in key order so the result is deterministic.
func (t Tree) Find(key string) (interface{}, bool) {
	if t == nil {
		return nil, false
	}
	queue := []Tree{t}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if v, ok := node[key]; ok {
			return v, true
		}
		for _, k := range sortedKeys(node) {
			if child := AsTree(node[k]); child != nil {
				queue = append(queue, child)
			}
		}
	}
	return nil, false
}

// Path resolves a dot or slash qualified key sequence such as "proc.oom_score"
// or "meminfo/MemAvailable". No fallback search is performed.
func (t Tree) Path(path string) (interface{}, bool) {
	parts := strings.FieldsFunc(path, func(r rune) bool { return r == '.' || r == '/' })
	if len(parts) == 0 {
		return nil, false
	}
	node := t
	for i, p := range parts {
		v, ok := node[p]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		node = AsTree(v)
		if node == nil {
			return nil, false
		}
	}
	return nil, false
}

// Lookup tries an exact path first and falls back to Find.
func (t Tree) Lookup(key string) (interface{}, bool) {
	if strings.ContainsAny(key, "./") {
		if v, ok := t.Path(key); ok {
			return v, true
		}
	}
	return t.Find(key)
}

// Number returns the numeric value for key. Booleans and groups are not numbers.
func (t Tree) Number(key string) (float64, bool) {
	v, ok := t.Lookup(key)
	if !ok {
		return 0, false
	}
	switch v.(type) {
	case bool, Tree, map[string]interface{}, map[interface{}]interface{}, nil:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Bool returns the boolean value for key, false when absent.
func (t Tree) Bool(key string) bool {
	v, ok := t.Lookup(key)
	if !ok {
		return false
	}
	b, err := cast.ToBoolE(v)
	return err == nil && b
}

// Group returns the nested group stored directly under key.
func (t Tree) Group(key string) Tree {
	return AsTree(t[key])
}

// Timestamp returns meta.time (milliseconds since epoch) when present.
func (t Tree) Timestamp() (time.Time, bool) {
	meta := t.Group(MetaKey)
	if meta == nil {
		return time.Time{}, false
	}
	v, ok := meta["time"]
	if !ok {
		return time.Time{}, false
	}
	ms, err := cast.ToInt64E(v)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Stamp sets meta.time to now.
func (t Tree) Stamp(now time.Time) {
	meta := t.Group(MetaKey)
	if meta == nil {
		meta = Tree{}
		t[MetaKey] = meta
	}
	meta["time"] = now.UnixMilli()
}

// Clone returns a deep copy. Nested maps are normalised to Tree.
func (t Tree) Clone() Tree {
	if t == nil {
		return nil
	}
	out := make(Tree, len(t))
	for k, v := range t {
		if child := AsTree(v); child != nil {
			out[k] = child.Clone()
			continue
		}
		out[k] = v
	}
	return out
}

func sortedKeys(t Tree) []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
