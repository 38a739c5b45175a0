// Package fragment implements the fragment registry of §4.F: a
// mapping from entry key to the set of non-overlapping byte ranges an
// entry's payload has accumulated across one or more archive pieces,
// and the completeness check that tells a restore/compare run whether
// an entry's fragments fully cover [0, totalSize).
//
// Its two-level locking discipline (one lock per node, a coarser lock
// on the map itself for insert/remove) mirrors the
// other_examples/803bd84f_hemzaz-freightliner__pkg-network-delta_sync.go.go
// range-bookkeeping shape, generalized from "one sync pass" bookkeeping
// to a registry that lives for the whole compare/restore run and is
// shared across worker goroutines (§4.G).
package fragment

import (
	"sort"
	"sync"

	"github.com/baresque/bar"
)

// Range is a half-open byte range [Offset, Offset+Length).
type Range struct {
	Offset, Length uint64
}

func (r Range) end() uint64 { return r.Offset + r.Length }

// Node tracks one logical entry's total size and the ranges of its
// payload observed so far. Each node is guarded by its own lock so
// workers updating different entries never contend with each other.
type Node struct {
	mu        sync.Mutex
	name      string
	totalSize uint64
	ranges    []Range // sorted, non-overlapping, merged
}

func (n *Node) Name() string { return n.name }

// TotalSize returns the entry's declared total size.
func (n *Node) TotalSize() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.totalSize
}

// AddRange merges [offset, offset+length) into the node's range set,
// coalescing with any overlapping or adjacent existing range.
func (n *Node) AddRange(offset, length uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ranges = mergeInsert(n.ranges, Range{Offset: offset, Length: length})
}

// Ranges returns a copy of the node's current merged range set, in
// ascending offset order.
func (n *Node) Ranges() []Range {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Range, len(n.ranges))
	copy(out, n.ranges)
	return out
}

// IsComplete reports whether the merged ranges reduce to exactly one
// range equal to [0, totalSize).
func (n *Node) IsComplete() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ranges) == 1 && n.ranges[0].Offset == 0 && n.ranges[0].Length == n.totalSize
}

// Uncovered returns the gaps between the merged ranges and
// [0, totalSize), for the "incomplete entries are listed with the
// remaining uncovered ranges" user-visible behavior of §7.
func (n *Node) Uncovered() []Range {
	n.mu.Lock()
	defer n.mu.Unlock()
	var gaps []Range
	var cursor uint64
	for _, r := range n.ranges {
		if r.Offset > cursor {
			gaps = append(gaps, Range{Offset: cursor, Length: r.Offset - cursor})
		}
		if r.end() > cursor {
			cursor = r.end()
		}
	}
	if cursor < n.totalSize {
		gaps = append(gaps, Range{Offset: cursor, Length: n.totalSize - cursor})
	}
	return gaps
}

func mergeInsert(ranges []Range, add Range) []Range {
	if add.Length == 0 {
		return ranges
	}
	merged := append(append([]Range(nil), ranges...), add)
	sort.Slice(merged, func(i, j int) bool { return merged[i].Offset < merged[j].Offset })
	out := merged[:0]
	for _, r := range merged {
		if len(out) > 0 && r.Offset <= out[len(out)-1].end() {
			last := &out[len(out)-1]
			if end := r.end(); end > last.end() {
				last.Length = end - last.Offset
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// Registry maps entry key (path for files/hardlinks, device path for
// images) to its Node. The map itself is guarded by a coarse lock,
// used only for insert/remove/iterate; per-node mutation goes through
// Node's own lock so concurrent workers touching different entries
// never block each other (§4.F, §4.G).
type Registry struct {
	mu    sync.Mutex
	order []string
	nodes map[string]*Node
}

func New() *Registry {
	return &Registry{nodes: map[string]*Node{}}
}

// FindOrCreate returns the node for name, creating it with totalSize
// if it doesn't exist yet. A second call with a different totalSize
// for the same name reports ENTRY_SIZE_MISMATCH.
func (reg *Registry) FindOrCreate(name string, totalSize uint64) (*Node, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if n, ok := reg.nodes[name]; ok {
		if n.TotalSize() != totalSize {
			return nil, bar.Errorf(bar.EntrySizeMismatch, "entry %q: got size %d, already registered as %d", name, totalSize, n.TotalSize())
		}
		return n, nil
	}
	n := &Node{name: name, totalSize: totalSize}
	reg.nodes[name] = n
	reg.order = append(reg.order, name)
	return n, nil
}

// Discard removes name from the registry. Safe to call after
// completion; safe to call on a name that was never registered.
func (reg *Registry) Discard(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.nodes, name)
	for i, n := range reg.order {
		if n == name {
			reg.order = append(reg.order[:i], reg.order[i+1:]...)
			break
		}
	}
}

// Get returns the node for name, if registered.
func (reg *Registry) Get(name string) (*Node, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	n, ok := reg.nodes[name]
	return n, ok
}

// Each calls fn for every currently registered node, in insertion
// order, for reporting (§4.F "iteration in insertion order is
// supported for reporting").
func (reg *Registry) Each(fn func(*Node)) {
	reg.mu.Lock()
	nodes := make([]*Node, 0, len(reg.order))
	for _, name := range reg.order {
		if n, ok := reg.nodes[name]; ok {
			nodes = append(nodes, n)
		}
	}
	reg.mu.Unlock()
	for _, n := range nodes {
		fn(n)
	}
}
