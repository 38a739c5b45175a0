// Package diag holds the opt-in diagnostic state the archive engine
// needs but must not pay for on the hot path when disabled: a roster
// of live worker threads (for crash-time reporting) and a resource
// tracker of open handles/chunks (for leak detection in debug
// builds). Both are process-wide registries, guarded the way
// onInterrupt's handler list and distri's RegisterAtExit list are
// guarded, but gated behind Enable/Disable so a release build pays
// nothing.
package diag

import (
	"sync"
	"sync/atomic"
)

var enabled uint32

// Enable turns on the roster and resource tracker. Tests and the
// "bar test" CLI command call this; production create/restore runs
// leave it off.
func Enable() { atomic.StoreUint32(&enabled, 1) }

// Disable turns the roster and tracker back off and clears any
// recorded state.
func Disable() {
	atomic.StoreUint32(&enabled, 0)
	roster.Lock()
	roster.threads = map[uint64]ThreadInfo{}
	roster.Unlock()
	tracker.Lock()
	tracker.resources = map[string]int{}
	tracker.Unlock()
}

// Enabled reports whether diagnostics are currently active.
func Enabled() bool { return atomic.LoadUint32(&enabled) != 0 }

// ThreadInfo is one entry in the thread roster: enough to print a
// crash report line without doing any allocation-heavy work on the
// signal path itself (registration happens at thread start, well
// before any crash).
type ThreadInfo struct {
	Name string
	ID   int64
}

var roster = struct {
	sync.Mutex
	nextID  uint64
	threads map[uint64]ThreadInfo
}{threads: map[uint64]ThreadInfo{}}

// RegisterThread adds a thread (worker goroutine) to the roster and
// returns a deregister func to call when the thread exits. Entries
// are keyed by a monotonic registration id rather than slice
// position, so deregistering out of registration order never
// invalidates another thread's entry. A no-op when diagnostics are
// disabled.
func RegisterThread(info ThreadInfo) (deregister func()) {
	if !Enabled() {
		return func() {}
	}
	roster.Lock()
	roster.nextID++
	id := roster.nextID
	roster.threads[id] = info
	roster.Unlock()
	return func() {
		roster.Lock()
		delete(roster.threads, id)
		roster.Unlock()
	}
}

// Threads returns a snapshot of the current roster, used by a
// post-mortem reporter (never by the signal path itself, which must
// stay async-signal-safe — see the design note this package resolves
// in DESIGN.md).
func Threads() []ThreadInfo {
	roster.Lock()
	defer roster.Unlock()
	out := make([]ThreadInfo, 0, len(roster.threads))
	for _, info := range roster.threads {
		out = append(out, info)
	}
	return out
}

var tracker = struct {
	sync.Mutex
	resources map[string]int
}{resources: map[string]int{}}

// TrackOpen increments the open-resource count for kind (e.g.
// "chunk-reader", "storage-handle", "delta-source"). A no-op when
// diagnostics are disabled.
func TrackOpen(kind string) {
	if !Enabled() {
		return
	}
	tracker.Lock()
	tracker.resources[kind]++
	tracker.Unlock()
}

// TrackClose decrements the open-resource count for kind.
func TrackClose(kind string) {
	if !Enabled() {
		return
	}
	tracker.Lock()
	tracker.resources[kind]--
	tracker.Unlock()
}

// OpenCounts returns a snapshot of the resource tracker, used to
// assert "everything was closed" at the end of a test run.
func OpenCounts() map[string]int {
	tracker.Lock()
	defer tracker.Unlock()
	out := make(map[string]int, len(tracker.resources))
	for k, v := range tracker.resources {
		out[k] = v
	}
	return out
}
