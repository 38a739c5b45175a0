// Package worker implements the worker pool and entry-message bus of
// §4.G: a single iterator goroutine posts entry-start descriptors to a
// bounded channel, and up to maxWorkers goroutines pull descriptors
// and process them out of order while the iterator never blocks on
// anything but queue backpressure.
//
// The shape is grounded on the teacher's internal/batch/batch.go
// scheduler: a buffered work channel, an errgroup.Group running a
// fixed number of worker goroutines each ranging over that channel,
// and a done channel the iterator drains to react to results. bar
// generalizes this from a DAG build scheduler (fixed node set known
// up front, dependency-gated enqueue) to a linear archive walk (one
// iterator feeding a queue, no dependency graph), and replaces
// batch.go's log.Printf status reporting with collecting results for
// the caller instead.
package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/baresque/bar"
	"github.com/baresque/bar/internal/diag"
)

// Descriptor is one entry-start message posted to the bus (§4.G): the
// iterator has parsed an entry's header and crypt context but has not
// read its payload.
type Descriptor struct {
	SequenceID int    // which archive piece (storage volume) this entry starts in
	Name       string // entry key
	Kind       int    // bar.EntryKind, kept as int to avoid an import cycle with the archive package
	Offset     int64  // byte offset of the entry-start chunk within that piece

	// CryptInfo is an opaque snapshot of the crypt context (algorithm,
	// key, IV base) in effect when the iterator observed this
	// descriptor; entries may change crypt context mid-archive if a
	// new KEY/SALT chunk appears, so each descriptor freezes its own.
	CryptInfo interface{}
}

// Result is what a worker reports back for one processed descriptor.
type Result struct {
	Descriptor Descriptor
	Err        error
}

// Process is the per-entry work function a caller supplies: open its
// own read view by seek+reopen (the descriptor carries everything
// needed to do so without touching any other worker's state), and do
// the compare/restore work.
type Process func(ctx context.Context, d Descriptor) error

// BusCapacity is the default entry-message bus queue depth (§4.G).
const BusCapacity = 256

// Pool runs an entry-message bus with one producer (the iterator, via
// Post) and up to maxWorkers consumers, each invoking process for
// every posted descriptor. Descriptors are delivered in the order
// Post is called; workers execute them out of order and
// concurrently.
type Pool struct {
	work    chan Descriptor
	results chan Result
	eg      *errgroup.Group
	ctx     context.Context
	cancel  *bar.CancelFlag

	mu     sync.Mutex
	closed bool
}

// NewPool starts a pool of maxWorkers goroutines, each running process
// over descriptors posted via Post. cancel is polled between entries
// (§5 "process-wide cancellation flag ... polled at every inter-entry
// boundary"); when it is set, workers keep draining posted descriptors
// without calling process, reporting its error as each one's Result.
func NewPool(ctx context.Context, maxWorkers int, cancel *bar.CancelFlag, process Process) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	eg, egCtx := errgroup.WithContext(ctx)
	p := &Pool{
		work:    make(chan Descriptor, BusCapacity),
		results: make(chan Result, BusCapacity),
		eg:      eg,
		ctx:     egCtx,
		cancel:  cancel,
	}
	for i := 0; i < maxWorkers; i++ {
		workerNum := i
		eg.Go(func() error {
			deregister := diag.RegisterThread(diag.ThreadInfo{Name: fmt.Sprintf("worker-%d", workerNum), ID: int64(workerNum)})
			defer deregister()
			for d := range p.work {
				if err := cancel.Check(); err != nil {
					p.results <- Result{Descriptor: d, Err: err}
					continue
				}
				err := process(egCtx, d)
				select {
				case p.results <- Result{Descriptor: d, Err: err}:
				case <-egCtx.Done():
					return egCtx.Err()
				}
			}
			return nil
		})
	}
	return p
}

// Post enqueues a descriptor for processing, blocking if the bus is
// full (the "only cooperative point is queue backpressure" of §5).
// Post returns the iterator's cancellation error, if any, instead of
// blocking forever once the pool has failed.
func (p *Pool) Post(d Descriptor) error {
	if err := p.cancel.Check(); err != nil {
		return err
	}
	select {
	case p.work <- d:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Results returns the channel the iterator drains for completed
// work. It is closed once Close has been called and every worker has
// drained the work channel.
func (p *Pool) Results() <-chan Result { return p.results }

// Close signals that no more descriptors will be posted, waits for
// all workers to finish draining the work channel, and closes the
// results channel. It returns the first error reported by any worker
// goroutine (errgroup semantics), or nil.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.work)
	err := p.eg.Wait()
	close(p.results)
	return err
}
