package main

import (
	"context"
	"sync"

	"github.com/baresque/bar"
	"github.com/baresque/bar/archive"
	"github.com/baresque/bar/worker"
)

// dispatchEntries drives r's single sequential iterator (§4.E's
// nextEntry/readXxxEntry pair) and turns every entry into a
// worker.Descriptor, posted via post. It is the producer half of
// §4.G's entry-message bus: it never reads an entry's payload itself,
// only enough of the entry-start header to learn its name, so the
// expensive decompress/decrypt work always happens in a worker via
// Descriptor.Offset + Seek, not here.
func dispatchEntries(r *archive.Reader, f *commonFlags, archivePath string, post func(worker.Descriptor) error) error {
	for {
		cursor, ok, err := r.NextEntry()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		entry, body, err := r.ReadEntry()
		if err != nil {
			if err2 := logStopOrContinue(f, archivePath, err); err2 != nil {
				return err2
			}
			continue
		}
		body.Close()
		d := worker.Descriptor{
			SequenceID: cursor.VolumeNum,
			Name:       entry.Name,
			Kind:       int(cursor.Kind),
			Offset:     cursor.Offset,
			CryptInfo:  cursor.CryptInfo,
		}
		if err := post(d); err != nil {
			return err
		}
	}
}

// poolOnResult applies §6's --no-stop-on-error policy to a worker's
// reported error: log and keep draining, or report it so the caller
// aborts the run.
func poolOnResult(f *commonFlags, d worker.Descriptor, err error) error {
	if err == nil {
		return nil
	}
	return logStopOrContinue(f, d.Name, err)
}

// runEntryPool runs a worker.Pool of maxWorkers goroutines over every
// descriptor dispatch posts, feeding each completed Result through
// onResult as it arrives. Unlike the sequential per-verb loops,
// dispatch and the result drain run concurrently with the pool itself
// so the bounded channels in worker.Pool never deadlock: dispatch
// would block forever on Post once the work queue filled if nothing
// were draining Results at the same time.
//
// onResult returning a non-nil error aborts the run: it sets cancel,
// which both stops dispatch from posting further work (Pool.Post
// checks it) and is polled by already-running workers at their next
// inter-entry boundary (§5). The first such error is what
// runEntryPool returns, taking priority over a dispatch or Close
// error so the caller reports the actual failure rather than its
// downstream symptom (an aborted dispatch loop, or Close's "first
// errgroup error" which may just be context.Canceled).
func runEntryPool(ctx context.Context, cancel *bar.CancelFlag, maxWorkers int, process worker.Process, dispatch func(post func(worker.Descriptor) error) error, onResult func(worker.Descriptor, error) error) error {
	pool := worker.NewPool(ctx, maxWorkers, cancel, process)

	var drainErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for res := range pool.Results() {
			if err := onResult(res.Descriptor, res.Err); err != nil {
				cancel.Abort()
				if drainErr == nil {
					drainErr = err
				}
			}
		}
	}()

	dispatchErr := dispatch(pool.Post)
	closeErr := pool.Close()
	wg.Wait()

	if dispatchErr != nil && bar.KindOf(dispatchErr) != bar.Aborted {
		return dispatchErr
	}
	if drainErr != nil {
		return drainErr
	}
	return closeErr
}
