package bar

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the
// process is interrupted (SIGINT or SIGTERM). Archive create/compare/
// restore operations take this ctx and poll it at entry boundaries
// (§4.G, §5): no operation cancels mid-entry on write, and read
// short-circuits the current entry's payload reader instead of
// aborting immediately.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals result in immediate termination, useful in
		// case an in-flight cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

// CancelFlag is the process-wide cancellation flag described in §5:
// a single atomic checked by the iterator and every worker between
// entries and at I/O completion. Unlike a context.Context, it carries
// no deadline and is meant to be embedded in long-lived handles that
// outlive any single request context.
type CancelFlag struct {
	aborted uint32
}

// Abort sets the flag; once set, it never clears. Sticky, matching
// the ABORTED error kind's propagation policy (§7).
func (f *CancelFlag) Abort() { atomic.StoreUint32(&f.aborted, 1) }

// Aborted reports whether Abort was ever called.
func (f *CancelFlag) Aborted() bool { return atomic.LoadUint32(&f.aborted) != 0 }

// Check returns an ABORTED *Error if the flag is set, nil otherwise.
// Call sites use it at every inter-entry boundary.
func (f *CancelFlag) Check() error {
	if f.Aborted() {
		return Errorf(Aborted, "operation aborted")
	}
	return nil
}
