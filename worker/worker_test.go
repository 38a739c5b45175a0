package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/baresque/bar"
)

func TestPoolProcessesAllDescriptors(t *testing.T) {
	const n = 200
	var processed int64
	var seen sync.Map

	var cancel bar.CancelFlag
	pool := NewPool(context.Background(), 8, &cancel, func(ctx context.Context, d Descriptor) error {
		atomic.AddInt64(&processed, 1)
		seen.Store(d.Name, true)
		return nil
	})

	go func() {
		for i := 0; i < n; i++ {
			if err := pool.Post(Descriptor{Name: string(rune('a' + i%26)), Offset: int64(i)}); err != nil {
				t.Errorf("Post: %v", err)
				return
			}
		}
		pool.Close()
	}()

	var results []Result
	for r := range pool.Results() {
		results = append(results, r)
	}

	if len(results) != n {
		t.Fatalf("got %d results, want %d", len(results), n)
	}
	if got := atomic.LoadInt64(&processed); got != n {
		t.Fatalf("processed %d descriptors, want %d", got, n)
	}
}

func TestPoolStopsOnCancel(t *testing.T) {
	var cancel bar.CancelFlag
	started := make(chan struct{}, 1)
	pool := NewPool(context.Background(), 2, &cancel, func(ctx context.Context, d Descriptor) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return nil
	})

	cancel.Abort()

	if err := pool.Post(Descriptor{Name: "x"}); err == nil {
		t.Fatal("expected Post to report the abort, got nil")
	}
	pool.Close()
}

func TestPoolPropagatesWorkerError(t *testing.T) {
	var cancel bar.CancelFlag
	boom := bar.Errorf(bar.Internal, "boom")
	pool := NewPool(context.Background(), 1, &cancel, func(ctx context.Context, d Descriptor) error {
		return boom
	})
	if err := pool.Post(Descriptor{Name: "x"}); err != nil {
		t.Fatal(err)
	}
	r, ok := <-pool.Results()
	if !ok {
		t.Fatal("expected a result")
	}
	if r.Err != boom {
		t.Fatalf("got err %v, want %v", r.Err, boom)
	}
	pool.Close()
}
