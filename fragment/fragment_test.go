package fragment

import (
	"math/rand"
	"testing"
)

func TestIsCompleteIndependentOfInsertionOrder(t *testing.T) {
	const size = 1000
	ranges := []Range{
		{Offset: 0, Length: 200},
		{Offset: 200, Length: 300},
		{Offset: 500, Length: 500},
	}
	perms := [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {2, 0, 1}}
	for _, perm := range perms {
		reg := New()
		n, err := reg.FindOrCreate("x", size)
		if err != nil {
			t.Fatal(err)
		}
		for _, i := range perm {
			n.AddRange(ranges[i].Offset, ranges[i].Length)
		}
		if !n.IsComplete() {
			t.Fatalf("order %v: expected complete", perm)
		}
	}
}

func TestOverlappingAndAdjacentMerge(t *testing.T) {
	reg := New()
	n, _ := reg.FindOrCreate("y", 100)
	n.AddRange(0, 40)
	n.AddRange(30, 40) // overlaps [0,40)
	n.AddRange(70, 30) // adjacent to [0,70)
	if !n.IsComplete() {
		t.Fatalf("expected complete after merges, got ranges %v", n.Ranges())
	}
}

func TestUncoveredRanges(t *testing.T) {
	reg := New()
	n, _ := reg.FindOrCreate("z", 100)
	n.AddRange(20, 30) // [20,50)
	gaps := n.Uncovered()
	want := []Range{{Offset: 0, Length: 20}, {Offset: 50, Length: 50}}
	if len(gaps) != len(want) {
		t.Fatalf("got %v, want %v", gaps, want)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Fatalf("got %v, want %v", gaps, want)
		}
	}
}

func TestSizeMismatch(t *testing.T) {
	reg := New()
	if _, err := reg.FindOrCreate("a", 10); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.FindOrCreate("a", 20); err == nil {
		t.Fatal("expected ENTRY_SIZE_MISMATCH error")
	}
}

func TestRandomOrderAlwaysConverges(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const size = 64
	for trial := 0; trial < 50; trial++ {
		reg := New()
		n, _ := reg.FindOrCreate("r", size)
		perm := rng.Perm(size)
		for _, off := range perm {
			n.AddRange(uint64(off), 1)
		}
		if !n.IsComplete() {
			t.Fatalf("trial %d: expected complete, got ranges %v", trial, n.Ranges())
		}
	}
}
