package diag

import "testing"

func TestRegisterThreadNoopWhenDisabled(t *testing.T) {
	Disable()
	deregister := RegisterThread(ThreadInfo{Name: "w", ID: 1})
	deregister()
	if got := Threads(); len(got) != 0 {
		t.Fatalf("Threads() = %v, want empty while disabled", got)
	}
}

func TestRegisterThreadRosterWhenEnabled(t *testing.T) {
	Enable()
	defer Disable()

	d1 := RegisterThread(ThreadInfo{Name: "worker-0", ID: 0})
	d2 := RegisterThread(ThreadInfo{Name: "worker-1", ID: 1})

	got := Threads()
	if len(got) != 2 {
		t.Fatalf("Threads() len = %d, want 2", len(got))
	}

	d1()
	got = Threads()
	if len(got) != 1 || got[0].Name != "worker-1" {
		t.Fatalf("Threads() after deregister = %v, want only worker-1", got)
	}

	d2()
	if got := Threads(); len(got) != 0 {
		t.Fatalf("Threads() after all deregistered = %v, want empty", got)
	}
}

func TestTrackOpenCloseNoopWhenDisabled(t *testing.T) {
	Disable()
	TrackOpen("storage-handle")
	TrackClose("storage-handle")
	if got := OpenCounts(); len(got) != 0 {
		t.Fatalf("OpenCounts() = %v, want empty while disabled", got)
	}
}

func TestTrackOpenCloseWhenEnabled(t *testing.T) {
	Enable()
	defer Disable()

	TrackOpen("storage-handle")
	TrackOpen("storage-handle")
	if got := OpenCounts()["storage-handle"]; got != 2 {
		t.Fatalf("OpenCounts()[storage-handle] = %d, want 2", got)
	}

	TrackClose("storage-handle")
	if got := OpenCounts()["storage-handle"]; got != 1 {
		t.Fatalf("OpenCounts()[storage-handle] = %d, want 1", got)
	}
}

func TestDisableClearsState(t *testing.T) {
	Enable()
	RegisterThread(ThreadInfo{Name: "w", ID: 0})
	TrackOpen("storage-handle")
	Disable()

	if got := Threads(); len(got) != 0 {
		t.Fatalf("Threads() after Disable = %v, want empty", got)
	}
	if got := OpenCounts(); len(got) != 0 {
		t.Fatalf("OpenCounts() after Disable = %v, want empty", got)
	}
}
