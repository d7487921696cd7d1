package reconciler

import (
	"sync/atomic"
	"testing"
)

func TestFetchGuardCoalesces(t *testing.T) {
	g, err := newFetchGuard()
	if err != nil {
		t.Fatal(err)
	}
	defer g.close()

	var runs atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	run := func() {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
	}

	if !g.trigger(run) {
		t.Fatal("first trigger was not submitted")
	}
	<-started

	// Several triggers during the in-flight run collapse into one follow-up.
	for i := 0; i < 3; i++ {
		if g.trigger(run) {
			t.Error("trigger during in-flight run was submitted as a new run")
		}
	}
	close(release)

	waitFor(t, "follow-up run", func() bool { return runs.Load() == 2 })
	if got := runs.Load(); got != 2 {
		t.Errorf("runs = %d, want exactly 2", got)
	}
}

func TestFetchGuardFollowUpRunsLatestTrigger(t *testing.T) {
	g, err := newFetchGuard()
	if err != nil {
		t.Fatal(err)
	}
	defer g.close()

	started := make(chan struct{})
	release := make(chan struct{})
	var staleRan, freshRan atomic.Bool

	g.trigger(func() {
		close(started)
		<-release
	})
	<-started

	// The second coalesced trigger supersedes the first; only its closure
	// may run as the follow-up.
	g.trigger(func() { staleRan.Store(true) })
	g.trigger(func() { freshRan.Store(true) })
	close(release)

	waitFor(t, "follow-up run", func() bool { return freshRan.Load() })
	if staleRan.Load() {
		t.Error("superseded trigger's closure ran")
	}
}

func TestFetchGuardSequentialTriggers(t *testing.T) {
	g, err := newFetchGuard()
	if err != nil {
		t.Fatal(err)
	}
	defer g.close()

	var runs atomic.Int32
	run := func() { runs.Add(1) }

	if !g.trigger(run) {
		t.Fatal("first trigger rejected")
	}
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })

	if !g.trigger(run) {
		t.Fatal("idle guard rejected a trigger")
	}
	waitFor(t, "second run", func() bool { return runs.Load() == 2 })
}
