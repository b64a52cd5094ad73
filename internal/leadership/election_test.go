package leadership

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func testElection() *Election {
	return &Election{
		logger:     zerolog.Nop(),
		instanceID: "instance-1",
		stopCh:     make(chan struct{}),
		leaderCh:   make(chan bool, 1),
	}
}

func TestIsLeaderTracksStatusChanges(t *testing.T) {
	e := testElection()

	if e.IsLeader() {
		t.Fatal("fresh election must not claim leadership")
	}

	e.updateLeadershipStatus(true)
	if !e.IsLeader() {
		t.Fatal("IsLeader() false after acquiring")
	}
	select {
	case got := <-e.LeaderCh():
		if !got {
			t.Fatal("leader channel reported false on acquire")
		}
	default:
		t.Fatal("no leadership change notified")
	}

	// A repeated acquire is a no-op and must not re-notify.
	e.updateLeadershipStatus(true)
	select {
	case <-e.LeaderCh():
		t.Fatal("duplicate status change notified")
	default:
	}

	e.updateLeadershipStatus(false)
	if e.IsLeader() {
		t.Fatal("IsLeader() true after losing the lease")
	}
}

func TestIsLeaderSafeForConcurrentGates(t *testing.T) {
	e := testElection()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				e.IsLeader()
			}
		}()
	}
	for j := 0; j < 500; j++ {
		e.updateLeadershipStatus(j%2 == 0)
	}
	wg.Wait()
}
