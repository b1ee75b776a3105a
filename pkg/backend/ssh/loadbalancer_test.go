package ssh

import (
	"testing"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
)

func TestRoundRobinCyclesInInsertionOrder(t *testing.T) {
	tracker := newHostTracker([]string{"h1", "h2", "h3"})
	got := []string{
		tracker.Next(config.RoundRobin, ""),
		tracker.Next(config.RoundRobin, ""),
		tracker.Next(config.RoundRobin, ""),
		tracker.Next(config.RoundRobin, ""),
	}
	want := []string{"h1", "h2", "h3", "h1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLeastConnectionPicksLowestCountWithInsertionOrderTiebreak(t *testing.T) {
	tracker := newHostTracker([]string{"h1", "h2", "h3"})
	tracker.AddKernel("h2")
	tracker.AddKernel("h3")
	tracker.AddKernel("h3")

	got := tracker.Next(config.LeastConnection, "")
	if got != "h1" {
		t.Errorf("expected h1 (count 0), got %q", got)
	}

	tracker.AddKernel("h1")
	// h1 and h2 both now at count 1; insertion order means h1 still wins.
	got = tracker.Next(config.LeastConnection, "")
	if got != "h1" {
		t.Errorf("expected h1 to win tie via insertion order, got %q", got)
	}
}

func TestRemoveKernelDecrementsCount(t *testing.T) {
	tracker := newHostTracker([]string{"h1", "h2"})
	tracker.AddKernel("h1")
	tracker.AddKernel("h1")
	tracker.RemoveKernel("h1")

	if tracker.counts["h1"] != 1 {
		t.Errorf("expected count 1 after add/add/remove, got %d", tracker.counts["h1"])
	}
}

func TestRemoteHostOverrideBypassesBothAlgorithms(t *testing.T) {
	tracker := newHostTracker([]string{"h1", "h2"})
	got := tracker.Next(config.RoundRobin, "override-host")
	if got != "override-host" {
		t.Errorf("expected override to win, got %q", got)
	}
	got = tracker.Next(config.LeastConnection, "override-host")
	if got != "override-host" {
		t.Errorf("expected override to win for least-connection too, got %q", got)
	}
}
