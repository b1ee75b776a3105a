// Package ssh implements the SSH/Distributed backend (spec.md §4.E):
// host selection, remote spawn via SSH, and a local-spawn
// optimization when the chosen host resolves to a local interface.
package ssh

import (
	"sync"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
)

// hostTracker selects the next host for a kernel launch, grounded on
// distributed.py's TrackKernelOnHost: a process-wide round-robin
// index plus a least-connection counter map, both made safe for
// concurrent launches per spec.md §5's ordering guarantee.
type hostTracker struct {
	mu    sync.Mutex
	hosts []string
	index int
	// counts preserves map insertion order via order, since Go maps
	// do not, to make the least-connection tie-break deterministic
	// (R2: "ties broken by map insertion order").
	counts map[string]int
	order  []string
}

func newHostTracker(hosts []string) *hostTracker {
	t := &hostTracker{hosts: hosts, counts: make(map[string]int)}
	for _, h := range hosts {
		t.counts[h] = 0
		t.order = append(t.order, h)
	}
	return t
}

// Next selects a host according to algo, honoring the
// KERNEL_REMOTE_HOST override from env, which bypasses both
// algorithms (R3).
func (t *hostTracker) Next(algo config.LoadBalancingAlgorithm, override string) string {
	if override != "" {
		return override
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if algo == config.LeastConnection {
		best := t.order[0]
		bestCount := t.counts[best]
		for _, h := range t.order {
			if t.counts[h] < bestCount {
				best = h
				bestCount = t.counts[h]
			}
		}
		return best
	}

	host := t.hosts[t.index%len(t.hosts)]
	t.index++
	return host
}

// AddKernel increments the active-kernel counter for host (called
// once a kernel has actually been placed there).
func (t *hostTracker) AddKernel(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[host]; !ok {
		t.counts[host] = 0
		t.order = append(t.order, host)
	}
	t.counts[host]++
}

// RemoveKernel decrements the counter on cleanup.
func (t *hostTracker) RemoveKernel(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.counts[host]; ok {
		t.counts[host]--
	}
}
