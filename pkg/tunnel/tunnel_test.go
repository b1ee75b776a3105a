package tunnel

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
)

func TestListenInRangePicksEphemeralPortWhenRangeEmpty(t *testing.T) {
	ln, port, err := listenInRange(config.PortRange{})
	if err != nil {
		t.Fatalf("listenInRange: %v", err)
	}
	defer ln.Close()
	if port <= 0 {
		t.Errorf("expected a positive ephemeral port, got %d", port)
	}
}

func TestListenInRangeHonorsConfiguredBounds(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	lo := probe.Addr().(*net.TCPAddr).Port
	probe.Close()

	ln, port, err := listenInRange(config.PortRange{Lo: lo, Hi: lo + 50})
	if err != nil {
		t.Fatalf("listenInRange: %v", err)
	}
	defer ln.Close()
	if port < lo || port > lo+50 {
		t.Errorf("expected port within [%d,%d], got %d", lo, lo+50, port)
	}
}

func TestSupervisorEmptyAndCloseChannel(t *testing.T) {
	s := NewSupervisor(nil, "remote.example.com", &config.Options{}, zap.NewNop().Sugar())
	if !s.Empty() {
		t.Fatal("expected a freshly constructed supervisor to be empty")
	}

	port, err := s.Open(kernelspec.ChannelShell, "10.0.0.1", 9999)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if port <= 0 {
		t.Errorf("expected a positive local port, got %d", port)
	}
	if s.Empty() {
		t.Fatal("expected supervisor to be non-empty after Open")
	}

	s.CloseChannel(kernelspec.ChannelShell)
	if !s.Empty() {
		t.Error("expected supervisor to be empty after CloseChannel")
	}
}

func TestSupervisorCloseAllEmptiesTunnelMap(t *testing.T) {
	s := NewSupervisor(nil, "remote.example.com", &config.Options{}, zap.NewNop().Sugar())
	if _, err := s.Open(kernelspec.ChannelShell, "10.0.0.1", 9999); err != nil {
		t.Fatalf("Open shell: %v", err)
	}
	if _, err := s.Open(kernelspec.ChannelIOPub, "10.0.0.1", 9998); err != nil {
		t.Fatalf("Open iopub: %v", err)
	}

	s.CloseAll()
	if !s.Empty() {
		t.Error("expected supervisor to be empty after CloseAll")
	}
}
