package dockerswarm

import (
	"context"
	"testing"

	"go.uber.org/zap"

	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

func TestStripCIDRRemovesPrefixLength(t *testing.T) {
	if got := stripCIDR("10.0.0.5/24"); got != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %q", got)
	}
}

func TestStripCIDRLeavesBareAddressUnchanged(t *testing.T) {
	if got := stripCIDR("10.0.0.5"); got != "10.0.0.5" {
		t.Errorf("expected 10.0.0.5, got %q", got)
	}
}

func TestPreLaunchHookRejectsRootGID(t *testing.T) {
	b := New(&rkpconfig.ContainerOptions{}, nil, zap.NewNop().Sugar())
	env := map[string]string{"KERNEL_GID": "0"}
	if err := b.PreLaunchHook(context.Background(), &kernelspec.Record{KernelID: "k1"}, env); err == nil {
		t.Fatal("expected root GID to be rejected")
	}
}

func TestSignalAlwaysReportsNoProcess(t *testing.T) {
	b := New(&rkpconfig.ContainerOptions{}, nil, zap.NewNop().Sugar())
	result, err := b.Signal(context.Background(), &kernelspec.Record{KernelID: "k1"}, 15)
	if err != nil {
		t.Fatalf("Signal: %v", err)
	}
	if result != signaler.NoProcess {
		t.Errorf("expected NoProcess (swarm has no per-task signal API), got %v", result)
	}
}

func TestRemoveWithoutHandleIsNoop(t *testing.T) {
	b := New(&rkpconfig.ContainerOptions{}, nil, zap.NewNop().Sugar())
	if err := b.Terminate(context.Background(), &kernelspec.Record{KernelID: "k1"}); err != nil {
		t.Errorf("expected nil error removing a kernel with no placement handle, got %v", err)
	}
}
