package docker

import (
	"context"
	"os/exec"
	"sort"
	"testing"

	"go.uber.org/zap"

	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
)

func TestPreLaunchHookRejectsRootUID(t *testing.T) {
	b := New(&rkpconfig.ContainerOptions{}, nil, "", zap.NewNop().Sugar())
	env := map[string]string{"KERNEL_UID": "0"}
	err := b.PreLaunchHook(context.Background(), &kernelspec.Record{KernelID: "k1"}, env)
	if err == nil {
		t.Fatal("expected root UID to be rejected")
	}
}

func TestPreLaunchHookSetsKernelIDAndImageDefaults(t *testing.T) {
	b := New(&rkpconfig.ContainerOptions{ImageName: "base-image:latest"}, nil, "", zap.NewNop().Sugar())
	env := map[string]string{}
	if err := b.PreLaunchHook(context.Background(), &kernelspec.Record{KernelID: "k2"}, env); err != nil {
		t.Fatalf("PreLaunchHook: %v", err)
	}
	if env["KERNEL_ID"] != "k2" {
		t.Errorf("expected KERNEL_ID to be set, got %q", env["KERNEL_ID"])
	}
	if env["KERNEL_IMAGE"] != "base-image:latest" {
		t.Errorf("expected KERNEL_IMAGE default to be injected, got %q", env["KERNEL_IMAGE"])
	}
}

func TestFlattenEnvProducesKeyEqualsValuePairs(t *testing.T) {
	out := flattenEnv(map[string]string{"A": "1", "B": "2"})
	sort.Strings(out)
	want := []string{"A=1", "B=2"}
	if len(out) != len(want) {
		t.Fatalf("expected %v, got %v", want, out)
	}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("expected %v, got %v", want, out)
		}
	}
}

func TestProcHandlePollReportsNotDoneUntilExited(t *testing.T) {
	cmd := exec.Command("true")
	ph := &procHandle{cmd: cmd}
	if _, done := ph.Poll(); done {
		t.Error("expected Poll to report not-done before Start/Wait")
	}
}

func TestProcHandleKillWithoutProcessIsNoop(t *testing.T) {
	ph := &procHandle{cmd: exec.Command("true")}
	if err := ph.Kill(); err != nil {
		t.Errorf("expected nil error killing a never-started process, got %v", err)
	}
}
