package kubernetes

import (
	"context"
	"testing"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"go.uber.org/zap"

	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
)

func testOpts() *rkpconfig.KubernetesOptions {
	return &rkpconfig.KubernetesOptions{
		ContainerOptions:            &rkpconfig.ContainerOptions{ImageName: "kernel-image:latest"},
		SharedNamespace:             true,
		DefaultKernelServiceAccount: "default",
		KernelClusterRole:           "kernel-controller",
		OwnNamespace:                "gateway-ns",
	}
}

func unsharedOpts() *rkpconfig.KubernetesOptions {
	opts := testOpts()
	opts.SharedNamespace = false
	return opts
}

func TestPodNameDefaultsToUsernameKernelID(t *testing.T) {
	name := PodName("Alice", "abc-123", map[string]string{})
	if name != "alice-abc-123" {
		t.Errorf("got %q", name)
	}
}

func TestPodNameHonorsExplicitOverride(t *testing.T) {
	name := PodName("alice", "abc", map[string]string{"KERNEL_POD_NAME": "custom-name"})
	if name != "custom-name" {
		t.Errorf("got %q", name)
	}
}

func TestPodNameTrimsLeadingAndTrailingDash(t *testing.T) {
	name := PodName("-alice-", "123", map[string]string{})
	if name != "alice-123" {
		t.Errorf("got %q", name)
	}
}

func TestResolveNamespaceSharedUsesOwnNamespace(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := New(testOpts(), client, zap.NewNop().Sugar())
	ns, createdByUs, err := b.resolveNamespace(context.Background(), &kernelspec.Record{KernelID: "k1"}, "alice-k1", map[string]string{})
	if err != nil {
		t.Fatalf("resolveNamespace: %v", err)
	}
	if ns != "gateway-ns" {
		t.Errorf("expected own namespace gateway-ns, got %q", ns)
	}
	if createdByUs {
		t.Error("shared namespace should not be marked as created by us")
	}
}

func TestResolveNamespaceCreatesNamespaceNamedAfterPod(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := New(unsharedOpts(), client, zap.NewNop().Sugar())
	ns, createdByUs, err := b.resolveNamespace(context.Background(), &kernelspec.Record{KernelID: "k1"}, "alice-k1", map[string]string{})
	if err != nil {
		t.Fatalf("resolveNamespace: %v", err)
	}
	if ns != "alice-k1" {
		t.Errorf("expected namespace named after pod, got %q", ns)
	}
	if !createdByUs {
		t.Error("expected namespace to be marked as created by us")
	}
	got, err := client.CoreV1().Namespaces().Get(context.Background(), "alice-k1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get namespace: %v", err)
	}
	if got.Labels["component"] != "kernel" || got.Labels["kernel_id"] != "k1" {
		t.Errorf("expected component/kernel_id labels, got %v", got.Labels)
	}
}

func TestResolveNamespaceConflictFailsWhenNotRestart(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "alice-k1"}})
	b := New(unsharedOpts(), client, zap.NewNop().Sugar())
	_, _, err := b.resolveNamespace(context.Background(), &kernelspec.Record{KernelID: "k1"}, "alice-k1", map[string]string{})
	if err == nil {
		t.Fatal("expected a conflict error for a pre-existing namespace on a non-restart launch")
	}
}

func TestResolveNamespaceConflictToleratedOnRestart(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "alice-k1"}})
	b := New(unsharedOpts(), client, zap.NewNop().Sugar())
	ns, createdByUs, err := b.resolveNamespace(context.Background(), &kernelspec.Record{KernelID: "k1", Restart: true}, "alice-k1", map[string]string{})
	if err != nil {
		t.Fatalf("expected restart to tolerate the existing namespace, got %v", err)
	}
	if ns != "alice-k1" {
		t.Errorf("got %q", ns)
	}
	if !createdByUs {
		t.Error("expected namespace to still be considered ours to clean up")
	}
}

func TestPreLaunchHookRejectsRootUID(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := New(testOpts(), client, zap.NewNop().Sugar())
	rec := &kernelspec.Record{KernelID: "k1"}
	err := b.PreLaunchHook(context.Background(), rec, map[string]string{"KERNEL_UID": "0"})
	if err == nil {
		t.Fatal("expected error for root UID")
	}
}

func TestStatusQueryFindsRunningPod(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "alice-k1",
			Namespace: "default",
			Labels:    map[string]string{"kernel_id": "k1", "component": "kernel"},
		},
		Status: corev1.PodStatus{Phase: corev1.PodRunning, PodIP: "10.1.2.3", HostIP: "10.0.0.1"},
	})
	b := New(testOpts(), client, zap.NewNop().Sugar())
	rec := &kernelspec.Record{KernelID: "k1"}

	res, err := b.StatusQuery(context.Background(), rec)
	if err != nil {
		t.Fatalf("StatusQuery: %v", err)
	}
	if res.AssignedIP != "10.1.2.3" {
		t.Errorf("expected assigned ip 10.1.2.3, got %q", res.AssignedIP)
	}
	if rec.Placement.Handle != "alice-k1" {
		t.Errorf("expected handle set to pod name, got %q", rec.Placement.Handle)
	}
}

func TestStatusQueryReportsInitialWhenNoPodYet(t *testing.T) {
	client := fake.NewSimpleClientset()
	b := New(testOpts(), client, zap.NewNop().Sugar())
	res, err := b.StatusQuery(context.Background(), &kernelspec.Record{KernelID: "k2"})
	if err != nil {
		t.Fatalf("StatusQuery: %v", err)
	}
	if !res.IsInitial {
		t.Error("expected IsInitial true before the pod exists")
	}
}
