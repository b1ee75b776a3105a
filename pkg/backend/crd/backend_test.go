package crd

import (
	"context"
	"testing"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/dynamic/fake"
	"go.uber.org/zap"

	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
)

func newApp(name, namespace, state, errMsg string) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]any{
		"apiVersion": "sparkoperator.k8s.io/v1beta2",
		"kind":       "SparkApplication",
		"metadata": map[string]any{
			"name":      name,
			"namespace": namespace,
		},
		"status": map[string]any{
			"applicationState": map[string]any{
				"state":        state,
				"errorMessage": errMsg,
			},
		},
	}}
}

func testOpts() *rkpconfig.KubernetesOptions {
	return &rkpconfig.KubernetesOptions{ContainerOptions: &rkpconfig.ContainerOptions{}}
}

func TestStatusQueryReportsErrorStateWithExtractedException(t *testing.T) {
	scheme := runtime.NewScheme()
	obj := newApp("kernel-k1", "default", "FAILED", "boom: java.lang.Exception: out of memory")
	client := fake.NewSimpleDynamicClient(scheme, obj)

	b := New(testOpts(), client, nil, zap.NewNop().Sugar())
	rec := &kernelspec.Record{KernelID: "k1", Placement: kernelspec.Placement{Handle: "kernel-k1", Namespace: "default"}}

	res, err := b.StatusQuery(context.Background(), rec)
	if err != nil {
		t.Fatalf("StatusQuery: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError true")
	}
	if res.ErrorReason != "out of memory" {
		t.Errorf("expected extracted exception message, got %q", res.ErrorReason)
	}
}

func TestStatusQueryReportsInitialWhenObjectMissing(t *testing.T) {
	scheme := runtime.NewScheme()
	client := fake.NewSimpleDynamicClient(scheme)
	b := New(testOpts(), client, nil, zap.NewNop().Sugar())
	rec := &kernelspec.Record{KernelID: "k2", Placement: kernelspec.Placement{Handle: "kernel-k2", Namespace: "default"}}

	res, err := b.StatusQuery(context.Background(), rec)
	if err != nil {
		t.Fatalf("StatusQuery: %v", err)
	}
	if !res.IsInitial {
		t.Error("expected IsInitial true before the object exists")
	}
}

func TestStatusQueryNonTerminalStatePassesThrough(t *testing.T) {
	scheme := runtime.NewScheme()
	obj := newApp("kernel-k3", "default", "SUBMITTED", "")
	client := fake.NewSimpleDynamicClient(scheme, obj)
	b := New(testOpts(), client, nil, zap.NewNop().Sugar())
	rec := &kernelspec.Record{KernelID: "k3", Placement: kernelspec.Placement{Handle: "kernel-k3", Namespace: "default"}}

	res, err := b.StatusQuery(context.Background(), rec)
	if err != nil {
		t.Fatalf("StatusQuery: %v", err)
	}
	if res.State != "submitted" {
		t.Errorf("expected lowercased passthrough state, got %q", res.State)
	}
}
