// Package crd implements the custom-resource-backed backend (spec.md
// §4.F, the Spark-on-Kubernetes-operator variant): CRUD over a
// namespaced custom object via the dynamic client, status.applicationState
// parsing, and delegation to pkg/backend/kubernetes once the object
// reports "running" to get at the driver pod/IP.
package crd

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"go.uber.org/zap"

	ctrpolicy "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/container"
	k8sbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/kubernetes"
	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

// errorStates are the application states that indicate a terminal
// failure, per spec.md §4.F.
var errorStates = map[string]bool{
	"failed":           true,
	"submission_failed": true,
	"invalidating":      true,
	"pending_rerun":     true,
}

var exceptionPattern = regexp.MustCompile(`Exception\s*:\s*(.*)`)

// GroupVersionResource for the SparkApplication-shaped custom resource
// this backend manages; configurable in principle, fixed here to match
// the spec's single named custom resource kind.
var sparkApplicationGVR = schema.GroupVersionResource{
	Group:    "sparkoperator.k8s.io",
	Version:  "v1beta2",
	Resource: "sparkapplications",
}

type Backend struct {
	opts    *rkpconfig.KubernetesOptions
	dynamic dynamic.Interface
	k8s     *k8sbackend.Backend
	log     *zap.SugaredLogger
}

func New(opts *rkpconfig.KubernetesOptions, dyn dynamic.Interface, k8s *k8sbackend.Backend, log *zap.SugaredLogger) *Backend {
	return &Backend{opts: opts, dynamic: dyn, k8s: k8s, log: log}
}

func (b *Backend) Name() string { return "crd" }

func (b *Backend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	if err := ctrpolicy.CheckUIDGIDPolicy(rec.KernelID, env); err != nil {
		return err
	}
	ctrpolicy.ApplyImagePolicy(b.opts.ContainerOptions, env)
	env["KERNEL_ID"] = rec.KernelID
	rec.Placement.Handle = fmt.Sprintf("kernel-%s", rec.KernelID)
	rec.Placement.Namespace = namespaceOrDefault(env)
	return nil
}

func (b *Backend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	// The custom object is submitted by the launched argv (the kernel
	// launcher applies its own SparkApplication manifest); the backend
	// discovers and manages the result by name.
	return nil, nil
}

func (b *Backend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	obj, err := b.dynamic.Resource(sparkApplicationGVR).Namespace(rec.Placement.Namespace).Get(ctx, rec.Placement.Handle, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return provisioner.StatusResult{IsInitial: true, State: "pending"}, nil
	}
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "custom object get failed")
	}

	state, _, _ := unstructured.NestedString(obj.Object, "status", "applicationState", "state")
	state = strings.ToLower(state)

	if errorStates[state] {
		msg, _, _ := unstructured.NestedString(obj.Object, "status", "applicationState", "errorMessage")
		reason := msg
		if m := exceptionPattern.FindStringSubmatch(msg); len(m) == 2 {
			reason = m[1]
		}
		return provisioner.StatusResult{IsError: true, ErrorReason: reason, Handle: rec.Placement.Handle}, nil
	}

	if state != "running" {
		return provisioner.StatusResult{State: state, Handle: rec.Placement.Handle}, nil
	}

	driverPodName, _, _ := unstructured.NestedString(obj.Object, "status", "driverInfo", "podName")
	if driverPodName == "" || b.k8s == nil {
		return provisioner.StatusResult{State: "running", Handle: rec.Placement.Handle}, nil
	}

	driverRec := &kernelspec.Record{KernelID: rec.KernelID, Placement: kernelspec.Placement{Handle: driverPodName, Namespace: rec.Placement.Namespace}}
	res, err := b.k8s.StatusQuery(ctx, driverRec)
	if err != nil {
		return provisioner.StatusResult{}, err
	}
	res.Handle = rec.Placement.Handle
	return res, nil
}

func (b *Backend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	return signaler.NoProcess, nil
}

func (b *Backend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	return b.delete(ctx, rec)
}

func (b *Backend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	return b.delete(ctx, rec)
}

func (b *Backend) delete(ctx context.Context, rec *kernelspec.Record) error {
	if rec.Placement.Handle == "" {
		return nil
	}
	propagation := metav1.DeletePropagationBackground
	err := b.dynamic.Resource(sparkApplicationGVR).Namespace(rec.Placement.Namespace).Delete(ctx, rec.Placement.Handle, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return perrors.TransientBackendError(rec.KernelID, err, "custom object delete failed")
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, rec *kernelspec.Record) error {
	if b.k8s != nil {
		return b.k8s.Cleanup(ctx, rec)
	}
	return nil
}

func (b *Backend) ShutdownWaitTime() time.Duration { return 10 * time.Second }

func namespaceOrDefault(env map[string]string) string {
	if v, ok := env["KERNEL_NAMESPACE"]; ok && v != "" {
		return v
	}
	return "default"
}
