// Package kubernetes implements the Kubernetes backend (spec.md
// §4.F/§4.I): pod discovery by label, namespace policy (explicit,
// shared, or create-and-mark-for-deletion), and RBAC bootstrap for a
// freshly created namespace, grounded on the teacher's removed
// pkg/controller/machine client-go usage (typed, context-aware calls).
package kubernetes

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"go.uber.org/zap"

	ctrpolicy "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/container"
	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

const componentLabel = "component"
const kernelComponent = "kernel"

var dnsUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// Backend implements provisioner.Backend over a single Kubernetes
// cluster. pkg/backend/crd holds one as a field and delegates pod
// status and cleanup to it, since there the driver pod is discovered
// via a status object rather than directly.
type Backend struct {
	opts   *rkpconfig.KubernetesOptions
	client kubernetes.Interface
	log    *zap.SugaredLogger
}

func New(opts *rkpconfig.KubernetesOptions, client kubernetes.Interface, log *zap.SugaredLogger) *Backend {
	return &Backend{opts: opts, client: client, log: log}
}

func (b *Backend) Name() string { return "kubernetes" }

// PodName derives the pod name KERNEL_POD_NAME or <username>-<kernel_id>
// lowercased, made DNS-label safe, and trimmed of leading/trailing
// "-", per spec.md §4.H.
func PodName(username, kernelID string, env map[string]string) string {
	if v, ok := env["KERNEL_POD_NAME"]; ok && v != "" {
		return v
	}
	raw := strings.ToLower(fmt.Sprintf("%s-%s", username, kernelID))
	return strings.Trim(dnsUnsafe.ReplaceAllString(raw, "-"), "-")
}

// resolveNamespace implements the namespace policy of spec.md §4.H:
// explicit KERNEL_NAMESPACE wins, then the provisioner's own
// namespace when shared_namespace is set, else a namespace named
// after podName, created and marked for deletion. A 409 on create is
// only tolerated when rec.Restart is set (the namespace can still be
// there from before the restart); otherwise it's a genuine collision
// and the launch fails without touching the namespace it doesn't own.
func (b *Backend) resolveNamespace(ctx context.Context, rec *kernelspec.Record, podName string, env map[string]string) (ns string, createdByUs bool, err error) {
	if v, ok := env["KERNEL_NAMESPACE"]; ok && v != "" {
		return v, false, nil
	}
	if b.opts.SharedNamespace {
		return b.opts.OwnNamespace, false, nil
	}
	ns = podName
	_, err = b.client.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: map[string]string{componentLabel: kernelComponent, "kernel_id": rec.KernelID}},
	}, metav1.CreateOptions{})
	if err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return "", false, perrors.LaunchFailed(rec.KernelID, "", err, "failed to create kernel namespace %s", ns)
		}
		if !rec.Restart {
			return "", false, perrors.LaunchFailed(rec.KernelID, "", err, "namespace %s already exists and this launch is not a restart", ns)
		}
	}
	if err := b.bootstrapRBAC(ctx, ns); err != nil {
		if !rec.Restart {
			_ = b.client.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
		}
		return "", false, err
	}
	return ns, true, nil
}

func (b *Backend) bootstrapRBAC(ctx context.Context, ns string) error {
	rb := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{Name: "kernel-controller", Namespace: ns},
		Subjects: []rbacv1.Subject{{
			Kind:      "ServiceAccount",
			Name:      b.opts.DefaultKernelServiceAccount,
			Namespace: ns,
		}},
		RoleRef: rbacv1.RoleRef{
			Kind:     "ClusterRole",
			Name:     b.opts.KernelClusterRole,
			APIGroup: "rbac.authorization.k8s.io",
		},
	}
	_, err := b.client.RbacV1().RoleBindings(ns).Create(ctx, rb, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return perrors.LaunchFailed("", "", err, "failed to create kernel-controller role binding in %s", ns)
	}
	return nil
}

func (b *Backend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	if err := ctrpolicy.CheckUIDGIDPolicy(rec.KernelID, env); err != nil {
		return err
	}
	ctrpolicy.ApplyImagePolicy(b.opts.ContainerOptions, env)
	env["KERNEL_ID"] = rec.KernelID
	podName := PodName(rec.KernelUsername, rec.KernelID, env)
	env["KERNEL_POD_NAME"] = podName

	ns, createdByUs, err := b.resolveNamespace(ctx, rec, podName, env)
	if err != nil {
		return err
	}
	env["KERNEL_NAMESPACE"] = ns
	rec.Placement.Namespace = ns
	rec.Placement.NamespaceOwnedByUs = createdByUs
	return nil
}

func (b *Backend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	// Pod creation is performed by the launched argv (the kernel
	// launcher itself talks to the apiserver to create its own pod
	// manifest); the backend discovers and manages the result.
	return nil, nil
}

func (b *Backend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	ns := namespaceOf(rec)
	selector := fmt.Sprintf("kernel_id=%s,%s=%s", rec.KernelID, componentLabel, kernelComponent)
	pods, err := b.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "pod list failed")
	}
	if len(pods.Items) == 0 {
		return provisioner.StatusResult{IsInitial: true, State: "pending"}, nil
	}
	if len(pods.Items) > 1 {
		return provisioner.StatusResult{}, perrors.InvariantError(rec.KernelID, "found %d pods matching selector %q, expected at most one", len(pods.Items), selector)
	}
	pod := pods.Items[0]
	rec.Placement.Handle = pod.Name

	switch pod.Status.Phase {
	case corev1.PodFailed:
		return provisioner.StatusResult{IsError: true, ErrorReason: pod.Status.Reason, Handle: pod.Name}, nil
	case corev1.PodRunning:
		if pod.Status.PodIP == "" {
			return provisioner.StatusResult{State: "running", Handle: pod.Name}, nil
		}
		return provisioner.StatusResult{
			State:        "running",
			AssignedHost: pod.Status.PodIP,
			AssignedIP:   pod.Status.PodIP,
			NodeIP:       pod.Status.HostIP,
			Handle:       pod.Name,
		}, nil
	default:
		return provisioner.StatusResult{State: string(pod.Status.Phase), Handle: pod.Name}, nil
	}
}

func (b *Backend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	// Signal delivery over the Kubernetes API requires exec, which
	// needs a REST config this backend doesn't hold; the comm channel
	// handles shutdown/interrupt instead, so this always reports
	// NoProcess rather than silently pretending to succeed.
	return signaler.NoProcess, nil
}

func (b *Backend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	return b.deletePod(ctx, rec)
}

func (b *Backend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	return b.deletePod(ctx, rec)
}

func (b *Backend) deletePod(ctx context.Context, rec *kernelspec.Record) error {
	if rec.Placement.Handle == "" {
		return nil
	}
	ns := namespaceOf(rec)
	gracePeriod := int64(0)
	propagation := metav1.DeletePropagationBackground
	err := b.client.CoreV1().Pods(ns).Delete(ctx, rec.Placement.Handle, metav1.DeleteOptions{
		GracePeriodSeconds: &gracePeriod,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) && !apierrors.IsConflict(err) {
		return perrors.TransientBackendError(rec.KernelID, err, "pod delete failed")
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, rec *kernelspec.Record) error {
	if rec.Placement.NamespaceOwnedByUs && rec.Placement.Namespace != "" {
		err := b.client.CoreV1().Namespaces().Delete(ctx, rec.Placement.Namespace, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			return perrors.TransientBackendError(rec.KernelID, err, "namespace delete failed")
		}
	}
	return nil
}

func (b *Backend) ShutdownWaitTime() time.Duration { return 5 * time.Second }

func namespaceOf(rec *kernelspec.Record) string {
	if rec.Placement.Namespace != "" {
		return rec.Placement.Namespace
	}
	return "default"
}
