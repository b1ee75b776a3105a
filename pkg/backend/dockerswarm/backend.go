// Package dockerswarm implements the Docker Swarm backend (spec.md
// §4.H): service/task discovery by label, IP extraction from the task's
// network attachments, and service-remove termination. Shares the
// docker/docker/client SDK with pkg/backend/docker.
package dockerswarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"go.uber.org/zap"

	ctrpolicy "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/container"
	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

const kernelLabel = "kernel_id"

type Backend struct {
	opts *rkpconfig.ContainerOptions
	cli  *client.Client
	log  *zap.SugaredLogger
}

func New(opts *rkpconfig.ContainerOptions, cli *client.Client, log *zap.SugaredLogger) *Backend {
	return &Backend{opts: opts, cli: cli, log: log}
}

func (b *Backend) Name() string { return "docker-swarm" }

func (b *Backend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	if err := ctrpolicy.CheckUIDGIDPolicy(rec.KernelID, env); err != nil {
		return err
	}
	ctrpolicy.ApplyImagePolicy(b.opts, env)
	env["KERNEL_ID"] = rec.KernelID
	return nil
}

func (b *Backend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	// Service creation is performed by the launched argv itself (it
	// calls `docker service create` with the kernel_id label); the
	// backend only discovers and manages what results, same contract
	// as pkg/backend/docker.
	return nil, nil
}

func (b *Backend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	services, err := b.cli.ServiceList(ctx, types.ServiceListOptions{
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", kernelLabel, rec.KernelID))),
	})
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "swarm service list failed")
	}
	if len(services) == 0 {
		return provisioner.StatusResult{IsInitial: true, State: "pending"}, nil
	}
	if len(services) > 1 {
		return provisioner.StatusResult{}, perrors.InvariantError(rec.KernelID, "found %d services with label %s=%s, expected at most one", len(services), kernelLabel, rec.KernelID)
	}
	svc := services[0]
	rec.Placement.Handle = svc.ID

	tasks, err := b.cli.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(
			filters.Arg("service", svc.ID),
			filters.Arg("desired-state", "running"),
		),
	})
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "swarm task list failed")
	}
	if len(tasks) == 0 {
		return provisioner.StatusResult{State: "starting"}, nil
	}

	task := tasks[0]
	switch task.Status.State {
	case swarm.TaskStateFailed, swarm.TaskStateRejected:
		return provisioner.StatusResult{IsError: true, IsFinal: true, ErrorReason: task.Status.Err, Handle: svc.ID}, nil
	case swarm.TaskStateComplete, swarm.TaskStateShutdown, swarm.TaskStateRemove, swarm.TaskStateOrphaned:
		return provisioner.StatusResult{IsError: true, IsFinal: true, ErrorReason: string(task.Status.State), Handle: svc.ID}, nil
	}
	if task.Status.State != swarm.TaskStateRunning || len(task.NetworksAttachments) == 0 || len(task.NetworksAttachments[0].Addresses) == 0 {
		return provisioner.StatusResult{State: string(task.Status.State), Handle: svc.ID}, nil
	}

	ip := stripCIDR(task.NetworksAttachments[0].Addresses[0])
	return provisioner.StatusResult{
		State:        "running",
		AssignedHost: ip,
		AssignedIP:   ip,
		Handle:       svc.ID,
	}, nil
}

func (b *Backend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	// Swarm has no per-task signal delivery API; the comm channel is
	// the only way to reach a running task, so this reports NoProcess
	// rather than faking delivery.
	return signaler.NoProcess, nil
}

func (b *Backend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	return b.remove(ctx, rec)
}

func (b *Backend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	return b.remove(ctx, rec)
}

func (b *Backend) remove(ctx context.Context, rec *kernelspec.Record) error {
	if rec.Placement.Handle == "" {
		return nil
	}
	err := b.cli.ServiceRemove(ctx, rec.Placement.Handle)
	if err != nil && !errdefs.IsNotFound(err) {
		return perrors.TransientBackendError(rec.KernelID, err, "swarm service remove failed")
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, rec *kernelspec.Record) error { return nil }

func (b *Backend) ShutdownWaitTime() time.Duration { return 5 * time.Second }

func stripCIDR(addr string) string {
	if i := strings.Index(addr, "/"); i >= 0 {
		return addr[:i]
	}
	return addr
}
