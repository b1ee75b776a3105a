// Package docker implements the Docker backend (spec.md §4.F/§4.G):
// label-based container discovery, IP extraction from the configured
// kernel network, and force-remove termination, grounded on the
// docker/docker/client usage pattern from GoogleContainerTools-skaffold.
package docker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
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

// kernelLabel is set on every kernel container so it can be found by
// kernel_id alone, without tracking a container id across a gateway
// restart.
const kernelLabel = "kernel_id"

type Backend struct {
	opts    *rkpconfig.ContainerOptions
	cli     *client.Client
	network string
	log     *zap.SugaredLogger
}

func New(opts *rkpconfig.ContainerOptions, cli *client.Client, network string, log *zap.SugaredLogger) *Backend {
	return &Backend{opts: opts, cli: cli, network: network, log: log}
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	if err := ctrpolicy.CheckUIDGIDPolicy(rec.KernelID, env); err != nil {
		return err
	}
	ctrpolicy.ApplyImagePolicy(b.opts, env)
	env["KERNEL_ID"] = rec.KernelID
	return nil
}

// LaunchKernel spawns the local docker-launcher helper process (the
// actual container creation happens inside the launched argv, which is
// expected to call `docker run` itself; this mirrors the teacher's
// pattern of delegating the heavy lifting to the invoked process while
// the backend only discovers and manages the result).
func (b *Backend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	if len(argv) == 0 {
		return nil, perrors.LaunchFailed(rec.KernelID, "", nil, "empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), flattenEnv(env)...)
	logFile, err := os.OpenFile(fmt.Sprintf("kernel-%s.log", rec.KernelID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, perrors.LaunchFailed(rec.KernelID, "", err, "failed to open kernel log")
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return nil, perrors.LaunchFailed(rec.KernelID, "", err, "failed to spawn docker launcher")
	}
	return newProcHandle(cmd), nil
}

func (b *Backend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	ctrs, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", fmt.Sprintf("%s=%s", kernelLabel, rec.KernelID))),
	})
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "docker container list failed")
	}
	if len(ctrs) == 0 {
		return provisioner.StatusResult{IsInitial: true, State: "pending"}, nil
	}
	if len(ctrs) > 1 {
		return provisioner.StatusResult{}, perrors.InvariantError(rec.KernelID, "found %d containers with label %s=%s, expected at most one", len(ctrs), kernelLabel, rec.KernelID)
	}
	c := ctrs[0]
	rec.Placement.Handle = c.ID

	info, err := b.cli.ContainerInspect(ctx, c.ID)
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "docker container inspect failed")
	}

	if info.State == nil || (!info.State.Running && info.State.Status != "created") {
		reason := "exited"
		if info.State != nil {
			reason = fmt.Sprintf("%s (exit code %d)", info.State.Status, info.State.ExitCode)
		}
		return provisioner.StatusResult{IsError: true, IsFinal: true, ErrorReason: reason, Handle: c.ID}, nil
	}
	if !info.State.Running {
		return provisioner.StatusResult{State: "starting", Handle: c.ID}, nil
	}

	ip := ""
	if b.network != "" {
		if net, ok := info.NetworkSettings.Networks[b.network]; ok {
			ip = net.IPAddress
		}
	}
	if ip == "" {
		ip = info.NetworkSettings.IPAddress
	}
	if ip == "" {
		return provisioner.StatusResult{State: "starting", Handle: c.ID}, nil
	}
	return provisioner.StatusResult{
		State:        "running",
		AssignedHost: ip,
		AssignedIP:   ip,
		Handle:       c.ID,
	}, nil
}

func (b *Backend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	if rec.Placement.Handle == "" {
		return signaler.NoProcess, nil
	}
	err := b.cli.ContainerKill(ctx, rec.Placement.Handle, fmt.Sprintf("%d", signum))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return signaler.NoProcess, nil
		}
		return signaler.Refused, err
	}
	return signaler.Delivered, nil
}

func (b *Backend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	return b.remove(ctx, rec, true)
}

func (b *Backend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	return b.remove(ctx, rec, true)
}

func (b *Backend) remove(ctx context.Context, rec *kernelspec.Record, force bool) error {
	if rec.Placement.Handle == "" {
		return nil
	}
	err := b.cli.ContainerRemove(ctx, rec.Placement.Handle, container.RemoveOptions{Force: force})
	if err != nil && !errdefs.IsNotFound(err) {
		return perrors.TransientBackendError(rec.KernelID, err, "docker container remove failed")
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, rec *kernelspec.Record) error { return nil }

func (b *Backend) ShutdownWaitTime() time.Duration { return 5 * time.Second }

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

type procHandle struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// newProcHandle starts the wait in the background: cmd.Wait() only
// populates cmd.ProcessState once called, so without this goroutine
// Poll() would never observe an exit and the child would be left a
// zombie.
func newProcHandle(cmd *exec.Cmd) *procHandle {
	p := &procHandle{cmd: cmd}
	go func() {
		err := p.cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		p.mu.Lock()
		p.exited = true
		p.exitCode = code
		p.mu.Unlock()
	}()
	return p
}

func (p *procHandle) Poll() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exited
}

func (p *procHandle) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
