// Package provisioner implements the generic state machine shared by
// every placement backend (spec.md §4.D): pre_launch, launch_kernel,
// confirm_remote_startup, poll/signal/shutdown, terminate, and
// cleanup. Backend-specific behavior is injected through the Backend
// interface (backend.go) rather than through inheritance, per the
// "deep inheritance" redesign note in spec.md §9.
package provisioner

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/tunnel"
)

// ConnInfoRegistry is the subset of *responsemanager.Manager a
// provisioner needs; narrowed to an interface so tests can fake it.
type ConnInfoRegistry interface {
	RegisterEvent(kernelID string)
	Unregister(kernelID string)
	GetConnectionInfo(kernelID string) (map[string]any, bool)
	PublicKeyBase64() string
	ResponseAddress() string
}

// Base is the generic per-kernel state machine. One Base is
// constructed per kernel lifecycle; spec.md §5 requires operations for
// a given kernel id be serialized, which callers get for free by
// never invoking two Base methods concurrently on the same instance.
type Base struct {
	mu sync.Mutex

	Record   *kernelspec.Record
	opts     *config.Options
	backend  Backend
	rm       ConnInfoRegistry
	tunnels  *tunnel.Supervisor
	log      *zap.SugaredLogger

	state      State
	localProc  LocalProcess
	launchedAt time.Time
}

// New constructs a Base bound to a fresh kernel record.
func New(rec *kernelspec.Record, opts *config.Options, backend Backend, rm ConnInfoRegistry, log *zap.SugaredLogger) *Base {
	return &Base{
		Record:  rec,
		opts:    opts,
		backend: backend,
		rm:      rm,
		log:     log,
		state:   StateIdle,
	}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HasProcess reports P2's observable: true once launch succeeded,
// false again after cleanup.
func (b *Base) HasProcess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateRunning || b.state == StateAwaitingStartup || b.state == StateShuttingDown
}

// PreLaunch implements spec.md §4.D pre_launch: registers the kernel
// with the response manager, substitutes the argv template, forces
// and strips env keys, enforces the allow/deny policy, and delegates
// to the backend hook.
func (b *Base) PreLaunch(ctx context.Context, env map[string]string) ([]string, map[string]string, error) {
	b.mu.Lock()
	b.state = StatePreLaunch
	b.mu.Unlock()

	b.rm.RegisterEvent(b.Record.KernelID)

	values := map[string]string{
		"kernel_id":        b.Record.KernelID,
		"response_address": b.rm.ResponseAddress(),
		"public_key":        b.rm.PublicKeyBase64(),
		"port_range":        portRangeString(b.opts.PortRange),
	}
	argv := kernelspec.SubstituteArgv(b.Record.Spec.Argv, values)

	if env == nil {
		env = map[string]string{}
	}
	if v, ok := env["KERNEL_USERNAME"]; ok && v != "" {
		b.Record.KernelUsername = v
	} else if b.Record.KernelUsername == "" {
		b.Record.KernelUsername = osUsername()
	}
	env["KERNEL_USERNAME"] = b.Record.KernelUsername
	env["KERNEL_ID"] = b.Record.KernelID
	env["KERNEL_LANGUAGE"] = b.Record.Spec.Language

	kernelspec.StripEnvKeys(env)

	if !b.opts.IsAuthorized(b.Record.KernelUsername) {
		b.rm.Unregister(b.Record.KernelID)
		return nil, nil, perrors.PermissionDenied(b.Record.KernelID, "user %q is not authorized to launch kernels", b.Record.KernelUsername)
	}

	if err := b.backend.PreLaunchHook(ctx, b.Record, env); err != nil {
		b.rm.Unregister(b.Record.KernelID)
		return nil, nil, err
	}

	return argv, env, nil
}

func portRangeString(pr config.PortRange) string {
	return fmt.Sprintf("%d..%d", pr.Lo, pr.Hi)
}

func osUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// LaunchKernel implements spec.md §4.D launch_kernel: delegates the
// actual spawn to the backend, then unconditionally confirms startup.
func (b *Base) LaunchKernel(ctx context.Context, argv []string, env map[string]string) (*kernelspec.ConnectionInfo, error) {
	b.mu.Lock()
	b.state = StateLaunching
	b.launchedAt = time.Now()
	b.mu.Unlock()

	proc, err := b.backend.LaunchKernel(ctx, b.Record, argv, env)
	if err != nil {
		return nil, perrors.LaunchFailed(b.Record.KernelID, b.Record.Placement.AssignedHost, err, "backend failed to launch kernel")
	}
	b.mu.Lock()
	b.localProc = proc
	b.state = StateAwaitingStartup
	b.mu.Unlock()

	return b.ConfirmRemoteStartup(ctx)
}

// ConfirmRemoteStartup implements spec.md §4.D confirm_remote_startup.
func (b *Base) ConfirmRemoteStartup(ctx context.Context) (*kernelspec.ConnectionInfo, error) {
	deadline := b.launchedAt.Add(b.opts.LaunchTimeout)

	for {
		select {
		case <-ctx.Done():
			b.rm.Unregister(b.Record.KernelID)
			_ = b.Kill(context.Background(), false)
			return nil, ctx.Err()
		case <-time.After(b.opts.PollInterval):
		}

		if time.Now().After(deadline) {
			_ = b.Kill(context.Background(), false)
			b.rm.Unregister(b.Record.KernelID)
			return nil, perrors.Timeout(b.Record.KernelID, b.Record.Placement.AssignedHost, "launch_timeout exceeded waiting for kernel startup")
		}

		status, err := b.backend.StatusQuery(ctx, b.Record)
		if err != nil {
			b.log.Warnw("transient error polling backend status", "kernel_id", b.Record.KernelID, "error", err)
			continue
		}
		b.Record.LastKnownState = status.State

		if status.IsError {
			b.rm.Unregister(b.Record.KernelID)
			return nil, perrors.LaunchFailed(b.Record.KernelID, b.Record.Placement.AssignedHost, nil, "%s", status.ErrorReason)
		}

		if status.AssignedHost == "" {
			if status.IsInitial {
				if b.localProc != nil {
					if exitCode, exited := b.localProc.Poll(); exited && exitCode != 0 {
						b.rm.Unregister(b.Record.KernelID)
						return nil, perrors.LaunchFailed(b.Record.KernelID, "", nil, "local launch process exited with code %d before confirmation", exitCode)
					}
				}
				continue
			}
			continue
		}

		b.Record.Placement.AssignedHost = status.AssignedHost
		b.Record.Placement.AssignedIP = status.AssignedIP
		b.Record.Placement.AssignedNodeIP = status.NodeIP
		b.Record.Placement.Handle = status.Handle

		payload, ok := b.rm.GetConnectionInfo(b.Record.KernelID)
		if !ok {
			continue
		}

		ci, err := b.setupConnectionInfo(payload)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.state = StateRunning
		b.localProc = nil
		b.mu.Unlock()
		return ci, nil
	}
}

// setupConnectionInfo implements the tail of confirm_remote_startup:
// rewrite ip to the assigned_ip (or a tunnel endpoint), record
// comm_port, and extract pid/pgid.
func (b *Base) setupConnectionInfo(payload map[string]any) (*kernelspec.ConnectionInfo, error) {
	ci := kernelspec.ConnectionInfo{
		IP:              b.Record.Placement.AssignedIP,
		ShellPort:       asInt(payload["shell_port"]),
		IOPubPort:       asInt(payload["iopub_port"]),
		StdinPort:       asInt(payload["stdin_port"]),
		HBPort:          asInt(payload["hb_port"]),
		ControlPort:     asInt(payload["control_port"]),
		CommPort:        asInt(payload["comm_port"]),
		SignatureScheme: asString(payload["signature_scheme"]),
		Transport:       asString(payload["transport"]),
	}
	if keyStr, ok := payload["key"].(string); ok {
		ci.Key = []byte(keyStr)
	}
	b.Record.ProcessIDs.PID = asInt(payload["pid"])
	b.Record.ProcessIDs.PGID = asInt(payload["pgid"])

	if b.opts.TunnelingEnabled && b.tunnels != nil {
		for _, ch := range kernelspec.AllChannels {
			remotePort, ok := ci.PortByChannel(ch)
			if !ok {
				continue
			}
			localPort, err := b.tunnels.Open(ch, b.Record.Placement.AssignedIP, remotePort)
			if err != nil {
				return nil, err
			}
			ci.SetPortByChannel(ch, localPort)
		}
		if ci.CommPort > 0 {
			localPort, err := b.tunnels.Open(kernelspec.ChannelComm, b.Record.Placement.AssignedIP, ci.CommPort)
			if err == nil {
				ci.CommPort = localPort
			}
		}
		ci.IP = "127.0.0.1"
	}

	b.Record.ConnectionInfo = ci
	return &ci, nil
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	}
	return 0
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// Poll implements spec.md §4.D poll(): prefer the comm-port liveness
// probe, falling back to the backend's native status.
func (b *Base) Poll(ctx context.Context) (exitCode *int, err error) {
	if b.Record.ConnectionInfo.CommPort > 0 {
		result, sendErr := sendCommMessage(b.commIP(), b.Record.ConnectionInfo.CommPort, map[string]int{"signum": 0}, b.opts.SocketTimeout)
		if sendErr == nil {
			switch result {
			case signaler.Delivered:
				return nil, nil
			case signaler.NoProcess:
				zero := 0
				return &zero, nil
			}
		}
	}

	status, err := b.backend.StatusQuery(ctx, b.Record)
	if err != nil {
		return nil, perrors.TransientBackendError(b.Record.KernelID, err, "status query failed during poll")
	}
	if status.IsFinal {
		zero := 0
		return &zero, nil
	}
	return nil, nil
}

func (b *Base) commIP() string {
	if b.Record.ConnectionInfo.IP != "" {
		return b.Record.ConnectionInfo.IP
	}
	return b.Record.Placement.AssignedIP
}

// SendSignal implements spec.md §4.D send_signal().
func (b *Base) SendSignal(ctx context.Context, signum int) (signaler.Result, error) {
	if b.State() == StateTerminated {
		return signaler.NoProcess, perrors.ErrAlreadyTerminated
	}
	if b.Record.ConnectionInfo.CommPort > 0 {
		result, err := sendCommMessage(b.commIP(), b.Record.ConnectionInfo.CommPort, map[string]int{"signum": signum}, b.opts.SocketTimeout)
		if err == nil && result != signaler.Refused {
			return result, nil
		}
	}
	return b.backend.Signal(ctx, b.Record, signum)
}

// ShutdownRequested implements spec.md §4.D shutdown_requested().
func (b *Base) ShutdownRequested(ctx context.Context) error {
	b.mu.Lock()
	b.state = StateShuttingDown
	b.mu.Unlock()

	if b.Record.ConnectionInfo.CommPort > 0 {
		if err := halfCloseWrite(b.commIP(), b.Record.ConnectionInfo.CommPort, map[string]int{"shutdown": 1}, b.opts.SocketTimeout); err != nil {
			b.log.Warnw("shutdown_requested: comm port write failed", "kernel_id", b.Record.KernelID, "error", err)
		}
		if b.tunnels != nil {
			b.tunnels.CloseChannel(kernelspec.ChannelComm)
		}
	}
	return nil
}

// Terminate implements spec.md §4.D terminate(): idempotent, backend-specific.
func (b *Base) Terminate(ctx context.Context, restart bool) error {
	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if err := b.backend.Terminate(ctx, b.Record); err != nil {
		return err
	}
	b.mu.Lock()
	b.state = StateTerminated
	b.mu.Unlock()
	return nil
}

// Kill implements spec.md §4.D kill(): idempotent, escalates after
// terminate failed to move state within max_poll_attempts*poll_interval.
func (b *Base) Kill(ctx context.Context, restart bool) error {
	b.mu.Lock()
	if b.state == StateTerminated {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	_ = b.Terminate(ctx, restart)

	deadline := time.Now().Add(time.Duration(b.opts.MaxPollAttempts) * b.opts.PollInterval)
	for time.Now().Before(deadline) {
		if b.State() == StateTerminated {
			return nil
		}
		time.Sleep(b.opts.PollInterval)
	}

	if err := b.backend.Kill(ctx, b.Record); err != nil {
		return err
	}
	b.mu.Lock()
	b.state = StateTerminated
	b.mu.Unlock()
	return nil
}

// Cleanup implements spec.md §4.D cleanup(): best-effort, clears
// assigned_ip, tears down every tunnel, and defers to the backend.
func (b *Base) Cleanup(ctx context.Context, restart bool) {
	b.Record.Placement.AssignedIP = ""
	if b.tunnels != nil {
		b.tunnels.CloseAll()
	}
	if err := b.backend.Cleanup(ctx, b.Record); err != nil {
		b.log.Warnw("backend cleanup returned an error; continuing", "kernel_id", b.Record.KernelID, "error", err)
	}
	b.mu.Lock()
	b.state = StateTerminated
	b.mu.Unlock()
}

// AttachTunnels installs a tunnel supervisor for this kernel, used
// when the backend determined tunneling is required for this
// placement (spec.md §4.C).
func (b *Base) AttachTunnels(s *tunnel.Supervisor) {
	b.tunnels = s
}

// ShutdownWaitTime exposes the backend's override (YARN >= 15s).
func (b *Base) ShutdownWaitTime() time.Duration {
	return b.backend.ShutdownWaitTime()
}
