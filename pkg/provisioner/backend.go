package provisioner

import (
	"context"
	"time"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

// LocalProcess is the local spawning process retained until remote
// startup is confirmed (spec.md §3 "local_proc?").
type LocalProcess interface {
	// Poll returns (exitCode, true) once the process has exited, or
	// (0, false) while it is still running.
	Poll() (int, bool)
	Kill() error
}

// StatusResult is what a backend reports on each confirm_remote_startup
// iteration: its current lifecycle label and, once known, the
// assigned host/IP.
type StatusResult struct {
	State        string
	IsInitial    bool
	IsFinal      bool
	IsError      bool
	ErrorReason  string
	AssignedHost string
	AssignedIP   string
	NodeIP       string
	Handle       string
}

// Backend is the capability set spec.md §9 calls for in place of deep
// inheritance: one small interface, implemented once per placement
// kind (SSH, Docker, Swarm, Kubernetes, CRD, YARN).
type Backend interface {
	Name() string

	// PreLaunchHook adds backend-specific env/argv decisions (image
	// names, UID/GID, pod name, CRD identity, queue) during pre_launch.
	PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error

	// LaunchKernel starts the placement. Backends that spawn a local
	// helper process (K8s, Docker, YARN, CRD) return a non-nil
	// LocalProcess; SSH returns one for a kernel spawned on a local
	// interface and nil for one spawned on a remote host.
	LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (LocalProcess, error)

	// StatusQuery reports the current placement status; called on
	// every confirm_remote_startup iteration until AssignedHost is
	// known, and thereafter by Poll for backends with native status.
	StatusQuery(ctx context.Context, rec *kernelspec.Record) (StatusResult, error)

	// Signal delivers signum through a backend-native channel when the
	// comm port is unavailable (signum 0 is a liveness probe).
	Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error)

	Terminate(ctx context.Context, rec *kernelspec.Record) error
	Kill(ctx context.Context, rec *kernelspec.Record) error
	Cleanup(ctx context.Context, rec *kernelspec.Record) error

	// ShutdownWaitTime overrides the default wait between shutdown
	// request and escalation to Kill (YARN wants >= 15s, spec.md §4.J).
	ShutdownWaitTime() time.Duration
}
