package provisioner

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

type fakeRegistry struct {
	registered map[string]bool
	payload    map[string]map[string]any
	deliverAt  int
	calls      int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{registered: map[string]bool{}, payload: map[string]map[string]any{}}
}

func (f *fakeRegistry) RegisterEvent(kernelID string)   { f.registered[kernelID] = true }
func (f *fakeRegistry) Unregister(kernelID string)       { delete(f.registered, kernelID) }
func (f *fakeRegistry) PublicKeyBase64() string          { return "pubkey" }
func (f *fakeRegistry) ResponseAddress() string          { return "127.0.0.1:8877" }
func (f *fakeRegistry) GetConnectionInfo(kernelID string) (map[string]any, bool) {
	f.calls++
	if f.calls < f.deliverAt {
		return nil, false
	}
	p, ok := f.payload[kernelID]
	return p, ok
}

type fakeBackend struct {
	assignAfter int
	calls       int
	killed      int
	terminated  int
	errStatus   bool
}

func (f *fakeBackend) Name() string { return "fake" }
func (f *fakeBackend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	return nil
}
func (f *fakeBackend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (LocalProcess, error) {
	return nil, nil
}
func (f *fakeBackend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (StatusResult, error) {
	f.calls++
	if f.errStatus {
		return StatusResult{IsError: true, ErrorReason: "boom"}, nil
	}
	if f.calls < f.assignAfter {
		return StatusResult{State: "pending", IsInitial: true}, nil
	}
	return StatusResult{State: "running", AssignedHost: "host1", AssignedIP: "10.0.0.1"}, nil
}
func (f *fakeBackend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	return signaler.Delivered, nil
}
func (f *fakeBackend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	f.terminated++
	return nil
}
func (f *fakeBackend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	f.killed++
	return nil
}
func (f *fakeBackend) Cleanup(ctx context.Context, rec *kernelspec.Record) error { return nil }
func (f *fakeBackend) ShutdownWaitTime() time.Duration                          { return 0 }

func testOpts() *config.Options {
	return &config.Options{
		LaunchTimeout:     2 * time.Second,
		PollInterval:      5 * time.Millisecond,
		MaxPollAttempts:   3,
		SocketTimeout:     10 * time.Millisecond,
		UnauthorizedUsers: map[string]bool{"root": true},
	}
}

func TestSuccessfulLaunchSetsConnectionInfoAndHasProcess(t *testing.T) {
	rec := &kernelspec.Record{KernelID: "k1", Spec: kernelspec.Spec{Argv: []string{"launch", "--kernel-id={kernel_id}"}}}
	rm := newFakeRegistry()
	rm.deliverAt = 2
	rm.payload["k1"] = map[string]any{"kernel_id": "k1", "shell_port": float64(1), "pid": float64(42), "pgid": float64(42)}

	backend := &fakeBackend{assignAfter: 1}
	b := New(rec, testOpts(), backend, rm, zap.NewNop().Sugar())

	argv, env, err := b.PreLaunch(context.Background(), map[string]string{})
	if err != nil {
		t.Fatalf("PreLaunch: %v", err)
	}
	if argv[1] != "--kernel-id=k1" {
		t.Errorf("argv substitution failed: %v", argv)
	}
	if env["KERNEL_ID"] != "k1" {
		t.Errorf("KERNEL_ID not forced: %v", env)
	}

	ci, err := b.LaunchKernel(context.Background(), argv, env)
	if err != nil {
		t.Fatalf("LaunchKernel: %v", err)
	}
	if ci.IP != "10.0.0.1" {
		t.Errorf("expected ip rewritten to assigned_ip, got %q", ci.IP)
	}
	if !b.HasProcess() {
		t.Error("expected HasProcess true after successful launch")
	}

	b.Cleanup(context.Background(), false)
	if b.HasProcess() {
		t.Error("expected HasProcess false after cleanup")
	}
}

func TestLaunchTimeoutKillsOnce(t *testing.T) {
	rec := &kernelspec.Record{KernelID: "k2", Spec: kernelspec.Spec{Argv: []string{"launch"}}}
	rm := newFakeRegistry()
	opts := testOpts()
	opts.LaunchTimeout = 20 * time.Millisecond
	opts.PollInterval = 5 * time.Millisecond

	backend := &fakeBackend{assignAfter: 1000}
	b := New(rec, opts, backend, rm, zap.NewNop().Sugar())

	_, _, err := b.PreLaunch(context.Background(), map[string]string{})
	if err != nil {
		t.Fatalf("PreLaunch: %v", err)
	}
	_, err = b.LaunchKernel(context.Background(), []string{"launch"}, map[string]string{})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !perrors.IsKind(err, perrors.KindTimeout) {
		t.Errorf("expected Timeout kind, got %v", err)
	}
	// The single kill() reaches the backend as one Terminate; since that
	// Terminate succeeds, kill() does not escalate to the backend's Kill.
	if backend.terminated != 1 {
		t.Errorf("expected exactly one Terminate from the single kill(), got %d", backend.terminated)
	}
	if backend.killed != 0 {
		t.Errorf("expected no escalation to backend Kill after a successful Terminate, got %d", backend.killed)
	}
}

func TestTerminateAndKillAreIdempotent(t *testing.T) {
	rec := &kernelspec.Record{KernelID: "k3"}
	rm := newFakeRegistry()
	backend := &fakeBackend{}
	b := New(rec, testOpts(), backend, rm, zap.NewNop().Sugar())

	if err := b.Terminate(context.Background(), false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := b.Terminate(context.Background(), false); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if backend.terminated != 1 {
		t.Errorf("expected terminate to be idempotent at the backend, got %d calls", backend.terminated)
	}

	if err := b.Kill(context.Background(), false); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if backend.killed != 0 {
		t.Errorf("Kill after already-terminated should be a no-op, got %d calls", backend.killed)
	}
}

func TestPermissionDeniedBlocksPreLaunch(t *testing.T) {
	rec := &kernelspec.Record{KernelID: "k4", KernelUsername: "root", Spec: kernelspec.Spec{Argv: []string{"launch"}}}
	rm := newFakeRegistry()
	opts := testOpts()
	backend := &fakeBackend{}
	b := New(rec, opts, backend, rm, zap.NewNop().Sugar())

	_, _, err := b.PreLaunch(context.Background(), map[string]string{"KERNEL_USERNAME": "root"})
	if !perrors.IsKind(err, perrors.KindPermissionDenied) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	if rm.registered["k4"] {
		t.Error("expected registration to be released on permission denial")
	}
}
