package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

type stubBackend struct{}

func (stubBackend) Name() string { return "stub" }
func (stubBackend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	return nil
}
func (stubBackend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	return nil, nil
}
func (stubBackend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	return provisioner.StatusResult{State: "running", AssignedHost: "host1", AssignedIP: "10.0.0.1"}, nil
}
func (stubBackend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	return signaler.Delivered, nil
}
func (stubBackend) Terminate(ctx context.Context, rec *kernelspec.Record) error { return nil }
func (stubBackend) Kill(ctx context.Context, rec *kernelspec.Record) error      { return nil }
func (stubBackend) Cleanup(ctx context.Context, rec *kernelspec.Record) error   { return nil }
func (stubBackend) ShutdownWaitTime() time.Duration                            { return 0 }

type stubRegistry struct{}

func (stubRegistry) RegisterEvent(string) {}
func (stubRegistry) Unregister(string)    {}
func (stubRegistry) PublicKeyBase64() string { return "key" }
func (stubRegistry) ResponseAddress() string { return "127.0.0.1:0" }
func (stubRegistry) GetConnectionInfo(kernelID string) (map[string]any, bool) {
	return map[string]any{"shell_port": float64(1), "iopub_port": float64(2), "stdin_port": float64(3), "hb_port": float64(4), "control_port": float64(5)}, true
}

func testOpts() *config.Options {
	return &config.Options{LaunchTimeout: time.Second, PollInterval: time.Millisecond, MaxPollAttempts: 5, SocketTimeout: time.Millisecond}
}

func newTestServer() *Server {
	return New(testOpts(), stubRegistry{}, func(kind string) (provisioner.Backend, error) { return stubBackend{}, nil }, zap.NewNop().Sugar())
}

func TestLaunchThenPollFlow(t *testing.T) {
	s := newTestServer()

	mux := http.NewServeMux()
	s.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	launchBody, _ := json.Marshal(launchRequest{KernelID: "k1", BackendKind: "stub", Argv: []string{"noop"}})
	resp, err := http.Post(srv.URL+"/api/kernels/launch", "application/json", bytes.NewReader(launchBody))
	if err != nil {
		t.Fatalf("launch request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	pollBody, _ := json.Marshal(kernelIDRequest{KernelID: "k1"})
	resp2, err := http.Post(srv.URL+"/api/kernels/poll", "application/json", bytes.NewReader(pollBody))
	if err != nil {
		t.Fatalf("poll request: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp2.StatusCode)
	}
}

func TestUnknownKernelIDReturns404(t *testing.T) {
	s := newTestServer()
	mux := http.NewServeMux()
	s.Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body, _ := json.Marshal(kernelIDRequest{KernelID: "does-not-exist"})
	resp, err := http.Post(srv.URL+"/api/kernels/poll", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("poll request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
