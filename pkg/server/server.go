// Package server exposes the kernel lifecycle (launch/poll/signal/
// shutdown/cleanup) over HTTP, standing in for the notebook host that
// is this system's external caller. Grounded on the teacher's
// cmd/machine-controller/main.go HTTP wiring (mux, healthz, metrics),
// extended with the actual lifecycle routes this module adds.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
)

// BackendFactory builds a provisioner.Backend for a given placement
// kind string (ssh, docker, docker-swarm, kubernetes, crd, yarn).
type BackendFactory func(kind string) (provisioner.Backend, error)

type Server struct {
	opts       *config.Options
	rm         provisioner.ConnInfoRegistry
	newBackend BackendFactory
	log        *zap.SugaredLogger

	mu      sync.RWMutex
	kernels map[string]*kernelEntry
}

type kernelEntry struct {
	base *provisioner.Base
	kind string
}

func New(opts *config.Options, rm provisioner.ConnInfoRegistry, newBackend BackendFactory, log *zap.SugaredLogger) *Server {
	return &Server{
		opts:       opts,
		rm:         rm,
		newBackend: newBackend,
		log:        log,
		kernels:    make(map[string]*kernelEntry),
	}
}

func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/api/kernels/launch", s.handleLaunch)
	mux.HandleFunc("/api/kernels/poll", s.handlePoll)
	mux.HandleFunc("/api/kernels/signal", s.handleSignal)
	mux.HandleFunc("/api/kernels/shutdown", s.handleShutdown)
	mux.HandleFunc("/api/kernels/cleanup", s.handleCleanup)
}

type launchRequest struct {
	KernelID       string            `json:"kernel_id"`
	KernelUsername string            `json:"kernel_username"`
	BackendKind    string            `json:"backend_kind"`
	Argv           []string          `json:"argv"`
	Env            map[string]string `json:"env"`
	Language       string            `json:"language"`
	Restart        bool              `json:"restart"`
}

type launchResponse struct {
	KernelID       string                     `json:"kernel_id"`
	ConnectionInfo *kernelspec.ConnectionInfo `json:"connection_info"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.KernelID == "" {
		req.KernelID = uuid.NewString()
	}

	backend, err := s.newBackend(req.BackendKind)
	if err != nil {
		writeError(w, err)
		return
	}

	rec := &kernelspec.Record{
		KernelID:       req.KernelID,
		KernelUsername: req.KernelUsername,
		Spec:           kernelspec.Spec{Argv: req.Argv, Language: req.Language},
		Restart:        req.Restart,
	}
	base := provisioner.New(rec, s.opts, backend, s.rm, s.log)

	s.mu.Lock()
	s.kernels[req.KernelID] = &kernelEntry{base: base, kind: req.BackendKind}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.LaunchTimeout+5*time.Second)
	defer cancel()

	argv, env, err := base.PreLaunch(ctx, req.Env)
	if err != nil {
		writeError(w, err)
		return
	}
	ci, err := base.LaunchKernel(ctx, argv, env)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, launchResponse{KernelID: req.KernelID, ConnectionInfo: ci})
}

type kernelIDRequest struct {
	KernelID string `json:"kernel_id"`
	Restart  bool   `json:"restart"`
	Signum   int    `json:"signum"`
}

func (s *Server) lookup(w http.ResponseWriter, kernelID string) *provisioner.Base {
	s.mu.RLock()
	entry, ok := s.kernels[kernelID]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown kernel_id", http.StatusNotFound)
		return nil
	}
	return entry.base
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var req kernelIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	base := s.lookup(w, req.KernelID)
	if base == nil {
		return
	}
	exitCode, err := base.Poll(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exit_code": exitCode, "has_process": base.HasProcess(), "state": base.State()})
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req kernelIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	base := s.lookup(w, req.KernelID)
	if base == nil {
		return
	}
	result, err := base.SendSignal(r.Context(), req.Signum)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result.String()})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req kernelIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	base := s.lookup(w, req.KernelID)
	if base == nil {
		return
	}
	if err := base.ShutdownRequested(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if err := base.Terminate(r.Context(), req.Restart); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req kernelIDRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	base := s.lookup(w, req.KernelID)
	if base == nil {
		return
	}
	base.Cleanup(r.Context(), req.Restart)
	if !req.Restart {
		s.mu.Lock()
		delete(s.kernels, req.KernelID)
		s.mu.Unlock()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case perrors.IsKind(err, perrors.KindPermissionDenied):
		status = http.StatusForbidden
	case perrors.IsKind(err, perrors.KindConfigError):
		status = http.StatusBadRequest
	case perrors.IsKind(err, perrors.KindTimeout):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
