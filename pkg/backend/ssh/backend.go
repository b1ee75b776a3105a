package ssh

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pborman/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

// AuthMode is the SSH credential strategy, mutually exclusive and
// chosen with GSS taking priority, per spec.md §4.E.
type AuthMode int

const (
	AuthModeKey AuthMode = iota
	AuthModePassword
	AuthModeGSSAPI
)

// Credentials selects the auth mode. GSSAPI is represented here as a
// marker: this implementation defers the actual GSSAPI exchange to
// the host's system SSH configuration (golang.org/x/crypto/ssh has no
// GSSAPI support), matching the spec's "AutoAddPolicy" escape hatch
// for environments where Kerberos tickets are already available.
type Credentials struct {
	Mode     AuthMode
	User     string
	Password string
	Signers  []ssh.Signer
}

// ResolveCredentials implements the mutually-exclusive priority order
// from spec.md §4.E: GSS, then password, then key, warning when GSS
// is configured alongside password/user (Open Question (a): warn and
// prefer GSS).
func ResolveCredentials(useGSS bool, user, password string, signers []ssh.Signer, log *zap.SugaredLogger) Credentials {
	if useGSS {
		if password != "" || user != "" {
			log.Warnw("GP_REMOTE_GSS_SSH is set alongside GP_REMOTE_PWD/GP_REMOTE_USER; these are mutually exclusive, configuration may be incorrect, GSS will take priority")
		}
		return Credentials{Mode: AuthModeGSSAPI}
	}
	if password != "" {
		return Credentials{Mode: AuthModePassword, User: user, Password: password}
	}
	return Credentials{Mode: AuthModeKey, User: user, Signers: signers}
}

// Backend implements provisioner.Backend for SSH/distributed placements.
type Backend struct {
	opts  *config.SSHOptions
	creds Credentials
	log   *zap.SugaredLogger
	hosts *hostTracker

	mu           sync.Mutex
	localProcs   map[string]*exec.Cmd
}

func New(opts *config.SSHOptions, creds Credentials, log *zap.SugaredLogger) *Backend {
	return &Backend{
		opts:       opts,
		creds:      creds,
		log:        log,
		hosts:      newHostTracker(opts.RemoteHosts),
		localProcs: make(map[string]*exec.Cmd),
	}
}

func (b *Backend) Name() string { return "ssh" }

func (b *Backend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	host := b.hosts.Next(b.opts.LoadBalancingAlgorithm, env["KERNEL_REMOTE_HOST"])
	rec.Placement.AssignedHost = host

	ip, err := resolveHost(host)
	if err != nil {
		return perrors.LaunchFailed(rec.KernelID, host, err, "failed to resolve host %q", host)
	}
	rec.Placement.AssignedIP = ip
	b.hosts.AddKernel(host)
	return nil
}

func (b *Backend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	logName := fmt.Sprintf("kernel-%s.log", rec.KernelID)

	if isLocalAddress(rec.Placement.AssignedIP) {
		cmd, pid, err := spawnLocal(argv, env, logName)
		if err != nil {
			return nil, err
		}
		rec.ProcessIDs.PID = pid
		b.mu.Lock()
		b.localProcs[rec.KernelID] = cmd
		b.mu.Unlock()
		return newLocalProcHandle(cmd), nil
	}

	pid, err := b.spawnRemote(rec.Placement.AssignedHost, argv, env, logName)
	if err != nil {
		return nil, err
	}
	rec.ProcessIDs.PID = pid
	return nil, nil
}

func (b *Backend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	// SSH placement is synchronous: by the time LaunchKernel returns,
	// the host is already assigned, so status is immediately "running".
	return provisioner.StatusResult{
		State:        "running",
		AssignedHost: rec.Placement.AssignedHost,
		AssignedIP:   rec.Placement.AssignedIP,
	}, nil
}

func (b *Backend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	target := rec.ProcessIDs.PGID
	if target == 0 {
		target = rec.ProcessIDs.PID
	}
	if target == 0 {
		return signaler.NoProcess, nil
	}
	cmd := fmt.Sprintf("kill -%d %d; echo $?", signum, target)
	out, err := b.runShell(rec, cmd)
	if err != nil {
		return signaler.Refused, err
	}
	if strings.TrimSpace(out) == "0" {
		return signaler.Delivered, nil
	}
	return signaler.NoProcess, nil
}

func (b *Backend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	_, err := b.Signal(ctx, rec, 15)
	return err
}

func (b *Backend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	_, err := b.Signal(ctx, rec, 9)
	return err
}

func (b *Backend) Cleanup(ctx context.Context, rec *kernelspec.Record) error {
	b.hosts.RemoveKernel(rec.Placement.AssignedHost)
	b.mu.Lock()
	delete(b.localProcs, rec.KernelID)
	b.mu.Unlock()
	return nil
}

func (b *Backend) ShutdownWaitTime() time.Duration { return 5 * time.Second }

func (b *Backend) runShell(rec *kernelspec.Record, shellCmd string) (string, error) {
	if isLocalAddress(rec.Placement.AssignedIP) {
		out, err := exec.Command("sh", "-c", shellCmd).CombinedOutput()
		return string(out), err
	}
	client, err := b.dial(rec.Placement.AssignedHost)
	if err != nil {
		return "", err
	}
	defer client.Close()
	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()
	out, err := session.CombinedOutput(shellCmd)
	return string(out), err
}

func (b *Backend) spawnRemote(host string, argv []string, env map[string]string, logName string) (int, error) {
	client, err := b.dial(host)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return 0, err
	}
	defer session.Close()

	var exports strings.Builder
	for _, kv := range asEnvList(env) {
		exports.WriteString(fmt.Sprintf("export %s; ", shellQuoteEnv(kv)))
	}
	cmdLine := fmt.Sprintf("%snohup %s >> %s 2>&1 & echo $!", exports.String(), shellJoin(argv), logName)

	out, err := session.CombinedOutput(cmdLine)
	if err != nil {
		return 0, perrors.LaunchFailed("", host, err, "SSH command failed: %s", string(out))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, perrors.LaunchFailed("", host, err, "could not parse remote pid from %q", string(out))
	}
	return pid, nil
}

func (b *Backend) dial(host string) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		Timeout: 30 * time.Second,
	}
	switch b.creds.Mode {
	case AuthModePassword:
		cfg.User = b.creds.User
		cfg.Auth = []ssh.AuthMethod{ssh.Password(b.creds.Password)}
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // password auth path mirrors AutoAddPolicy from spec.md §4.E
	case AuthModeGSSAPI:
		cfg.User = os.Getenv("USER")
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // GSSAPI path mirrors AutoAddPolicy from spec.md §4.E
	default:
		cfg.User = b.creds.User
		cfg.Auth = []ssh.AuthMethod{ssh.PublicKeys(b.creds.Signers...)}
		cb, err := strictHostKeyCallback()
		if err != nil {
			return nil, perrors.PermissionDenied("", "failed to load known_hosts for RejectPolicy auth: %v", err)
		}
		cfg.HostKeyCallback = cb
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, b.opts.SSHPort), cfg)
	if err != nil {
		return nil, perrors.PermissionDenied("", "SSH dial to %s failed: %v", host, err)
	}
	return client, nil
}

func strictHostKeyCallback() (ssh.HostKeyCallback, error) {
	path := os.Getenv("HOME") + "/.ssh/known_hosts"
	return knownhosts.New(path)
}

func asEnvList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func shellQuoteEnv(kv string) string {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		return kv
	}
	encoded, _ := json.Marshal(parts[1])
	return fmt.Sprintf("%s=%s", parts[0], string(encoded))
}

func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

func spawnLocal(argv []string, env map[string]string, logName string) (*exec.Cmd, int, error) {
	if len(argv) == 0 {
		return nil, 0, perrors.LaunchFailed("", "", nil, "empty argv")
	}
	logFile, err := os.OpenFile(logName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, err
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), asEnvList(env)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	// Tag the log with a unique run id so concurrent local launches of
	// the same kernel spec don't interleave unattributed output.
	fmt.Fprintf(logFile, "--- run %s ---\n", uuid.New())
	if err := cmd.Start(); err != nil {
		return nil, 0, perrors.LaunchFailed("", "", err, "failed to spawn local kernel process")
	}
	return cmd, cmd.Process.Pid, nil
}

type localProcHandle struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	exited   bool
	exitCode int
}

// newLocalProcHandle starts the wait in the background: cmd.Wait()
// only populates cmd.ProcessState once called, so without this
// goroutine Poll() would never observe an exit and the child would be
// left a zombie.
func newLocalProcHandle(cmd *exec.Cmd) *localProcHandle {
	l := &localProcHandle{cmd: cmd}
	go func() {
		err := l.cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		l.mu.Lock()
		l.exited = true
		l.exitCode = code
		l.mu.Unlock()
	}()
	return l
}

func (l *localProcHandle) Poll() (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitCode, l.exited
}

func (l *localProcHandle) Kill() error {
	if l.cmd.Process == nil {
		return nil
	}
	return l.cmd.Process.Kill()
}

func resolveHost(host string) (string, error) {
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("could not resolve host %q: %w", host, err)
	}
	return ips[0], nil
}

func isLocalAddress(ip string) bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipNet, ok := a.(*net.IPNet); ok && ipNet.IP.String() == ip {
			return true
		}
	}
	return ip == "127.0.0.1" || ip == "localhost"
}
