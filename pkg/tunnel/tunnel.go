// Package tunnel implements the SSH tunnel supervisor from spec.md
// §4.C: for a kernel whose remote host is not directly reachable, it
// opens one local-forwarded port per channel and rewrites the
// connection info to route through 127.0.0.1.
//
// Rather than shelling out to the `ssh` binary (`ssh -p P -L
// 127.0.0.1:lport:remote_ip:rport server`), the forwarding is done
// natively with golang.org/x/crypto/ssh — one long-lived client
// connection per kernel, with a local net.Listener per channel
// proxying accepted connections onto "direct-tcpip" channels. This
// keeps the same externally observable contract (a local port that
// forwards to remote_ip:rport) without a subprocess dependency, the
// same trade the teacher's pkg/ssh and pkg/cloudprovider/common/ssh
// make by using golang.org/x/crypto/ssh directly instead of exec'ing
// a system ssh client.
package tunnel

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
)

// channelTunnel is one forwarded local port for one kernel channel.
type channelTunnel struct {
	localPort int
	listener  net.Listener
	stop      chan struct{}
	wg        sync.WaitGroup
}

func (t *channelTunnel) Close() error {
	close(t.stop)
	err := t.listener.Close()
	t.wg.Wait()
	return err
}

// Supervisor manages the set of per-channel tunnels for one kernel.
// It requires no locking across kernels; spec.md §5 only requires the
// per-kernel tunnel map be free of inter-kernel contention, which a
// dedicated Supervisor per kernel trivially satisfies.
type Supervisor struct {
	log        *zap.SugaredLogger
	opts       *config.Options
	sshClient  *ssh.Client
	remoteHost string

	mu      sync.Mutex
	tunnels map[kernelspec.Channel]*channelTunnel
}

// CheckPasswordlessAuth dials the remote host with the auth methods
// the caller supplies, as a precondition check before the first
// tunnel is created. Failure is
// surfaced as PermissionDenied per spec.md §4.C.
func CheckPasswordlessAuth(host string, port int, user string, authMethods []ssh.AuthMethod) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host key policy is backend-configurable; see pkg/backend/ssh for the strict variant used for command execution.
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", host, port), cfg)
	if err != nil {
		return nil, perrors.PermissionDenied("", "passwordless SSH authentication to %s failed: %v", host, err)
	}
	return client, nil
}

// NewSupervisor constructs a tunnel supervisor bound to an
// already-authenticated SSH client.
func NewSupervisor(client *ssh.Client, remoteHost string, opts *config.Options, log *zap.SugaredLogger) *Supervisor {
	return &Supervisor{
		log:        log,
		opts:       opts,
		sshClient:  client,
		remoteHost: remoteHost,
		tunnels:    make(map[kernelspec.Channel]*channelTunnel),
	}
}

// Open creates a local-forwarded tunnel for ch, routing
// 127.0.0.1:<chosen> to remoteIP:remotePort. The chosen local port
// honors opts.PortRange (P6).
func (s *Supervisor) Open(ch kernelspec.Channel, remoteIP string, remotePort int) (localPort int, err error) {
	ln, port, err := listenInRange(s.opts.PortRange)
	if err != nil {
		return 0, err
	}

	ct := &channelTunnel{localPort: port, listener: ln, stop: make(chan struct{})}
	s.mu.Lock()
	s.tunnels[ch] = ct
	s.mu.Unlock()

	ct.wg.Add(1)
	go s.acceptLoop(ct, remoteIP, remotePort)

	return port, nil
}

func (s *Supervisor) acceptLoop(ct *channelTunnel, remoteIP string, remotePort int) {
	defer ct.wg.Done()
	for {
		local, err := ct.listener.Accept()
		if err != nil {
			select {
			case <-ct.stop:
				return
			default:
				s.log.Debugw("tunnel listener accept failed", "error", err)
				return
			}
		}
		go s.proxyConn(local, remoteIP, remotePort)
	}
}

func (s *Supervisor) proxyConn(local net.Conn, remoteIP string, remotePort int) {
	defer local.Close()
	remote, err := s.sshClient.Dial("tcp", fmt.Sprintf("%s:%d", remoteIP, remotePort))
	if err != nil {
		s.log.Warnw("failed to open direct-tcpip channel", "remote", remoteIP, "port", remotePort, "error", err)
		return
	}
	defer remote.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _, _ = io.Copy(remote, local) }()
	go func() { defer wg.Done(); _, _ = io.Copy(local, remote) }()
	wg.Wait()
}

// CloseChannel terminates a single channel's tunnel; used by
// shutdown_requested() to tear down only the COMM tunnel.
func (s *Supervisor) CloseChannel(ch kernelspec.Channel) {
	s.mu.Lock()
	ct, ok := s.tunnels[ch]
	if ok {
		delete(s.tunnels, ch)
	}
	s.mu.Unlock()
	if ok {
		_ = ct.Close()
	}
}

// CloseAll terminates every tunnel and empties the map, as cleanup()
// requires.
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	all := s.tunnels
	s.tunnels = make(map[kernelspec.Channel]*channelTunnel)
	s.mu.Unlock()
	for _, ct := range all {
		_ = ct.Close()
	}
	if s.sshClient != nil {
		_ = s.sshClient.Close()
	}
}

// Empty reports whether the tunnel map currently holds no entries.
func (s *Supervisor) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels) == 0
}

func listenInRange(pr config.PortRange) (net.Listener, int, error) {
	if pr.Empty() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, 0, err
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	for port := pr.Lo; port <= pr.Hi; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free local port available in range %d..%d", pr.Lo, pr.Hi)
}
