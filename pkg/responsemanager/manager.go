// Package responsemanager implements the process-wide Response
// Manager described in spec.md §4.B: it binds a single TCP listener,
// holds the RSA keypair used to unwrap launcher payloads, and routes
// each decrypted connection record to the provisioner that registered
// the kernel id.
//
// Unlike the teacher's controller-runtime singletons and the original
// Python SingletonConfigurable, this is constructed once in cmd/ and
// injected into every provisioner — the "inject rather than discover
// through a hidden global" redesign called for in spec.md §9.
package responsemanager

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/crypto"
)

// registration is a set-once slot for one kernel's connection info.
type registration struct {
	ready     chan struct{}
	once      sync.Once
	delivered bool
	value     map[string]any
}

// Manager is the Response Manager. One instance per process.
type Manager struct {
	log        *zap.SugaredLogger
	keypair    *crypto.KeyPair
	listener   net.Listener
	responseIP string
	respPort   int

	mu       sync.Mutex
	registry map[string]*registration

	connInterval time.Duration
}

// Config controls how the listener binds.
type Config struct {
	// ResponseIP, if empty, is resolved via localIP(); ResponseAddrAny
	// overrides both and binds to all interfaces.
	ResponseIP       string
	ResponseAddrAny  bool
	DesiredPort      int
	PortRetries      int
	PollInterval     time.Duration
	ProhibitedLocalIPs []string
}

// New constructs the Response Manager: generates the RSA keypair and
// binds the listener, retrying across a small port window.
func New(cfg Config, log *zap.SugaredLogger) (*Manager, error) {
	kp, err := crypto.NewKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate response manager keypair: %w", err)
	}

	bindIP := cfg.ResponseIP
	if bindIP == "" {
		bindIP = localIP(cfg.ProhibitedLocalIPs)
	}
	listenIP := bindIP
	if cfg.ResponseAddrAny {
		listenIP = ""
	}

	desired := cfg.DesiredPort
	if desired == 0 {
		desired = 8877
	}
	retries := cfg.PortRetries
	if retries == 0 {
		retries = 10
	}

	ln, boundPort, err := bindWithRetry(listenIP, desired, retries)
	if err != nil {
		return nil, err
	}

	interval := cfg.PollInterval
	if interval == 0 {
		interval = 500 * time.Millisecond
	}

	m := &Manager{
		log:          log,
		keypair:      kp,
		listener:     ln,
		responseIP:   bindIP,
		respPort:     boundPort,
		registry:     make(map[string]*registration),
		connInterval: interval / 100,
	}
	go m.acceptLoop()
	return m, nil
}

// bindWithRetry binds a TCP listener on ip:port, trying port, port+1,
// ... up to retries+1 attempts, skipping EADDRINUSE and EACCES per
// spec.md §4.B.
func bindWithRetry(ip string, port, retries int) (net.Listener, int, error) {
	var lastErr error
	for i := 0; i <= retries; i++ {
		addr := fmt.Sprintf("%s:%d", ip, port+i)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, port + i, nil
		}
		if isAddrInUse(err) || isPermission(err) {
			lastErr = err
			continue
		}
		return nil, 0, fmt.Errorf("failed to bind response port %q: %w", addr, err)
	}
	return nil, 0, fmt.Errorf("no available response port found after %d attempts: %w", retries+1, lastErr)
}

func isAddrInUse(err error) bool {
	return strings.Contains(err.Error(), "address already in use")
}

func isPermission(err error) bool {
	return strings.Contains(err.Error(), "permission denied")
}

// localIP picks the first non-prohibited local address; mirrors
// response_manager.py's _get_local_ip, which skips interfaces whose
// address matches one of GP_PROHIBITED_LOCAL_IPS (e.g. docker's
// 172.17.0.* bridge) so the bound address is reachable by launchers.
func localIP(prohibited []string) string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	candidates := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		candidates = append(candidates, ipNet.IP.String())
	}
	if len(candidates) == 0 {
		return "127.0.0.1"
	}
	for _, ip := range candidates {
		if !matchesAny(ip, prohibited) {
			return ip
		}
	}
	return candidates[0]
}

func matchesAny(ip string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.HasPrefix(ip, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

// PublicKeyBase64 is the value handed to launchers as {public_key}.
func (m *Manager) PublicKeyBase64() string { return m.keypair.PublicKeyBase64() }

// ResponseAddress is the "ip:port" handed to launchers as {response_address}.
func (m *Manager) ResponseAddress() string { return fmt.Sprintf("%s:%d", m.responseIP, m.respPort) }

// RegisterEvent installs a set-once slot for kernelID so a later post
// can be routed to it.
func (m *Manager) RegisterEvent(kernelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry[kernelID] = &registration{ready: make(chan struct{})}
}

// Unregister releases a registration without waiting for a payload;
// used when confirm_remote_startup is cancelled so the registry never
// leaks (spec.md §5 cancellation semantics).
func (m *Manager) Unregister(kernelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, kernelID)
}

// GetConnectionInfo waits up to the internal connection interval
// (poll_interval/100) for kernelID's payload. ok is false on timeout,
// in which case the caller (the provisioner state machine) should
// iterate rather than treat this as fatal. An unregistered kernel id
// times out immediately (M3) rather than erroring.
func (m *Manager) GetConnectionInfo(kernelID string) (payload map[string]any, ok bool) {
	m.mu.Lock()
	reg, found := m.registry[kernelID]
	m.mu.Unlock()
	if !found {
		return nil, false
	}

	select {
	case <-reg.ready:
		m.mu.Lock()
		value := reg.value
		delete(m.registry, kernelID)
		m.mu.Unlock()
		return value, true
	case <-time.After(m.connInterval):
		return nil, false
	}
}

func (m *Manager) acceptLoop() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		go m.handleConnection(conn)
	}
}

func (m *Manager) handleConnection(conn net.Conn) {
	defer conn.Close()
	var buf bytes.Buffer
	tmp := make([]byte, 4096)
	for {
		n, err := conn.Read(tmp)
		if n > 0 {
			buf.Write(tmp[:n])
		}
		if err != nil {
			break
		}
	}
	if buf.Len() == 0 {
		return
	}
	payload, err := m.decodePayload(buf.Bytes())
	if err != nil {
		m.log.Errorw("failed to decode launcher payload", "error", err)
		return
	}
	m.postConnection(payload)
}

// decodePayload implements the version dispatch from spec.md §4.B:
// v1+ payloads are base64(JSON{version,key,conn_info}); v0 payloads
// are bare base64(AES-ECB(JSON)) with no outer wrapper, so a v1 parse
// failure is the signal to fall back to the legacy path.
func (m *Manager) decodePayload(raw []byte) (map[string]any, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
	if err == nil {
		var generic map[string]any
		if json.Unmarshal(decoded, &generic) == nil {
			if _, hasVersion := generic["version"]; hasVersion {
				env, err := crypto.DecodeOuter(raw)
				if err != nil {
					return nil, err
				}
				return crypto.DecryptV1(env, m.keypair)
			}
		}
	}

	m.log.Warnw("received a version-0 (legacy, deprecated) launcher payload; v0 support will be removed in a future release")
	obj, _, err := crypto.DecryptV0Legacy(raw, m.registeredKernelIDs())
	return obj, err
}

func (m *Manager) registeredKernelIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.registry))
	for k := range m.registry {
		ids = append(ids, k)
	}
	return ids
}

// postConnection routes a decoded payload to its registrant, per
// spec.md §4.B "Posting".
func (m *Manager) postConnection(payload map[string]any) {
	kidRaw, ok := payload["kernel_id"]
	if !ok {
		m.log.Errorw("launcher payload missing kernel_id; dropped")
		return
	}
	kid, ok := kidRaw.(string)
	if !ok || kid == "" {
		m.log.Errorw("launcher payload has non-string kernel_id; dropped")
		return
	}

	m.mu.Lock()
	reg, found := m.registry[kid]
	if !found {
		m.mu.Unlock()
		m.log.Errorw("launcher payload for unregistered kernel; dropped", "kernel_id", kid)
		return
	}
	if reg.delivered {
		m.mu.Unlock()
		m.log.Errorw("duplicate launcher payload after first delivery; dropped", "kernel_id", kid)
		return
	}
	reg.delivered = true
	reg.value = payload
	m.mu.Unlock()

	reg.once.Do(func() { close(reg.ready) })
}
