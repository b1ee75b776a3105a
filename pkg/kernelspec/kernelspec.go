// Package kernelspec holds the data model shared by every provisioner
// backend: the kernel spec template, the connection info a launcher
// reports back, and the per-kernel placement and process records.
package kernelspec

import (
	"strings"
)

// Channel identifies one of the kernel's ZeroMQ-style sockets, or the
// out-of-band comm channel used for signal/shutdown delivery.
type Channel string

const (
	ChannelShell   Channel = "shell"
	ChannelIOPub   Channel = "iopub"
	ChannelStdin   Channel = "stdin"
	ChannelHB      Channel = "hb"
	ChannelControl Channel = "control"
	ChannelComm    Channel = "comm"
)

// AllChannels lists the channels a tunnel supervisor must provision,
// COMM being optional (only present when comm_port > 0).
var AllChannels = []Channel{ChannelShell, ChannelIOPub, ChannelStdin, ChannelHB, ChannelControl}

// Spec is the kernel spec template: how to launch, and with what
// environment and metadata.
type Spec struct {
	Argv        []string
	Env         map[string]string
	DisplayName string
	Language    string
}

// ConnectionInfo is the object a launcher reports back once its
// sockets are bound, per spec.md §3.
type ConnectionInfo struct {
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	HBPort          int    `json:"hb_port"`
	ControlPort     int    `json:"control_port"`
	CommPort        int    `json:"comm_port,omitempty"`
	Key             []byte `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	Transport       string `json:"transport"`

	// Present only in the wire payload the launcher posts; not part of
	// the connection info a client ultimately receives.
	PID       int    `json:"pid,omitempty"`
	PGID      int    `json:"pgid,omitempty"`
	KernelID  string `json:"kernel_id,omitempty"`
}

// PortByChannel returns the remote port a tunnel must forward for the
// given channel, and whether that channel applies to this connection
// info (COMM is only present when CommPort > 0).
func (c ConnectionInfo) PortByChannel(ch Channel) (int, bool) {
	switch ch {
	case ChannelShell:
		return c.ShellPort, true
	case ChannelIOPub:
		return c.IOPubPort, true
	case ChannelStdin:
		return c.StdinPort, true
	case ChannelHB:
		return c.HBPort, true
	case ChannelControl:
		return c.ControlPort, true
	case ChannelComm:
		return c.CommPort, c.CommPort > 0
	}
	return 0, false
}

// SetPortByChannel rewrites the port for a channel; used when tunnel
// endpoints replace the remote ports with local forwarded ones.
func (c *ConnectionInfo) SetPortByChannel(ch Channel, port int) {
	switch ch {
	case ChannelShell:
		c.ShellPort = port
	case ChannelIOPub:
		c.IOPubPort = port
	case ChannelStdin:
		c.StdinPort = port
	case ChannelHB:
		c.HBPort = port
	case ChannelControl:
		c.ControlPort = port
	case ChannelComm:
		c.CommPort = port
	}
}

// ProcessIDs are the pid/pgid the launcher reports; both are zero when
// the launcher did not supply them.
type ProcessIDs struct {
	PID  int
	PGID int
}

// Placement describes where the kernel runs: the assigned host/IP and
// a backend-specific handle (application id / pod name / container
// name / custom-object name).
type Placement struct {
	AssignedHost   string
	AssignedIP     string
	AssignedNodeIP string
	// Handle is the backend-specific opaque placement identity, e.g.
	// a YARN application id, a pod name, a container name.
	Handle string
	// Namespace is set by the Kubernetes/CRD backends; empty for every
	// other backend.
	Namespace string
	// NamespaceOwnedByUs records whether the backend created Namespace
	// itself and must delete it on cleanup.
	NamespaceOwnedByUs bool
}

// Record is the full per-kernel bookkeeping record described in
// spec.md §3 "Kernel record".
type Record struct {
	KernelID       string
	KernelUsername string
	Spec           Spec
	ConnectionInfo ConnectionInfo
	Placement      Placement
	ProcessIDs     ProcessIDs
	StartTimeMS    int64
	LastKnownState string
	// Restart records whether this launch is restarting a previously
	// terminated kernel of the same identity, so backends can tolerate
	// residual state (e.g. a not-yet-deleted namespace) left over from
	// before the restart instead of treating it as a collision.
	Restart bool
}

// SubstituteArgv performs the case-sensitive {name} template
// substitution described in spec.md §6. Unknown {name} placeholders
// are left intact; substitution order does not affect the result
// (each token is rewritten independently, P4).
func SubstituteArgv(argv []string, values map[string]string) []string {
	out := make([]string, len(argv))
	for i, tok := range argv {
		out[i] = substituteToken(tok, values)
	}
	return out
}

func substituteToken(tok string, values map[string]string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(tok, '{')
		if start == -1 {
			b.WriteString(tok)
			break
		}
		end := strings.IndexByte(tok[start:], '}')
		if end == -1 {
			b.WriteString(tok)
			break
		}
		end += start
		name := tok[start+1 : end]
		b.WriteString(tok[:start])
		if val, ok := values[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(tok[start : end+1])
		}
		tok = tok[end+1:]
	}
	return b.String()
}

// StripEnvKeys removes keys that must never reach a subprocess or a
// log line: the remote password and the terminal color palette, per
// spec.md §6.
func StripEnvKeys(env map[string]string) {
	delete(env, "GP_REMOTE_PWD")
	delete(env, "LS_COLORS")
}
