// Package config holds the typed, env-backed configuration surface
// described in spec.md §4.A. Options are validated at construction so
// a misconfigured provisioner fails before any remote effect, per the
// teacher's "invalid configs fail fast" design note (§9).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
)

// LoadBalancingAlgorithm selects how the SSH/Distributed backend picks
// a host for the next kernel.
type LoadBalancingAlgorithm string

const (
	RoundRobin      LoadBalancingAlgorithm = "round-robin"
	LeastConnection LoadBalancingAlgorithm = "least-connection"
)

// PortRange is an inclusive [Lo, Hi] range, or the zero range (both
// zero) meaning "unconstrained".
type PortRange struct {
	Lo, Hi int
}

// Empty reports whether the range is unconstrained (hi-lo == 0).
func (p PortRange) Empty() bool { return p.Hi-p.Lo == 0 }

// Contains reports whether port lies in the range; always true when
// the range is empty/unconstrained.
func (p PortRange) Contains(port int) bool {
	if p.Empty() {
		return port >= 0 && port <= 65535
	}
	return port >= p.Lo && port <= p.Hi
}

func parsePortRange(s string) (PortRange, error) {
	if s == "" || s == "0..0" {
		return PortRange{}, nil
	}
	parts := strings.SplitN(s, "..", 2)
	if len(parts) != 2 {
		return PortRange{}, fmt.Errorf("port_range must be of the form lo..hi, got %q", s)
	}
	lo, err1 := strconv.Atoi(parts[0])
	hi, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return PortRange{}, fmt.Errorf("port_range must contain integers, got %q", s)
	}
	return PortRange{Lo: lo, Hi: hi}, nil
}

// Options are the common options every backend shares (spec.md §4.A).
type Options struct {
	AuthorizedUsers   map[string]bool
	UnauthorizedUsers map[string]bool
	PortRange         PortRange
	LaunchTimeout     time.Duration
	PollInterval      time.Duration
	MaxPollAttempts   int
	SocketTimeout     time.Duration
	TunnelingEnabled  bool
	SSHPort           int
	ProhibitedUIDs    map[string]bool
	ProhibitedGIDs    map[string]bool
}

// NewOptionsFromEnv applies the env defaults documented in spec.md
// §4.A and validates the result.
func NewOptionsFromEnv() (*Options, error) {
	o := &Options{
		AuthorizedUsers:   toSet(os.Getenv("GP_AUTHORIZED_USERS")),
		UnauthorizedUsers: toSetDefault(os.Getenv("GP_UNAUTHORIZED_USERS"), "root"),
		LaunchTimeout:     durationEnv("GP_LAUNCH_TIMEOUT", 30*time.Second),
		PollInterval:      durationEnv("GP_POLL_INTERVAL", 500*time.Millisecond),
		MaxPollAttempts:   intEnv("GP_MAX_POLL_ATTEMPTS", 10),
		SocketTimeout:     durationEnv("GP_SOCKET_TIMEOUT", 10*time.Millisecond),
		TunnelingEnabled:  boolEnv("GP_TUNNELING_ENABLED", false),
		SSHPort:           intEnv("GP_SSH_PORT", 22),
		ProhibitedUIDs:    toSetDefault(os.Getenv("GP_PROHIBITED_UIDS"), "0"),
		ProhibitedGIDs:    toSetDefault(os.Getenv("GP_PROHIBITED_GIDS"), "0"),
	}

	pr, err := parsePortRange(envOr("GP_PORT_RANGE", "0..0"))
	if err != nil {
		return nil, perrors.ConfigError("%v", err)
	}
	o.PortRange = pr

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Validate enforces the port-range and other synchronous invariants
// from spec.md §4.A.
func (o *Options) Validate() error {
	if !o.PortRange.Empty() {
		size := o.PortRange.Hi - o.PortRange.Lo
		if size < 1000 {
			return perrors.ConfigError("port_range size %d is below the minimum of 1000", size)
		}
		for _, endpoint := range []int{o.PortRange.Lo, o.PortRange.Hi} {
			if endpoint < 1024 || endpoint > 65535 {
				return perrors.ConfigError("port_range endpoint %d is out of bounds [1024,65535]", endpoint)
			}
		}
	}
	return nil
}

// IsAuthorized applies the allow/deny policy from spec.md §4.A:
// unauthorized (deny) takes precedence, then, if an allow list is
// configured, membership is required.
func (o *Options) IsAuthorized(username string) bool {
	if o.UnauthorizedUsers[username] {
		return false
	}
	if len(o.AuthorizedUsers) > 0 {
		return o.AuthorizedUsers[username]
	}
	return true
}

func toSet(csv string) map[string]bool {
	out := map[string]bool{}
	if csv == "" {
		return out
	}
	for _, v := range strings.Split(csv, ",") {
		v = strings.TrimSpace(v)
		if v != "" {
			out[v] = true
		}
	}
	return out
}

func toSetDefault(csv, def string) map[string]bool {
	if csv == "" {
		return toSet(def)
	}
	return toSet(csv)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func intEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func boolEnv(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true")
	}
	return def
}
