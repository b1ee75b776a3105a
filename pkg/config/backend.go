package config

import (
	"strings"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
)

// SSHOptions configures the SSH/Distributed backend (spec.md §4.A, §4.E).
type SSHOptions struct {
	*Options
	RemoteHosts            []string
	LoadBalancingAlgorithm LoadBalancingAlgorithm
	SSHPort                int
}

func NewSSHOptionsFromEnv(base *Options) (*SSHOptions, error) {
	hosts := strings.Split(envOr("GP_REMOTE_HOSTS", "localhost"), ",")
	algo := LoadBalancingAlgorithm(envOr("GP_LOAD_BALANCING_ALGORITHM", string(RoundRobin)))
	if algo != RoundRobin && algo != LeastConnection {
		return nil, perrors.ConfigError("invalid load_balancing_algorithm %q, not in [round-robin,least-connection]", algo)
	}
	return &SSHOptions{Options: base, RemoteHosts: hosts, LoadBalancingAlgorithm: algo, SSHPort: intEnv("GP_SSH_PORT", 22)}, nil
}

// ContainerOptions configures the Docker/Swarm/Kubernetes container
// backends (spec.md §4.A, §4.F).
type ContainerOptions struct {
	*Options
	ImageName         string
	ExecutorImageName string
	MirrorWorkingDirs bool
}

func NewContainerOptionsFromEnv(base *Options) *ContainerOptions {
	return &ContainerOptions{
		Options:           base,
		ImageName:         envOr("GP_IMAGE_NAME", ""),
		ExecutorImageName: envOr("GP_EXECUTOR_IMAGE_NAME", ""),
		MirrorWorkingDirs: boolEnv("GP_MIRROR_WORKING_DIRS", false),
	}
}

// KubernetesOptions extends ContainerOptions with namespace/RBAC policy.
type KubernetesOptions struct {
	*ContainerOptions
	SharedNamespace             bool
	DefaultKernelServiceAccount string
	KernelClusterRole           string
	// OwnNamespace is the namespace this gateway process itself runs
	// in, read from the downward API. Used as the shared_namespace
	// target per spec.md §4.H.
	OwnNamespace string
}

func NewKubernetesOptionsFromEnv(base *ContainerOptions) *KubernetesOptions {
	return &KubernetesOptions{
		ContainerOptions:            base,
		SharedNamespace:             boolEnv("GP_SHARED_NAMESPACE", false),
		DefaultKernelServiceAccount: envOr("GP_KERNEL_SERVICE_ACCOUNT_NAME", "default"),
		KernelClusterRole:           envOr("GP_KERNEL_CLUSTER_ROLE", "kernel-controller"),
		OwnNamespace:                envOr("POD_NAMESPACE", "default"),
	}
}

// YARNOptions configures the YARN backend (spec.md §4.A, §4.J).
type YARNOptions struct {
	*Options
	Endpoint                  string
	AltEndpoint               string
	EndpointSecurityEnabled   bool
	ImpersonationEnabled      bool
	QueueCapacityThresholdPct float64
}

func NewYARNOptionsFromEnv(base *Options) *YARNOptions {
	return &YARNOptions{
		Options:                 base,
		Endpoint:                envOr("GP_YARN_ENDPOINT", "http://localhost:8088/ws/v1/cluster"),
		AltEndpoint:             envOr("GP_ALT_YARN_ENDPOINT", ""),
		EndpointSecurityEnabled: boolEnv("GP_YARN_ENDPOINT_SECURITY_ENABLED", false),
		ImpersonationEnabled:    boolEnv("GP_IMPERSONATION_ENABLED", false),
		QueueCapacityThresholdPct: 95.0,
	}
}
