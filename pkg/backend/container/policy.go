// Package container holds the policy shared by every container-shaped
// backend (Docker, Docker Swarm, Kubernetes): the UID/GID prohibition
// check, image/working-dir env handling, and a generic initial/final
// status poll loop, grounded on the teacher's shared provider-config
// validation pattern of rejecting disallowed fields before launch.
package container

import (
	"context"
	"strconv"
	"time"

	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
)

// ProhibitedIdentities are the UID/GID values a kernel may never run
// as, per spec.md §4.F.
var ProhibitedIdentities = map[string]bool{"0": true}

// CheckUIDGIDPolicy rejects KERNEL_UID/KERNEL_GID values matching a
// prohibited identity (root, by default) before a container backend
// launches anything.
func CheckUIDGIDPolicy(kernelID string, env map[string]string) error {
	for _, key := range []string{"KERNEL_UID", "KERNEL_GID"} {
		if v, ok := env[key]; ok && ProhibitedIdentities[v] {
			return perrors.PermissionDenied(kernelID, "%s=%s is a prohibited identity", key, v)
		}
	}
	return nil
}

// ApplyImagePolicy injects KERNEL_IMAGE/KERNEL_EXECUTOR_IMAGE defaults
// when the launch env didn't set them, and strips KERNEL_WORKING_DIR
// when the backend isn't configured to mirror working directories.
func ApplyImagePolicy(opts *config.ContainerOptions, env map[string]string) {
	if _, ok := env["KERNEL_IMAGE"]; !ok && opts.ImageName != "" {
		env["KERNEL_IMAGE"] = opts.ImageName
	}
	if _, ok := env["KERNEL_EXECUTOR_IMAGE"]; !ok && opts.ExecutorImageName != "" {
		env["KERNEL_EXECUTOR_IMAGE"] = opts.ExecutorImageName
	}
	if !opts.MirrorWorkingDirs {
		delete(env, "KERNEL_WORKING_DIR")
	}
}

// ParseUID parses a KERNEL_UID/KERNEL_GID string value, defaulting to
// -1 (meaning "let the runtime decide") when absent or malformed.
func ParseUID(v string) int {
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// Poller is implemented by a backend's single-resource status check;
// Discover returns (found, currentState, isErrorState, errReason).
type Poller interface {
	Discover(ctx context.Context) (found bool, state string, isError bool, errReason string, err error)
}

// PollUntilAssigned runs p.Discover on an interval until the resource
// is found (its initial assignment becomes visible) or the context is
// done, matching the generic container discovery loop every container
// backend in spec.md §4.F needs while waiting out confirm_remote_startup.
func PollUntilAssigned(ctx context.Context, p Poller, interval time.Duration) (state string, isError bool, errReason string, err error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, st, isErr, reason, derr := p.Discover(ctx)
		if derr != nil {
			return "", false, "", derr
		}
		if found {
			return st, isErr, reason, nil
		}
		select {
		case <-ctx.Done():
			return "", false, "", ctx.Err()
		case <-ticker.C:
		}
	}
}
