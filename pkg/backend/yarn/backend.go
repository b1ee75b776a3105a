// Package yarn implements the YARN backend (spec.md §4.J): a REST
// client over the ResourceManager API, queue-capacity preflight before
// launch, application discovery by name, and amHostHttpAddress
// resolution, grounded on the teacher's pkg/errors-wrapped HTTP client
// pattern generalized to a hand-built YARN client since no YARN SDK
// exists in the retrieved pack.
package yarn

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	rkpconfig "github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/kernelspec"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/perrors"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner/signaler"
)

type Backend struct {
	opts       *rkpconfig.YARNOptions
	httpClient *http.Client
	log        *zap.SugaredLogger
}

func New(opts *rkpconfig.YARNOptions, log *zap.SugaredLogger) *Backend {
	return &Backend{opts: opts, httpClient: &http.Client{Timeout: 15 * time.Second}, log: log}
}

func (b *Backend) Name() string { return "yarn" }

type clusterMetrics struct {
	ClusterMetrics struct {
		AvailableMB    int64 `json:"availableMB"`
		TotalMB        int64 `json:"totalMB"`
		AllocatedMB    int64 `json:"allocatedMB"`
	} `json:"clusterMetrics"`
}

// checkQueueCapacity polls the ResourceManager metrics endpoint until
// utilization (allocated MB as a percent of total MB) is at or below
// the configured threshold percent, or budget elapses. Callers compute budget as 20% of the
// overall launch timeout minus whatever preflight time was already
// spent, per spec.md §4.J.
func (b *Backend) checkQueueCapacity(ctx context.Context, budget time.Duration) error {
	deadline := time.Now().Add(budget)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	for {
		used, err := b.queueUtilizationPct(ctx)
		if err == nil && used <= b.opts.QueueCapacityThresholdPct {
			return nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return perrors.Timeout("", "", "could not determine YARN queue capacity before launch budget elapsed: %v", err)
			}
			return perrors.Timeout("", "", "YARN queue utilization %.1f%% exceeds threshold %.1f%% after launch budget elapsed", used, b.opts.QueueCapacityThresholdPct)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (b *Backend) queueUtilizationPct(ctx context.Context) (float64, error) {
	var metrics clusterMetrics
	if err := b.getJSON(ctx, b.opts.Endpoint+"/metrics", &metrics); err != nil {
		return 0, err
	}
	if metrics.ClusterMetrics.TotalMB == 0 {
		return 0, nil
	}
	return float64(metrics.ClusterMetrics.AllocatedMB) / float64(metrics.ClusterMetrics.TotalMB) * 100, nil
}

// schedulerResponse is the ResourceManager /scheduler shape, walked
// recursively to find the descriptor for a named queue.
type schedulerResponse struct {
	Scheduler struct {
		SchedulerInfo struct {
			QueueName       string     `json:"queueName"`
			MaxAllocationMB int64      `json:"maxAllocationMB"`
			Queues          *queueList `json:"queues"`
		} `json:"schedulerInfo"`
	} `json:"scheduler"`
}

type queueList struct {
	Queue []queueDescriptor `json:"queue"`
}

type queueDescriptor struct {
	QueueName       string     `json:"queueName"`
	MaxAllocationMB int64      `json:"maxAllocationMB"`
	Queues          *queueList `json:"queues"`
}

func (b *Backend) queueDescriptor(ctx context.Context, queue string) (*queueDescriptor, bool, error) {
	var resp schedulerResponse
	if err := b.getJSON(ctx, b.opts.Endpoint+"/scheduler", &resp); err != nil {
		return nil, false, err
	}
	root := queueDescriptor{
		QueueName:       resp.Scheduler.SchedulerInfo.QueueName,
		MaxAllocationMB: resp.Scheduler.SchedulerInfo.MaxAllocationMB,
		Queues:          resp.Scheduler.SchedulerInfo.Queues,
	}
	if root.QueueName == queue {
		return &root, true, nil
	}
	if root.Queues != nil {
		if found, ok := searchQueues(root.Queues, queue); ok {
			return found, true, nil
		}
	}
	return nil, false, nil
}

func searchQueues(ql *queueList, name string) (*queueDescriptor, bool) {
	for i := range ql.Queue {
		q := ql.Queue[i]
		if q.QueueName == name {
			return &q, true
		}
		if q.Queues != nil {
			if found, ok := searchQueues(q.Queues, name); ok {
				return found, true
			}
		}
	}
	return nil, false
}

// parseMemoryMB parses a Spark-style memory string ("512m", "2g", or
// a bare megabyte integer) into megabytes.
func parseMemoryMB(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	multiplier := int64(1)
	switch s[len(s)-1] {
	case 'g', 'G':
		multiplier = 1024
		s = s[:len(s)-1]
	case 'm', 'M':
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n * multiplier
}

// PreLaunchHook runs the queue-capacity preflight only when both
// KERNEL_QUEUE and KERNEL_NODE_LABEL are set, per spec.md §4.J:
// requested container memory is checked against the queue's max
// allocation, then the scheduler is polled for a budget of 20% of the
// launch timeout (minus whatever time the descriptor lookup already
// spent) until utilization drops at or below threshold.
func (b *Backend) PreLaunchHook(ctx context.Context, rec *kernelspec.Record, env map[string]string) error {
	queue := env["KERNEL_QUEUE"]
	nodeLabel := env["KERNEL_NODE_LABEL"]
	if queue != "" && nodeLabel != "" {
		if err := b.queuePreflight(ctx, rec, queue, nodeLabel, env); err != nil {
			return err
		}
	}
	env["KERNEL_ID"] = rec.KernelID
	return nil
}

func (b *Backend) queuePreflight(ctx context.Context, rec *kernelspec.Record, queue, nodeLabel string, env map[string]string) error {
	start := time.Now()

	descriptor, ok, err := b.queueDescriptor(ctx, queue)
	if err != nil {
		b.log.Warnw("failed to look up YARN queue descriptor, proceeding without preflight", "queue", queue, "error", err)
		return nil
	}
	if !ok {
		b.log.Warnw("YARN queue or partition not found, proceeding without preflight", "queue", queue, "node_label", nodeLabel)
		return nil
	}

	if descriptor.MaxAllocationMB > 0 {
		want := parseMemoryMB(env["KERNEL_EXECUTOR_MEMORY"])
		if driver := parseMemoryMB(env["KERNEL_DRIVER_MEMORY"]); driver > want {
			want = driver
		}
		if want > descriptor.MaxAllocationMB {
			return perrors.ConfigError("kernel_id=%s: requested container memory %dMB exceeds queue %q max allocation %dMB", rec.KernelID, want, queue, descriptor.MaxAllocationMB)
		}
	}

	elapsed := time.Since(start)
	budget := time.Duration(float64(b.opts.LaunchTimeout)*0.2) - elapsed
	if budget < 0 {
		budget = 0
	}
	return b.checkQueueCapacity(ctx, budget)
}

func (b *Backend) LaunchKernel(ctx context.Context, rec *kernelspec.Record, argv []string, env map[string]string) (provisioner.LocalProcess, error) {
	// Submission is performed by the launched argv (spark-submit or an
	// equivalent YARN client invocation carrying the kernel_id in its
	// application name); the backend discovers the resulting
	// application by name.
	return nil, nil
}

type appsResponse struct {
	Apps struct {
		App []struct {
			ID                string `json:"id"`
			Name              string `json:"name"`
			State             string `json:"state"`
			FinalStatus       string `json:"finalStatus"`
			AmHostHTTPAddress string `json:"amHostHttpAddress"`
			DiagnosticsInfo   string `json:"diagnosticsInfo"`
		} `json:"app"`
	} `json:"apps"`
}

func (b *Backend) findApplication(ctx context.Context, kernelID string) (*appsResponse, int, error) {
	var resp appsResponse
	if err := b.getJSON(ctx, b.opts.Endpoint+"/apps", &resp); err != nil {
		return nil, -1, err
	}
	best := -1
	for i, app := range resp.Apps.App {
		if !strings.Contains(app.Name, kernelID) {
			continue
		}
		if best == -1 || resp.Apps.App[i].ID > resp.Apps.App[best].ID {
			best = i
		}
	}
	return &resp, best, nil
}

func (b *Backend) StatusQuery(ctx context.Context, rec *kernelspec.Record) (provisioner.StatusResult, error) {
	resp, idx, err := b.findApplication(ctx, rec.KernelID)
	if err != nil {
		return provisioner.StatusResult{}, perrors.TransientBackendError(rec.KernelID, err, "YARN application list failed")
	}
	if idx == -1 {
		return provisioner.StatusResult{IsInitial: true, State: "pending"}, nil
	}
	app := resp.Apps.App[idx]
	rec.Placement.Handle = app.ID

	switch app.State {
	case "FAILED", "KILLED":
		return provisioner.StatusResult{IsError: true, ErrorReason: app.DiagnosticsInfo, Handle: app.ID}, nil
	case "RUNNING":
		if app.AmHostHTTPAddress == "" {
			return provisioner.StatusResult{State: "running", Handle: app.ID}, nil
		}
		host := app.AmHostHTTPAddress
		if i := strings.Index(host, ":"); i >= 0 {
			host = host[:i]
		}
		ip, resolveErr := resolveIP(host)
		if resolveErr != nil {
			return provisioner.StatusResult{State: "running", AssignedHost: host, Handle: app.ID}, nil
		}
		return provisioner.StatusResult{State: "running", AssignedHost: host, AssignedIP: ip, Handle: app.ID}, nil
	default:
		return provisioner.StatusResult{State: strings.ToLower(app.State), Handle: app.ID}, nil
	}
}

func (b *Backend) Signal(ctx context.Context, rec *kernelspec.Record, signum int) (signaler.Result, error) {
	// YARN delivers shutdown through the application itself, via the
	// comm channel; there's no per-application unix signal API.
	return signaler.NoProcess, nil
}

func (b *Backend) Terminate(ctx context.Context, rec *kernelspec.Record) error {
	return b.kill(ctx, rec)
}

func (b *Backend) Kill(ctx context.Context, rec *kernelspec.Record) error {
	return b.kill(ctx, rec)
}

func (b *Backend) kill(ctx context.Context, rec *kernelspec.Record) error {
	if rec.Placement.Handle == "" {
		return nil
	}
	url := fmt.Sprintf("%s/apps/%s/state", b.opts.Endpoint, rec.Placement.Handle)
	body := strings.NewReader(`{"state":"KILLED"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return errors.Wrap(err, "building YARN kill request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return perrors.TransientBackendError(rec.KernelID, err, "YARN kill request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return perrors.TransientBackendError(rec.KernelID, nil, "YARN kill request returned status %d", resp.StatusCode)
	}
	return nil
}

func (b *Backend) Cleanup(ctx context.Context, rec *kernelspec.Record) error { return nil }

// ShutdownWaitTime is at least 15s for YARN, since application
// termination involves container teardown across the cluster, per
// spec.md §4.J.
func (b *Backend) ShutdownWaitTime() time.Duration { return 15 * time.Second }

func (b *Backend) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "building YARN request")
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "YARN request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("YARN endpoint %s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func resolveIP(host string) (string, error) {
	ips, err := net.LookupHost(host)
	if err != nil || len(ips) == 0 {
		return "", fmt.Errorf("could not resolve %q", host)
	}
	sort.Strings(ips)
	return ips[0], nil
}
