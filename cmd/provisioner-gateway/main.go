package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/heptiolabs/healthcheck"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	crdbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/crd"
	dockerbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/docker"
	swarmbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/dockerswarm"
	k8sbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/kubernetes"
	sshbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/ssh"
	yarnbackend "github.com/kubermatic/remote-kernel-provisioner/pkg/backend/yarn"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/config"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/provisioner"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/responsemanager"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/server"
	"github.com/kubermatic/remote-kernel-provisioner/pkg/version"
)

var (
	listenAddress    string
	kubeconfig       string
	dockerNetwork    string
	printVersion     bool
)

func main() {
	flag.StringVar(&listenAddress, "internal-listen-address", "127.0.0.1:8090", "The address the HTTP server listens on; exposes the kernel lifecycle API, /metrics, /live, and /ready")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "Path to a kubeconfig; empty uses in-cluster config when running inside Kubernetes")
	flag.StringVar(&dockerNetwork, "docker-network", os.Getenv("GP_DOCKER_NETWORK"), "Docker network to read kernel container IPs from")
	flag.BoolVar(&printVersion, "version", false, "print version information and exit")
	flag.Parse()

	if printVersion {
		fmt.Println(version.Get().String())
		return
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()

	opts, err := config.NewOptionsFromEnv()
	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}

	rm, err := responsemanager.New(responsemanager.Config{
		PortRetries:  10,
		PollInterval: opts.PollInterval,
	}, log)
	if err != nil {
		log.Fatalw("failed to start response manager", "error", err)
	}

	newBackend := buildBackendFactory(opts, log)
	srv := server.New(opts, rm, newBackend, log)

	mux := http.NewServeMux()
	srv.Routes(mux)

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/live", http.HandlerFunc(health.LiveEndpoint))
	mux.Handle("/ready", http.HandlerFunc(health.ReadyEndpoint))

	buildInfo := version.Get()
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "remote_kernel_provisioner_build_info",
		Help: "Build information for the running binary, value is always 1.",
		ConstLabels: prometheus.Labels{
			"version": buildInfo.ModuleVersion,
			"commit":  buildInfo.Revision,
		},
	}, func() float64 { return 1 }))

	httpSrv := &http.Server{
		Addr:         listenAddress,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	{
		g.Add(func() error {
			log.Infow("starting HTTP server", "address", listenAddress)
			return httpSrv.ListenAndServe()
		}, func(err error) {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Warnw("failed to shut down HTTP server cleanly", "error", err)
			}
		})
	}
	{
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		g.Add(func() error {
			select {
			case sig := <-sigCh:
				return fmt.Errorf("received signal %s", sig)
			case <-ctx.Done():
				return errors.New("parent context closed")
			}
		}, func(err error) {
			cancel()
		})
	}

	log.Infow("provisioner gateway starting", "version", buildInfo.String())
	if err := g.Run(); err != nil {
		log.Infow("provisioner gateway exiting", "reason", err)
	}
}

// buildBackendFactory lazily constructs the requested placement
// backend. Clients (Docker SDK, Kubernetes clientset/dynamic client)
// are built on first use rather than eagerly, since a given gateway
// deployment typically only ever exercises one or two backend kinds.
func buildBackendFactory(opts *config.Options, log *zap.SugaredLogger) server.BackendFactory {
	var (
		dockerClient *client.Client
		k8sClient    kubernetes.Interface
		dynClient    dynamic.Interface
	)

	ensureDockerClient := func() (*client.Client, error) {
		if dockerClient != nil {
			return dockerClient, nil
		}
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, err
		}
		dockerClient = cli
		return cli, nil
	}

	ensureK8sClients := func() (kubernetes.Interface, dynamic.Interface, error) {
		if k8sClient != nil && dynClient != nil {
			return k8sClient, dynClient, nil
		}
		var restCfg *rest.Config
		var err error
		if kubeconfig != "" {
			restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		} else {
			restCfg, err = rest.InClusterConfig()
		}
		if err != nil {
			return nil, nil, err
		}
		k8sClient, err = kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, nil, err
		}
		dynClient, err = dynamic.NewForConfig(restCfg)
		if err != nil {
			return nil, nil, err
		}
		return k8sClient, dynClient, nil
	}

	return func(kind string) (provisioner.Backend, error) {
		switch kind {
		case "ssh":
			sshOpts, err := config.NewSSHOptionsFromEnv(opts)
			if err != nil {
				return nil, err
			}
			creds := sshbackend.ResolveCredentials(
				os.Getenv("GP_REMOTE_GSS_SSH") == "true",
				os.Getenv("GP_REMOTE_USER"),
				os.Getenv("GP_REMOTE_PWD"),
				nil,
				log,
			)
			return sshbackend.New(sshOpts, creds, log), nil

		case "docker":
			cli, err := ensureDockerClient()
			if err != nil {
				return nil, err
			}
			return dockerbackend.New(config.NewContainerOptionsFromEnv(opts), cli, dockerNetwork, log), nil

		case "docker-swarm":
			cli, err := ensureDockerClient()
			if err != nil {
				return nil, err
			}
			return swarmbackend.New(config.NewContainerOptionsFromEnv(opts), cli, log), nil

		case "kubernetes":
			kc, _, err := ensureK8sClients()
			if err != nil {
				return nil, err
			}
			k8sOpts := config.NewKubernetesOptionsFromEnv(config.NewContainerOptionsFromEnv(opts))
			return k8sbackend.New(k8sOpts, kc, log), nil

		case "crd":
			kc, dc, err := ensureK8sClients()
			if err != nil {
				return nil, err
			}
			k8sOpts := config.NewKubernetesOptionsFromEnv(config.NewContainerOptionsFromEnv(opts))
			underlying := k8sbackend.New(k8sOpts, kc, log)
			return crdbackend.New(k8sOpts, dc, underlying, log), nil

		case "yarn":
			return yarnbackend.New(config.NewYARNOptionsFromEnv(opts), log), nil

		default:
			return nil, fmt.Errorf("unknown backend kind %q", kind)
		}
	}
}
