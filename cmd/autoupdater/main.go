package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"

	"github.com/samstreets/Docker-Autoupdater/internal/config"
	"github.com/samstreets/Docker-Autoupdater/internal/daemon"
	"github.com/samstreets/Docker-Autoupdater/internal/docker"
	"github.com/samstreets/Docker-Autoupdater/internal/logging"
	"github.com/samstreets/Docker-Autoupdater/internal/metrics"
	"github.com/samstreets/Docker-Autoupdater/internal/registry"
)

const (
	defaultSocket = "/var/run/docker.sock"
	// notifyDrainTimeout bounds how long shutdown waits for pending notifications.
	notifyDrainTimeout = 15 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := loadConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "autoupdater: %v\n", err)
		return 2
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "autoupdater: invalid configuration: %v\n", err)
		return 1
	}

	cleanup, err := logging.Init(cfg.LogFile, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autoupdater: failed to initialize logger: %v\n", err)
		return 1
	}
	defer cleanup()

	// inside a container the hostname defaults to the short container ID
	if cfg.SelfID == "" {
		if h, err := os.Hostname(); err == nil {
			cfg.SelfID = h
		}
	}
	for _, w := range cfg.Warnings() {
		logging.Get().Warn().Msg(w)
	}

	ensureDockerSocketAccessible()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cli, err := createDockerClient(ctx, cfg)
	if err != nil {
		logging.Get().Error().Err(err).Msg("docker daemon is not reachable")
		return 1
	}
	defer cli.Close()

	srv := startMetricsServer(cfg)

	resolver := registry.NewResolver(cfg.LookupTimeout)
	d := daemon.New(cfg, cli, resolver)
	runAndWait(ctx, stop, d)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	return 0
}

// loadConfig layers defaults, the optional config file, the environment and
// finally the command line flags, each overriding the previous one.
func loadConfig(args []string) (*config.Config, error) {
	fs := flag.NewFlagSet("autoupdater", flag.ContinueOnError)
	cfgFile := fs.String("config", "", "Path to a YAML config file")
	runOnce := fs.Bool("run-once", false, "run one reconciliation cycle and exit")
	dryRun := fs.Bool("dry-run", false, "detect updates but do not apply them")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	if *cfgFile != "" {
		c, err := config.LoadConfigFromFile(*cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed loading config: %w", err)
		}
		cfg = c
	}
	if err := config.ApplyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	if *runOnce {
		cfg.CheckInterval = 0
	}
	if *dryRun {
		cfg.DryRun = true
	}
	return cfg, nil
}

// checkDockerSocketAccess verifies the socket exists and is openable for read/write.
// Returns nil if socket is absent (a remote DOCKER_HOST may be in use), nil if
// accessible, or the error explaining why it isn't.
func checkDockerSocketAccess(path string) error {
	_, err := os.Stat(path)
	if err == nil {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		_ = f.Close()
		return nil
	}
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func ensureDockerSocketAccessible() {
	host := os.Getenv("DOCKER_HOST")
	if host != "" && !strings.HasPrefix(host, "unix://") {
		return
	}
	path := strings.TrimPrefix(host, "unix://")
	if path == "" {
		path = defaultSocket
	}
	if err := checkDockerSocketAccess(path); err != nil {
		if os.IsPermission(err) {
			logging.Get().Warn().Str("socket", path).Msg("permission denied accessing the docker socket: add the docker group (--group-add) or mount it with a matching GID")
			return
		}
		logging.Get().Warn().Err(err).Str("socket", path).Msg("problem accessing the docker socket; continuing but operations may fail")
	}
}

// createDockerClient connects to the daemon and pings it once so a bad socket
// fails fast instead of on the first cycle.
func createDockerClient(ctx context.Context, cfg *config.Config) (docker.Client, error) {
	cli, err := docker.NewClient(docker.Options{
		RuntimeTimeout: cfg.RuntimeTimeout,
		PullTimeout:    cfg.PullTimeout,
		Keychain:       authn.DefaultKeychain,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.RuntimeTimeout)
	defer cancel()
	if err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}

func startMetricsServer(cfg *config.Config) *http.Server {
	if !cfg.MetricsEnabled {
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metrics.NewMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logging.Get().Info().Str("addr", srv.Addr).Msg("starting metrics server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Get().Error().Err(err).Msg("metrics server stopped")
		}
	}()
	return srv
}

// runAndWait runs the scheduler until it returns on its own (single cycle) or
// a signal arrives. A cycle in progress is allowed to finish. After the first
// signal the default handlers are restored so a second one terminates
// immediately.
func runAndWait(ctx context.Context, stop context.CancelFunc, d *daemon.Daemon) {
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		stop()
		logging.Get().Info().Msg("shutdown signal received, waiting for the current cycle to finish")
		<-done
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), notifyDrainTimeout)
	defer cancel()
	if err := d.Wait(drainCtx); err != nil {
		logging.Get().Warn().Err(err).Msg("pending notifications were not delivered before exit")
	}
}
