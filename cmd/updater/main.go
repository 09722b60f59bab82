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

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/netwatch/updater/internal/api"
	"github.com/netwatch/updater/internal/config"
	"github.com/netwatch/updater/internal/db"
	"github.com/netwatch/updater/internal/deployment"
	"github.com/netwatch/updater/internal/job"
	"github.com/netwatch/updater/internal/logging"
	"github.com/netwatch/updater/internal/metrics"
	"github.com/netwatch/updater/internal/runner"
	"github.com/netwatch/updater/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default: $UPDATER_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "updater: %v\n", err)
		os.Exit(2)
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "updater: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("updater stopped with errors")
	}
}

func run(cfg *config.Config) (err error) {
	instance := uuid.NewString()
	log.WithFields(log.Fields{
		"instance":    instance,
		"port":        cfg.HTTPPort,
		"deploy_root": cfg.DeployRoot,
		"script":      cfg.Script,
	}).Info("starting update orchestrator")

	if !cfg.Authenticated() {
		log.Warn("UPDATER_TOKEN is not set: the control API accepts unauthenticated requests, only run this on a trusted network")
	}

	logs, err := storage.NewStore(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("open log dir: %w", err)
	}

	dbStore, err := db.NewStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open job database: %w", err)
	}
	defer func() {
		if cerr := dbStore.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("close job database: %w", cerr))
		}
	}()

	pipeline, err := runner.New(runner.Config{
		DeployRoot: cfg.DeployRoot,
		Script:     cfg.Script,
		Shell:      cfg.Shell,
		Timeout:    cfg.PipelineTimeout,
		KillGrace:  cfg.KillGrace,
	})
	if err != nil {
		return err
	}

	// Docker is optional, snapshots just lose their image tags without it
	var docker deployment.DockerClient
	dockerClient, err := deployment.NewDockerClient()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_, err = dockerClient.Ping(ctx)
		cancel()
	}
	if err == nil {
		docker = dockerClient
		log.Info("docker available, recording container images per job")
		defer func() {
			if cerr := dockerClient.Close(); cerr != nil {
				err = multierror.Append(err, fmt.Errorf("close docker client: %w", cerr))
			}
		}()
	} else {
		log.WithError(err).Info("docker not available (container images will not be recorded)")
	}

	m := metrics.New()
	mgr, err := job.NewManager(job.Options{
		Records:     job.NewPersistentStore(dbStore),
		Logs:        logs,
		Runner:      pipeline,
		Snapshotter: deployment.NewInspector(cfg.DeployRoot, cfg.ComposeProject, docker),
		Metrics:     m,
		Instance:    instance,
	})
	if err != nil {
		return err
	}

	recovered, err := mgr.Recover()
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	if recovered > 0 {
		log.WithField("count", recovered).Warn("marked jobs interrupted by a previous run as failed")
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.NewRouter(cfg, mgr, logs, m),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// no WriteTimeout: /jobs/{id}/follow streams for as long as a pipeline runs
		IdleTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("Server listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case sig := <-done:
		log.WithField("signal", sig.String()).Info("Shutting down...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.KillGrace+5*time.Second)
	defer cancel()

	var result *multierror.Error
	if err := server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("server shutdown: %w", err))
	}
	if err := mgr.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stop active job: %w", err))
	}

	log.Info("Server stopped")
	return result.ErrorOrNil()
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "updater - self-update orchestrator\n\n")
		fmt.Fprintf(os.Stderr, "Runs the deployment's update pipeline on request and keeps a log per job.\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment:\n")
		fmt.Fprintf(os.Stderr, "  UPDATER_PORT, UPDATER_TOKEN, DEPLOY_ROOT, UPDATE_SCRIPT, UPDATER_SHELL,\n")
		fmt.Fprintf(os.Stderr, "  LOG_DIR, DATA_DIR, PIPELINE_TIMEOUT, KILL_GRACE, MAX_BODY_BYTES,\n")
		fmt.Fprintf(os.Stderr, "  COMPOSE_PROJECT, LOG_LEVEL, LOG_FORMAT, UPDATER_CONFIG\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s                              # defaults, see above\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config /etc/updater.yaml   # file first, env overrides\n", os.Args[0])
	}
}
