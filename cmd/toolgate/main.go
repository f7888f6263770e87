package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolgate/internal/approval"
	"github.com/gosuda/toolgate/internal/config"
	"github.com/gosuda/toolgate/internal/domain"
	"github.com/gosuda/toolgate/internal/executor"
	"github.com/gosuda/toolgate/internal/policy"
	"github.com/gosuda/toolgate/internal/run"
	"github.com/gosuda/toolgate/internal/server"
	"github.com/gosuda/toolgate/internal/store/postgres"
	redisstore "github.com/gosuda/toolgate/internal/store/redis"
)

func main() {
	if err := runMain(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func runMain() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("TOOLGATE_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("TOOLGATE_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.Database.MaxConns < 0 || cfg.Database.MaxConns > math.MaxInt32 {
		return fmt.Errorf("database max_conns %d out of int32 range", cfg.Database.MaxConns)
	}

	// Connect to PostgreSQL.
	store, err := postgres.New(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns)) //nolint:gosec // bounds checked above
	if err != nil {
		return err
	}
	defer store.Close()

	// Connect to Redis.
	pubsub, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer pubsub.Close()

	// Policy engine with compiled-schema cache.
	engine := policy.NewEngine()

	// Execution backends.
	dockerExec, err := executor.NewDockerExecutor(
		cfg.Docker.Host,
		cfg.Docker.ImageDefault,
		cfg.Docker.WorkspaceHost,
		cfg.Docker.CPULimit,
		cfg.Docker.MemLimit,
	)
	if err != nil {
		return fmt.Errorf("docker executor: %w", err)
	}
	defer dockerExec.Close()

	executors := map[string]executor.Executor{
		domain.ExecutorHost:   executor.NewHostExecutor(),
		domain.ExecutorDocker: dockerExec,
	}

	// Approval workflow and run manager. The manager registers for
	// resolved approvals so gated runs advance without polling.
	approvals := approval.NewWorkflow(store, cfg.Approval.TTL)
	manager := run.NewManager(store, engine, approvals, executors, cfg.Runs.DefaultExecutor, pubsub, cfg.Runs.Dir)
	approvals.OnResolved(manager.HandleApprovalResolved)

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create HTTP server with all routes wired.
	srv := server.New(cfg, store, pubsub, engine, manager, approvals)

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
