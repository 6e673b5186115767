package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/deepchecks/monitoring-oss/internal/config"
	"github.com/deepchecks/monitoring-oss/internal/logging"
	"github.com/deepchecks/monitoring-oss/internal/resources"
	"github.com/deepchecks/monitoring-oss/internal/storage/postgres"
	"github.com/deepchecks/monitoring-oss/internal/supervisor"
	"github.com/deepchecks/monitoring-oss/internal/taskqueue"
	"github.com/deepchecks/monitoring-oss/internal/worker"
	"github.com/deepchecks/monitoring-oss/internal/worker/workers"
)

func main() {
	// Load the dotenv if exists
	_ = godotenv.Load()

	var env config.Runner
	err := envconfig.Process("", &env)
	if err != nil {
		log.Fatal("Cannot load env:", err)
	}

	logging.Setup(env.Logging, "tasks-runner")
	slog.Info("Starting tasks runner", "num_workers", env.NumWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := resources.New(ctx, env.Database, env.Redis)
	if err != nil {
		log.Fatal("Failed to create resources:", err)
	}
	defer res.Close()
	slog.Info("Database and redis connections established")

	registry := worker.NewRegistry(workers.All()...)
	slog.Info("Registered workers", "queues", registry.QueueNames())

	runner := worker.NewRunner(
		taskqueue.NewQueue(res.Redis),
		taskqueue.NewLeaseService(res.Redis),
		res.DB,
		postgres.NewStore(res.DB),
		registry,
		res,
	)

	loops := make([]supervisor.Loop, env.NumWorkers)
	for i := range loops {
		loops[i] = runner.Run
	}

	if err := supervisor.Run(ctx, loops...); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Runner exited with failure:", err)
	}
	slog.Info("Runner stopped gracefully")
}
