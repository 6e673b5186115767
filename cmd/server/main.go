package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/deepchecks/monitoring-oss/db"
	"github.com/deepchecks/monitoring-oss/internal/api"
	"github.com/deepchecks/monitoring-oss/internal/config"
	"github.com/deepchecks/monitoring-oss/internal/logging"
	"github.com/deepchecks/monitoring-oss/internal/storage/postgres"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

func main() {
	// Load the dotenv if exists
	_ = godotenv.Load()

	var env config.Server
	err := envconfig.Process("", &env)
	if err != nil {
		log.Fatal("Cannot load env:", err)
	}

	logging.Setup(env.Logging, "tasks-api")
	slog.Info("Starting task producer API server")

	// Run database migrations
	d, err := iofs.New(db.Migrations, "migrations")
	if err != nil {
		log.Fatal("Failed to load migrations:", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, env.Database.ToMigrationUri())
	if err != nil {
		log.Fatal("Failed to create migrate instance:", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal("Failed to run migrations:", err)
		}
	}
	slog.Info("Migrations ran successfully")

	// Initialize database connection pool
	dbPool, err := pgxpool.New(context.Background(), env.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal("Failed to create database pool:", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(context.Background()); err != nil {
		log.Fatal("Failed to ping database:", err)
	}
	slog.Info("Database connection established")

	store := postgres.NewStore(dbPool)
	apiHandler := api.NewHandler(store)

	r := gin.Default()
	apiHandler.RegisterRoutes(r)

	// Health check endpoints
	r.GET("/readiness", func(c *gin.Context) {
		if err := dbPool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/liveness", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
	})

	srv := &http.Server{
		Addr:    ":" + env.ServerPort,
		Handler: r,
	}

	// Start HTTP server in goroutine
	go func() {
		slog.Info("HTTP server listening", "port", env.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error:", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	slog.Info("API server exited gracefully")
}
