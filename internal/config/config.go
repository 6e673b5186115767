package config

import (
	"fmt"
	"strings"
)

// Database holds the database configuration. A full DATABASE_URI wins over
// the individual parts.
type Database struct {
	URI          string `envconfig:"DATABASE_URI"`
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d Database) ToDbConnectionUri() string {
	if d.URI != "" {
		return d.URI
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToMigrationUri returns a connection URI for golang-migrate with pgx5 driver
func (d Database) ToMigrationUri() string {
	if d.URI != "" {
		if _, rest, ok := strings.Cut(d.URI, "://"); ok {
			return "pgx5://" + rest
		}
		return d.URI
	}
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// Redis holds the connection settings for the queue and lease store
type Redis struct {
	URI string `envconfig:"REDIS_URI" default:"redis://localhost:6379/0"`
	// Retry count for failed redis commands (the client's MaxRetries)
	ClusterErrorRetryAttempts int `envconfig:"CLUSTER_ERROR_RETRY_ATTEMPTS" default:"3"`
}

// Logging holds log output settings shared by all roles
type Logging struct {
	Loglevel           string `envconfig:"LOGLEVEL" default:"INFO"`
	Logfile            string `envconfig:"LOGFILE"`
	LogfileMaxsizeMB   int    `envconfig:"LOGFILE_MAXSIZE" default:"10"`
	LogfileBackupCount int    `envconfig:"LOGFILE_BACKUP_COUNT" default:"3"`
}

// Queuer holds the configuration for the tasks-queuer role
type Queuer struct {
	Database Database
	Redis    Redis
	Logging  Logging
	// Seconds between promotion iterations
	RunInterval int `envconfig:"QUEUER_RUN_INTERVAL" default:"30"`
}

// Runner holds the configuration for the tasks-runner role
type Runner struct {
	Database Database
	Redis    Redis
	Logging  Logging
	// Number of concurrent runner loops in this process
	NumWorkers int `envconfig:"NUM_WORKERS" default:"5"`
}

// Server holds the configuration for the producer API server
type Server struct {
	Database   Database
	Logging    Logging
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
}
