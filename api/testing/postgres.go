package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andeslabs/sqlcopilot/api/config"
	"github.com/andeslabs/sqlcopilot/api/db"
)

// PostgresDBConfig holds the Postgres test container configuration.
type PostgresDBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *PostgresDBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "copilot_test"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// PostgresDB represents a Postgres test container.
type PostgresDB struct {
	log       *slog.Logger
	cfg       *PostgresDBConfig
	dsn       string
	container *tcpg.PostgresContainer
}

// DSN returns the connection string for the container's admin database.
func (p *PostgresDB) DSN() string {
	return p.dsn
}

// Close terminates the Postgres container.
func (p *PostgresDB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.container.Terminate(terminateCtx); err != nil {
		p.log.Error("failed to terminate Postgres container", "error", err)
	}
}

// NewPostgresDB creates a new Postgres testcontainer.
func NewPostgresDB(ctx context.Context, log *slog.Logger, cfg *PostgresDBConfig) (*PostgresDB, error) {
	if cfg == nil {
		cfg = &PostgresDBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate Postgres DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpg.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = tcpg.Run(ctx,
			cfg.ContainerImage,
			tcpg.WithDatabase(cfg.Database),
			tcpg.WithUsername(cfg.Username),
			tcpg.WithPassword(cfg.Password),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second),
			),
		)
		if err != nil {
			lastErr = err
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("failed to get Postgres connection string: %w", err)
	}

	return &PostgresDB{
		log:       log,
		cfg:       cfg,
		dsn:       dsn,
		container: container,
	}, nil
}

// SetupTestPostgres creates a unique database in the container, runs the
// migrations against it, and points config.PgPool at it. The previous
// pool is restored on cleanup.
func SetupTestPostgres(t *testing.T, pg *PostgresDB) string {
	t.Helper()
	ctx := t.Context()

	randomSuffix := strings.ReplaceAll(uuid.New().String(), "-", "")
	databaseName := fmt.Sprintf("test_%s", randomSuffix)

	adminPool, err := pgxpool.New(ctx, pg.dsn)
	require.NoError(t, err, "failed to create Postgres admin pool")

	_, err = adminPool.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	testDSN := replaceDatabase(t, pg.dsn, databaseName)

	err = db.RunMigrations(ctx, pg.log, testDSN)
	require.NoError(t, err, "failed to run migrations")

	testPool, err := pgxpool.New(ctx, testDSN)
	require.NoError(t, err, "failed to create Postgres test pool")
	require.NoError(t, testPool.Ping(ctx), "failed to ping Postgres test pool")

	oldPool := config.PgPool
	config.PgPool = testPool

	t.Cleanup(func() {
		config.PgPool = oldPool
		testPool.Close()
		_, _ = adminPool.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		adminPool.Close()
	})

	return testDSN
}

// replaceDatabase swaps the database name in a Postgres DSN.
func replaceDatabase(t *testing.T, dsn, database string) string {
	t.Helper()
	u, err := url.Parse(dsn)
	require.NoError(t, err, "failed to parse Postgres DSN")
	u.Path = "/" + database
	return u.String()
}
