package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"go.uber.org/zap"
)

// DBState represents the current state of the database connection
type DBState int

const (
	DBStateInitial DBState = iota
	DBStateConnecting
	DBStateConnected
	DBStateDisconnecting
	DBStateClosed
)

// Options configure the shared store connection.
type Options struct {
	URL          string
	Credential   string // injected as the connection password
	MaxConns     int
	QueryTimeout time.Duration
	Attempts     int
	Backoff      time.Duration
}

// DB is the shared store holding the relay directory and the peer table.
type DB struct {
	Pool         *pgxpool.Pool
	connConfig   *pgx.ConnConfig
	queryTimeout time.Duration

	state        DBState
	stateMu      sync.RWMutex
	errorCount   int32
	errorCountMu sync.RWMutex
}

// ParseConfig builds the pool configuration from opts.
func ParseConfig(opts Options) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if opts.Credential != "" {
		config.ConnConfig.Password = opts.Credential
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = constants.DefaultDBMaxConns
	}
	config.MaxConns = int32(maxConns)
	config.MinConns = 1
	config.MaxConnLifetime = constants.DBConnMaxLifetime
	config.MaxConnIdleTime = constants.DBConnMaxIdleTime
	config.HealthCheckPeriod = constants.DBHealthCheckEvery
	if opts.QueryTimeout > 0 {
		config.ConnConfig.ConnectTimeout = opts.QueryTimeout
	}
	return config, nil
}

// InitDB connects to the shared store with retries and exponential backoff.
func InitDB(ctx context.Context, opts Options) (*DB, error) {
	config, err := ParseConfig(opts)
	if err != nil {
		return nil, errors.ConfigurationError("database.URL", err.Error())
	}

	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = constants.DBConnectAttempts
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = constants.DBConnectBackoff
	}
	queryTimeout := opts.QueryTimeout
	if queryTimeout <= 0 {
		queryTimeout = constants.DefaultQueryTimeout
	}

	db := &DB{
		connConfig:   config.ConnConfig.Copy(),
		queryTimeout: queryTimeout,
		state:        DBStateConnecting,
	}

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= attempts; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
			err = pool.Ping(pingCtx)
			cancel()
			if err == nil {
				db.Pool = pool
				db.setState(DBStateConnected)

				stat := pool.Stat()
				logger.Info("Connected to shared store",
					zap.Int("attempts", attempt),
					zap.String("host", config.ConnConfig.Host),
					zap.String("database", config.ConnConfig.Database),
					zap.Int32("max_connections", stat.MaxConns()))
				metrics.DBOperations.WithLabelValues("connect", metrics.ResultSuccess).Inc()
				return db, nil
			}
			pool.Close()
		}

		metrics.DBOperations.WithLabelValues("connect", metrics.ResultFailure).Inc()
		if attempt == attempts {
			break
		}
		logger.Warn("Failed to connect to shared store, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			db.setState(DBStateClosed)
			return nil, errors.DatabaseConnectionError(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2 // 2s, 4s, 8s...
	}

	db.setState(DBStateClosed)
	return nil, errors.DatabaseConnectionError(fmt.Errorf("failed after %d attempts: %w", attempts, err))
}

// Close closes the pool. It is safe to call more than once.
func (db *DB) Close() {
	db.stateMu.Lock()
	if db.state == DBStateDisconnecting || db.state == DBStateClosed {
		db.stateMu.Unlock()
		return
	}
	db.state = DBStateDisconnecting
	db.stateMu.Unlock()

	if db.Pool != nil {
		db.Pool.Close()
	}
	db.setState(DBStateClosed)
	logger.Debug("Database connection closed")
}

// ConnConfig returns a copy of the single-connection config, used for the
// dedicated LISTEN connection.
func (db *DB) ConnConfig() *pgx.ConnConfig {
	return db.connConfig.Copy()
}

// Ping checks database connectivity
func (db *DB) Ping(ctx context.Context) error {
	if db.Pool == nil {
		return fmt.Errorf("database pool is not initialized")
	}
	ctx, cancel := db.queryContext(ctx)
	defer cancel()
	return db.Pool.Ping(ctx)
}

// Connected reports whether the pool is open.
func (db *DB) Connected() bool {
	db.stateMu.RLock()
	defer db.stateMu.RUnlock()
	return db.state == DBStateConnected
}

// Stats returns database connection pool statistics
func (db *DB) Stats() DatabaseStats {
	stats := DatabaseStats{Errors: db.errorTotal()}
	if db.Pool == nil {
		return stats
	}
	stat := db.Pool.Stat()
	stats.OpenConnections = int(stat.TotalConns())
	stats.InUse = int(stat.AcquiredConns())
	stats.Idle = int(stat.IdleConns())
	stats.MaxOpenConnections = int(stat.MaxConns())
	return stats
}

// DatabaseStats represents database connection pool statistics
type DatabaseStats struct {
	OpenConnections    int   `json:"open_connections"`
	InUse              int   `json:"in_use"`
	Idle               int   `json:"idle"`
	MaxOpenConnections int   `json:"max_open_connections"`
	Errors             int32 `json:"errors"`
}

func (db *DB) setState(s DBState) {
	db.stateMu.Lock()
	db.state = s
	db.stateMu.Unlock()
}

// queryContext bounds a single store call.
func (db *DB) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := db.queryTimeout
	if timeout <= 0 {
		timeout = constants.DefaultQueryTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// recordError counts a failed operation for health reporting.
func (db *DB) recordError(err error) {
	logger.Debug("Store operation failed", zap.Error(err))
	db.errorCountMu.Lock()
	db.errorCount++
	db.errorCountMu.Unlock()
}

func (db *DB) errorTotal() int32 {
	db.errorCountMu.RLock()
	defer db.errorCountMu.RUnlock()
	return db.errorCount
}
