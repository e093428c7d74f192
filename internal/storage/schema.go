package storage

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"go.uber.org/zap"
)

//go:embed trigger.sql
var triggerFunctionDDL string

const (
	triggerName = "relay_agent_peer_change"
	// serializes trigger installation when several relays boot at once
	triggerLockKey = "relay_agent_peer_change"
)

var channelPrefix = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// triggerDDL returns the statements that (re)create the row trigger.
// prefix is validated by the caller; DDL cannot take bind parameters.
func triggerDDL(prefix string) []string {
	return []string{
		fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s",
			pgx.Identifier{triggerName}.Sanitize(), pgx.Identifier{constants.PeerTable}.Sanitize()),
		fmt.Sprintf("CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION relay_agent_notify_peer_change('%s')",
			pgx.Identifier{triggerName}.Sanitize(), pgx.Identifier{constants.PeerTable}.Sanitize(), prefix),
	}
}

// EnsureChangeTrigger idempotently installs the notification trigger on
// the peer table. It is the server-side filter for the change feed.
func (db *DB) EnsureChangeTrigger(ctx context.Context, prefix string) error {
	if !channelPrefix.MatchString(prefix) {
		return errors.ConfigurationError("database.CHANNEL", fmt.Sprintf("%q must be lowercase letters, digits or underscores", prefix))
	}

	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", triggerLockKey); err != nil {
			return fmt.Errorf("acquire trigger lock: %w", err)
		}
		if _, err := tx.Exec(ctx, triggerFunctionDDL); err != nil {
			return fmt.Errorf("create trigger function: %w", err)
		}
		for _, stmt := range triggerDDL(prefix) {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create trigger: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.recordError(err)
		metrics.DBOperations.WithLabelValues("ensure_trigger", metrics.ResultFailure).Inc()
		return errors.DatabaseError("install change trigger", err)
	}

	metrics.DBOperations.WithLabelValues("ensure_trigger", metrics.ResultSuccess).Inc()
	logger.Info("Peer change trigger installed",
		zap.String("table", constants.PeerTable),
		zap.String("channel_prefix", prefix))
	return nil
}
