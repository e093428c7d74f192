package storage

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/nigping/relay-agent/internal/constants"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"github.com/nigping/relay-agent/internal/models"
	"go.uber.org/zap"
)

// ErrRelayExists is returned by InsertRelay when another writer registered
// the same address first.
var ErrRelayExists = stderrors.New("relay already registered")

const (
	pgUniqueViolation  = "23505"
	pgNoUniqueOnTarget = "42P10"
)

const findRelayQuery = `
	SELECT ip_address, COALESCE(name, ''), created_at, updated_at
	FROM ` + constants.RelayTable + `
	WHERE ip_address = $1
	LIMIT 1`

const insertRelayQuery = `
	INSERT INTO ` + constants.RelayTable + ` (ip_address, name, created_at, updated_at)
	VALUES ($1, $2, now(), now())
	ON CONFLICT (ip_address) DO NOTHING`

const insertRelayPlainQuery = `
	INSERT INTO ` + constants.RelayTable + ` (ip_address, name, created_at, updated_at)
	VALUES ($1, $2, now(), now())`

// assigned_ip may be text or inet; ::text of an inet host renders "a.b.c.d/32"
const activePeersQuery = `
	SELECT id::text, COALESCE(user_id::text, ''), vps_ip,
	       COALESCE(public_key, ''), COALESCE(assigned_ip::text, ''),
	       COALESCE(device_name, ''), is_active, created_at, updated_at, last_connected_at
	FROM ` + constants.PeerTable + `
	WHERE vps_ip = $1 AND is_active
	ORDER BY created_at ASC, id ASC`

// FindRelay looks up the directory entry for address. It returns nil, nil
// when the relay is not registered.
func (db *DB) FindRelay(ctx context.Context, address string) (*models.RelayRecord, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	var rec models.RelayRecord
	err := db.Pool.QueryRow(ctx, findRelayQuery, address).
		Scan(&rec.Address, &rec.Label, &rec.CreatedAt, &rec.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		metrics.DBOperations.WithLabelValues("find_relay", metrics.ResultSuccess).Inc()
		return nil, nil
	}
	if err != nil {
		db.recordError(err)
		metrics.DBOperations.WithLabelValues("find_relay", metrics.ResultFailure).Inc()
		return nil, errors.DatabaseError("find relay", err)
	}
	metrics.DBOperations.WithLabelValues("find_relay", metrics.ResultSuccess).Inc()
	return &rec, nil
}

// InsertRelay adds rec to the directory. A concurrent registration of the
// same address surfaces as ErrRelayExists.
func (db *DB) InsertRelay(ctx context.Context, rec models.RelayRecord) error {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, insertRelayQuery, rec.Address, rec.Label)
	if pgCode(err) == pgNoUniqueOnTarget {
		// directory without a unique index on ip_address
		logger.Debug("vps_servers has no unique constraint on ip_address, inserting plainly")
		tag, err = db.Pool.Exec(ctx, insertRelayPlainQuery, rec.Address, rec.Label)
	}

	switch {
	case IsUniqueViolation(err):
		metrics.DBOperations.WithLabelValues("insert_relay", metrics.ResultSuccess).Inc()
		return ErrRelayExists
	case err != nil:
		db.recordError(err)
		metrics.DBOperations.WithLabelValues("insert_relay", metrics.ResultFailure).Inc()
		return errors.DatabaseError("insert relay", err)
	case tag.RowsAffected() == 0:
		metrics.DBOperations.WithLabelValues("insert_relay", metrics.ResultSuccess).Inc()
		return ErrRelayExists
	}
	metrics.DBOperations.WithLabelValues("insert_relay", metrics.ResultSuccess).Inc()
	return nil
}

// ActivePeers returns the active peers assigned to address, oldest first.
// The whole set is read in one statement so callers never see a torn set.
func (db *DB) ActivePeers(ctx context.Context, address string) ([]models.PeerRecord, error) {
	ctx, cancel := db.queryContext(ctx)
	defer cancel()

	start := time.Now()
	rows, err := db.Pool.Query(ctx, activePeersQuery, address)
	if err != nil {
		db.recordError(err)
		metrics.DBOperations.WithLabelValues("active_peers", metrics.ResultFailure).Inc()
		return nil, errors.DatabaseError("fetch peers", err)
	}
	defer rows.Close()

	peers := make([]models.PeerRecord, 0, 16)
	for rows.Next() {
		var p models.PeerRecord
		if err := rows.Scan(&p.ID, &p.UserID, &p.RelayAddress, &p.PublicKey, &p.TunnelAddress,
			&p.DeviceName, &p.Active, &p.CreatedAt, &p.UpdatedAt, &p.LastConnectedAt); err != nil {
			db.recordError(err)
			metrics.DBOperations.WithLabelValues("active_peers", metrics.ResultFailure).Inc()
			return nil, errors.DatabaseError("scan peer", err)
		}
		peers = append(peers, p)
	}
	if err := rows.Err(); err != nil {
		db.recordError(err)
		metrics.DBOperations.WithLabelValues("active_peers", metrics.ResultFailure).Inc()
		return nil, errors.DatabaseError("fetch peers", err)
	}

	metrics.DBOperations.WithLabelValues("active_peers", metrics.ResultSuccess).Inc()
	logger.Debug("Fetched active peers",
		zap.String("relay_address", address),
		zap.Int("count", len(peers)),
		zap.Duration("duration", time.Since(start)))
	return peers, nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports a Postgres unique_violation anywhere in err.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == pgUniqueViolation
}

