package registration

import (
	"context"
	stderrors "errors"

	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/models"
	"github.com/nigping/relay-agent/internal/storage"
	"go.uber.org/zap"
)

// Outcome of a registration attempt.
type Outcome string

const (
	OutcomeExisting Outcome = "existing"
	OutcomeCreated  Outcome = "created"
	OutcomeFailed   Outcome = "failed"
)

// Directory is the relay directory in the shared store.
type Directory interface {
	FindRelay(ctx context.Context, address string) (*models.RelayRecord, error)
	InsertRelay(ctx context.Context, rec models.RelayRecord) error
}

// Registrar makes sure the relay appears in the directory exactly once.
type Registrar struct {
	Directory Directory
}

// Register records address if it is not present. Errors come back with
// OutcomeFailed, including a lost insert race (storage.ErrRelayExists);
// none of them are fatal to the agent.
func (r *Registrar) Register(ctx context.Context, address, label string) (Outcome, error) {
	log := logger.New("registration").With(zap.String("relay_address", address))

	existing, err := r.Directory.FindRelay(ctx, address)
	if err != nil {
		return OutcomeFailed, err
	}
	if existing != nil {
		log.Info("Relay already registered", zap.Time("created_at", existing.CreatedAt))
		return OutcomeExisting, nil
	}

	if err := r.Directory.InsertRelay(ctx, models.RelayRecord{Address: address, Label: label}); err != nil {
		if stderrors.Is(err, storage.ErrRelayExists) {
			log.Debug("Lost registration race to another writer")
		}
		return OutcomeFailed, err
	}
	log.Info("Registered relay", zap.String("label", label))
	return OutcomeCreated, nil
}
