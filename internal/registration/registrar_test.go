package registration

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/models"
	"github.com/nigping/relay-agent/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDirectory struct {
	mu        sync.Mutex
	relays    map[string]models.RelayRecord
	findErr   error
	insertErr error
	inserts   int
}

func newMemDirectory() *memDirectory {
	return &memDirectory{relays: make(map[string]models.RelayRecord)}
}

func (d *memDirectory) FindRelay(_ context.Context, address string) (*models.RelayRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.findErr != nil {
		return nil, d.findErr
	}
	rec, ok := d.relays[address]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (d *memDirectory) InsertRelay(_ context.Context, rec models.RelayRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inserts++
	if d.insertErr != nil {
		return d.insertErr
	}
	if _, ok := d.relays[rec.Address]; ok {
		return storage.ErrRelayExists
	}
	d.relays[rec.Address] = rec
	return nil
}

func TestRegisterIsIdempotent(t *testing.T) {
	dir := newMemDirectory()
	r := &Registrar{Directory: dir}

	outcome, err := r.Register(context.Background(), "203.0.113.7", "fra-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	outcome, err = r.Register(context.Background(), "203.0.113.7", "fra-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeExisting, outcome)

	assert.Len(t, dir.relays, 1)
	assert.Equal(t, 1, dir.inserts)
	assert.Equal(t, "fra-1", dir.relays["203.0.113.7"].Label)
}

func TestRegisterLostRaceIsNotFatal(t *testing.T) {
	dir := newMemDirectory()
	dir.insertErr = storage.ErrRelayExists

	outcome, err := (&Registrar{Directory: dir}).Register(context.Background(), "203.0.113.7", "fra-1")
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, storage.ErrRelayExists)
	assert.False(t, errors.IsFatal(err))
}

func TestRegisterStoreFailuresAreNotFatal(t *testing.T) {
	dir := newMemDirectory()
	dir.findErr = errors.DatabaseError("find relay", stderrors.New("connection reset"))

	outcome, err := (&Registrar{Directory: dir}).Register(context.Background(), "203.0.113.7", "")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, errors.IsFatal(err))
	assert.Zero(t, dir.inserts)

	dir.findErr = nil
	dir.insertErr = errors.DatabaseError("insert relay", stderrors.New("permission denied"))
	outcome, err = (&Registrar{Directory: dir}).Register(context.Background(), "203.0.113.7", "")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.False(t, errors.IsFatal(err))
}
