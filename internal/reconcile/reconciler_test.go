package reconcile

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nigping/relay-agent/internal/applier"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/identity"
	"github.com/nigping/relay-agent/internal/models"
	"github.com/nigping/relay-agent/internal/wgconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type fakeSource struct {
	mu    sync.Mutex
	peers []models.PeerRecord
	err   error
	reads int
}

func (s *fakeSource) ActivePeers(_ context.Context, _ string) ([]models.PeerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.err != nil {
		return nil, s.err
	}
	return append([]models.PeerRecord(nil), s.peers...), nil
}

func (s *fakeSource) set(peers []models.PeerRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers, s.err = peers, err
}

type fakeApplier struct {
	mu       sync.Mutex
	texts    []string
	inFlight atomic.Int32
	overlap  atomic.Bool
	delay    time.Duration
	err      error
}

func (a *fakeApplier) Apply(_ context.Context, text string) (applier.Method, error) {
	if a.inFlight.Add(1) > 1 {
		a.overlap.Store(true)
	}
	defer a.inFlight.Add(-1)
	time.Sleep(a.delay)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return applier.MethodNone, a.err
	}
	a.texts = append(a.texts, text)
	return applier.MethodHotReload, nil
}

func (a *fakeApplier) applied() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func relayIdentity(t *testing.T) identity.RelayIdentity {
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return identity.RelayIdentity{PrivateKey: key.String(), PublicKey: key.PublicKey().String()}
}

func peer(t *testing.T, id, addr string) models.PeerRecord {
	key, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	return models.PeerRecord{
		ID:            id,
		UserID:        "user-" + id,
		RelayAddress:  "203.0.113.7",
		PublicKey:     key.PublicKey().String(),
		TunnelAddress: addr,
		Active:        true,
		CreatedAt:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestReconcileAppliesRenderedPeers(t *testing.T) {
	src := &fakeSource{peers: []models.PeerRecord{peer(t, "a", "10.0.0.5")}}
	app := &fakeApplier{}
	r := New(src, app, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	report, err := r.Reconcile(context.Background(), "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Peers)
	assert.Equal(t, applier.MethodHotReload, report.Method)
	assert.True(t, report.Changed)

	texts := app.applied()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "AllowedIPs = 10.0.0.5/32")

	status := r.Status()
	assert.True(t, status.Synced())
	assert.Equal(t, int64(1), status.Passes)
	assert.Equal(t, 1, status.ActivePeers)
	assert.NotEmpty(t, status.ConfigHash)

	report, err = r.Reconcile(context.Background(), "event")
	require.NoError(t, err)
	assert.False(t, report.Changed, "same peer set renders the same file")
	assert.Equal(t, texts[0], app.applied()[1])
}

func TestCatchUpAppliesOnlyChanges(t *testing.T) {
	src := &fakeSource{peers: []models.PeerRecord{peer(t, "a", "10.0.0.5")}}
	app := &fakeApplier{}
	r := New(src, app, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	_, err := r.Reconcile(context.Background(), "initial")
	require.NoError(t, err)

	report, err := r.CatchUp(context.Background(), "resubscribe")
	require.NoError(t, err)
	assert.False(t, report.Changed)
	assert.Equal(t, applier.MethodNone, report.Method)
	assert.Len(t, app.applied(), 1, "unchanged set is not re-applied")
	assert.Equal(t, int64(1), r.Status().Passes)
	assert.Equal(t, 2, src.reads)

	src.set([]models.PeerRecord{peer(t, "a", "10.0.0.5"), peer(t, "b", "10.0.0.6")}, nil)
	report, err = r.CatchUp(context.Background(), "resubscribe")
	require.NoError(t, err)
	assert.True(t, report.Changed)
	require.Len(t, app.applied(), 2)
	assert.Contains(t, app.applied()[1], "AllowedIPs = 10.0.0.6/32")
	assert.Equal(t, int64(2), r.Status().Passes)
}

func TestReconcileFetchFailureKeepsPreviousConfig(t *testing.T) {
	src := &fakeSource{peers: []models.PeerRecord{peer(t, "a", "10.0.0.5")}}
	app := &fakeApplier{}
	r := New(src, app, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	_, err := r.Reconcile(context.Background(), "initial")
	require.NoError(t, err)
	good := r.Status()

	src.set(nil, stderrors.New("connection reset by peer"))
	_, err = r.Reconcile(context.Background(), "event")
	require.Error(t, err)

	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "PEER_FETCH_FAILED", appErr.Code)
	assert.Len(t, app.applied(), 1, "no apply with missing data")

	status := r.Status()
	assert.Equal(t, good.LastSuccess, status.LastSuccess)
	assert.Equal(t, good.ConfigHash, status.ConfigHash)
	assert.Contains(t, status.LastError, "connection reset")
	assert.Equal(t, int64(1), status.Failures)
}

func TestReconcileApplyFailure(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{err: stderrors.New("wg-quick up failed")}
	r := New(src, app, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	_, err := r.Reconcile(context.Background(), "initial")
	require.Error(t, err)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrorTypeApply, appErr.Type)
	assert.False(t, r.Status().Synced())
}

func TestReconcileSkipsMalformedPeers(t *testing.T) {
	bad := peer(t, "b", "10.0.0.6")
	bad.PublicKey = ""
	src := &fakeSource{peers: []models.PeerRecord{peer(t, "a", "10.0.0.5"), bad}}
	r := New(src, &fakeApplier{}, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	report, err := r.Reconcile(context.Background(), "initial")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Peers)
	assert.Equal(t, 1, report.Skipped)
}

// Two rapid triggers give exactly two whole, non-overlapping passes.
func TestReconcileIsolation(t *testing.T) {
	src := &fakeSource{}
	app := &fakeApplier{delay: 50 * time.Millisecond}
	r := New(src, app, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	peers := make([]models.PeerRecord, 0, 10)
	for i := 0; i < 10; i++ {
		peers = append(peers, peer(t, fmt.Sprintf("p%d", i), fmt.Sprintf("10.0.0.%d", i+2)))
	}
	src.set(peers, nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Reconcile(context.Background(), "event")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	texts := app.applied()
	require.Len(t, texts, 2)
	assert.False(t, app.overlap.Load(), "applies must never overlap")
	for _, text := range texts {
		assert.Equal(t, 10, strings.Count(text, "[Peer]"), "each pass sees the whole set")
	}
	assert.Equal(t, 2, src.reads)
	assert.Equal(t, int64(2), r.Status().Passes)
}

func TestPreviewDoesNotApply(t *testing.T) {
	src := &fakeSource{peers: []models.PeerRecord{peer(t, "a", "10.0.0.5")}}
	app := &fakeApplier{}
	r := New(src, app, relayIdentity(t), "203.0.113.7", wgconf.DefaultOptions())

	res, err := r.Preview(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Rendered, 1)
	assert.Empty(t, app.applied())
	assert.Zero(t, r.Status().Passes)
}
