// Package reconcile runs the fetch, render and apply pipeline that brings the
// interface in line with the peer table.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nigping/relay-agent/internal/applier"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/identity"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/metrics"
	"github.com/nigping/relay-agent/internal/models"
	"github.com/nigping/relay-agent/internal/wgconf"
	"go.uber.org/zap"
)

// PeerSource reads the active peer set for a relay.
type PeerSource interface {
	ActivePeers(ctx context.Context, relayAddress string) ([]models.PeerRecord, error)
}

// Applier loads a rendered configuration onto the interface.
type Applier interface {
	Apply(ctx context.Context, text string) (applier.Method, error)
}

// Report describes one completed pass.
type Report struct {
	Trigger  string
	Peers    int
	Skipped  int
	Method   applier.Method
	Changed  bool
	Duration time.Duration
}

// Status is the reconciler's view for the health endpoint.
type Status struct {
	Passes      int64     `json:"passes"`
	Failures    int64     `json:"failures"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ActivePeers int       `json:"active_peers"`
	LastMethod  string    `json:"last_method,omitempty"`
	ConfigHash  string    `json:"config_hash,omitempty"`
}

// Synced reports whether any pass has ever succeeded.
func (s Status) Synced() bool {
	return !s.LastSuccess.IsZero()
}

// Reconciler serializes passes so no two applies touch the interface at
// once. Each pass reads the full peer set afresh.
type Reconciler struct {
	source       PeerSource
	applier      Applier
	identity     identity.RelayIdentity
	relayAddress string
	opts         wgconf.Options
	log          *zap.Logger

	mu sync.Mutex // held for a whole pass

	statusMu sync.RWMutex
	status   Status
}

// New returns a Reconciler for relayAddress.
func New(source PeerSource, apply Applier, id identity.RelayIdentity, relayAddress string, opts wgconf.Options) *Reconciler {
	log := logger.New("reconcile").With(zap.String("relay_address", relayAddress))
	if opts.Log == nil {
		opts.Log = log
	}
	return &Reconciler{
		source:       source,
		applier:      apply,
		identity:     id,
		relayAddress: relayAddress,
		opts:         opts,
		log:          log,
	}
}

// Reconcile runs one full pass. A fetch failure returns before anything is
// rendered, so the previously applied configuration stays in effect.
func (r *Reconciler) Reconcile(ctx context.Context, trigger string) (Report, error) {
	return r.pass(ctx, trigger, true)
}

// CatchUp fetches and renders like Reconcile but only applies when the
// result differs from the last applied configuration. It closes the gap
// between a pass and the moment the change feed starts listening.
func (r *Reconciler) CatchUp(ctx context.Context, trigger string) (Report, error) {
	return r.pass(ctx, trigger, false)
}

func (r *Reconciler) pass(ctx context.Context, trigger string, force bool) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	report := Report{Trigger: trigger}

	peers, err := r.source.ActivePeers(ctx, r.relayAddress)
	if err != nil {
		err = errors.FetchError(r.relayAddress, err)
		return r.fail(report, start, err)
	}

	wgconf.SortPeers(peers)
	res := wgconf.Render(r.identity, peers, r.opts)
	report.Peers = len(res.Rendered)
	report.Skipped = len(res.Skipped)
	if report.Skipped > 0 {
		metrics.SkippedPeers.Add(float64(report.Skipped))
	}

	hash := configHash(res.Text)
	report.Changed = hash != r.currentHash()
	if !force && !report.Changed {
		report.Method = applier.MethodNone
		report.Duration = time.Since(start)
		r.log.Debug("Configuration unchanged, nothing to apply",
			zap.String("trigger", trigger),
			zap.Int("peers", report.Peers))
		return report, nil
	}

	method, err := r.applier.Apply(ctx, res.Text)
	if err != nil {
		if _, ok := errors.As(err); !ok {
			err = errors.ApplyError("interface", err)
		}
		return r.fail(report, start, err)
	}
	report.Method = method
	report.Duration = time.Since(start)

	r.statusMu.Lock()
	r.status.Passes++
	r.status.LastAttempt = start
	r.status.LastSuccess = time.Now()
	r.status.LastError = ""
	r.status.ActivePeers = report.Peers
	r.status.LastMethod = string(method)
	r.status.ConfigHash = hash
	r.statusMu.Unlock()

	metrics.ActivePeers.Set(float64(report.Peers))
	metrics.ObserveReconcile(trigger, true, report.Duration.Seconds())
	r.log.Info("Reconciled",
		zap.String("trigger", trigger),
		zap.Int("peers", report.Peers),
		zap.Int("skipped", report.Skipped),
		zap.String("method", string(method)),
		zap.Bool("changed", report.Changed),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (r *Reconciler) fail(report Report, start time.Time, err error) (Report, error) {
	report.Duration = time.Since(start)

	r.statusMu.Lock()
	r.status.Passes++
	r.status.Failures++
	r.status.LastAttempt = start
	r.status.LastError = err.Error()
	r.statusMu.Unlock()

	metrics.ObserveReconcile(report.Trigger, false, report.Duration.Seconds())
	return report, err
}

// Preview fetches and renders without applying.
func (r *Reconciler) Preview(ctx context.Context) (wgconf.Result, error) {
	peers, err := r.source.ActivePeers(ctx, r.relayAddress)
	if err != nil {
		return wgconf.Result{}, errors.FetchError(r.relayAddress, err)
	}
	wgconf.SortPeers(peers)
	return wgconf.Render(r.identity, peers, r.opts), nil
}

// Status returns a snapshot of the pass history.
func (r *Reconciler) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

func (r *Reconciler) currentHash() string {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status.ConfigHash
}

func configHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
