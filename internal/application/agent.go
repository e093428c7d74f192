package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nigping/relay-agent/internal/applier"
	"github.com/nigping/relay-agent/internal/config"
	"github.com/nigping/relay-agent/internal/errors"
	"github.com/nigping/relay-agent/internal/health"
	"github.com/nigping/relay-agent/internal/identity"
	"github.com/nigping/relay-agent/internal/metrics"
	"github.com/nigping/relay-agent/internal/reconcile"
	"github.com/nigping/relay-agent/internal/registration"
	"github.com/nigping/relay-agent/internal/storage"
	"github.com/nigping/relay-agent/internal/wgconf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Phase is the agent's position in its startup sequence.
type Phase string

const (
	PhaseStart        Phase = "start"
	PhaseProvisioning Phase = "provisioning"
	PhaseRegistering  Phase = "registering"
	PhaseInitialSync  Phase = "initial_sync"
	PhaseListening    Phase = "listening"
)

// Store is the shared store as the agent uses it.
type Store interface {
	registration.Directory
	reconcile.PeerSource
	health.DatabaseInterface
	EnsureChangeTrigger(ctx context.Context, prefix string) error
	Close()
}

// ChangeFeed opens the per-relay change subscription.
type ChangeFeed interface {
	Subscribe(ctx context.Context, relayAddress string) (storage.Subscription, error)
}

// IdentityProvisioner yields the relay key pair.
type IdentityProvisioner interface {
	Ensure(ctx context.Context) (*identity.RelayIdentity, error)
	Load() (*identity.RelayIdentity, error)
}

// AddressResolver yields the relay's public address.
type AddressResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Agent is the application context: everything the startup sequence and
// the reconciliation loop share, constructed once and passed down.
type Agent struct {
	config      *config.Config
	store       Store
	feed        ChangeFeed
	provisioner IdentityProvisioner
	resolver    AddressResolver
	registrar   *registration.Registrar
	applier     *applier.Applier
	renderOpts  wgconf.Options
	server      *health.Server
	log         *zap.Logger
	startTime   time.Time

	mu           sync.RWMutex
	phase        Phase
	relayAddress string
	identity     *identity.RelayIdentity
	reconciler   *reconcile.Reconciler
	sub          storage.Subscription

	degraded  atomic.Bool
	closeOnce sync.Once
}

// New creates and configures an Agent using the AgentBuilder pattern.
func New(ctx context.Context, cfg *config.Config) (*Agent, error) {
	builder := NewAgentBuilder(cfg)

	if err := builder.BuildDB(ctx); err != nil {
		return nil, fmt.Errorf("failed building db: %w", err)
	}
	builder.BuildIdentity()
	builder.BuildRegistration()
	builder.BuildReconciler()
	if err := builder.BuildFeed(); err != nil {
		return nil, fmt.Errorf("failed building change feed: %w", err)
	}
	builder.BuildHealth()

	agent, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}
	return agent, nil
}

// Run serves the health endpoint alongside Start until ctx ends or Start
// fails fatally, then releases the store.
func (a *Agent) Run(ctx context.Context) error {
	defer a.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	if a.server != nil {
		g.Go(func() error {
			// a dead health listener does not stop the relay from serving
			if err := a.server.Run(gctx); err != nil {
				a.log.Error("Health endpoint failed", zap.Error(err))
			}
			return nil
		})
	}
	g.Go(func() error {
		return a.Start(gctx)
	})
	return g.Wait()
}

// Start runs the startup sequence and then consumes change events until
// ctx ends. Only identity and address failures are returned; everything
// later is logged and the previous configuration stays in effect.
func (a *Agent) Start(ctx context.Context) error {
	if a.feed == nil {
		return errors.New(errors.ErrorTypeInternal, "NO_CHANGE_FEED", "change feed was not built")
	}

	a.setPhase(PhaseProvisioning)
	id, err := a.provisioner.Ensure(ctx)
	if err != nil {
		a.log.Error("Cannot provision relay identity", zap.Error(err))
		return err
	}

	a.setPhase(PhaseRegistering)
	address, err := a.resolver.Resolve(ctx)
	if err != nil {
		a.log.Error("Cannot resolve relay address", zap.Error(err))
		return err
	}
	log := a.log.With(zap.String("relay_address", address))

	outcome, err := a.registrar.Register(ctx, address, a.config.Agent.Label)
	if err != nil {
		log.Error("Self-registration failed, continuing",
			zap.String("outcome", string(outcome)),
			zap.Error(err))
	}

	if a.config.Database.InstallTrigger {
		if err := a.store.EnsureChangeTrigger(ctx, a.config.Database.Channel); err != nil {
			log.Warn("Could not install change trigger; the feed relies on an existing one", zap.Error(err))
		}
	}

	rec := reconcile.New(a.store, a.applier, *id, address, a.renderOpts)
	a.mu.Lock()
	a.identity = id
	a.relayAddress = address
	a.reconciler = rec
	a.mu.Unlock()

	a.setPhase(PhaseInitialSync)
	_, syncErr := rec.Reconcile(ctx, metrics.TriggerInitial)
	if syncErr != nil {
		log.Error("Initial sync failed, continuing to listen", zap.Error(syncErr))
	}

	var wg sync.WaitGroup
	if syncErr != nil && a.config.Agent.InitialSyncRetry > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.retryInitialSync(ctx, rec, a.config.Agent.InitialSyncRetry)
		}()
	}
	defer wg.Wait()

	sub, err := a.feed.Subscribe(ctx, address)
	if err != nil {
		a.setPhase(PhaseListening)
		a.degraded.Store(true)
		log.Error("Change feed subscription failed; peer changes will not be picked up until restart",
			zap.Error(err))
		<-ctx.Done()
		return nil
	}
	defer sub.Close()

	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()

	// changes committed before LISTEN took effect produced no event
	if report, err := rec.CatchUp(ctx, metrics.TriggerResubscribe); err != nil {
		a.logReconcileFailure(log, metrics.TriggerResubscribe, err)
	} else if report.Changed {
		log.Info("Applied peer changes made while subscribing", zap.Int("peers", report.Peers))
	}

	a.setPhase(PhaseListening)
	log.Info("Listening for peer changes", zap.String("channel", sub.Channel()))

	for ev := range sub.Events() {
		trigger := metrics.TriggerEvent
		if ev.Kind == storage.EventResubscribed {
			trigger = metrics.TriggerResubscribe
		}
		log.Debug("Change event",
			zap.String("kind", string(ev.Kind)),
			zap.String("peer_id", ev.PeerID))

		if _, err := rec.Reconcile(ctx, trigger); err != nil {
			if ctx.Err() != nil {
				break
			}
			a.logReconcileFailure(log, trigger, err)
		}
	}
	return nil
}

func (a *Agent) logReconcileFailure(log *zap.Logger, trigger string, err error) {
	log.Error("Reconciliation failed, previous configuration retained",
		zap.String("trigger", trigger),
		zap.Bool("recoverable", errors.IsRecoverable(err)),
		zap.Error(err))
}

// retryInitialSync re-runs the pass every interval until one succeeds.
func (a *Agent) retryInitialSync(ctx context.Context, rec *reconcile.Reconciler, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if rec.Status().Synced() {
			return
		}
		if _, err := rec.Reconcile(ctx, metrics.TriggerRetry); err != nil {
			a.log.Warn("Initial sync retry failed",
				zap.Int("attempt", attempt),
				zap.Duration("interval", interval),
				zap.Error(err))
			continue
		}
		return
	}
}

// Preview renders what a pass would apply right now without touching the
// interface or generating keys.
func (a *Agent) Preview(ctx context.Context) (wgconf.Result, error) {
	id, err := a.provisioner.Load()
	if err != nil {
		return wgconf.Result{}, err
	}
	address, err := a.resolver.Resolve(ctx)
	if err != nil {
		return wgconf.Result{}, err
	}
	return reconcile.New(a.store, a.applier, *id, address, a.renderOpts).Preview(ctx)
}

// Shutdown releases the store. It is safe to call more than once.
func (a *Agent) Shutdown() {
	a.closeOnce.Do(func() {
		a.log.Info("Initiating graceful shutdown...")
		if a.store != nil {
			a.store.Close()
		}
		a.log.Info("Agent shutdown completed")
	})
}

func (a *Agent) setPhase(p Phase) {
	a.mu.Lock()
	a.phase = p
	a.mu.Unlock()
	a.log.Debug("Agent phase", zap.String("phase", string(p)))
}
