package application

import (
	"context"
	"fmt"
	"time"

	"github.com/nigping/relay-agent/internal/applier"
	"github.com/nigping/relay-agent/internal/config"
	"github.com/nigping/relay-agent/internal/health"
	"github.com/nigping/relay-agent/internal/identity"
	"github.com/nigping/relay-agent/internal/limiter"
	"github.com/nigping/relay-agent/internal/logger"
	"github.com/nigping/relay-agent/internal/registration"
	"github.com/nigping/relay-agent/internal/storage"
	"github.com/nigping/relay-agent/internal/wgconf"
	"github.com/nigping/relay-agent/internal/wgtool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AgentBuilder is used to incrementally construct an Agent instance.
// Collaborators set through the With* methods are kept as is, so tests
// can swap the store, the change feed and the tool runner for fakes.
type AgentBuilder struct {
	config *config.Config
	log    *zap.Logger

	db          *storage.DB
	store       Store
	feed        ChangeFeed
	runner      wgtool.Runner
	tool        *wgtool.Tool
	provisioner IdentityProvisioner
	resolver    AddressResolver
	registrar   *registration.Registrar
	applier     *applier.Applier
	renderOpts  wgconf.Options
	rateLimiter *limiter.IPRateLimiter
	withHealth  bool
}

// NewAgentBuilder returns a builder for cfg.
func NewAgentBuilder(cfg *config.Config) *AgentBuilder {
	return &AgentBuilder{
		config: cfg,
		log:    logger.New("agent"),
	}
}

func (b *AgentBuilder) WithStore(s Store) *AgentBuilder              { b.store = s; return b }
func (b *AgentBuilder) WithFeed(f ChangeFeed) *AgentBuilder          { b.feed = f; return b }
func (b *AgentBuilder) WithRunner(r wgtool.Runner) *AgentBuilder     { b.runner = r; return b }
func (b *AgentBuilder) WithResolver(r AddressResolver) *AgentBuilder { b.resolver = r; return b }
func (b *AgentBuilder) WithLogger(l *zap.Logger) *AgentBuilder       { b.log = l; return b }

// BuildDB connects to the shared store.
func (b *AgentBuilder) BuildDB(ctx context.Context) error {
	if b.store != nil {
		return nil
	}
	db, err := storage.InitDB(ctx, storage.Options{
		URL:          b.config.Database.URL,
		Credential:   b.config.Database.Credential,
		MaxConns:     b.config.Database.MaxConnections,
		QueryTimeout: b.config.Timeouts.Query,
	})
	if err != nil {
		return err
	}
	b.db = db
	b.store = db
	return nil
}

// BuildIdentity prepares the key provisioner and the tool runner it shares
// with the applier.
func (b *AgentBuilder) BuildIdentity() {
	if b.runner == nil {
		b.runner = &wgtool.ExecRunner{Timeout: b.config.Timeouts.Command}
	}
	b.tool = wgtool.New(b.runner)
	if b.provisioner == nil {
		b.provisioner = identity.NewProvisioner(b.config.Agent.KeyDir, b.tool)
	}
}

// BuildRegistration sets up address resolution and the directory writer.
func (b *AgentBuilder) BuildRegistration() {
	if b.resolver == nil {
		b.resolver = &registration.Resolver{
			Override: b.config.Agent.PublicAddress,
			EchoURL:  b.config.Agent.IPEchoURL,
			Timeout:  b.config.Timeouts.Resolve,
		}
	}
	b.registrar = &registration.Registrar{Directory: b.store}
}

// BuildReconciler prepares the applier and the fixed render parameters.
// The reconciler itself needs the identity and address, which Start
// determines.
func (b *AgentBuilder) BuildReconciler() {
	b.applier = applier.New(b.tool, b.config.Agent.ConfigDir, b.config.Agent.Interface)
	b.renderOpts = wgconf.Options{
		ListenPort:      b.config.Agent.ListenPort,
		Address:         b.config.Agent.TunnelAddress,
		EgressInterface: b.config.Agent.EgressInterface,
	}
}

// BuildFeed opens the change feed on the store's connection settings.
func (b *AgentBuilder) BuildFeed() error {
	if b.feed != nil {
		return nil
	}
	if b.db == nil {
		return fmt.Errorf("change feed needs a database built with BuildDB")
	}
	b.feed = storage.NewFeed(b.db, b.config.Database.Channel, b.config.Timeouts.Subscribe)
	return nil
}

// BuildHealth enables the health listener and its rate limiter.
func (b *AgentBuilder) BuildHealth() {
	b.rateLimiter = limiter.NewIPRateLimiter(rate.Limit(b.config.Health.RateLimit), b.config.Health.Burst)
	b.withHealth = true
}

// Build finalizes the agent construction.
func (b *AgentBuilder) Build() (*Agent, error) {
	if b.store == nil {
		return nil, fmt.Errorf("database must be built before calling Build()")
	}
	if b.provisioner == nil || b.tool == nil {
		return nil, fmt.Errorf("identity must be built before calling Build()")
	}
	if b.resolver == nil || b.registrar == nil {
		return nil, fmt.Errorf("registration must be built before calling Build()")
	}
	if b.applier == nil {
		return nil, fmt.Errorf("reconciler must be built before calling Build()")
	}

	agent := &Agent{
		config:      b.config,
		store:       b.store,
		feed:        b.feed,
		provisioner: b.provisioner,
		resolver:    b.resolver,
		registrar:   b.registrar,
		applier:     b.applier,
		renderOpts:  b.renderOpts,
		log:         b.log,
		phase:       PhaseStart,
		startTime:   time.Now(),
	}
	if b.withHealth {
		checker := health.NewHealthChecker(b.store, agent, b.log, config.Version)
		handler := health.NewHandler(checker, b.rateLimiter, b.config.Metrics.Enabled)
		agent.server = health.NewServer(b.config.Health.Addr, handler, b.rateLimiter, b.log)
	}

	b.log.Debug("Agent initialized successfully via builder",
		zap.String("interface", b.config.Agent.Interface),
		zap.Bool("health", b.withHealth))
	return agent, nil
}
