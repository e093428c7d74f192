package application

import (
	"time"

	"github.com/nigping/relay-agent/internal/config"
	"github.com/nigping/relay-agent/internal/health"
	"github.com/nigping/relay-agent/internal/identity"
	"github.com/nigping/relay-agent/internal/reconcile"
	"github.com/nigping/relay-agent/internal/storage"
)

var _ health.AgentInterface = (*Agent)(nil)

// Config returns the agent's configuration.
func (a *Agent) Config() *config.Config {
	return a.config
}

// Phase returns the current startup phase as a string.
func (a *Agent) Phase() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return string(a.phase)
}

// RelayAddress is empty until the address has been resolved.
func (a *Agent) RelayAddress() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.relayAddress
}

// Identity is nil until provisioning completes.
func (a *Agent) Identity() *identity.RelayIdentity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

func (a *Agent) Interface() string {
	return a.config.Agent.Interface
}

// SubscriptionState reports the change feed state.
func (a *Agent) SubscriptionState() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.sub == nil {
		return storage.StateDisconnected.String()
	}
	return a.sub.State().String()
}

// Degraded reports whether the change feed could not be established.
func (a *Agent) Degraded() bool {
	return a.degraded.Load()
}

// SyncStatus returns the reconciliation history.
func (a *Agent) SyncStatus() reconcile.Status {
	a.mu.RLock()
	rec := a.reconciler
	a.mu.RUnlock()
	if rec == nil {
		return reconcile.Status{}
	}
	return rec.Status()
}

// StartTime returns when the agent was built.
func (a *Agent) StartTime() time.Time {
	return a.startTime
}
