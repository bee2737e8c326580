// Package manager composes the credential store, the interactive
// authorization flow, and the background refresh scheduler behind a
// single façade. Collaborators call GetValidToken and never touch
// storage or networking directly.
package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codechat/credman/internal/autherr"
	"github.com/codechat/credman/internal/authflow"
	"github.com/codechat/credman/internal/config"
	"github.com/codechat/credman/internal/logger"
	"github.com/codechat/credman/internal/scheduler"
	"github.com/codechat/credman/internal/store"
)

// Flow is the authorization capability the manager drives. Satisfied by
// *authflow.Flow; tests substitute a scripted double.
type Flow interface {
	Authenticate(ctx context.Context, provider string, cfg *config.FlowConfig) (*store.CredentialRecord, error)
	Refresh(ctx context.Context, provider string, rec store.CredentialRecord, cfg *config.FlowConfig) (*store.CredentialRecord, error)
}

// Config carries the manager's collaborators. Store is required; every
// other field has a production default.
type Config struct {
	Store store.Store
	Flow  Flow

	// Clock is handed to the refresh scheduler so tests can drive
	// virtual time.
	Clock scheduler.Clock

	// Margin is how long before expiry a token counts as expiring
	// soon, for both the proactive scheduler and the on-demand
	// refresh decision in GetValidToken.
	Margin time.Duration

	BackoffBase time.Duration
	MaxRetries  int

	Now func() time.Time
}

// Manager is the sole entry point for credential consumers.
type Manager struct {
	store  store.Store
	flow   Flow
	sched  *scheduler.Scheduler
	now    func() time.Time
	margin time.Duration

	mu sync.Mutex
	// configs remembers the flow config last supplied per provider so
	// the scheduler can run refreshes without a caller on the stack.
	configs map[string]*config.FlowConfig
	// needsReauth marks providers whose scheduled refreshes were
	// exhausted; only a fresh interactive flow clears the mark.
	needsReauth map[string]bool
}

// ProviderStatus is the presentation-layer projection of one stored
// credential.
type ProviderStatus struct {
	Provider    string
	Remaining   string
	HasRefresh  bool
	NeedsReauth bool
}

func New(cfg Config) *Manager {
	if cfg.Store == nil {
		panic("manager: Config.Store is required")
	}
	if cfg.Flow == nil {
		cfg.Flow = authflow.New(authflow.Config{Store: cfg.Store})
	}
	if cfg.Margin <= 0 {
		cfg.Margin = scheduler.DefaultMargin
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Manager{
		store:       cfg.Store,
		flow:        cfg.Flow,
		now:         cfg.Now,
		margin:      cfg.Margin,
		configs:     make(map[string]*config.FlowConfig),
		needsReauth: make(map[string]bool),
	}
	m.sched = scheduler.New(scheduler.Config{
		Clock:       cfg.Clock,
		Refresh:     m.scheduledRefresh,
		OnExhausted: m.refreshExhausted,
		Margin:      cfg.Margin,
		BackoffBase: cfg.BackoffBase,
		MaxRetries:  cfg.MaxRetries,
	})
	return m
}

// GetValidToken returns an access token for provider that is usable
// right now, driving a refresh or a full interactive flow as needed.
// flowCfg may be nil when a previous call for the same provider
// supplied one; with no record and no config the call fails with
// ConfigurationError.
func (m *Manager) GetValidToken(ctx context.Context, provider string, flowCfg *config.FlowConfig) (string, error) {
	flowCfg = m.rememberConfig(provider, flowCfg)
	log := logger.Get()

	rec := m.store.Load(provider)
	now := m.now()

	switch {
	case rec == nil:
		if flowCfg == nil {
			return "", &autherr.ConfigurationError{Provider: provider, Reason: "no stored credential and no flow configuration"}
		}
		return m.interactive(ctx, provider, flowCfg)

	case m.reauthRequired(provider):
		if flowCfg == nil {
			return "", &autherr.ConfigurationError{Provider: provider, Reason: "re-authentication required and no flow configuration"}
		}
		log.Info().Str("provider", provider).Msg("re-authentication required, starting interactive flow")
		return m.interactive(ctx, provider, flowCfg)

	case !rec.ExpiringSoon(now, m.margin):
		// Plenty of lifetime left (or no expiry at all): hand it back
		// with zero network calls.
		m.sched.Arm(*rec)
		return rec.AccessToken, nil

	case rec.RefreshToken != "" && flowCfg != nil:
		fresh, err := m.flow.Refresh(ctx, provider, *rec, flowCfg)
		if err == nil {
			m.clearReauth(provider)
			m.sched.Arm(*fresh)
			return fresh.AccessToken, nil
		}
		if !rec.Expired(now) {
			// The current token still works; let the scheduler keep
			// retrying in the background.
			log.Warn().Err(err).Str("provider", provider).Msg("refresh failed, returning still-valid token")
			m.sched.Arm(*rec)
			return rec.AccessToken, nil
		}
		log.Warn().Err(err).Str("provider", provider).Msg("refresh of expired token failed, falling back to interactive flow")
		return m.interactive(ctx, provider, flowCfg)

	case rec.RefreshToken != "":
		// Refreshable but no config in hand to reach the token
		// endpoint. Use the current token while it lasts.
		if !rec.Expired(now) {
			return rec.AccessToken, nil
		}
		return "", &autherr.ConfigurationError{Provider: provider, Reason: "token expired and no flow configuration to refresh it"}

	case rec.Expired(now):
		if flowCfg == nil {
			return "", &autherr.ConfigurationError{Provider: provider, Reason: "token expired and no flow configuration"}
		}
		return m.interactive(ctx, provider, flowCfg)

	default:
		// Inside the margin but not yet expired, with no refresh
		// token: the token is still accepted upstream, use it while
		// it lasts.
		return rec.AccessToken, nil
	}
}

// Authenticate forces a full interactive flow for provider regardless
// of any stored record, replacing whatever was persisted.
func (m *Manager) Authenticate(ctx context.Context, provider string, flowCfg *config.FlowConfig) (*store.CredentialRecord, error) {
	flowCfg = m.rememberConfig(provider, flowCfg)
	if flowCfg == nil {
		return nil, &autherr.ConfigurationError{Provider: provider, Reason: "no flow configuration"}
	}
	return m.interactiveReplacing(ctx, provider, flowCfg)
}

// Revoke disarms any pending refresh and removes the stored record.
func (m *Manager) Revoke(provider string) error {
	m.sched.Disarm(provider)
	m.clearReauth(provider)
	return m.store.Revoke(provider)
}

// Clear revokes every stored credential.
func (m *Manager) Clear() error {
	for provider := range m.store.All() {
		m.sched.Disarm(provider)
		m.clearReauth(provider)
	}
	return m.store.Clear()
}

// List reports the stored credentials for presentation, sorted by
// provider id.
func (m *Manager) List() []ProviderStatus {
	now := m.now()
	var statuses []ProviderStatus
	for provider, rec := range m.store.All() {
		statuses = append(statuses, ProviderStatus{
			Provider:    provider,
			Remaining:   remaining(&rec, now),
			HasRefresh:  rec.RefreshToken != "",
			NeedsReauth: m.reauthRequired(provider),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Provider < statuses[j].Provider })
	return statuses
}

// Close stops the refresh scheduler. The store itself holds no
// background resources.
func (m *Manager) Close() {
	m.sched.Stop()
}

func (m *Manager) interactive(ctx context.Context, provider string, flowCfg *config.FlowConfig) (string, error) {
	rec, err := m.interactiveReplacing(ctx, provider, flowCfg)
	if err != nil {
		return "", err
	}
	return rec.AccessToken, nil
}

// interactiveReplacing runs a full interactive flow in place of whatever
// record is stored. The old record is taken out first so the flow cannot
// short-circuit onto it, and put back if the flow fails: a failed login
// must not destroy a credential that may still be recoverable.
func (m *Manager) interactiveReplacing(ctx context.Context, provider string, flowCfg *config.FlowConfig) (*store.CredentialRecord, error) {
	old := m.store.Load(provider)
	if old != nil {
		if err := m.store.Revoke(provider); err != nil {
			return nil, err
		}
	}

	rec, err := m.flow.Authenticate(ctx, provider, flowCfg)
	if err != nil {
		if old != nil {
			if saveErr := m.store.Save(*old); saveErr != nil {
				logger.Get().Error().Err(saveErr).Str("provider", provider).Msg("could not restore credential after failed login")
			}
		}
		return nil, err
	}

	m.clearReauth(provider)
	m.sched.Arm(*rec)
	return rec, nil
}

// scheduledRefresh is the scheduler's refresh callback. It requires a
// previously remembered flow config; a provider armed without one can
// only be refreshed on demand.
func (m *Manager) scheduledRefresh(ctx context.Context, provider string, rec store.CredentialRecord) (*store.CredentialRecord, error) {
	m.mu.Lock()
	flowCfg := m.configs[provider]
	m.mu.Unlock()
	if flowCfg == nil {
		return nil, &autherr.ConfigurationError{Provider: provider, Reason: "no flow configuration for scheduled refresh"}
	}

	fresh, err := m.flow.Refresh(ctx, provider, rec, flowCfg)
	if err != nil {
		return nil, err
	}
	if !m.sched.Pending(provider) {
		// The provider was revoked while the refresh was in flight; the
		// refresh persisted a record for it again, take that back out.
		if rerr := m.store.Revoke(provider); rerr != nil {
			return nil, rerr
		}
		return nil, fmt.Errorf("provider %q was revoked during refresh", provider)
	}
	return fresh, nil
}

func (m *Manager) refreshExhausted(provider string, err error) {
	logger.Get().Error().Err(err).Str("provider", provider).Msg("background refresh gave up, manual re-authentication required")
	m.mu.Lock()
	m.needsReauth[provider] = true
	m.mu.Unlock()
}

// rememberConfig caches a non-nil config for provider and returns the
// effective config (the supplied one, or the last one seen).
func (m *Manager) rememberConfig(provider string, flowCfg *config.FlowConfig) *config.FlowConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if flowCfg != nil {
		m.configs[provider] = flowCfg
		return flowCfg
	}
	return m.configs[provider]
}

func (m *Manager) reauthRequired(provider string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.needsReauth[provider]
}

func (m *Manager) clearReauth(provider string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.needsReauth, provider)
}

func remaining(rec *store.CredentialRecord, now time.Time) string {
	if !rec.HasExpiry() {
		return "no expiry"
	}
	if rec.Expired(now) {
		return "expired"
	}
	return fmt.Sprintf("%s remaining", rec.ExpiresAt.Sub(now).Round(time.Second))
}
