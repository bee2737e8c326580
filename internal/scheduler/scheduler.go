// Package scheduler proactively refreshes credentials before they expire.
// It owns at most one live timer per provider; scheduler state is never
// persisted, urgency is re-derived from stored expiry after a restart.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/codechat/credman/internal/autherr"
	"github.com/codechat/credman/internal/logger"
	"github.com/codechat/credman/internal/store"
)

const (
	// DefaultMargin is how far before expiry a refresh is attempted.
	DefaultMargin = 5 * time.Minute

	// DefaultBackoffBase is the first retry delay; it doubles per attempt.
	DefaultBackoffBase = 30 * time.Second

	// DefaultMaxRetries caps refresh attempts before giving up loudly.
	DefaultMaxRetries = 5

	// refreshTimeout bounds a single background refresh attempt.
	refreshTimeout = time.Minute
)

// RefreshFunc performs one refresh attempt and returns the new record.
type RefreshFunc func(ctx context.Context, provider string, rec store.CredentialRecord) (*store.CredentialRecord, error)

// ExhaustedFunc is invoked once when retries for a provider run out.
type ExhaustedFunc func(provider string, err error)

// Config configures a Scheduler. Zero values get defaults.
type Config struct {
	Clock       Clock
	Refresh     RefreshFunc
	OnExhausted ExhaustedFunc
	Margin      time.Duration
	BackoffBase time.Duration
	MaxRetries  int
}

// Scheduler arms and cancels per-provider refresh timers.
type Scheduler struct {
	clock       Clock
	refresh     RefreshFunc
	onExhausted ExhaustedFunc
	margin      time.Duration
	backoffBase time.Duration
	maxRetries  int

	mu      sync.Mutex
	pending map[string]*pendingRefresh
	stopped bool
}

type pendingRefresh struct {
	timer   Timer
	rec     store.CredentialRecord
	retries int
}

// New creates a scheduler. The refresh function is required.
func New(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultMargin
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		clock:       cfg.Clock,
		refresh:     cfg.Refresh,
		onExhausted: cfg.OnExhausted,
		margin:      cfg.Margin,
		backoffBase: cfg.BackoffBase,
		maxRetries:  cfg.MaxRetries,
		pending:     make(map[string]*pendingRefresh),
	}
}

// Arm schedules one refresh attempt a margin before the record's expiry,
// immediately if already inside the margin. Records without both an expiry
// and a refresh token are not schedulable; arming such a record cancels
// any previous timer instead. Arming always replaces a prior timer for the
// same provider.
func (s *Scheduler) Arm(rec store.CredentialRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	s.disarmLocked(rec.Provider)

	if !rec.HasExpiry() || rec.RefreshToken == "" {
		return
	}

	delay := rec.ExpiresAt.Sub(s.clock.Now()) - s.margin
	if delay < 0 {
		delay = 0
	}

	provider := rec.Provider
	s.pending[provider] = &pendingRefresh{
		rec:   rec,
		timer: s.clock.AfterFunc(delay, func() { s.fire(provider) }),
	}

	logger.Get().Debug().
		Str("provider", provider).
		Dur("in", delay).
		Time("expires_at", rec.ExpiresAt).
		Msg("Scheduled token refresh")
}

// Disarm cancels a provider's pending timer, if any.
func (s *Scheduler) Disarm(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked(provider)
}

func (s *Scheduler) disarmLocked(provider string) {
	if p, ok := s.pending[provider]; ok {
		p.timer.Stop()
		delete(s.pending, provider)
	}
}

// Stop cancels every pending timer. The scheduler cannot be re-armed
// afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for provider := range s.pending {
		s.disarmLocked(provider)
	}
	s.stopped = true
}

// fire runs one refresh attempt for a provider and decides what happens
// next: re-arm on success, back off on failure, give up loudly once the
// retry budget is spent.
func (s *Scheduler) fire(provider string) {
	s.mu.Lock()
	p, ok := s.pending[provider]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	rec := p.rec
	retries := p.retries
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	newRec, err := s.refresh(ctx, provider, rec)

	s.mu.Lock()
	cur, armed := s.pending[provider]
	if !armed || cur != p || s.stopped {
		// Disarmed while the refresh was in flight (manual revoke);
		// drop the result instead of resurrecting the timer.
		s.mu.Unlock()
		logger.Get().Debug().Str("provider", provider).Msg("Discarding refresh result for disarmed provider")
		return
	}
	s.mu.Unlock()

	if err == nil {
		logger.Get().Info().
			Str("provider", provider).
			Time("expires_at", newRec.ExpiresAt).
			Msg("Background token refresh succeeded")

		s.mu.Lock()
		delete(s.pending, provider)
		s.mu.Unlock()
		// Re-arm against the new expiry with a clean retry count.
		s.Arm(*newRec)
		return
	}

	retries++
	if retries >= s.maxRetries {
		exhausted := &autherr.RefreshExhaustedError{Provider: provider, Attempts: retries, LastErr: err}
		logger.Get().Error().
			Str("provider", provider).
			Int("attempts", retries).
			Err(err).
			Msg("Token refresh retries exhausted, manual re-authentication required")

		s.mu.Lock()
		delete(s.pending, provider)
		cb := s.onExhausted
		s.mu.Unlock()

		if cb != nil {
			cb(provider, exhausted)
		}
		return
	}

	delay := s.backoffBase << (retries - 1)
	logger.Get().Warn().
		Str("provider", provider).
		Int("attempt", retries).
		Dur("retry_in", delay).
		Err(err).
		Msg("Token refresh failed, backing off")

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending[provider] = &pendingRefresh{
		rec:     rec,
		retries: retries,
		timer:   s.clock.AfterFunc(delay, func() { s.fire(provider) }),
	}
	s.mu.Unlock()
}

// Pending reports whether a provider currently has a live timer.
func (s *Scheduler) Pending(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[provider]
	return ok
}
