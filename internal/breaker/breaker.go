// Package breaker implements a circuit breaker guarding calls to the authorization service. State is persisted in
// the shared cache so horizontally scaled replicas converge on the same view; when the cache is unavailable the
// breaker degrades to per-replica in-memory state.
package breaker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/orgchat/chatcore/internal/cache"
)

// State is one of the three breaker states.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// stateKey is the fixed shared-cache key the breaker's state is persisted under.
const stateKey = "auth:circuit_breaker"

// Config bounds the breaker's transition behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips closed -> open.
	FailureThreshold int
	// CoolDown is how long the breaker stays open before allowing a half-open probe.
	CoolDown time.Duration
	// HalfOpenMaxProbes bounds how many concurrent calls are allowed through while half-open.
	HalfOpenMaxProbes int
}

// snapshot is the JSON representation persisted to the cache.
type snapshot struct {
	State          State     `json:"state"`
	Failures       int       `json:"failures"`
	LastFailure    time.Time `json:"last_failure"`
	HalfOpenProbes int       `json:"half_open_probes"`
}

func (s snapshot) encode() string {
	b, _ := json.Marshal(s)
	return string(b)
}

func decodeSnapshot(raw string) (snapshot, bool) {
	var s snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return snapshot{}, false
	}
	return s, true
}

// Breaker is the shared-state circuit breaker. It is safe for concurrent use; a process-local mutex serializes the
// read-decide-write cycle against the cache so two goroutines in the same replica never race on the transition,
// though the cache round trip itself is not compare-and-swap, so the guarantee across replicas is best-effort.
type Breaker struct {
	cache    cache.Cache
	cfg      Config
	log      zerolog.Logger
	mu       sync.Mutex
	local    snapshot
	hasCache bool
}

// New creates a Breaker backed by the given cache. c may be nil, in which case the breaker runs purely in-memory.
func New(c cache.Cache, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = 3
	}
	return &Breaker{
		cache:    c,
		cfg:      cfg,
		log:      zerolog.Nop(),
		local:    snapshot{State: StateClosed},
		hasCache: c != nil,
	}
}

// WithLogger attaches a logger used for state-transition records.
func (b *Breaker) WithLogger(logger zerolog.Logger) *Breaker {
	b.log = logger
	return b
}

func (b *Breaker) load(ctx context.Context) snapshot {
	if !b.hasCache {
		return b.local
	}
	raw, ok := b.cache.Get(ctx, stateKey)
	if !ok {
		return snapshot{State: StateClosed}
	}
	s, ok := decodeSnapshot(raw)
	if !ok {
		return snapshot{State: StateClosed}
	}
	return s
}

func (b *Breaker) save(ctx context.Context, s snapshot) {
	b.local = s
	if !b.hasCache {
		return
	}
	// The breaker's own state must outlive any single request, so it is stored with no expiry beyond an
	// intentionally long TTL rather than tied to request-scoped cache entries.
	if ok := b.cache.Set(ctx, stateKey, s.encode(), 24*time.Hour); !ok {
		b.log.Warn().Msg("circuit breaker state write failed, local replica view may diverge")
	}
}

// Allow reports whether a call to the guarded resource should be attempted, and performs any state transition the
// decision implies (open -> half-open on cooldown expiry). The caller must report the outcome via RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow(ctx context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.load(ctx)

	switch s.State {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(s.LastFailure) >= b.cfg.CoolDown {
			s.State = StateHalfOpen
			s.HalfOpenProbes = 1
			b.save(ctx, s)
			b.log.Info().Msg("circuit breaker half-open after cooldown")
			return true
		}
		return false

	case StateHalfOpen:
		if s.HalfOpenProbes < b.cfg.HalfOpenMaxProbes {
			s.HalfOpenProbes++
			b.save(ctx, s)
			return true
		}
		return false

	default:
		return true
	}
}

// RecordSuccess reports a successful call. A success while half-open closes the breaker and resets the failure
// counter; a success while closed is a no-op.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.load(ctx)
	switch s.State {
	case StateHalfOpen:
		s.State = StateClosed
		s.Failures = 0
		s.HalfOpenProbes = 0
		b.save(ctx, s)
		b.log.Info().Msg("circuit breaker closed after half-open success")
	case StateClosed:
		if s.Failures != 0 {
			s.Failures = 0
			b.save(ctx, s)
		}
	}
}

// RecordFailure reports a failed call. Failures while closed accumulate toward the threshold; any failure while
// half-open reopens the breaker immediately.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.load(ctx)
	s.LastFailure = time.Now()

	switch s.State {
	case StateClosed:
		s.Failures++
		if s.Failures >= b.cfg.FailureThreshold {
			s.State = StateOpen
			b.log.Warn().Int("failures", s.Failures).Msg("circuit breaker opened")
		}
		b.save(ctx, s)

	case StateHalfOpen:
		s.State = StateOpen
		s.HalfOpenProbes = 0
		b.save(ctx, s)
		b.log.Warn().Msg("circuit breaker reopened after half-open failure")

	default:
		b.save(ctx, s)
	}
}

// CurrentState returns the breaker's current state without mutating it, for metrics and health reporting.
func (b *Breaker) CurrentState(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.load(ctx).State
}
