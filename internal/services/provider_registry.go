package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"iaboard-pipeline/internal/config"
	"iaboard-pipeline/internal/models"
	"iaboard-pipeline/internal/pkg/logger"

	"golang.org/x/time/rate"
)

const defaultFailureThreshold = 3

type ProviderSettings struct {
	Priority   int
	DailyQuota int
	Timeout    time.Duration
	// RateLimit is requests per second; zero disables limiting.
	RateLimit float64
	Burst     int
}

func SettingsFromConfig(cfg config.ProviderConfig) ProviderSettings {
	return ProviderSettings{
		Priority:   cfg.Priority,
		DailyQuota: cfg.DailyQuota,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		Burst:      cfg.Burst,
	}
}

type registryEntry struct {
	state   models.Provider
	backend GenerationBackend
	limiter *rate.Limiter
	order   int
}

// ProviderRegistry owns every provider's counters. All mutation happens under mu.
type ProviderRegistry struct {
	mu               sync.Mutex
	entries          map[string]*registryEntry
	nextOrder        int
	failureThreshold int
	resetInterval    time.Duration
	now              func() time.Time
	logger           *logger.Logger
}

func NewProviderRegistry(cfg config.RouterConfig, log *logger.Logger) *ProviderRegistry {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = defaultFailureThreshold
	}
	interval := cfg.ResetInterval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ProviderRegistry{
		entries:          make(map[string]*registryEntry),
		failureThreshold: threshold,
		resetInterval:    interval,
		now:              time.Now,
		logger:           log,
	}
}

// SetClock replaces the time source. Call before registering providers.
func (r *ProviderRegistry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *ProviderRegistry) nextBoundary(now time.Time) time.Time {
	return now.Truncate(r.resetInterval).Add(r.resetInterval)
}

func (r *ProviderRegistry) Register(backend GenerationBackend, settings ProviderSettings) error {
	if backend == nil {
		return fmt.Errorf("backend is required")
	}
	if settings.DailyQuota < 0 {
		return fmt.Errorf("provider %s: daily quota must not be negative", backend.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := backend.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}

	var limiter *rate.Limiter
	if settings.RateLimit > 0 {
		burst := settings.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(settings.RateLimit), burst)
	}

	r.entries[name] = &registryEntry{
		state: models.Provider{
			Name:       name,
			Priority:   settings.Priority,
			DailyQuota: settings.DailyQuota,
			ResetAt:    r.nextBoundary(r.now()),
			Enabled:    true,
			Timeout:    settings.Timeout,
		},
		backend: backend,
		limiter: limiter,
		order:   r.nextOrder,
	}
	r.nextOrder++

	r.logger.WithFields(logger.Fields{
		"provider":    name,
		"priority":    settings.Priority,
		"daily_quota": settings.DailyQuota,
		"rate_limit":  settings.RateLimit,
	}).Info("Provider registered")

	return nil
}

// sortedLocked returns entries by priority ascending, then registration order.
func (r *ProviderRegistry) sortedLocked() []*registryEntry {
	out := make([]*registryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].state.Priority != out[j].state.Priority {
			return out[i].state.Priority < out[j].state.Priority
		}
		return out[i].order < out[j].order
	})
	return out
}

func (r *ProviderRegistry) EligibleProvidersSorted() []models.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []models.Provider
	for _, e := range r.sortedLocked() {
		if e.state.Eligible() {
			eligible = append(eligible, e.state)
		}
	}
	return eligible
}

// Snapshot returns copies of every provider, eligible or not.
func (r *ProviderRegistry) Snapshot() []models.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := r.sortedLocked()
	out := make([]models.Provider, 0, len(sorted))
	for _, e := range sorted {
		out = append(out, e.state)
	}
	return out
}

func (r *ProviderRegistry) Get(name string) (models.Provider, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return models.Provider{}, false
	}
	return e.state, true
}

func (r *ProviderRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *ProviderRegistry) backend(name string) (GenerationBackend, *rate.Limiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, nil, false
	}
	return e.backend, e.limiter, true
}

// Reserve claims one quota slot for an attempt about to be dispatched. The
// slot becomes usage only through RecordSuccess; RecordFailure and Release
// hand it back.
func (r *ProviderRegistry) Reserve(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || !e.state.Enabled {
		return false
	}
	if e.state.UsedToday+e.state.InFlight >= e.state.DailyQuota {
		return false
	}
	e.state.InFlight++
	return true
}

func (r *ProviderRegistry) Release(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok && e.state.InFlight > 0 {
		e.state.InFlight--
	}
}

func (r *ProviderRegistry) RecordSuccess(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("provider %s not registered", name)
	}
	if e.state.InFlight > 0 {
		e.state.InFlight--
	}
	if e.state.UsedToday < e.state.DailyQuota {
		e.state.UsedToday++
	}
	e.state.ConsecutiveFailures = 0
	e.state.TotalSuccesses++
	return nil
}

// RecordFailure returns true when this failure disabled the provider.
func (r *ProviderRegistry) RecordFailure(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false, fmt.Errorf("provider %s not registered", name)
	}
	if e.state.InFlight > 0 {
		e.state.InFlight--
	}
	e.state.ConsecutiveFailures++
	e.state.TotalFailures++

	if e.state.Enabled && e.state.ConsecutiveFailures >= r.failureThreshold {
		e.state.Enabled = false
		r.logger.WithFields(logger.Fields{
			"provider":             name,
			"consecutive_failures": e.state.ConsecutiveFailures,
			"reset_at":             e.state.ResetAt,
		}).Warn("Provider disabled until next reset")
		return true, nil
	}
	return false, nil
}

// ResetIfExpired clears usage for every provider whose window has passed and
// returns their names. Before the boundary it changes nothing.
func (r *ProviderRegistry) ResetIfExpired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var reset []string
	for _, e := range r.sortedLocked() {
		if now.Before(e.state.ResetAt) {
			continue
		}
		e.state.UsedToday = 0
		e.state.ConsecutiveFailures = 0
		e.state.Enabled = true
		e.state.ResetAt = r.nextBoundary(now)
		reset = append(reset, e.state.Name)
	}

	if len(reset) > 0 {
		r.logger.WithFields(logger.Fields{
			"providers": reset,
		}).Info("Provider quota window reset")
	}
	return reset
}

func (r *ProviderRegistry) Close() error {
	r.mu.Lock()
	entries := r.sortedLocked()
	r.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.backend.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close provider %s: %w", e.state.Name, err)
		}
	}
	return firstErr
}
