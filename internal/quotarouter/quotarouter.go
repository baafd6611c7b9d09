// Package quotarouter decides whether a provider is currently usable: it
// tracks cooldowns (providers blocked until a future wall-clock instant
// after a quota/rate-limit error), caches capacity probe results, and
// deduplicates the one-shot "provider blocked" notification.
package quotarouter

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/space-swarm/space/internal/store"
)

// quotaResetPattern extracts the reset duration from a provider error
// string of the form "quota exhausted (resets 2h30m)".
var quotaResetPattern = regexp.MustCompile(`(?i)quota exhausted.*reset(?:s|ed)?\s*(?:after|in)?\s*([0-9]+(?:h|m|s))+`)

// durationTokenPattern extracts each individual h/m/s token so multi-unit
// durations like "2h30m" parse correctly via time.ParseDuration.
var durationTokenPattern = regexp.MustCompile(`[0-9]+[hms]`)

// CapacityProbe returns, per bucket name, the remaining-quota percentage
// for a provider. Implemented by a provider.Adapter that can report usage.
type CapacityProbe func() (map[string]float64, error)

// Router tracks per-provider cooldowns in the store, plus an in-memory
// capacity cache and notification-dedup set.
type Router struct {
	store *store.Store

	probes    map[string]CapacityProbe
	threshold float64
	cacheTTL  time.Duration

	mu           sync.Mutex
	capacity     map[string]cachedCapacity
	notified     map[string]bool
}

type cachedCapacity struct {
	buckets  map[string]float64
	fetchedAt time.Time
}

// New creates a Router. threshold is the minimum per-bucket capacity
// percentage required for a provider to be considered available;
// cacheTTL bounds how long a capacity probe result is trusted.
func New(st *store.Store, threshold float64, cacheTTL time.Duration) *Router {
	if cacheTTL <= 0 {
		cacheTTL = 60 * time.Second
	}
	return &Router{
		store:     st,
		probes:    make(map[string]CapacityProbe),
		threshold: threshold,
		cacheTTL:  cacheTTL,
		capacity:  make(map[string]cachedCapacity),
		notified:  make(map[string]bool),
	}
}

// RegisterProbe attaches a capacity probe for a provider.
func (r *Router) RegisterProbe(provider string, probe CapacityProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.probes[provider] = probe
}

// RecordProviderError inspects an error string for a recognizable quota
// message and, if found, blocks the provider for the parsed duration.
// Returns true if a cooldown was applied.
func (r *Router) RecordProviderError(ctx context.Context, provider, text string) (bool, error) {
	m := quotaResetPattern.FindStringSubmatch(text)
	if m == nil {
		return false, nil
	}
	d, err := parseResetDuration(text)
	if err != nil || d <= 0 {
		return false, nil
	}
	if err := r.BlockProviderFor(ctx, provider, d, text); err != nil {
		return false, err
	}
	return true, nil
}

func parseResetDuration(text string) (time.Duration, error) {
	tokens := durationTokenPattern.FindAllString(text, -1)
	if len(tokens) == 0 {
		return 0, fmt.Errorf("no duration tokens found in %q", text)
	}
	var total time.Duration
	for _, tok := range tokens {
		d, err := time.ParseDuration(tok)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

// BlockProviderFor is the imperative form: block provider for the given
// duration regardless of error text.
func (r *Router) BlockProviderFor(ctx context.Context, provider string, d time.Duration, reason string) error {
	expiresAt := time.Now().UTC().Add(d)
	return r.store.Transaction(ctx, func(tx *store.Tx) error {
		_, err := tx.Exec(`INSERT INTO provider_cooldowns (provider, expires_at, reason) VALUES (?, ?, ?)
			ON CONFLICT (provider) DO UPDATE SET expires_at = excluded.expires_at, reason = excluded.reason`,
			provider, expiresAt, reason)
		return err
	})
}

// cooldownFor returns the provider's cooldown expiry, pruning it first if
// already in the past.
func (r *Router) cooldownFor(ctx context.Context, provider string) (*time.Time, error) {
	var expiresAt time.Time
	var reason sql.NullString
	err := r.store.DB().QueryRowContext(ctx, `SELECT expires_at, reason FROM provider_cooldowns WHERE provider = ?`, provider).
		Scan(&expiresAt, &reason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if time.Now().UTC().After(expiresAt) {
		if err := r.store.Transaction(ctx, func(tx *store.Tx) error {
			_, err := tx.Exec(`DELETE FROM provider_cooldowns WHERE provider = ?`, provider)
			return err
		}); err != nil {
			return nil, err
		}
		r.mu.Lock()
		delete(r.notified, provider)
		r.mu.Unlock()
		return nil, nil
	}
	return &expiresAt, nil
}

// InCooldown reports whether provider is currently blocked, and until when.
func (r *Router) InCooldown(ctx context.Context, provider string) (bool, *time.Time, error) {
	exp, err := r.cooldownFor(ctx, provider)
	if err != nil {
		return false, nil, err
	}
	return exp != nil, exp, nil
}

// capacityOK reports whether every capacity bucket for provider is at or
// above threshold, using a cached probe result when fresh. Probe errors
// are treated as non-fatal: availability is assumed.
func (r *Router) capacityOK(provider string) bool {
	r.mu.Lock()
	cached, ok := r.capacity[provider]
	probe := r.probes[provider]
	r.mu.Unlock()

	if ok && time.Since(cached.fetchedAt) < r.cacheTTL {
		return allAtLeast(cached.buckets, r.threshold)
	}
	if probe == nil {
		return true
	}

	buckets, err := probe()
	if err != nil {
		return true
	}

	r.mu.Lock()
	r.capacity[provider] = cachedCapacity{buckets: buckets, fetchedAt: time.Now()}
	r.mu.Unlock()

	return allAtLeast(buckets, r.threshold)
}

func allAtLeast(buckets map[string]float64, threshold float64) bool {
	for _, v := range buckets {
		if v < threshold {
			return false
		}
	}
	return true
}

// Available reports whether a provider can currently be used: not in
// cooldown and passing the capacity check.
func (r *Router) Available(ctx context.Context, provider string) (bool, error) {
	blocked, _, err := r.InCooldown(ctx, provider)
	if err != nil {
		return false, err
	}
	if blocked {
		return false, nil
	}
	return r.capacityOK(provider), nil
}

// NeedsNotification reports whether provider's current cooldown has not
// yet been announced, marking it announced as a side effect (one-shot
// gate for ledger insight emission).
func (r *Router) NeedsNotification(provider string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.notified[provider] {
		return false
	}
	r.notified[provider] = true
	return true
}

// Resolve returns model if provider is currently available, or "" if the
// provider is unavailable (cooldown or capacity).
func (r *Router) Resolve(ctx context.Context, provider, model string) (string, error) {
	ok, err := r.Available(ctx, provider)
	if err != nil || !ok {
		return "", err
	}
	return model, nil
}
