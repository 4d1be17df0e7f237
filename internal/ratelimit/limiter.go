// Package ratelimit blocks identifiers (client addresses, vault emails) that
// keep failing lookups or logins.
//
// Each identifier has two independent entries in an expiring key-value store:
// an attempt counter whose window restarts on every failure, and a block flag
// set once the counter reaches the threshold. A missing entry means zero
// attempts / not blocked.
//
// Callers that do real work per attempt (a record lookup, a secret check) use
// Reserve, which counts the attempt before the work starts. Attempts still in
// flight therefore occupy the same budget as recorded failures, and a burst of
// parallel guesses cannot get more than the threshold evaluated.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/maneesh/dropvault/internal/logging"
)

// Store is the expiring key-value mechanism behind the limiter.
// IncrWithTTL must increment and (re)set the expiry atomically. Decr must
// decrement atomically, keep the expiry, and remove the key once it reaches
// zero; a missing key stays missing.
type Store interface {
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
	SetWithTTL(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

const (
	DefaultThreshold = 3
	DefaultWindow    = 5 * time.Minute
	DefaultBlock     = 15 * time.Minute
)

// Limiter implements the attempt counter / block flag state machine.
type Limiter struct {
	store     Store
	logger    logging.Logger
	threshold int64
	window    time.Duration
	block     time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithThreshold sets how many failures within the window block an identifier.
func WithThreshold(n int) Option {
	return func(l *Limiter) { l.threshold = int64(n) }
}

// WithWindow sets how long the attempt counter lives after the last attempt.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithBlockDuration sets how long a block lasts.
func WithBlockDuration(d time.Duration) Option {
	return func(l *Limiter) { l.block = d }
}

// NewLimiter creates a limiter over store with the default threshold, window
// and block duration.
func NewLimiter(store Store, logger logging.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:     store,
		logger:    logger,
		threshold: DefaultThreshold,
		window:    DefaultWindow,
		block:     DefaultBlock,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func attemptsKey(id string) string { return "attempts:" + id }
func blockKey(id string) string    { return "block:" + id }

// CheckAllowed reports whether id is not currently blocked. It never
// consumes an attempt.
func (l *Limiter) CheckAllowed(ctx context.Context, id string) (bool, error) {
	blocked, err := l.store.Exists(ctx, blockKey(id))
	if err != nil {
		return false, fmt.Errorf("failed to check block for %s: %w", id, err)
	}
	return !blocked, nil
}

// RecordFailure counts a failed attempt and blocks id once the threshold is
// reached within the window.
func (l *Limiter) RecordFailure(ctx context.Context, id string) error {
	attempts, err := l.store.IncrWithTTL(ctx, attemptsKey(id), l.window)
	if err != nil {
		return fmt.Errorf("failed to count attempt for %s: %w", id, err)
	}

	if attempts >= l.threshold {
		if err := l.store.SetWithTTL(ctx, blockKey(id), l.block); err != nil {
			return fmt.Errorf("failed to block %s: %w", id, err)
		}
		l.logger.Warn(ctx, "identifier blocked", "identifier", id, "attempts", attempts, "block", l.block.String())
	}
	return nil
}

// RecordSuccess clears the attempt counter. An active block stays in place.
func (l *Limiter) RecordSuccess(ctx context.Context, id string) error {
	if err := l.store.Delete(ctx, attemptsKey(id)); err != nil {
		return fmt.Errorf("failed to reset attempts for %s: %w", id, err)
	}
	return nil
}

// Reservation is one attempt claimed by Reserve. Settle it with exactly one
// of Fail, Succeed or Release.
type Reservation struct {
	limiter *Limiter
	id      string
	n       int64
}

// Reserve claims an attempt for id before any lookup or secret check is done.
// ok is false when id is blocked, or when recorded failures plus attempts
// already in flight have used up the threshold; nothing is held in that case.
func (l *Limiter) Reserve(ctx context.Context, id string) (res *Reservation, ok bool, err error) {
	allowed, err := l.CheckAllowed(ctx, id)
	if err != nil || !allowed {
		return nil, false, err
	}

	n, err := l.store.IncrWithTTL(ctx, attemptsKey(id), l.window)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve attempt for %s: %w", id, err)
	}
	if n > l.threshold {
		if _, err := l.store.Decr(ctx, attemptsKey(id)); err != nil {
			return nil, false, fmt.Errorf("failed to release attempt for %s: %w", id, err)
		}
		return nil, false, nil
	}
	return &Reservation{limiter: l, id: id, n: n}, true, nil
}

// Fail keeps the attempt counted as a failure. The attempt that took the
// last slot below the threshold blocks the identifier when it fails.
func (r *Reservation) Fail(ctx context.Context) error {
	l := r.limiter
	if r.n < l.threshold {
		return nil
	}
	if err := l.store.SetWithTTL(ctx, blockKey(r.id), l.block); err != nil {
		return fmt.Errorf("failed to block %s: %w", r.id, err)
	}
	l.logger.Warn(ctx, "identifier blocked", "identifier", r.id, "attempts", r.n, "block", l.block.String())
	return nil
}

// Succeed clears the attempt counter, like RecordSuccess.
func (r *Reservation) Succeed(ctx context.Context) error {
	return r.limiter.RecordSuccess(ctx, r.id)
}

// Release gives the attempt back without counting it, for outcomes that are
// neither a success nor a failed guess.
func (r *Reservation) Release(ctx context.Context) error {
	if _, err := r.limiter.store.Decr(ctx, attemptsKey(r.id)); err != nil {
		return fmt.Errorf("failed to release attempt for %s: %w", r.id, err)
	}
	return nil
}
