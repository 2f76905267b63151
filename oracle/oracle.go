package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrBadRoundAnswer indicates the feed reported no usable answer: a
	// non-positive price or an answer carried over from an older round.
	ErrBadRoundAnswer = errors.New("oracle: bad round answer")
	// ErrStalePrice indicates the latest round is older than the configured
	// freshness window.
	ErrStalePrice = errors.New("oracle: stale price")
	// ErrUnknownFeed is returned by the registry for unregistered feed ids.
	ErrUnknownFeed = errors.New("oracle: unknown feed")
)

// DefaultStaleTimeout mirrors the freshness window applied to upstream
// aggregator rounds when the configuration does not override it.
const DefaultStaleTimeout = 3 * time.Hour

// RoundData is one reading from an upstream price feed. It is consumed
// immediately per call and never persisted.
type RoundData struct {
	RoundID         *big.Int
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound *big.Int
}

// Feed resolves the latest round from a single upstream price source.
type Feed interface {
	// LatestRoundData fetches the most recent reading. Implementations may
	// hit the network, so a context is threaded through.
	LatestRoundData(ctx context.Context) (RoundData, error)
	// Decimals reports the feed's native answer precision.
	Decimals() uint8
}

// Validator applies freshness and well-formedness checks to feed readings.
// It is the single choke point between the risk engine and raw feed data.
type Validator struct {
	timeout time.Duration
	now     func() time.Time
}

// NewValidator builds a validator with the provided stale timeout. A
// non-positive timeout falls back to the default window.
func NewValidator(timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	return &Validator{timeout: timeout, now: time.Now}
}

// StaleTimeout reports the active freshness window.
func (v *Validator) StaleTimeout() time.Duration { return v.timeout }

// Validate rejects readings with a non-positive answer, a stale carried-over
// round, or an update timestamp outside the freshness window.
func (v *Validator) Validate(rd RoundData) error {
	if rd.Answer == nil || rd.Answer.Sign() <= 0 {
		return ErrBadRoundAnswer
	}
	if rd.RoundID == nil || rd.AnsweredInRound == nil || rd.AnsweredInRound.Cmp(rd.RoundID) < 0 {
		return ErrBadRoundAnswer
	}
	if rd.UpdatedAt.IsZero() {
		return ErrStalePrice
	}
	if v.now().Sub(rd.UpdatedAt) > v.timeout {
		return ErrStalePrice
	}
	return nil
}

// ValidatedPrice fetches and validates the latest reading from the feed.
func (v *Validator) ValidatedPrice(ctx context.Context, feed Feed) (RoundData, error) {
	rd, err := feed.LatestRoundData(ctx)
	if err != nil {
		return RoundData{}, fmt.Errorf("oracle: latest round: %w", err)
	}
	if err := v.Validate(rd); err != nil {
		return RoundData{}, err
	}
	return rd, nil
}

// Registry maps configured feed identifiers to feed implementations. Ids are
// stored lower-cased so lookups remain consistent regardless of the
// configuration casing.
type Registry struct {
	mu    sync.RWMutex
	feeds map[string]Feed
}

// NewRegistry constructs an empty feed registry.
func NewRegistry() *Registry {
	return &Registry{feeds: make(map[string]Feed)}
}

// Register adds or replaces a feed under the supplied identifier.
func (r *Registry) Register(id string, feed Feed) {
	trimmed := strings.ToLower(strings.TrimSpace(id))
	if trimmed == "" || feed == nil {
		return
	}
	r.mu.Lock()
	r.feeds[trimmed] = feed
	r.mu.Unlock()
}

// Lookup resolves a feed by identifier.
func (r *Registry) Lookup(id string) (Feed, error) {
	trimmed := strings.ToLower(strings.TrimSpace(id))
	r.mu.RLock()
	feed, ok := r.feeds[trimmed]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, id)
	}
	return feed, nil
}
