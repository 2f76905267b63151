package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// ManualFeed is an in-memory feed used by tests and for manual overrides
// during incident response. Answer updates advance the round exactly like an
// on-chain aggregator would.
type ManualFeed struct {
	mu       sync.RWMutex
	decimals uint8
	round    RoundData
	now      func() time.Time
}

// NewManualFeed seeds a feed with an initial answer at round 1.
func NewManualFeed(decimals uint8, initialAnswer *big.Int) *ManualFeed {
	f := &ManualFeed{decimals: decimals, now: time.Now}
	ts := f.now()
	f.round = RoundData{
		RoundID:         big.NewInt(1),
		Answer:          cloneInt(initialAnswer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: big.NewInt(1),
	}
	return f
}

// UpdateAnswer records a new answer in a fresh round stamped with the
// current time.
func (f *ManualFeed) UpdateAnswer(answer *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	next := new(big.Int).Add(f.round.RoundID, big.NewInt(1))
	ts := f.now()
	f.round = RoundData{
		RoundID:         next,
		Answer:          cloneInt(answer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: new(big.Int).Set(next),
	}
}

// UpdateRoundData overwrites the full round tuple, letting tests fabricate
// stale or malformed readings.
func (f *ManualFeed) UpdateRoundData(roundID, answer *big.Int, startedAt, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.round = RoundData{
		RoundID:         cloneInt(roundID),
		Answer:          cloneInt(answer),
		StartedAt:       startedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: cloneInt(roundID),
	}
}

// LatestRoundData returns a defensive copy of the stored round.
func (f *ManualFeed) LatestRoundData(_ context.Context) (RoundData, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return RoundData{
		RoundID:         cloneInt(f.round.RoundID),
		Answer:          cloneInt(f.round.Answer),
		StartedAt:       f.round.StartedAt,
		UpdatedAt:       f.round.UpdatedAt,
		AnsweredInRound: cloneInt(f.round.AnsweredInRound),
	}, nil
}

// Decimals reports the configured answer precision.
func (f *ManualFeed) Decimals() uint8 {
	return f.decimals
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
