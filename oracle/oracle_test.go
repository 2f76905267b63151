package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"
)

const feedDecimals = 8

func TestValidateRejectsZeroAnswer(t *testing.T) {
	v := NewValidator(3 * time.Hour)
	rd := RoundData{
		RoundID:         big.NewInt(1),
		Answer:          big.NewInt(0),
		UpdatedAt:       time.Now(),
		AnsweredInRound: big.NewInt(1),
	}
	if err := v.Validate(rd); !errors.Is(err, ErrBadRoundAnswer) {
		t.Fatalf("expected bad round answer, got %v", err)
	}
}

func TestValidateRejectsCarriedOverRound(t *testing.T) {
	v := NewValidator(3 * time.Hour)
	rd := RoundData{
		RoundID:         big.NewInt(5),
		Answer:          big.NewInt(2000e8),
		UpdatedAt:       time.Now(),
		AnsweredInRound: big.NewInt(4),
	}
	if err := v.Validate(rd); !errors.Is(err, ErrBadRoundAnswer) {
		t.Fatalf("expected bad round answer, got %v", err)
	}
}

func TestValidateRejectsStaleTimestamp(t *testing.T) {
	v := NewValidator(3 * time.Hour)
	rd := RoundData{
		RoundID:         big.NewInt(1),
		Answer:          big.NewInt(2000e8),
		UpdatedAt:       time.Now().Add(-3*time.Hour - time.Second),
		AnsweredInRound: big.NewInt(1),
	}
	if err := v.Validate(rd); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price, got %v", err)
	}
	rd.UpdatedAt = time.Time{}
	if err := v.Validate(rd); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected stale price on zero timestamp, got %v", err)
	}
}

func TestValidatedPriceAcceptsFreshRound(t *testing.T) {
	v := NewValidator(0) // default window
	feed := NewManualFeed(feedDecimals, big.NewInt(1000e8))

	rd, err := v.ValidatedPrice(context.Background(), feed)
	if err != nil {
		t.Fatalf("validated price: %v", err)
	}
	if rd.Answer.Cmp(big.NewInt(1000e8)) != 0 {
		t.Fatalf("unexpected answer: %s", rd.Answer)
	}
}

func TestManualFeedAdvancesRounds(t *testing.T) {
	feed := NewManualFeed(feedDecimals, big.NewInt(1000e8))
	feed.UpdateAnswer(big.NewInt(500e8))

	rd, err := feed.LatestRoundData(context.Background())
	if err != nil {
		t.Fatalf("latest round: %v", err)
	}
	if rd.RoundID.Cmp(big.NewInt(2)) != 0 {
		t.Fatalf("expected round 2, got %s", rd.RoundID)
	}
	if rd.AnsweredInRound.Cmp(rd.RoundID) != 0 {
		t.Fatalf("answered-in mismatch: %s vs %s", rd.AnsweredInRound, rd.RoundID)
	}
	if rd.Answer.Cmp(big.NewInt(500e8)) != 0 {
		t.Fatalf("unexpected answer: %s", rd.Answer)
	}
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	feed := NewManualFeed(feedDecimals, big.NewInt(1000e8))
	reg.Register(" ETH-USD ", feed)

	got, err := reg.Lookup("eth-usd")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != Feed(feed) {
		t.Fatal("registry returned a different feed")
	}
	if _, err := reg.Lookup("btc-usd"); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("expected unknown feed, got %v", err)
	}
}
