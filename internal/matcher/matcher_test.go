package matcher

import (
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func eta(v int) *int { return &v }

func TestScore(t *testing.T) {
	a := models.Bid{ID: "a", PriceOffer: 1200, EtaToPickupMinutes: eta(9)}
	b := models.Bid{ID: "b", PriceOffer: 1000, EtaToPickupMinutes: eta(1)}
	if got := Score(a, 10); got != 1290 {
		t.Fatalf("expected 1290, got %v", got)
	}
	if got := Score(b, 10); got != 1010 {
		t.Fatalf("expected 1010, got %v", got)
	}
	if got := Score(models.Bid{PriceOffer: 900}, 10); got != 900 {
		t.Fatalf("missing eta should count as zero, got %v", got)
	}
}

func TestSelectWinnerLowestScore(t *testing.T) {
	now := time.Now()
	bids := []models.Bid{
		{ID: "a", PriceOffer: 1200, EtaToPickupMinutes: eta(9), Status: models.BidPending, CreatedAt: now},
		{ID: "b", PriceOffer: 1000, EtaToPickupMinutes: eta(1), Status: models.BidPending, CreatedAt: now.Add(time.Second)},
	}
	w, ok := SelectWinner(bids, 10)
	if !ok {
		t.Fatal("no winner")
	}
	if w.ID != "b" {
		t.Fatalf("expected b, got %s", w.ID)
	}
}

func TestSelectWinnerTieBreak(t *testing.T) {
	now := time.Now()
	bids := []models.Bid{
		{ID: "z", PriceOffer: 1000, Status: models.BidPending, CreatedAt: now.Add(2 * time.Second)},
		{ID: "y", PriceOffer: 990, EtaToPickupMinutes: eta(1), Status: models.BidPending, CreatedAt: now.Add(time.Second)},
		{ID: "x", PriceOffer: 990, EtaToPickupMinutes: eta(1), Status: models.BidPending, CreatedAt: now.Add(time.Second)},
	}
	w, _ := SelectWinner(bids, 10)
	if w.ID != "x" {
		t.Fatalf("expected lowest id among earliest equal scores, got %s", w.ID)
	}

	bids[0].CreatedAt = now
	w, _ = SelectWinner(bids, 10)
	if w.ID != "z" {
		t.Fatalf("expected earliest bid to win the tie, got %s", w.ID)
	}
}

func TestSelectWinnerIgnoresNonPending(t *testing.T) {
	bids := []models.Bid{
		{ID: "a", PriceOffer: 10, Status: models.BidRejected},
		{ID: "b", PriceOffer: 2000, Status: models.BidPending},
	}
	w, ok := SelectWinner(bids, 10)
	if !ok || w.ID != "b" {
		t.Fatalf("expected b, got %+v ok=%v", w, ok)
	}
	if _, ok := SelectWinner(bids[:1], 10); ok {
		t.Fatal("expected no winner without pending bids")
	}
}
