package matcher

import (
	"sort"

	"github.com/example/ride-dispatch/internal/models"
)

// Score is the automatic ranking value of a bid: the offer plus the pickup
// ETA weighted into price units. A bid without an ETA counts as zero minutes.
func Score(b models.Bid, etaWeight float64) float64 {
	eta := 0
	if b.EtaToPickupMinutes != nil {
		eta = *b.EtaToPickupMinutes
	}
	return float64(b.PriceOffer) + float64(eta)*etaWeight
}

// SelectWinner picks the pending bid with the lowest score. Equal scores go
// to the earliest bid, then to the lowest id, so every replica picks the same
// winner for the same input.
func SelectWinner(bids []models.Bid, etaWeight float64) (models.Bid, bool) {
	type scored struct {
		b     models.Bid
		score float64
	}
	scoredList := make([]scored, 0, len(bids))
	for _, b := range bids {
		if b.Status != models.BidPending {
			continue
		}
		scoredList = append(scoredList, scored{b, Score(b, etaWeight)})
	}
	if len(scoredList) == 0 {
		return models.Bid{}, false
	}
	sort.Slice(scoredList, func(i, j int) bool {
		a, b := scoredList[i], scoredList[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if !a.b.CreatedAt.Equal(b.b.CreatedAt) {
			return a.b.CreatedAt.Before(b.b.CreatedAt)
		}
		return a.b.ID < b.b.ID
	})
	return scoredList[0].b, true
}
