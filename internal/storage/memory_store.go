package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/apperrors"
	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore serialises transactions on one mutex and undoes a failed
// transaction from its undo log. Single process only.
type MemoryStore struct {
	mu        sync.Mutex
	trips     map[string]models.Trip
	bids      map[string]models.Bid
	tripBids  map[string][]string
	otps      map[string]models.OtpRecord
	events    map[string][]models.TripEvent
	locations map[string][]models.LocationPing
	safety    map[string]models.SafetyState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:     make(map[string]models.Trip),
		bids:      make(map[string]models.Bid),
		tripBids:  make(map[string][]string),
		otps:      make(map[string]models.OtpRecord),
		events:    make(map[string][]models.TripEvent),
		locations: make(map[string][]models.LocationPing),
		safety:    make(map[string]models.SafetyState),
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m}
	if err := fn(tx); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getTripLocked(id)
}

func (m *MemoryStore) getTripLocked(id string) (models.Trip, error) {
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, fmt.Errorf("%w: trip %s", apperrors.ErrNotFound, id)
	}
	return t, nil
}

func (m *MemoryStore) ListExpiredBidding(_ context.Context, now time.Time, limit int) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.Status == models.StatusBidding && t.BiddingExpiresAt.Before(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BiddingExpiresAt.Equal(out[j].BiddingExpiresAt) {
			return out[i].BiddingExpiresAt.Before(out[j].BiddingExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListTripsByStatus(_ context.Context, status models.TripStatus, limit int) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) ListRecentTrips(_ context.Context, limit int) ([]models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Trip, 0, len(m.trips))
	for _, t := range m.trips {
		out = append(out, t)
	}
	sortNewestFirst(out)
	return truncate(out, limit), nil
}

func (m *MemoryStore) GetBid(_ context.Context, id string) (models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bids[id]
	if !ok {
		return models.Bid{}, fmt.Errorf("%w: bid %s", apperrors.ErrNotFound, id)
	}
	return b, nil
}

func (m *MemoryStore) ListBids(_ context.Context, tripID string) ([]models.Bid, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.tripBids[tripID]
	out := make([]models.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.bids[id])
	}
	return out, nil
}

func (m *MemoryStore) GetOTP(_ context.Context, tripID string) (models.OtpRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.otps[tripID]
	if !ok {
		return models.OtpRecord{}, fmt.Errorf("%w: otp for trip %s", apperrors.ErrNotFound, tripID)
	}
	return rec, nil
}

func (m *MemoryStore) IncrementOTPAttempts(_ context.Context, tripID string, max int) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.otps[tripID]
	if !ok {
		return 0, false, fmt.Errorf("%w: otp for trip %s", apperrors.ErrNotFound, tripID)
	}
	if rec.Attempts >= max {
		return rec.Attempts, false, nil
	}
	rec.Attempts++
	m.otps[tripID] = rec
	return rec.Attempts, true, nil
}

func (m *MemoryStore) ListEvents(_ context.Context, tripID string) ([]models.TripEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.events[tripID]
	out := make([]models.TripEvent, len(src))
	for i := range src {
		out[len(src)-1-i] = src[i]
	}
	return out, nil
}

func (m *MemoryStore) ListLocations(_ context.Context, tripID string, limit int) ([]models.LocationPing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.locations[tripID]
	out := make([]models.LocationPing, len(src))
	for i := range src {
		out[len(src)-1-i] = src[i]
	}
	return truncate(out, limit), nil
}

func (m *MemoryStore) GetSafetyState(_ context.Context, tripID string) (models.SafetyState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.safety[tripID]
	return s, ok, nil
}

type memTx struct {
	m    *MemoryStore
	undo []func()
}

func (tx *memTx) LockTrip(_ context.Context, id string) (models.Trip, error) {
	return tx.m.getTripLocked(id)
}

func (tx *memTx) CreateTrip(_ context.Context, t models.Trip) error {
	if _, ok := tx.m.trips[t.ID]; ok {
		return fmt.Errorf("trip %s already exists", t.ID)
	}
	tx.m.trips[t.ID] = t
	tx.undo = append(tx.undo, func() { delete(tx.m.trips, t.ID) })
	return nil
}

func (tx *memTx) UpdateTripIf(_ context.Context, id string, expected models.TripStatus, patch models.TripPatch) (bool, error) {
	t, ok := tx.m.trips[id]
	if !ok || t.Status != expected {
		return false, nil
	}
	prev := t
	patch.Apply(&t)
	tx.m.trips[id] = t
	tx.undo = append(tx.undo, func() { tx.m.trips[id] = prev })
	return true, nil
}

func (tx *memTx) InsertBid(_ context.Context, b models.Bid) error {
	if _, ok := tx.m.bids[b.ID]; ok {
		return fmt.Errorf("bid %s already exists", b.ID)
	}
	tx.m.bids[b.ID] = b
	tx.m.tripBids[b.TripID] = append(tx.m.tripBids[b.TripID], b.ID)
	tx.undo = append(tx.undo, func() {
		delete(tx.m.bids, b.ID)
		ids := tx.m.tripBids[b.TripID]
		tx.m.tripBids[b.TripID] = ids[:len(ids)-1]
	})
	return nil
}

func (tx *memTx) UpdateBidIf(_ context.Context, id string, expected, status models.BidStatus) (bool, error) {
	b, ok := tx.m.bids[id]
	if !ok || b.Status != expected {
		return false, nil
	}
	prev := b
	b.Status = status
	tx.m.bids[id] = b
	tx.undo = append(tx.undo, func() { tx.m.bids[id] = prev })
	return true, nil
}

func (tx *memTx) RejectPendingBids(ctx context.Context, tripID, exceptID string) (int, error) {
	n := 0
	for _, id := range tx.m.tripBids[tripID] {
		if id == exceptID {
			continue
		}
		ok, _ := tx.UpdateBidIf(ctx, id, models.BidPending, models.BidRejected)
		if ok {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) UpsertOTP(_ context.Context, rec models.OtpRecord) error {
	prev, had := tx.m.otps[rec.TripID]
	tx.m.otps[rec.TripID] = rec
	tx.undo = append(tx.undo, func() {
		if had {
			tx.m.otps[rec.TripID] = prev
		} else {
			delete(tx.m.otps, rec.TripID)
		}
	})
	return nil
}

func (tx *memTx) MarkOTPVerified(_ context.Context, tripID string, at time.Time) error {
	rec, ok := tx.m.otps[tripID]
	if !ok {
		return fmt.Errorf("%w: otp for trip %s", apperrors.ErrNotFound, tripID)
	}
	prev := rec
	rec.VerifiedAt = &at
	tx.m.otps[tripID] = rec
	tx.undo = append(tx.undo, func() { tx.m.otps[tripID] = prev })
	return nil
}

func (tx *memTx) AppendEvent(_ context.Context, e models.TripEvent) error {
	tx.m.events[e.TripID] = append(tx.m.events[e.TripID], e)
	tx.undo = append(tx.undo, func() {
		evs := tx.m.events[e.TripID]
		tx.m.events[e.TripID] = evs[:len(evs)-1]
	})
	return nil
}

func (tx *memTx) CountEvents(_ context.Context, tripID, eventType string) (int, error) {
	n := 0
	for _, e := range tx.m.events[tripID] {
		if e.Type == eventType {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) InsertLocation(_ context.Context, p models.LocationPing) error {
	tx.m.locations[p.TripID] = append(tx.m.locations[p.TripID], p)
	tx.undo = append(tx.undo, func() {
		locs := tx.m.locations[p.TripID]
		tx.m.locations[p.TripID] = locs[:len(locs)-1]
	})
	return nil
}

func (tx *memTx) GetSafetyState(_ context.Context, tripID string) (models.SafetyState, bool, error) {
	s, ok := tx.m.safety[tripID]
	return s, ok, nil
}

func (tx *memTx) SaveSafetyState(_ context.Context, s models.SafetyState) error {
	prev, had := tx.m.safety[s.TripID]
	tx.m.safety[s.TripID] = s
	tx.undo = append(tx.undo, func() {
		if had {
			tx.m.safety[s.TripID] = prev
		} else {
			delete(tx.m.safety, s.TripID)
		}
	})
	return nil
}

func sortNewestFirst(ts []models.Trip) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.After(ts[j].CreatedAt)
		}
		return ts[i].ID > ts[j].ID
	})
}

func truncate[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}
