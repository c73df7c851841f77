package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"safeswap/deal"
	"safeswap/lifecycle"
)

// DealStore implements deal.Repository in memory.
type DealStore struct {
	Locks Locks

	mu         sync.Mutex
	deals      map[string]deal.Deal
	milestones map[string]string
	timeline   []deal.TimelineEntry
	nextID     int64
}

func NewDealStore() *DealStore {
	return &DealStore{
		deals:      make(map[string]deal.Deal),
		milestones: make(map[string]string),
	}
}

func (s *DealStore) Insert(ctx context.Context, tx pgx.Tx, d deal.Deal) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deals[d.ID]; exists {
		return deal.Deal{}, fmt.Errorf("fakes: deal %s exists", d.ID)
	}
	d.Version = 1
	s.deals[d.ID] = cloneDeal(d)
	for _, m := range d.Milestones {
		s.milestones[m.ID] = d.ID
	}
	undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.deals, d.ID)
		for _, m := range d.Milestones {
			delete(s.milestones, m.ID)
		}
	})
	return cloneDeal(d), nil
}

func (s *DealStore) GetForUpdate(ctx context.Context, tx pgx.Tx, dealID string) (deal.Deal, error) {
	s.Locks.Acquire(tx, "deal:"+dealID)
	return s.Get(ctx, dealID)
}

func (s *DealStore) Save(ctx context.Context, tx pgx.Tx, d deal.Deal) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.deals[d.ID]
	if !ok {
		return deal.Deal{}, fmt.Errorf("fakes: deal %s: %w", d.ID, lifecycle.ErrNotFound)
	}
	if prev.Version != d.Version {
		return deal.Deal{}, fmt.Errorf("fakes: deal %s at version %d: %w", d.ID, d.Version, lifecycle.ErrConcurrencyConflict)
	}
	d.Version++
	s.deals[d.ID] = cloneDeal(d)
	prevMilestones := make(map[string]string)
	for _, m := range prev.Milestones {
		prevMilestones[m.ID] = d.ID
		delete(s.milestones, m.ID)
	}
	for _, m := range d.Milestones {
		s.milestones[m.ID] = d.ID
	}
	undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.deals[prev.ID] = prev
		for _, m := range d.Milestones {
			delete(s.milestones, m.ID)
		}
		for id, dealID := range prevMilestones {
			s.milestones[id] = dealID
		}
	})
	return cloneDeal(d), nil
}

func (s *DealStore) AppendTimeline(ctx context.Context, tx pgx.Tx, entry deal.TimelineEntry) error {
	afterCommit(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID++
		entry.ID = s.nextID
		s.timeline = append(s.timeline, entry)
	})
	return nil
}

func (s *DealStore) DealIDForMilestone(ctx context.Context, milestoneID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dealID, ok := s.milestones[milestoneID]
	if !ok {
		return "", fmt.Errorf("fakes: milestone %s: %w", milestoneID, lifecycle.ErrNotFound)
	}
	return dealID, nil
}

func (s *DealStore) Get(ctx context.Context, dealID string) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deals[dealID]
	if !ok {
		return deal.Deal{}, fmt.Errorf("fakes: deal %s: %w", dealID, lifecycle.ErrNotFound)
	}
	return cloneDeal(d), nil
}

func (s *DealStore) ListForUser(ctx context.Context, userID string, filter deal.ListFilter) ([]deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deal.Deal
	for _, d := range s.deals {
		if d.BuyerID != userID && d.SellerID != userID {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, cloneDeal(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *DealStore) Timeline(ctx context.Context, dealID string) ([]deal.TimelineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []deal.TimelineEntry
	for _, e := range s.timeline {
		if e.DealID == dealID {
			out = append(out, e)
		}
	}
	return out, nil
}

func cloneDeal(d deal.Deal) deal.Deal {
	d.Milestones = append([]deal.Milestone(nil), d.Milestones...)
	return d
}
