package fakes

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"

	"safeswap/dispute"
	"safeswap/lifecycle"
)

// DisputeStore implements dispute.Repository in memory.
type DisputeStore struct {
	Locks Locks

	mu       sync.Mutex
	records  map[string]dispute.Record
	evidence map[string][]dispute.Evidence
}

func NewDisputeStore() *DisputeStore {
	return &DisputeStore{
		records:  make(map[string]dispute.Record),
		evidence: make(map[string][]dispute.Evidence),
	}
}

func (s *DisputeStore) Create(ctx context.Context, tx pgx.Tx, rec dispute.Record) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.DealID == rec.DealID && existing.MilestoneID == rec.MilestoneID && !existing.Status.Terminal() {
			return dispute.Record{}, fmt.Errorf("fakes: scope already disputed: %w", lifecycle.ErrInvalidTransition)
		}
	}
	rec.UpdatedAt = rec.CreatedAt
	s.records[rec.ID] = rec
	undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.records, rec.ID)
	})
	return rec, nil
}

func (s *DisputeStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Record, error) {
	s.Locks.Acquire(tx, "dispute:"+id)
	return s.Get(ctx, id)
}

func (s *DisputeStore) Update(ctx context.Context, tx pgx.Tx, rec dispute.Record) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[rec.ID]
	if !ok {
		return dispute.Record{}, fmt.Errorf("fakes: dispute %s: %w", rec.ID, lifecycle.ErrNotFound)
	}
	rec.Evidence = nil
	s.records[rec.ID] = rec
	undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[prev.ID] = prev
	})
	return rec, nil
}

func (s *DisputeStore) ActiveForScope(ctx context.Context, tx pgx.Tx, dealID, milestoneID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.DealID == dealID && rec.MilestoneID == milestoneID && !rec.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (s *DisputeStore) AddEvidence(ctx context.Context, tx pgx.Tx, ev dispute.Evidence) (dispute.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[ev.DisputeID] = append(s.evidence[ev.DisputeID], ev)
	undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.evidence[ev.DisputeID]
		for i := range list {
			if list[i].ID == ev.ID {
				s.evidence[ev.DisputeID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	})
	return ev, nil
}

func (s *DisputeStore) Get(ctx context.Context, id string) (dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return dispute.Record{}, fmt.Errorf("fakes: dispute %s: %w", id, lifecycle.ErrNotFound)
	}
	rec.Evidence = append([]dispute.Evidence(nil), s.evidence[id]...)
	return rec, nil
}

func (s *DisputeStore) ListByDeal(ctx context.Context, dealID string) ([]dispute.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []dispute.Record
	for _, rec := range s.records {
		if rec.DealID == dealID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
