package fakes

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"safeswap/trust"
)

// TrustStore implements trust.Repository in memory.
type TrustStore struct {
	Locks Locks

	mu      sync.Mutex
	scores  map[string]int
	updates []trust.Update
}

func NewTrustStore() *TrustStore {
	return &TrustStore{scores: make(map[string]int)}
}

// Seed sets a user's committed score.
func (s *TrustStore) Seed(userID string, score int) {
	s.mu.Lock()
	s.scores[userID] = score
	s.mu.Unlock()
}

func (s *TrustStore) LockScore(ctx context.Context, tx pgx.Tx, userID string) (int, error) {
	s.Locks.Acquire(tx, "trust:"+userID)
	return s.Score(ctx, userID)
}

func (s *TrustStore) Append(ctx context.Context, tx pgx.Tx, upd trust.Update) (trust.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.scores[upd.UserID]
	s.scores[upd.UserID] = upd.NewScore
	s.updates = append(s.updates, upd)
	undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.scores[upd.UserID] = prev
		} else {
			delete(s.scores, upd.UserID)
		}
		for i := range s.updates {
			if s.updates[i].ID == upd.ID {
				s.updates = append(s.updates[:i:i], s.updates[i+1:]...)
				break
			}
		}
	})
	return upd, nil
}

func (s *TrustStore) Score(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.scores[userID]
	if !ok {
		return trust.InitialScore, nil
	}
	return score, nil
}

func (s *TrustStore) History(ctx context.Context, userID string, limit int) ([]trust.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []trust.Update
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].UserID == userID {
			out = append(out, s.updates[i])
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Updates returns every committed update in order.
func (s *TrustStore) Updates() []trust.Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]trust.Update(nil), s.updates...)
}

// FrequencyRule flags every observed user once Flag is set.
type FrequencyRule struct {
	mu     sync.Mutex
	Flag   bool
	Counts map[string]int
}

func (r *FrequencyRule) Observe(ctx context.Context, userID string) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Counts == nil {
		r.Counts = make(map[string]int)
	}
	r.Counts[userID]++
	return r.Flag, r.Counts[userID], nil
}
