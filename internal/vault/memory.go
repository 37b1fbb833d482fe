package vault

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used by the test harness and by
// deployments that accept vault loss on restart. InsertOrGet is linearizable
// under the store mutex.
type MemoryStore struct {
	mu       sync.Mutex
	byHash   map[string]*TokenRecord
	byToken  map[string]*TokenRecord
	kindSeqs map[string]int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byHash:   make(map[string]*TokenRecord),
		byToken:  make(map[string]*TokenRecord),
		kindSeqs: make(map[string]int64),
	}
}

// InsertOrGet implements Store.
func (s *MemoryStore) InsertOrGet(ctx context.Context, rec NewRecord) (*TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byHash[rec.ValueHash]; ok && existing.Live(rec.CreatedAt) {
		return cloneRecord(existing), false, nil
	}

	s.kindSeqs[rec.Kind]++
	stored := &TokenRecord{
		Placeholder:    Placeholder(rec.Kind, s.kindSeqs[rec.Kind]),
		Ciphertext:     rec.Ciphertext,
		ValueHash:      rec.ValueHash,
		Kind:           rec.Kind,
		CreatedAt:      rec.CreatedAt,
		ExpiresAt:      rec.ExpiresAt,
		OwnerRequestID: rec.OwnerRequestID,
	}
	s.byHash[rec.ValueHash] = stored
	s.byToken[stored.Placeholder] = stored
	return cloneRecord(stored), true, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, placeholder string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[placeholder]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

// Touch implements Store.
func (s *MemoryStore) Touch(ctx context.Context, placeholder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.byToken[placeholder]; ok {
		rec.AccessCount++
	}
	return nil
}

// Revoke implements Store.
func (s *MemoryStore) Revoke(ctx context.Context, placeholder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byToken[placeholder]
	if !ok {
		return ErrNotFound
	}
	rec.Revoked = true
	return nil
}

// DeleteDead implements Store.
func (s *MemoryStore) DeleteDead(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, rec := range s.byToken {
		if rec.Live(now) {
			continue
		}
		delete(s.byToken, token)
		if byHash, ok := s.byHash[rec.ValueHash]; ok && byHash.Placeholder == token {
			delete(s.byHash, rec.ValueHash)
		}
		removed++
	}
	return removed, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// Len reports the number of stored records (test helper).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

func cloneRecord(rec *TokenRecord) *TokenRecord {
	out := *rec
	out.Ciphertext = append([]byte(nil), rec.Ciphertext...)
	return &out
}
