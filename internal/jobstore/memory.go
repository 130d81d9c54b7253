package jobstore

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	payload   JobPayload
	expiresAt time.Time
}

// MemoryStore is an in-process Store. Expired records are dropped lazily on
// read or by Sweep.
type MemoryStore struct {
	records map[string]memoryRecord
	ttl     time.Duration
	now     func() time.Time

	mu sync.Mutex
}

// NewMemoryStore creates a MemoryStore whose records expire after ttl. A ttl
// of zero or less disables expiry.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(
	ctx context.Context,
	id string,
	payload JobPayload,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, exists := s.records[id]; exists && !s.expired(r) {
		return ErrJobExists
	}

	r := memoryRecord{payload: payload}
	if s.ttl > 0 {
		r.expiresAt = s.now().Add(s.ttl)
	}

	s.records[id] = r

	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (JobPayload, error) {
	if err := ctx.Err(); err != nil {
		return JobPayload{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.records[id]
	if !exists {
		return JobPayload{}, ErrJobNotFound
	}

	if s.expired(r) {
		delete(s.records, id)
		return JobPayload{}, ErrJobNotFound
	}

	return r.payload, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	return nil
}

// Sweep removes every expired record and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for id, r := range s.records {
		if s.expired(r) {
			delete(s.records, id)
			removed++
		}
	}

	return removed
}

// Len returns the number of records held, including any not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.records)
}

func (s *MemoryStore) expired(r memoryRecord) bool {
	return !r.expiresAt.IsZero() && !s.now().Before(r.expiresAt)
}
