// Package memory provides in-process implementations of the storage and
// messaging interfaces, used by dev mode and tests. Semantics mirror the
// postgres and redis implementations, including not-found and
// already-exists behavior.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arseneeth/shayd/internal/domain"
)

// DepositStore is an in-memory domain.DepositStore.
type DepositStore struct {
	mu   sync.RWMutex
	recs map[string]domain.EncryptedDepositRecord
}

func NewDepositStore() *DepositStore {
	return &DepositStore{recs: make(map[string]domain.EncryptedDepositRecord)}
}

func (s *DepositStore) Create(ctx context.Context, rec domain.EncryptedDepositRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.DepositID]; ok {
		return fmt.Errorf("memory: deposit %s: %w", rec.DepositID, domain.ErrAlreadyExists)
	}
	s.recs[rec.DepositID] = rec
	return nil
}

func (s *DepositStore) Get(ctx context.Context, depositID string) (domain.EncryptedDepositRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[depositID]
	if !ok {
		return domain.EncryptedDepositRecord{}, fmt.Errorf("memory: deposit %s: %w", depositID, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *DepositStore) GetMany(ctx context.Context, ids []string) ([]domain.EncryptedDepositRecord, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []domain.EncryptedDepositRecord
	var missing []string
	for _, id := range ids {
		if rec, ok := s.recs[id]; ok {
			recs = append(recs, rec)
		} else {
			missing = append(missing, id)
		}
	}
	return recs, missing, nil
}

func (s *DepositStore) Delete(ctx context.Context, depositID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[depositID]; !ok {
		return fmt.Errorf("memory: deposit %s: %w", depositID, domain.ErrNotFound)
	}
	delete(s.recs, depositID)
	return nil
}

func (s *DepositStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.recs)), nil
}

// PositionStore is an in-memory domain.PositionStore.
type PositionStore struct {
	mu   sync.RWMutex
	recs map[uint64]domain.PositionRecord
}

func NewPositionStore() *PositionStore {
	return &PositionStore{recs: make(map[uint64]domain.PositionRecord)}
}

func (s *PositionStore) Create(ctx context.Context, rec domain.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.PositionID]; ok {
		return fmt.Errorf("memory: position %d: %w", rec.PositionID, domain.ErrAlreadyExists)
	}
	s.recs[rec.PositionID] = rec
	return nil
}

func (s *PositionStore) Get(ctx context.Context, positionID uint64) (domain.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[positionID]
	if !ok {
		return domain.PositionRecord{}, fmt.Errorf("memory: position %d: %w", positionID, domain.ErrNotFound)
	}
	return rec, nil
}

func (s *PositionStore) PooledIDs(ctx context.Context) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uint64]bool)
	var ids []uint64
	for _, rec := range s.recs {
		if rec.PoolRef != 0 && !seen[rec.PoolRef] {
			seen[rec.PoolRef] = true
			ids = append(ids, rec.PoolRef)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.recs)), nil
}

// HealthStore is an in-memory domain.HealthStore.
type HealthStore struct {
	mu    sync.RWMutex
	snaps map[uint64]domain.PositionHealth
}

func NewHealthStore() *HealthStore {
	return &HealthStore{snaps: make(map[uint64]domain.PositionHealth)}
}

func (s *HealthStore) Upsert(ctx context.Context, h domain.PositionHealth) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[h.PositionID] = h
	return nil
}

func (s *HealthStore) Get(ctx context.Context, positionID uint64) (domain.PositionHealth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.snaps[positionID]
	if !ok {
		return domain.PositionHealth{}, fmt.Errorf("memory: health %d: %w", positionID, domain.ErrNotFound)
	}
	return h, nil
}

func (s *HealthStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.snaps)), nil
}

// PriceCache is an in-memory domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.PriceQuote
}

func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]domain.PriceQuote)}
}

func (c *PriceCache) SetQuote(ctx context.Context, oracle string, q domain.PriceQuote) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[oracle] = q
	return nil
}

func (c *PriceCache) GetQuote(ctx context.Context, oracle string) (domain.PriceQuote, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[oracle]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("memory: quote %s: %w", oracle, domain.ErrNotFound)
	}
	return q, nil
}

// SignalBus is an in-memory domain.SignalBus. Subscribers with full
// buffers drop messages, matching fire-and-forget pub/sub semantics.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	nextID  int64
}

func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()
	return ch, nil
}

func (b *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      fmt.Sprintf("%d-0", b.nextID),
		Payload: payload,
	})
	return nil
}

func (b *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.streams[stream]
	start := 0
	if lastID != "" && lastID != "0" {
		for i, m := range msgs {
			if m.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	end := len(msgs)
	if count > 0 && start+count < end {
		end = start + count
	}
	out := make([]domain.StreamMessage, end-start)
	copy(out, msgs[start:end])
	return out, nil
}

// LockManager is an in-memory domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]time.Time)}
}

func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.locks[key]; ok && time.Now().Before(exp) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	m.locks[key] = time.Now().Add(ttl)
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, key)
			m.mu.Unlock()
		})
	}, nil
}
