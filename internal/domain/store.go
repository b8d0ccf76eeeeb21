package domain

import (
	"context"
	"time"
)

// DepositStore persists encrypted deposit records. Records are write-once:
// created on submission, deleted exactly once at promotion.
type DepositStore interface {
	Create(ctx context.Context, rec EncryptedDepositRecord) error
	Get(ctx context.Context, depositID string) (EncryptedDepositRecord, error)
	// GetMany returns the records found for ids together with the ids that
	// were absent, preserving request order for both.
	GetMany(ctx context.Context, ids []string) ([]EncryptedDepositRecord, []string, error)
	Delete(ctx context.Context, depositID string) error
	Count(ctx context.Context) (int64, error)
}

// PositionStore persists promoted position records.
type PositionStore interface {
	Create(ctx context.Context, rec PositionRecord) error
	Get(ctx context.Context, positionID uint64) (PositionRecord, error)
	// PooledIDs returns the distinct pooled position ids referenced by
	// stored records, for keeper monitoring.
	PooledIDs(ctx context.Context) ([]uint64, error)
	Count(ctx context.Context) (int64, error)
}

// HealthStore persists position health snapshots, keyed by position id and
// freely overwritable.
type HealthStore interface {
	Upsert(ctx context.Context, h PositionHealth) error
	Get(ctx context.Context, positionID uint64) (PositionHealth, error)
	Count(ctx context.Context) (int64, error)
}

// PriceCache holds the latest quote per oracle.
type PriceCache interface {
	SetQuote(ctx context.Context, oracle string, q PriceQuote) error
	GetQuote(ctx context.Context, oracle string) (PriceQuote, error)
}

// StreamMessage is a single entry read from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub fan-out for ephemeral events and append/read
// on durable ordered streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter applies sliding-window request limits keyed by caller.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed mutual exclusion.
type LockManager interface {
	// Acquire obtains the lock or returns ErrLockHeld. The returned unlock
	// function is safe to call multiple times.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}
