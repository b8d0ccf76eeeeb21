package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/arseneeth/shayd/internal/domain"
)

// StaticOracle serves a settable fixture price. Used by dev mode and tests.
type StaticOracle struct {
	name string

	mu    sync.RWMutex
	quote domain.PriceQuote
	err   error
}

// NewStaticOracle creates a StaticOracle answering with anchor, with min
// and max pinned 1% either side.
func NewStaticOracle(name string, anchor float64) *StaticOracle {
	return &StaticOracle{
		name: name,
		quote: domain.PriceQuote{
			Anchor: anchor,
			Min:    anchor * 0.99,
			Max:    anchor * 1.01,
			At:     time.Now().UTC(),
		},
	}
}

// Name returns the oracle's configured name.
func (o *StaticOracle) Name() string {
	return o.name
}

// SetAnchor updates the served price.
func (o *StaticOracle) SetAnchor(anchor float64) {
	o.mu.Lock()
	o.quote = domain.PriceQuote{
		Anchor: anchor,
		Min:    anchor * 0.99,
		Max:    anchor * 1.01,
		At:     time.Now().UTC(),
	}
	o.err = nil
	o.mu.Unlock()
}

// Fail makes subsequent GetPrice calls return err until the next SetAnchor.
func (o *StaticOracle) Fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// GetPrice returns the fixture quote or the injected failure.
func (o *StaticOracle) GetPrice(ctx context.Context) (domain.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return domain.PriceQuote{}, err
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.err != nil {
		return domain.PriceQuote{}, o.err
	}
	return o.quote, nil
}

// Compile-time interface check.
var _ domain.PriceOracle = (*StaticOracle)(nil)
