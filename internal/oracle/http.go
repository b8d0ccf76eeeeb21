// Package oracle provides PriceOracle clients for the liquidation keeper.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arseneeth/shayd/internal/domain"
)

// priceResponse is the oracle endpoint's JSON payload. Values are
// fixed-point integers at the advertised scale.
type priceResponse struct {
	Anchor int64 `json:"anchor"`
	Min    int64 `json:"min"`
	Max    int64 `json:"max"`
	Scale  int64 `json:"scale"`
}

// HTTPOracle queries a JSON price endpoint.
type HTTPOracle struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPOracle creates an HTTPOracle named name against baseURL. The
// timeout bounds each GetPrice call end to end.
func NewHTTPOracle(name, baseURL string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPOracle{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the oracle's configured name.
func (o *HTTPOracle) Name() string {
	return o.name
}

// GetPrice fetches the current quote and descales it to plain units.
func (o *HTTPOracle) GetPrice(ctx context.Context) (domain.PriceQuote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/price", nil)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle %s: build request: %w", o.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle %s: %w", o.name, domain.ErrExternalEngine)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.PriceQuote{}, fmt.Errorf("oracle %s: status %d: %w", o.name, resp.StatusCode, domain.ErrExternalEngine)
	}

	var body priceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("oracle %s: decode: %w", o.name, domain.ErrExternalEngine)
	}
	if body.Scale <= 0 || body.Anchor <= 0 {
		return domain.PriceQuote{}, fmt.Errorf("oracle %s: non-positive quote: %w", o.name, domain.ErrExternalEngine)
	}

	scale := float64(body.Scale)
	return domain.PriceQuote{
		Anchor: float64(body.Anchor) / scale,
		Min:    float64(body.Min) / scale,
		Max:    float64(body.Max) / scale,
		At:     time.Now().UTC(),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceOracle = (*HTTPOracle)(nil)
