package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/session-engine/internal/instrument"
)

// DefaultCoinGeckoURL is the public API base.
const DefaultCoinGeckoURL = "https://api.coingecko.com/api/v3"

// CoinGecko fetches spot prices from the CoinGecko simple price endpoint.
// Prices are quoted in USD regardless of the pair's quote currency.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewCoinGecko creates a client. An empty baseURL uses DefaultCoinGeckoURL.
func NewCoinGecko(baseURL, apiKey string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = DefaultCoinGeckoURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CoinGecko) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	pair, err := instrument.Parse(symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	q := url.Values{}
	q.Set("ids", pair.FeedID)
	q.Set("vs_currencies", "usd")
	endpoint := c.baseURL + "/simple/price?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("coingecko: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	// {"ethereum":{"usd":3456.78}}; json.Number keeps full precision.
	var payload map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: decode response: %w", err)
	}
	raw, ok := payload[pair.FeedID]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("coingecko: no usd price for %s", pair.FeedID)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: parse price %q: %w", raw, err)
	}
	return price, nil
}
