package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/domain"
)

const defaultCoinGeckoURL = "https://api.coingecko.com/api/v3/simple/price"

// coinGeckoIDs maps supported currencies to CoinGecko asset identifiers.
var coinGeckoIDs = map[domain.Currency]string{
	domain.CurrencyBTC: "bitcoin",
	domain.CurrencyETH: "ethereum",
}

// CoinGecko fetches spot prices from the CoinGecko simple price API.
type CoinGecko struct {
	baseURL string
	client  *http.Client
}

// NewCoinGecko creates a fetcher against the public CoinGecko API.
func NewCoinGecko() *CoinGecko {
	return &CoinGecko{
		baseURL: defaultCoinGeckoURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// NewCoinGeckoWithURL creates a fetcher against a custom endpoint.
func NewCoinGeckoWithURL(baseURL string) *CoinGecko {
	fetcher := NewCoinGecko()
	fetcher.baseURL = baseURL
	return fetcher
}

// FetchPrices retrieves USD prices for every supported currency.
func (c *CoinGecko) FetchPrices(ctx context.Context) (map[domain.Currency]decimal.Decimal, error) {
	query := url.Values{}
	query.Set("ids", "bitcoin,ethereum")
	query.Set("vs_currencies", "usd")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch prices: unexpected status %d", resp.StatusCode)
	}

	var payload map[string]struct {
		USD json.Number `json:"usd"`
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode price response: %w", err)
	}

	prices := make(map[domain.Currency]decimal.Decimal, len(coinGeckoIDs))
	for currency, assetID := range coinGeckoIDs {
		entry, ok := payload[assetID]
		if !ok {
			return nil, fmt.Errorf("price response missing %s", assetID)
		}
		price, err := decimal.NewFromString(entry.USD.String())
		if err != nil {
			return nil, fmt.Errorf("parse %s price: %w", assetID, err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("non-positive %s price %s", assetID, price)
		}
		prices[currency] = price
	}
	return prices, nil
}
