package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/louisbranch/crashfall/internal/game/domain"
)

type fakeFetcher struct {
	prices map[domain.Currency]decimal.Decimal
	err    error
	calls  int
}

func (f *fakeFetcher) FetchPrices(ctx context.Context) (map[domain.Currency]decimal.Decimal, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.prices, nil
}

func TestStaticOracle(t *testing.T) {
	t.Parallel()

	oracle := Static{Prices: map[domain.Currency]decimal.Decimal{
		domain.CurrencyBTC: decimal.NewFromInt(50000),
	}}

	price, err := oracle.CurrentPrice(domain.CurrencyBTC)
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("price = %s, want 50000", price)
	}
	if _, err := oracle.CurrentPrice(domain.CurrencyETH); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCacheUnavailableBeforeFirstRefresh(t *testing.T) {
	t.Parallel()

	cache := NewCache(&fakeFetcher{}, 0)
	if _, err := cache.CurrentPrice(domain.CurrencyBTC); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCacheRefreshAndLookup(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{prices: map[domain.Currency]decimal.Decimal{
		domain.CurrencyBTC: decimal.NewFromInt(48000),
		domain.CurrencyETH: decimal.NewFromInt(3100),
	}}
	cache := NewCache(fetcher, 0)

	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	price, err := cache.CurrentPrice(domain.CurrencyETH)
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(3100)) {
		t.Fatalf("price = %s, want 3100", price)
	}
	if cache.LastFetched().IsZero() {
		t.Fatal("expected last fetched timestamp to be set")
	}
}

func TestCacheKeepsLastKnownGoodOnFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{prices: map[domain.Currency]decimal.Decimal{
		domain.CurrencyBTC: decimal.NewFromInt(48000),
	}}
	cache := NewCache(fetcher, 0)
	if err := cache.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	fetcher.err = fmt.Errorf("upstream down")
	if err := cache.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh failure")
	}

	price, err := cache.CurrentPrice(domain.CurrencyBTC)
	if err != nil {
		t.Fatalf("current price after failed refresh: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(48000)) {
		t.Fatalf("price = %s, want last known good 48000", price)
	}
}

func TestCoinGeckoFetchPrices(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("vs_currencies"); got != "usd" {
			t.Errorf("vs_currencies = %q, want usd", got)
		}
		fmt.Fprint(w, `{"bitcoin":{"usd":51234.56},"ethereum":{"usd":3021.77}}`)
	}))
	defer server.Close()

	fetcher := NewCoinGeckoWithURL(server.URL)
	prices, err := fetcher.FetchPrices(context.Background())
	if err != nil {
		t.Fatalf("fetch prices: %v", err)
	}
	if !prices[domain.CurrencyBTC].Equal(decimal.RequireFromString("51234.56")) {
		t.Fatalf("BTC price = %s, want 51234.56", prices[domain.CurrencyBTC])
	}
	if !prices[domain.CurrencyETH].Equal(decimal.RequireFromString("3021.77")) {
		t.Fatalf("ETH price = %s, want 3021.77", prices[domain.CurrencyETH])
	}
}

func TestCoinGeckoRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	fetcher := NewCoinGeckoWithURL(server.URL)
	if _, err := fetcher.FetchPrices(context.Background()); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestCoinGeckoRejectsMissingAsset(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"bitcoin":{"usd":51234.56}}`)
	}))
	defer server.Close()

	fetcher := NewCoinGeckoWithURL(server.URL)
	if _, err := fetcher.FetchPrices(context.Background()); err == nil {
		t.Fatal("expected error for missing ethereum entry")
	}
}
