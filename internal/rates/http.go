package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finboard/portfolio-engine/internal/currency"
	"github.com/finboard/portfolio-engine/internal/metrics"
)

// HTTPProvider fetches rates from a Frankfurter-style JSON API:
//
//	GET {endpoint}?from=USD → {"base":"USD","date":"2024-01-02","rates":{"EUR":0.91,...}}
type HTTPProvider struct {
	endpoint string
	cli      *http.Client
}

// NewHTTPProvider creates a provider for endpoint.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{endpoint: endpoint, cli: &http.Client{Timeout: timeout}}
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

func (p *HTTPProvider) GetRates(ctx context.Context, base string) (currency.RateSnapshot, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		return currency.RateSnapshot{}, fmt.Errorf("rates: empty base currency")
	}

	u, err := url.Parse(p.endpoint)
	if err != nil {
		return currency.RateSnapshot{}, fmt.Errorf("rates: invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("from", base)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return currency.RateSnapshot{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "portfolio-engine/1.0")

	resp, err := p.cli.Do(req)
	if err != nil {
		metrics.RateFetches.WithLabelValues("http", "error").Inc()
		return currency.RateSnapshot{}, fmt.Errorf("rates: fetch %s: %w", base, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.RateFetches.WithLabelValues("http", "error").Inc()
		return currency.RateSnapshot{}, fmt.Errorf("rates: fetch %s: http %d", base, resp.StatusCode)
	}

	var raw ratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		metrics.RateFetches.WithLabelValues("http", "error").Inc()
		return currency.RateSnapshot{}, fmt.Errorf("rates: decode %s: %w", base, err)
	}
	if len(raw.Rates) == 0 {
		metrics.RateFetches.WithLabelValues("http", "empty").Inc()
		return currency.RateSnapshot{}, fmt.Errorf("%w for %s", ErrNoRates, base)
	}

	asOf, err := time.Parse("2006-01-02", raw.Date)
	if err != nil {
		asOf = time.Now().UTC()
	}
	if raw.Base == "" {
		raw.Base = base
	}
	metrics.RateFetches.WithLabelValues("http", "ok").Inc()
	return currency.NewSnapshot(raw.Base, raw.Rates, asOf), nil
}
