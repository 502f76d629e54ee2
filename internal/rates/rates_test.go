package rates

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finboard/portfolio-engine/internal/currency"
)

var jan = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func usdSnapshot() currency.RateSnapshot {
	return currency.NewSnapshot("USD", map[string]float64{"EUR": 0.5, "GBP": 0.25}, jan)
}

type countingProvider struct {
	calls atomic.Int32
	delay time.Duration
	err   error
}

func (p *countingProvider) GetRates(_ context.Context, base string) (currency.RateSnapshot, error) {
	p.calls.Add(1)
	time.Sleep(p.delay)
	if p.err != nil {
		return currency.RateSnapshot{}, p.err
	}
	return currency.NewSnapshot(base, map[string]float64{"EUR": 0.5}, jan), nil
}

func TestStaticProvider(t *testing.T) {
	eur := currency.NewSnapshot("EUR", map[string]float64{"USD": 2}, jan)
	p := NewStaticProvider(usdSnapshot()).With("eur", eur)

	got, err := p.GetRates(context.Background(), "EUR")
	if err != nil || got.Base != "EUR" {
		t.Errorf("expected the EUR snapshot, got %+v (%v)", got, err)
	}
	got, err = p.GetRates(context.Background(), "JPY")
	if err != nil || got.Base != "USD" {
		t.Errorf("expected the default snapshot, got %+v (%v)", got, err)
	}

	empty := NewStaticProvider(currency.RateSnapshot{})
	if _, err := empty.GetRates(context.Background(), "USD"); !errors.Is(err, ErrNoRates) {
		t.Errorf("expected ErrNoRates, got %v", err)
	}
}

func TestCache_FetchesOncePerBase(t *testing.T) {
	upstream := &countingProvider{delay: 20 * time.Millisecond}
	c := NewCache(upstream)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.GetRates(context.Background(), "usd")
			if err != nil || s.Base != "USD" {
				t.Errorf("unexpected result %+v (%v)", s, err)
			}
		}()
	}
	wg.Wait()

	if _, err := c.GetRates(context.Background(), "EUR"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := upstream.calls.Load(); n != 2 {
		t.Errorf("expected one fetch per base (2), got %d", n)
	}

	c.Invalidate("USD")
	c.GetRates(context.Background(), "USD")
	if n := upstream.calls.Load(); n != 3 {
		t.Errorf("expected refetch after invalidate, got %d calls", n)
	}
}

func TestCache_DoesNotCacheErrors(t *testing.T) {
	upstream := &countingProvider{err: errors.New("upstream down")}
	c := NewCache(upstream)

	c.GetRates(context.Background(), "USD")
	c.GetRates(context.Background(), "USD")
	if n := upstream.calls.Load(); n != 2 {
		t.Errorf("failed fetches must be retried, got %d calls", n)
	}
}

func TestHTTPProvider_GetRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "USD" {
			t.Errorf("expected from=USD, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"amount": 1.0,
			"base":   "USD",
			"date":   "2024-01-02",
			"rates":  map[string]float64{"EUR": 0.91, "ILS": 3.7},
		})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL+"/latest", time.Second)
	s, err := p.GetRates(context.Background(), "usd")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Base != "USD" || !s.AsOf.Equal(jan) {
		t.Errorf("unexpected snapshot header %s %v", s.Base, s.AsOf)
	}
	if r, ok := s.Rate("ILS"); !ok || !r.Equal(decimal.NewFromFloat(3.7)) {
		t.Errorf("expected ILS 3.7, got %s", r)
	}
	if r, ok := s.Rate("USD"); !ok || !r.Equal(decimal.NewFromInt(1)) {
		t.Errorf("base should have implicit rate 1, got %s", r)
	}
}

func TestHTTPProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("from") {
		case "XXX":
			w.Write([]byte(`{"base":"XXX","rates":{}}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, time.Second)
	if _, err := p.GetRates(context.Background(), "XXX"); !errors.Is(err, ErrNoRates) {
		t.Errorf("expected ErrNoRates, got %v", err)
	}
	if _, err := p.GetRates(context.Background(), "USD"); err == nil {
		t.Error("expected error for http 404")
	}
	if _, err := p.GetRates(context.Background(), " "); err == nil {
		t.Error("expected error for empty base")
	}
}

func TestDecodeSnapshot(t *testing.T) {
	data, _ := json.Marshal(usdSnapshot())
	s, ok := decodeSnapshot(data)
	if !ok || s.Base != "USD" {
		t.Fatalf("expected cached snapshot to decode, got %+v", s)
	}
	if r, _ := s.Rate("GBP"); !r.Equal(decimal.NewFromFloat(0.25)) {
		t.Errorf("expected GBP 0.25, got %s", r)
	}
	if _, ok := decodeSnapshot([]byte(`{"base":"USD","rates":{}}`)); ok {
		t.Error("empty snapshots must not be served from cache")
	}
	if ratesKey("USD") != "rates:USD" {
		t.Errorf("unexpected key %s", ratesKey("USD"))
	}
}
