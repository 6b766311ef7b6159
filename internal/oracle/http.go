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
	"golang.org/x/time/rate"
)

// HTTP fetches quotes from a JSON endpoint:
//
//	GET {base}/quote?symbol=NVDA  →  {"symbol":"NVDA","price":"875.50"}
//
// Outbound calls are rate limited. Lookups are not retried; a failed price
// fails the caller's request.
type HTTP struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewHTTP creates a quote client. ratePerSec <= 0 defaults to 10.
func NewHTTP(base string, ratePerSec float64, timeout time.Duration) *HTTP {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTP{
		http:    &http.Client{Timeout: timeout},
		base:    strings.TrimRight(base, "/"),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)+1),
	}
}

type quoteResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (h *HTTP) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate limiter: %v", ErrUnavailable, err)
	}

	u := h.base + "/quote?symbol=" + url.QueryEscape(symbol)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return decimal.Zero, fmt.Errorf("%w: %s: status %d: %s", ErrUnavailable, symbol, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var q quoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, symbol, err)
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive price %s", ErrUnavailable, symbol, q.Price)
	}
	return q.Price, nil
}
