// Package exchange talks to the upstream trade APIs. Adapters translate
// cursor windows into typed Trade pages and map every HTTP outcome onto the
// Kind taxonomy. Adapters never retry and never sleep: the fetcher owns the
// retry policy so the circuit breaker sees every individual attempt.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"schemahub/internal/models"
)

const (
	defaultTimeout = 15 * time.Second
	maxPageLimit   = 1000

	// maxBodyBytes caps response reads; a trade page is a few hundred KB,
	// so anything near this is the upstream misbehaving.
	maxBodyBytes = 32 << 20
)

// CoinbaseConfig configures the Coinbase Exchange adapter.
type CoinbaseConfig struct {
	BaseURL   string        `yaml:"baseUrl"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"userAgent"`
}

// Coinbase fetches trades from the Coinbase Exchange REST API. The upstream
// pages newest-first below an `after` cursor; FetchPage converts that into
// the ascending id-window view the fetcher plans with.
type Coinbase struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func NewCoinbase(cfg CoinbaseConfig) (*Coinbase, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("coinbase adapter: base URL required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Coinbase{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

// Source returns the constant source label stamped on every trade.
func (c *Coinbase) Source() string {
	return "coinbase"
}

// Page is one fetched id-window of trades.
type Page struct {
	// Trades is ascending by trade id and contains exactly the upstream's
	// trades with ids in (after, after+limit].
	Trades []models.Trade
	// Next is the largest trade id in the page; meaningful when !End.
	Next uint64
	// End reports that the window contained no trades.
	End bool
	// ResponseID is the upstream's request id header, for log correlation.
	ResponseID string
}

// wireTrade is the upstream JSON shape of a single trade.
type wireTrade struct {
	TradeID uint64 `json:"trade_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Time    string `json:"time"`
	Side    string `json:"side"`
	Bid     string `json:"bid,omitempty"`
	Ask     string `json:"ask,omitempty"`
}

// Head returns the largest trade id currently visible for the product.
func (c *Coinbase) Head(ctx context.Context, productID string) (uint64, error) {
	raw, respID, err := c.getTrades(ctx, productID, url.Values{"limit": {"1"}})
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}
	var wire wireTrade
	if err := json.Unmarshal(raw[0], &wire); err != nil {
		return 0, &FetchError{Kind: KindProtocolError, ResponseID: respID, Err: fmt.Errorf("decode head trade: %w", err)}
	}
	return wire.TradeID, nil
}

// FetchPage returns the trades with ids in (after, after+limit], ascending.
// The upstream's `after` parameter pages strictly below the given cursor, so
// requesting after+limit+1 yields the whole window in one response.
func (c *Coinbase) FetchPage(ctx context.Context, productID string, after uint64, limit int) (Page, error) {
	if limit < 1 || limit > maxPageLimit {
		return Page{}, fmt.Errorf("coinbase adapter: page limit %d out of range [1,%d]", limit, maxPageLimit)
	}

	params := url.Values{
		"limit": {fmt.Sprintf("%d", limit)},
		"after": {fmt.Sprintf("%d", after+uint64(limit)+1)},
	}
	raw, respID, err := c.getTrades(ctx, productID, params)
	if err != nil {
		return Page{}, err
	}

	ingestTS := time.Now().UTC()
	trades := make([]models.Trade, 0, len(raw))
	for _, payload := range raw {
		var wire wireTrade
		if err := json.Unmarshal(payload, &wire); err != nil {
			return Page{}, &FetchError{Kind: KindProtocolError, ResponseID: respID, Err: fmt.Errorf("decode trade: %w", err)}
		}
		// The upstream pages by recency, so a short window's response tail
		// reaches below `after`; those ids are already ingested.
		if wire.TradeID <= after || wire.TradeID > after+uint64(limit) {
			continue
		}
		trade, err := c.toTrade(productID, wire, payload, ingestTS)
		if err != nil {
			return Page{}, &FetchError{Kind: KindProtocolError, ResponseID: respID, Err: err}
		}
		trades = append(trades, trade)
	}

	if len(trades) == 0 {
		return Page{End: true, ResponseID: respID}, nil
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].TradeID < trades[j].TradeID })
	return Page{
		Trades:     trades,
		Next:       trades[len(trades)-1].TradeID,
		ResponseID: respID,
	}, nil
}

func (c *Coinbase) toTrade(productID string, wire wireTrade, payload json.RawMessage, ingestTS time.Time) (models.Trade, error) {
	ts, err := time.Parse(time.RFC3339Nano, wire.Time)
	if err != nil {
		return models.Trade{}, fmt.Errorf("trade %d: bad time %q: %w", wire.TradeID, wire.Time, err)
	}
	side := strings.ToUpper(wire.Side)
	if side != "BUY" && side != "SELL" {
		return models.Trade{}, fmt.Errorf("trade %d: bad side %q", wire.TradeID, wire.Side)
	}
	if wire.Price == "" || wire.Size == "" {
		return models.Trade{}, fmt.Errorf("trade %d: missing price or size", wire.TradeID)
	}

	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	return models.Trade{
		TradeID:        wire.TradeID,
		ProductID:      productID,
		Price:          wire.Price,
		Size:           wire.Size,
		Time:           ts,
		Side:           side,
		Bid:            wire.Bid,
		Ask:            wire.Ask,
		Source:         c.Source(),
		SourceIngestTS: ingestTS,
		RawPayload:     cp,
	}, nil
}

// getTrades performs one GET against the product trades endpoint and
// classifies the outcome. The body is returned as raw per-trade payloads so
// callers can preserve the exact upstream form.
func (c *Coinbase) getTrades(ctx context.Context, productID string, params url.Values) ([]json.RawMessage, string, error) {
	endpoint := fmt.Sprintf("%s/products/%s/trades?%s", c.baseURL, url.PathEscape(productID), params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("coinbase adapter: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// The run being canceled or hitting its wall deadline is not an
		// upstream failure.
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &FetchError{Kind: KindTransportError, Err: err}
	}
	defer resp.Body.Close()

	respID := resp.Header.Get("X-Request-Id")
	if respID == "" {
		respID = resp.Header.Get("Cb-Trace-Id")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, respID, &FetchError{Kind: KindRateLimited, StatusCode: resp.StatusCode, ResponseID: respID}
	case resp.StatusCode >= 500:
		return nil, respID, &FetchError{Kind: KindServerError, StatusCode: resp.StatusCode, ResponseID: respID}
	default:
		return nil, respID, &FetchError{Kind: KindClientError, StatusCode: resp.StatusCode, ResponseID: respID, Err: fmt.Errorf("unexpected status for %s", productID)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, respID, &FetchError{Kind: KindTransportError, ResponseID: respID, Err: fmt.Errorf("read body: %w", err)}
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, respID, &FetchError{Kind: KindProtocolError, ResponseID: respID, Err: fmt.Errorf("decode trade array: %w", err)}
	}
	return raw, respID, nil
}
