// Package price provides the per-cycle USD price snapshot of the vault assets.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/vaultwatch/service/metrics"
	"github.com/brojonat/vaultwatch/service/vault"
	"github.com/itchyny/gojq"
)

// Snapshot maps an asset index to its USD price. One snapshot is used for
// every event of a cycle.
type Snapshot map[int]float64

// Price returns the price of the asset at index.
func (s Snapshot) Price(index int) (float64, bool) {
	p, ok := s[index]
	return p, ok
}

// Source fetches price snapshots.
type Source interface {
	GetPrices(ctx context.Context) (Snapshot, error)
	Name() string
}

// FixedSource serves only the fixed prices configured in the vault table.
type FixedSource struct {
	table *vault.Table
}

func NewFixedSource(table *vault.Table) *FixedSource {
	return &FixedSource{table: table}
}

func (s *FixedSource) Name() string { return "fixed" }

func (s *FixedSource) GetPrices(_ context.Context) (Snapshot, error) {
	return fixedPrices(s.table), nil
}

func fixedPrices(table *vault.Table) Snapshot {
	snap := make(Snapshot, table.Len())
	for _, a := range table.Assets() {
		if a.FixedPrice != nil {
			snap[a.Index] = *a.FixedPrice
		}
	}
	return snap
}

const maxFeedBody = 4 << 20

// HTTPSource fetches a JSON price feed and extracts {SYMBOL: price} with a jq
// program. Assets with a fixed price in the vault table keep that price.
type HTTPSource struct {
	url        string
	code       *gojq.Code
	table      *vault.Table
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewHTTPSource compiles filter (default ".") and returns a source for feedURL.
// For a CoinGecko simple/price URL a suitable filter is
//
//	{BTC: .bitcoin.usd, ETH: .ethereum.usd, SOL: .solana.usd}
func NewHTTPSource(feedURL, filter string, table *vault.Table, httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) (*HTTPSource, error) {
	if feedURL == "" {
		return nil, fmt.Errorf("price feed url is required")
	}
	if strings.TrimSpace(filter) == "" {
		filter = "."
	}
	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse price jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile price jq filter %q: %w", filter, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		url:        feedURL,
		code:       code,
		table:      table,
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}, nil
}

func (s *HTTPSource) Name() string { return "http" }

// GetPrices fetches the feed once. Symbols the feed does not price are left
// out of the snapshot.
func (s *HTTPSource) GetPrices(ctx context.Context) (Snapshot, error) {
	snap, err := s.fetch(ctx)
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordPriceFetch(s.Name(), status)
	return snap, err
}

func (s *HTTPSource) fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create price request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read price feed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price feed returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode price feed: %w", err)
	}

	bySymbol, err := s.extract(doc)
	if err != nil {
		return nil, err
	}

	snap := fixedPrices(s.table)
	for _, a := range s.table.Assets() {
		if _, fixed := snap[a.Index]; fixed {
			continue
		}
		p, ok := bySymbol[strings.ToUpper(a.Symbol)]
		if !ok {
			s.logger.WarnContext(ctx, "price feed has no price for asset", "symbol", a.Symbol)
			continue
		}
		snap[a.Index] = p
	}
	return snap, nil
}

// extract runs the jq program and returns upper-cased symbol → price.
func (s *HTTPSource) extract(doc any) (map[string]float64, error) {
	iter := s.code.Run(doc)
	v, ok := iter.Next()
	if !ok {
		return nil, fmt.Errorf("price jq filter produced no output")
	}
	if err, isErr := v.(error); isErr {
		return nil, fmt.Errorf("price jq filter failed: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("price jq filter must produce an object, got %T", v)
	}

	out := make(map[string]float64, len(obj))
	for symbol, raw := range obj {
		p, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("price for %s: %w", symbol, err)
		}
		if p < 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("price for %s is invalid: %v", symbol, p)
		}
		out[strings.ToUpper(symbol)] = p
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("price is null")
	default:
		return 0, fmt.Errorf("unexpected price type %T", v)
	}
}
