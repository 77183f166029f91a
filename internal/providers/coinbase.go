package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/client"
)

// CoinbaseName is the source identifier and the exchange of every record it emits.
const CoinbaseName = "coinbase"

const perpMarker = "-PERP"

// Coinbase reads perpetual products from the public Coinbase Exchange API.
// The product list is fetched once per run; each perpetual becomes its own task.
type Coinbase struct {
	http   *client.Client
	logger zerolog.Logger
}

func NewCoinbase(c *client.Client, logger zerolog.Logger) *Coinbase {
	return &Coinbase{http: c, logger: logger.With().Str("source", CoinbaseName).Logger()}
}

func (s *Coinbase) Name() string { return CoinbaseName }

// Probe is a no-op; product endpoints are unauthenticated.
func (s *Coinbase) Probe(context.Context) error { return nil }

// Tasks lists products and returns one task per tradable perpetual.
func (s *Coinbase) Tasks(ctx context.Context) ([]Task, error) {
	var products []cbProduct
	if err := s.http.GetJSON(ctx, "/products", nil, &products); err != nil {
		if fe := classifyListing(CoinbaseName, err); fe != nil {
			return nil, fe
		}
		return nil, fmt.Errorf("%s: list products: %w", CoinbaseName, err)
	}

	var tasks []Task
	for _, p := range products {
		if !strings.Contains(p.ID, perpMarker) || p.TradingDisabled {
			continue
		}
		meta := Meta{Source: CoinbaseName, Exchange: CoinbaseName, Category: string(derivs.Perpetual)}
		tasks = append(tasks, NewTask(meta, s.fetchProduct(p.ID), normalizeCoinbasePerp))
	}
	s.logger.Debug().Int("products", len(products)).Int("perpetuals", len(tasks)).Msg("Coinbase products listed")
	return tasks, nil
}

// fetchProduct reads 24h stats and the ticker for one product.
func (s *Coinbase) fetchProduct(id string) func(context.Context) ([]cbPerp, error) {
	return func(ctx context.Context) ([]cbPerp, error) {
		base := "/products/" + url.PathEscape(id)
		var stats cbStats
		if err := s.http.GetJSON(ctx, base+"/stats", nil, &stats); err != nil {
			return nil, fmt.Errorf("%s stats: %w", id, err)
		}
		var ticker cbTicker
		if err := s.http.GetJSON(ctx, base+"/ticker", nil, &ticker); err != nil {
			return nil, fmt.Errorf("%s ticker: %w", id, err)
		}
		return []cbPerp{{ProductID: id, Stats: stats, Ticker: ticker}}, nil
	}
}

type cbProduct struct {
	ID              string `json:"id"`
	TradingDisabled bool   `json:"trading_disabled"`
}

type cbStats struct {
	Last         derivs.Num `json:"last"`
	Volume       derivs.Num `json:"volume"`
	OpenInterest derivs.Num `json:"open_interest"`
	FundingRate  derivs.Num `json:"funding_rate"`
}

type cbTicker struct {
	Price derivs.Num `json:"price"`
}

type cbPerp struct {
	ProductID string
	Stats     cbStats
	Ticker    cbTicker
}

// normalizeCoinbasePerp prices base-denominated volume and open interest at
// the ticker price, falling back to the last trade from stats.
func normalizeCoinbasePerp(p cbPerp, meta Meta) derivs.Record {
	price := p.Ticker.Price
	if !price.Valid {
		price = p.Stats.Last
	}
	return derivs.Record{
		Exchange:        meta.Exchange,
		Symbol:          strings.Replace(p.ProductID, perpMarker, "", 1),
		ContractType:    derivs.Perpetual,
		OpenInterestUSD: derivs.Mul(p.Stats.OpenInterest, price).NonNegative(),
		FundingRate:     p.Stats.FundingRate.Ptr(),
		Volume24h:       derivs.Mul(p.Stats.Volume, price).NonNegative(),
		IndexPrice:      price.NonNegative(),
	}
}
