package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/client"
)

// CoinMarketCapName is the source identifier used in logs and errors.
const CoinMarketCapName = "coinmarketcap"

// DefaultCategories are the market-pair categories fetched when none are configured.
var DefaultCategories = []string{"perpetual", "futures"}

// CoinMarketCapConfig configures the CoinMarketCap derivatives source.
type CoinMarketCapConfig struct {
	APIKey string
	// Exchanges are exchange slugs. Empty means every active exchange in the listing.
	Exchanges  []string
	Categories []string
	// Limit caps market pairs per (exchange, category) request.
	Limit int
}

// CoinMarketCap fetches per-exchange derivative market pairs from the CMC Pro API.
type CoinMarketCap struct {
	http   *client.Client
	cfg    CoinMarketCapConfig
	logger zerolog.Logger
}

// NewCoinMarketCap builds the source. The client must already carry the
// X-CMC_PRO_API_KEY header.
func NewCoinMarketCap(c *client.Client, cfg CoinMarketCapConfig, logger zerolog.Logger) *CoinMarketCap {
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	return &CoinMarketCap{http: c, cfg: cfg, logger: logger.With().Str("source", CoinMarketCapName).Logger()}
}

func (s *CoinMarketCap) Name() string { return CoinMarketCapName }

// Probe calls /v1/key/info; any failure is fatal.
func (s *CoinMarketCap) Probe(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return &FatalError{Provider: CoinMarketCapName, Reason: reasonNoKey}
	}
	var info cmcKeyInfo
	if err := s.http.GetJSON(ctx, "/v1/key/info", nil, &info); err != nil {
		return classifyProbe(CoinMarketCapName, err)
	}
	s.logger.Debug().
		Int("credits_left_today", info.Data.Usage.CurrentDay.CreditsLeft).
		Msg("CoinMarketCap key validated")
	return nil
}

// Tasks returns one task per (exchange, category).
func (s *CoinMarketCap) Tasks(ctx context.Context) ([]Task, error) {
	exchanges := s.cfg.Exchanges
	if len(exchanges) == 0 {
		listed, err := s.listExchanges(ctx)
		if err != nil {
			if fe := classifyListing(CoinMarketCapName, err); fe != nil {
				return nil, fe
			}
			return nil, fmt.Errorf("%s: list exchanges: %w", CoinMarketCapName, err)
		}
		exchanges = listed
	}

	tasks := make([]Task, 0, len(exchanges)*len(s.cfg.Categories))
	for _, ex := range exchanges {
		for _, cat := range s.cfg.Categories {
			meta := Meta{Source: CoinMarketCapName, Exchange: ex, Category: cat}
			tasks = append(tasks, NewTask(meta, s.fetchPairs(meta), normalizeCMCPair))
		}
	}
	return tasks, nil
}

func (s *CoinMarketCap) listExchanges(ctx context.Context) ([]string, error) {
	var resp cmcExchangeMap
	q := url.Values{"listing_status": {"active"}}
	if err := s.http.GetJSON(ctx, "/v1/exchange/map", q, &resp); err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(resp.Data))
	for _, ex := range resp.Data {
		if ex.Slug != "" {
			slugs = append(slugs, ex.Slug)
		}
	}
	return slugs, nil
}

func (s *CoinMarketCap) fetchPairs(meta Meta) func(context.Context) ([]cmcMarketPair, error) {
	return func(ctx context.Context) ([]cmcMarketPair, error) {
		q := url.Values{
			"slug":     {meta.Exchange},
			"category": {meta.Category},
			"limit":    {strconv.Itoa(s.cfg.Limit)},
			"convert":  {"USD"},
		}
		var resp cmcMarketPairsResponse
		if err := s.http.GetJSON(ctx, "/v1/exchange/market-pairs/latest", q, &resp); err != nil {
			return nil, err
		}
		return resp.Data.MarketPairs, nil
	}
}

type cmcKeyInfo struct {
	Data struct {
		Usage struct {
			CurrentDay struct {
				CreditsLeft int `json:"credits_left"`
			} `json:"current_day"`
		} `json:"usage"`
	} `json:"data"`
}

type cmcExchangeMap struct {
	Data []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
		Slug string `json:"slug"`
	} `json:"data"`
}

type cmcMarketPairsResponse struct {
	Data struct {
		Slug        string          `json:"slug"`
		MarketPairs []cmcMarketPair `json:"market_pairs"`
	} `json:"data"`
}

type cmcMarketPair struct {
	MarketPair string `json:"market_pair"`
	Category   string `json:"category"`
	Quote      struct {
		USD cmcQuote `json:"USD"`
	} `json:"quote"`
}

type cmcQuote struct {
	Price        derivs.Num `json:"price"`
	Volume24h    derivs.Num `json:"volume_24h"`
	OpenInterest derivs.Num `json:"open_interest"`
	FundingRate  derivs.Num `json:"funding_rate"`
	IndexPrice   derivs.Num `json:"index_price"`
}

// normalizeCMCPair maps a market pair with USD-nested quote fields.
func normalizeCMCPair(p cmcMarketPair, meta Meta) derivs.Record {
	ct := derivs.ParseContractType(p.Category)
	if ct == derivs.Derivatives {
		ct = derivs.ParseContractType(meta.Category)
	}
	q := p.Quote.USD
	index := q.IndexPrice
	if !index.Valid {
		index = q.Price
	}
	return derivs.Record{
		Exchange:        strings.ToLower(meta.Exchange),
		Symbol:          p.MarketPair,
		ContractType:    ct,
		OpenInterestUSD: q.OpenInterest.NonNegative(),
		FundingRate:     q.FundingRate.Ptr(),
		Volume24h:       q.Volume24h.NonNegative(),
		IndexPrice:      index.NonNegative(),
	}
}
