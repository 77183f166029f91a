package providers

import (
	"context"
	"strings"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/client"
)

// CoinGeckoName is the source identifier used in logs and errors.
const CoinGeckoName = "coingecko"

// CoinGeckoConfig configures the CoinGecko derivatives source.
type CoinGeckoConfig struct {
	// APIKey is optional; the key probe only runs when it is set.
	APIKey string
}

// CoinGecko fetches the aggregated /derivatives ticker list.
type CoinGecko struct {
	http   *client.Client
	cfg    CoinGeckoConfig
	logger zerolog.Logger
}

func NewCoinGecko(c *client.Client, cfg CoinGeckoConfig, logger zerolog.Logger) *CoinGecko {
	return &CoinGecko{http: c, cfg: cfg, logger: logger.With().Str("source", CoinGeckoName).Logger()}
}

func (s *CoinGecko) Name() string { return CoinGeckoName }

func (s *CoinGecko) Probe(ctx context.Context) error {
	if s.cfg.APIKey == "" {
		return nil
	}
	if err := s.http.GetJSON(ctx, "/api/v3/key", nil, nil); err != nil {
		return classifyProbe(CoinGeckoName, err)
	}
	return nil
}

func (s *CoinGecko) Tasks(context.Context) ([]Task, error) {
	meta := Meta{Source: CoinGeckoName, Category: "derivatives"}
	return []Task{NewTask(meta, s.fetch, normalizeCoinGeckoTicker)}, nil
}

func (s *CoinGecko) fetch(ctx context.Context) ([]cgTicker, error) {
	var tickers []cgTicker
	if err := s.http.GetJSON(ctx, "/api/v3/derivatives", nil, &tickers); err != nil {
		return nil, err
	}
	return tickers, nil
}

type cgTicker struct {
	Market       string     `json:"market"`
	Symbol       string     `json:"symbol"`
	ContractType string     `json:"contract_type"`
	Price        derivs.Num `json:"price"`
	Index        derivs.Num `json:"index"`
	FundingRate  derivs.Num `json:"funding_rate"`
	OpenInterest derivs.Num `json:"open_interest"`
	Volume24h    derivs.Num `json:"volume_24h"`
}

// normalizeCoinGeckoTicker maps a flat ticker. Open interest and volume are
// already USD-denominated.
func normalizeCoinGeckoTicker(t cgTicker, _ Meta) derivs.Record {
	ct := derivs.ParseContractType(t.ContractType)
	funding := t.FundingRate.Ptr()
	// Dated futures report 0 where no funding applies.
	if ct == derivs.Futures && funding != nil && *funding == 0 {
		funding = nil
	}
	index := t.Index
	if !index.Valid {
		index = t.Price
	}
	return derivs.Record{
		Exchange:        Slug(t.Market),
		Symbol:          t.Symbol,
		ContractType:    ct,
		OpenInterestUSD: t.OpenInterest.NonNegative(),
		FundingRate:     funding,
		Volume24h:       t.Volume24h.NonNegative(),
		IndexPrice:      index.NonNegative(),
	}
}

// Slug lowercases s and collapses every run of non-alphanumerics into one dash.
// "Binance (Futures)" becomes "binance-futures".
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
