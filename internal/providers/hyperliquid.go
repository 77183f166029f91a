package providers

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/client"
)

// HyperliquidName is the source identifier and the exchange of every record it emits.
const HyperliquidName = "hyperliquid"

// Hyperliquid reads perpetual asset contexts from the Hyperliquid info endpoint.
type Hyperliquid struct {
	http   *client.Client
	logger zerolog.Logger
}

func NewHyperliquid(c *client.Client, logger zerolog.Logger) *Hyperliquid {
	return &Hyperliquid{http: c, logger: logger.With().Str("source", HyperliquidName).Logger()}
}

func (s *Hyperliquid) Name() string { return HyperliquidName }

// Probe is a no-op; the info endpoint is unauthenticated.
func (s *Hyperliquid) Probe(context.Context) error { return nil }

func (s *Hyperliquid) Tasks(context.Context) ([]Task, error) {
	meta := Meta{Source: HyperliquidName, Exchange: HyperliquidName, Category: string(derivs.Perpetual)}
	return []Task{NewTask(meta, s.fetch, normalizeHyperliquidAsset)}, nil
}

type hlAsset struct {
	Name         string
	Funding      derivs.Num
	OpenInterest derivs.Num
	DayNtlVlm    derivs.Num
	OraclePx     derivs.Num
}

func (s *Hyperliquid) fetch(ctx context.Context) ([]hlAsset, error) {
	var raw []byte
	if err := s.http.PostJSON(ctx, "/info", map[string]string{"type": "metaAndAssetCtxs"}, &raw); err != nil {
		return nil, err
	}
	return parseMetaAndAssetCtxs(raw)
}

// parseMetaAndAssetCtxs splits the [meta, assetCtxs] tuple. Names and
// contexts are paired by index.
func parseMetaAndAssetCtxs(raw []byte) ([]hlAsset, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%s: malformed payload", HyperliquidName)
	}
	universe := gjson.GetBytes(raw, "0.universe")
	ctxs := gjson.GetBytes(raw, "1")
	if !universe.IsArray() || !ctxs.IsArray() {
		return nil, fmt.Errorf("%s: payload is not a [meta, assetCtxs] tuple", HyperliquidName)
	}

	names := universe.Array()
	list := ctxs.Array()
	n := len(names)
	if len(list) < n {
		n = len(list)
	}
	out := make([]hlAsset, 0, n)
	for i := 0; i < n; i++ {
		c := list[i]
		out = append(out, hlAsset{
			Name:         names[i].Get("name").String(),
			Funding:      gjsonNum(c.Get("funding")),
			OpenInterest: gjsonNum(c.Get("openInterest")),
			DayNtlVlm:    gjsonNum(c.Get("dayNtlVlm")),
			OraclePx:     gjsonNum(c.Get("oraclePx")),
		})
	}
	return out, nil
}

func gjsonNum(r gjson.Result) derivs.Num {
	var s string
	switch r.Type {
	case gjson.Number:
		s = r.Raw
	case gjson.String:
		s = r.Str
	default:
		return derivs.Num{}
	}
	v, ok := derivs.ParseNumber(s)
	if !ok {
		return derivs.Num{}
	}
	return derivs.N(v)
}

// normalizeHyperliquidAsset converts coin-denominated open interest to USD at the oracle price.
func normalizeHyperliquidAsset(a hlAsset, meta Meta) derivs.Record {
	return derivs.Record{
		Exchange:        meta.Exchange,
		Symbol:          a.Name,
		ContractType:    derivs.Perpetual,
		OpenInterestUSD: derivs.Mul(a.OpenInterest, a.OraclePx).NonNegative(),
		FundingRate:     a.Funding.Ptr(),
		Volume24h:       a.DayNtlVlm.NonNegative(),
		IndexPrice:      a.OraclePx.NonNegative(),
	}
}
