package providers

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/derivflow/internal/derivs"
)

const cgDerivatives = `[
  {"market": "Binance (Futures)", "symbol": "BTCUSDT", "contract_type": "perpetual",
   "price": "67000.1", "index": 67010.2, "funding_rate": 0.0095, "open_interest": 8800000000, "volume_24h": 1200000000},
  {"market": "Deribit", "symbol": "BTC-27DEC24", "contract_type": "futures",
   "price": "68000", "index": null, "funding_rate": 0, "open_interest": "150000000", "volume_24h": 9000000},
  {"market": "Bitget Futures", "symbol": "XYZUSDT", "contract_type": "",
   "price": null, "index": null, "funding_rate": null, "open_interest": null, "volume_24h": null}
]`

func TestCoinGecko_ProbeSkippedWithoutKey(t *testing.T) {
	var hits int32
	srv := newJSONServer(t, map[string]http.HandlerFunc{
		"/api/v3/key": func(w http.ResponseWriter, r *http.Request) { atomic.AddInt32(&hits, 1) },
	})
	src := NewCoinGecko(testClient(t, CoinGeckoName, srv.URL), CoinGeckoConfig{}, zerolog.Nop())
	require.NoError(t, src.Probe(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&hits))
}

func TestCoinGecko_ProbeFatal(t *testing.T) {
	srv := newJSONServer(t, map[string]http.HandlerFunc{
		"/api/v3/key": func(w http.ResponseWriter, r *http.Request) { writeJSON(w, 403, `{}`) },
	})
	src := NewCoinGecko(testClient(t, CoinGeckoName, srv.URL), CoinGeckoConfig{APIKey: "bad"}, zerolog.Nop())
	err := src.Probe(context.Background())
	require.True(t, IsFatal(err))
	assert.Equal(t, "coingecko: API key is invalid or expired (HTTP 403)", err.Error())
}

func TestCoinGecko_FetchAndNormalize(t *testing.T) {
	srv := newJSONServer(t, map[string]http.HandlerFunc{
		"/api/v3/derivatives": func(w http.ResponseWriter, r *http.Request) { writeJSON(w, 200, cgDerivatives) },
	})
	src := NewCoinGecko(testClient(t, CoinGeckoName, srv.URL), CoinGeckoConfig{}, zerolog.Nop())
	tasks, err := src.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	recs, err := tasks[0].Run(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	perp := recs[0]
	assert.Equal(t, "binance-futures", perp.Exchange)
	assert.Equal(t, derivs.Perpetual, perp.ContractType)
	assert.Equal(t, 67010.2, perp.IndexPrice)
	require.NotNil(t, perp.FundingRate)
	assert.Equal(t, 0.0095, *perp.FundingRate)

	fut := recs[1]
	assert.Equal(t, "deribit", fut.Exchange)
	assert.Equal(t, derivs.Futures, fut.ContractType)
	assert.Nil(t, fut.FundingRate)
	assert.Equal(t, 1.5e8, fut.OpenInterestUSD)
	assert.Equal(t, 68000.0, fut.IndexPrice)

	empty := recs[2]
	assert.Equal(t, derivs.Derivatives, empty.ContractType)
	assert.False(t, empty.Meaningful())
}

func TestCoinGecko_MalformedPayload(t *testing.T) {
	srv := newJSONServer(t, map[string]http.HandlerFunc{
		"/api/v3/derivatives": func(w http.ResponseWriter, r *http.Request) { writeJSON(w, 200, `{"error":"x"}`) },
	})
	src := NewCoinGecko(testClient(t, CoinGeckoName, srv.URL), CoinGeckoConfig{}, zerolog.Nop())
	tasks, _ := src.Tasks(context.Background())
	_, err := tasks[0].Run(context.Background())
	assert.Error(t, err)
	assert.False(t, IsFatal(err))
}
