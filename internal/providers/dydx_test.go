package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/ratelimit"
)

const dydxSnapshot = `{
  "type": "subscribed",
  "connection_id": "c1",
  "message_id": 1,
  "channel": "v4_markets",
  "contents": {
    "markets": {
      "ETH-USD": {"ticker": "ETH-USD", "status": "ACTIVE", "oraclePrice": "3100.5", "openInterest": "1000", "volume24H": "50000000", "nextFundingRate": "0.00001"},
      "BTC-USD": {"ticker": "BTC-USD", "status": "ACTIVE", "oraclePrice": "67000", "openInterest": "10.5", "volume24H": "250000000.5", "nextFundingRate": "-0.000002"}
    }
  }
}`

// fakeIndexer greets, waits for a v4_markets subscription and replies with reply.
func fakeIndexer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected","connection_id":"c1","message_id":0}`))

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "subscribe", sub["type"])
		assert.Equal(t, "v4_markets", sub["channel"])

		if reply != "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		}
		// Drain until the client closes.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDydx_FetchAndNormalize(t *testing.T) {
	srv := fakeIndexer(t, dydxSnapshot)
	src := NewDydx(DydxConfig{WebsocketURL: wsURL(srv), Timeout: 2 * time.Second}, ratelimit.NewLimiter(0, 0), zerolog.Nop())
	require.NoError(t, src.Probe(context.Background()))

	tasks, err := src.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	recs, err := tasks[0].Run(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 2)

	btc := recs[0]
	assert.Equal(t, "dydx", btc.Exchange)
	assert.Equal(t, "BTC-USD", btc.Symbol)
	assert.Equal(t, derivs.Perpetual, btc.ContractType)
	assert.InDelta(t, 10.5*67000, btc.OpenInterestUSD, 1e-6)
	assert.Equal(t, 250000000.5, btc.Volume24h)
	require.NotNil(t, btc.FundingRate)
	assert.Equal(t, -0.000002, *btc.FundingRate)

	assert.Equal(t, "ETH-USD", recs[1].Symbol)
	assert.InDelta(t, 3100500.0, recs[1].OpenInterestUSD, 1e-6)
}

func TestDydx_IndexerError(t *testing.T) {
	srv := fakeIndexer(t, `{"type":"error","message":"Invalid subscribe message"}`)
	src := NewDydx(DydxConfig{WebsocketURL: wsURL(srv), Timeout: 2 * time.Second}, nil, zerolog.Nop())
	tasks, _ := src.Tasks(context.Background())
	_, err := tasks[0].Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid subscribe message")
}

func TestDydx_TimesOutWithoutSnapshot(t *testing.T) {
	srv := fakeIndexer(t, "")
	src := NewDydx(DydxConfig{WebsocketURL: wsURL(srv), Timeout: 5 * time.Second}, nil, zerolog.Nop())
	tasks, _ := src.Tasks(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tasks[0].Run(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDydx_DialFailure(t *testing.T) {
	src := NewDydx(DydxConfig{WebsocketURL: "ws://127.0.0.1:1/v4/ws", Timeout: time.Second}, nil, zerolog.Nop())
	tasks, _ := src.Tasks(context.Background())
	_, err := tasks[0].Run(context.Background())
	assert.Error(t, err)
}
