package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/derivs"
	"github.com/sawpanic/derivflow/internal/net/ratelimit"
)

// DydxName is the source identifier and the exchange of every record it emits.
const DydxName = "dydx"

const dydxMarketsChannel = "v4_markets"

// DydxConfig configures the dYdX v4 indexer source.
type DydxConfig struct {
	// WebsocketURL is the indexer socket, e.g. wss://indexer.dydx.trade/v4/ws.
	WebsocketURL string
	Timeout      time.Duration
}

// Dydx reads the v4_markets snapshot delivered on subscription and disconnects.
type Dydx struct {
	cfg     DydxConfig
	limiter *ratelimit.Limiter
	dialer  *websocket.Dialer
	logger  zerolog.Logger
}

func NewDydx(cfg DydxConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) *Dydx {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Dydx{
		cfg:     cfg,
		limiter: limiter,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.Timeout,
		},
		logger: logger.With().Str("source", DydxName).Logger(),
	}
}

func (s *Dydx) Name() string { return DydxName }

// Probe is a no-op; the indexer is public.
func (s *Dydx) Probe(context.Context) error { return nil }

func (s *Dydx) Tasks(context.Context) ([]Task, error) {
	meta := Meta{Source: DydxName, Exchange: DydxName, Category: string(derivs.Perpetual)}
	return []Task{NewTask(meta, s.fetch, normalizeDydxMarket)}, nil
}

type dydxMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	Message  string          `json:"message"`
	Contents json.RawMessage `json:"contents"`
}

type dydxMarket struct {
	Ticker          string     `json:"ticker"`
	Status          string     `json:"status"`
	OraclePrice     derivs.Num `json:"oraclePrice"`
	OpenInterest    derivs.Num `json:"openInterest"`
	Volume24H       derivs.Num `json:"volume24H"`
	NextFundingRate derivs.Num `json:"nextFundingRate"`
}

func (s *Dydx) fetch(ctx context.Context) ([]dydxMarket, error) {
	u, err := url.Parse(s.cfg.WebsocketURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid websocket url: %w", DydxName, err)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, u.Host); err != nil {
			return nil, fmt.Errorf("%s: rate limit wait: %w", DydxName, err)
		}
	}

	conn, _, err := s.dialer.DialContext(ctx, u.String(), http.Header{"User-Agent": {"derivflow/1.0"}})
	if err != nil {
		return nil, fmt.Errorf("%s: dial: %w", DydxName, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	// Unblock ReadMessage when ctx is cancelled before the deadline.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	sub := map[string]string{"type": "subscribe", "channel": dydxMarketsChannel}
	if err := conn.WriteJSON(sub); err != nil {
		return nil, fmt.Errorf("%s: subscribe: %w", DydxName, err)
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s: read: %w", DydxName, err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg dydxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("%s: decode message: %w", DydxName, err)
		}
		switch msg.Type {
		case "error":
			return nil, fmt.Errorf("%s: indexer error: %s", DydxName, msg.Message)
		case "subscribed":
			if msg.Channel != dydxMarketsChannel {
				continue
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return parseDydxMarkets(msg.Contents)
		}
	}
}

func parseDydxMarkets(contents json.RawMessage) ([]dydxMarket, error) {
	var snapshot struct {
		Markets map[string]dydxMarket `json:"markets"`
	}
	if err := json.Unmarshal(contents, &snapshot); err != nil {
		return nil, fmt.Errorf("%s: decode markets snapshot: %w", DydxName, err)
	}
	tickers := make([]string, 0, len(snapshot.Markets))
	for t := range snapshot.Markets {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	out := make([]dydxMarket, 0, len(tickers))
	for _, t := range tickers {
		m := snapshot.Markets[t]
		if m.Ticker == "" {
			m.Ticker = t
		}
		out = append(out, m)
	}
	return out, nil
}

func normalizeDydxMarket(m dydxMarket, meta Meta) derivs.Record {
	return derivs.Record{
		Exchange:        meta.Exchange,
		Symbol:          m.Ticker,
		ContractType:    derivs.Perpetual,
		OpenInterestUSD: derivs.Mul(m.OpenInterest, m.OraclePrice).NonNegative(),
		FundingRate:     m.NextFundingRate.Ptr(),
		Volume24h:       m.Volume24H.NonNegative(),
		IndexPrice:      m.OraclePrice.NonNegative(),
	}
}
