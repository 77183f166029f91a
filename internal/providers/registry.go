package providers

import (
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/sawpanic/derivflow/internal/config"
	"github.com/sawpanic/derivflow/internal/net/client"
	"github.com/sawpanic/derivflow/internal/net/ratelimit"
)

// FromConfig builds every enabled source. Per-host rates from the source
// configs are registered on limiter.
func FromConfig(cfg config.SourcesConfig, limiter *ratelimit.Limiter, logger zerolog.Logger) ([]Source, error) {
	var sources []Source

	if s := cfg.CoinMarketCap; s.Enabled {
		c, err := newSourceClient(CoinMarketCapName, s, limiter, logger, map[string]string{"X-CMC_PRO_API_KEY": s.APIKey})
		if err != nil {
			return nil, err
		}
		sources = append(sources, NewCoinMarketCap(c, CoinMarketCapConfig{
			APIKey:     s.APIKey,
			Exchanges:  s.Exchanges,
			Categories: s.Categories,
			Limit:      s.Limit,
		}, logger))
	}

	if s := cfg.CoinGecko; s.Enabled {
		var headers map[string]string
		if s.APIKey != "" {
			headers = map[string]string{"x-cg-pro-api-key": s.APIKey}
		}
		c, err := newSourceClient(CoinGeckoName, s, limiter, logger, headers)
		if err != nil {
			return nil, err
		}
		sources = append(sources, NewCoinGecko(c, CoinGeckoConfig{APIKey: s.APIKey}, logger))
	}

	if s := cfg.Coinbase; s.Enabled {
		c, err := newSourceClient(CoinbaseName, s, limiter, logger, nil)
		if err != nil {
			return nil, err
		}
		sources = append(sources, NewCoinbase(c, logger))
	}

	if s := cfg.Hyperliquid; s.Enabled {
		c, err := newSourceClient(HyperliquidName, s, limiter, logger, nil)
		if err != nil {
			return nil, err
		}
		sources = append(sources, NewHyperliquid(c, logger))
	}

	if s := cfg.Dydx; s.Enabled {
		if err := registerRate(limiter, s); err != nil {
			return nil, fmt.Errorf("%s: %w", DydxName, err)
		}
		sources = append(sources, NewDydx(DydxConfig{WebsocketURL: s.BaseURL, Timeout: s.Timeout}, limiter, logger))
	}
	return sources, nil
}

func newSourceClient(name string, s config.SourceConfig, limiter *ratelimit.Limiter, logger zerolog.Logger, headers map[string]string) (*client.Client, error) {
	if err := registerRate(limiter, s); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return client.New(client.Config{
		Source:          name,
		BaseURL:         s.BaseURL,
		Timeout:         s.Timeout,
		MaxRetries:      s.MaxRetries,
		Headers:         headers,
		BreakerFailures: s.BreakerFailures,
		BreakerCooldown: s.BreakerCooldown,
	}, limiter, client.WithLogger(logger))
}

func registerRate(limiter *ratelimit.Limiter, s config.SourceConfig) error {
	if limiter == nil {
		return nil
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	limiter.SetHostRate(u.Host, s.RateLimit)
	return nil
}
