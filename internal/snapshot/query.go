// Package snapshot answers "what does the market look like now" from a store
// holding many overlapping observations.
package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/derivflow/internal/derivs"
)

// Mode selects how the relevant ts set is resolved.
type Mode string

const (
	// ModeGlobal uses the single latest ts across the store.
	ModeGlobal Mode = "global"
	// ModePerExchange uses each exchange's latest ts within the lookback.
	ModePerExchange Mode = "per_exchange"
)

// KeyMode is the business key duplicates collapse on.
type KeyMode string

const (
	KeySymbol         KeyMode = "symbol"
	KeyExchangeSymbol KeyMode = "exchange_symbol"
)

// ParseMode accepts "" as ModeGlobal.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeGlobal:
		return ModeGlobal, nil
	case ModePerExchange, "per-exchange":
		return ModePerExchange, nil
	}
	return "", fmt.Errorf("unknown snapshot mode %q", s)
}

// ParseKeyMode accepts "" as KeySymbol.
func ParseKeyMode(s string) (KeyMode, error) {
	switch KeyMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", KeySymbol:
		return KeySymbol, nil
	case KeyExchangeSymbol, "exchange:symbol":
		return KeyExchangeSymbol, nil
	}
	return "", fmt.Errorf("unknown snapshot key %q", s)
}

// Query describes one snapshot request. Zero fields take the service defaults.
type Query struct {
	Mode         Mode
	Lookback     time.Duration
	Key          KeyMode
	ContractType derivs.ContractType
	Limit        int
	RowCap       int
}

// DefaultQuery is global mode keyed by symbol.
func DefaultQuery() Query {
	return Query{
		Mode:     ModeGlobal,
		Lookback: time.Hour,
		Key:      KeySymbol,
		Limit:    100,
		RowCap:   5000,
	}
}

func (q Query) withDefaults(d Query) Query {
	if q.Mode == "" {
		q.Mode = d.Mode
	}
	if q.Lookback <= 0 {
		q.Lookback = d.Lookback
	}
	if q.Key == "" {
		q.Key = d.Key
	}
	if q.Limit <= 0 {
		q.Limit = d.Limit
	}
	if q.RowCap <= 0 {
		q.RowCap = d.RowCap
	}
	if q.Limit > q.RowCap {
		q.Limit = q.RowCap
	}
	return q
}

func (q Query) businessKey(r derivs.Record) string {
	if q.Key == KeyExchangeSymbol {
		return r.Exchange + ":" + r.Symbol
	}
	return r.Symbol
}

func (q Query) cacheKey() string {
	return fmt.Sprintf("derivflow:snapshot:%s:%s:%s:%d:%d:%d",
		q.Mode, q.Key, q.ContractType, q.Limit, q.RowCap, int64(q.Lookback/time.Second))
}

// Window is the ts range a snapshot was built from.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Snapshot is a deduplicated, volume-ordered view of the latest rows.
// An empty snapshot with a zero TS means no data has been ingested yet.
type Snapshot struct {
	Records   []derivs.Record      `json:"data"`
	Count     int                  `json:"count"`
	TS        time.Time            `json:"ts"`
	Window    Window               `json:"window"`
	Exchanges map[string]time.Time `json:"exchanges,omitempty"`
}

// Empty reports whether nothing has been ingested for the query.
func (s Snapshot) Empty() bool { return s.TS.IsZero() }

// Stale reports whether the resolved ts is older than threshold at now.
// An empty snapshot is not stale.
func (s Snapshot) Stale(threshold time.Duration, now time.Time) bool {
	if s.Empty() {
		return false
	}
	return now.Sub(s.TS) > threshold
}
