package derivs

import (
	"fmt"
	"strings"
	"time"
)

// ContractType classifies a derivative instrument.
type ContractType string

const (
	Perpetual ContractType = "perpetual"
	Futures   ContractType = "futures"
	// Derivatives is used when a source cannot tell perpetuals from dated futures.
	Derivatives ContractType = "derivatives"
)

// ParseContractType maps a source's category tag onto a ContractType.
// Unknown or empty tags fall back to Derivatives.
func ParseContractType(tag string) ContractType {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "perpetual", "perpetuals", "perp", "perps", "swap", "perpetual_swap":
		return Perpetual
	case "futures", "future", "delivery", "dated":
		return Futures
	default:
		return Derivatives
	}
}

// Valid reports whether c is one of the known contract types.
func (c ContractType) Valid() bool {
	return c == Perpetual || c == Futures || c == Derivatives
}

// Record is the canonical, post-normalization derivative observation.
//
// FundingRate is a pointer on purpose: nil means "not applicable" (dated futures),
// which is distinct from a reported rate of zero.
type Record struct {
	Exchange        string       `json:"exchange" db:"exchange"`
	Symbol          string       `json:"symbol" db:"symbol"`
	ContractType    ContractType `json:"contract_type" db:"contract_type"`
	OpenInterestUSD float64      `json:"open_interest_usd" db:"open_interest_usd"`
	FundingRate     *float64     `json:"funding_rate" db:"funding_rate"`
	Volume24h       float64      `json:"volume_24h" db:"volume_24h"`
	IndexPrice      float64      `json:"index_price" db:"index_price"`
	TS              time.Time    `json:"ts" db:"ts"`
}

// Key is the natural key of a stored record.
type Key struct {
	Exchange string
	Symbol   string
	TS       time.Time
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s@%s", k.Exchange, k.Symbol, k.TS.UTC().Format(time.RFC3339))
}

// NaturalKey returns the (exchange, symbol, ts) key. The timestamp is normalized to
// UTC so that equal instants compare equal as map keys.
func (r Record) NaturalKey() Key {
	return Key{Exchange: r.Exchange, Symbol: r.Symbol, TS: r.TS.UTC()}
}

// Meaningful reports whether the record carries any market information.
// Sources emit placeholder rows for illiquid or untracked pairs with every
// numeric field zero or null; those are not meaningful.
func (r Record) Meaningful() bool {
	if r.OpenInterestUSD != 0 || r.Volume24h != 0 || r.IndexPrice != 0 {
		return true
	}
	return r.FundingRate != nil && *r.FundingRate != 0
}

// WithTS returns a copy of r stamped with ts.
func (r Record) WithTS(ts time.Time) Record {
	r.TS = ts
	return r
}

// FilterMeaningful drops records that fail Meaningful. The input slice is not modified.
func FilterMeaningful(records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Meaningful() {
			out = append(out, r)
		}
	}
	return out
}

// GroupByExchange partitions records by exchange, preserving input order within each group.
func GroupByExchange(records []Record) map[string][]Record {
	groups := make(map[string][]Record)
	for _, r := range records {
		groups[r.Exchange] = append(groups[r.Exchange], r)
	}
	return groups
}

// Float returns a pointer to v. Handy for building records with a funding rate.
func Float(v float64) *float64 {
	return &v
}
