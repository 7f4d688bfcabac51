package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AssetPair names a base asset priced in a quote currency, e.g. STX-USD.
type AssetPair struct {
	Base  string
	Quote string
}

func ParseAssetPair(s string) (AssetPair, error) {
	base, quote, ok := strings.Cut(strings.ToUpper(strings.TrimSpace(s)), "-")
	if !ok || base == "" || quote == "" {
		return AssetPair{}, fmt.Errorf("invalid asset pair %q, expected BASE-QUOTE", s)
	}
	return AssetPair{Base: base, Quote: quote}, nil
}

func (p AssetPair) String() string {
	return p.Base + "-" + p.Quote
}

type QuoteSource string

const (
	QuoteSourceOverride    QuoteSource = "override"
	QuoteSourceCache       QuoteSource = "cache"
	QuoteSourceLive        QuoteSource = "live"
	QuoteSourceStale       QuoteSource = "stale"
	QuoteSourceDisabled    QuoteSource = "disabled"
	QuoteSourceUnavailable QuoteSource = "unavailable"
)

type PriceQuote struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observedAt"`
	Source     QuoteSource     `json:"source,omitempty"`
}

// FreshAt reports whether the quote is still inside the freshness window.
func (q PriceQuote) FreshAt(now time.Time, ttl time.Duration) bool {
	return !q.ObservedAt.IsZero() && now.Sub(q.ObservedAt) < ttl
}
