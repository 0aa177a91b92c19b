// Package provider abstracts the external market-data service used for
// CUSIP→ticker lookups and corporate-action (split) queries.
//
// The service is treated as unreliable: rate-limited, occasionally
// erroring, and allowed to return partial results. Call sites degrade
// instead of failing the whole operation.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when the provider cannot be reached after
// retries. Callers degrade to the next lookup tier rather than surfacing
// this to the user.
var ErrUnavailable = errors.New("provider: unavailable")

// TickerInfo is one resolution result.
type TickerInfo struct {
	Ticker      string `json:"ticker"`
	CompanyName string `json:"company_name"`
	// Confidence as reported by the provider, 0-100. Stored as-is.
	Confidence int `json:"confidence"`
}

// SplitEvent is one corporate action reported for a symbol.
type SplitEvent struct {
	Date       time.Time       `json:"date"`
	FromFactor decimal.Decimal `json:"from_factor"`
	ToFactor   decimal.Decimal `json:"to_factor"`
}

// Provider is the external lookup service. Implementations must tolerate
// partial results: a batch lookup may return any subset of the requested
// CUSIPs without error.
type Provider interface {
	// BatchLookup resolves many CUSIPs in one call. Missing entries are
	// simply absent from the returned map.
	BatchLookup(ctx context.Context, cusips []string) (map[string]TickerInfo, error)

	// LookupOne resolves a single CUSIP. Returns (nil, nil) when the
	// provider does not know the identifier.
	LookupOne(ctx context.Context, cusip string) (*TickerInfo, error)

	// GetSplits returns split events for symbol within [from, to].
	GetSplits(ctx context.Context, symbol string, from, to time.Time) ([]SplitEvent, error)
}
