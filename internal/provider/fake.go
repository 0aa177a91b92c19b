package provider

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-memory Provider for tests and local development. It can
// simulate batch outages and partial results.
type Fake struct {
	mu sync.Mutex

	// Tickers maps cusip → resolution result.
	Tickers map[string]TickerInfo

	// Splits maps symbol → events returned by GetSplits.
	Splits map[string][]SplitEvent

	// BatchErr, when set, makes BatchLookup fail (forcing per-item fallback).
	BatchErr error

	// OneErr, when set, makes LookupOne fail for every cusip.
	OneErr error

	// BatchMisses lists cusips BatchLookup silently omits even when known.
	BatchMisses map[string]bool

	BatchCalls int
	OneCalls   int
}

// NewFake creates an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		Tickers:     make(map[string]TickerInfo),
		Splits:      make(map[string][]SplitEvent),
		BatchMisses: make(map[string]bool),
	}
}

func (f *Fake) BatchLookup(_ context.Context, cusips []string) (map[string]TickerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BatchCalls++
	if f.BatchErr != nil {
		return nil, f.BatchErr
	}
	out := make(map[string]TickerInfo)
	for _, c := range cusips {
		if f.BatchMisses[c] {
			continue
		}
		if info, ok := f.Tickers[c]; ok {
			out[c] = info
		}
	}
	return out, nil
}

func (f *Fake) LookupOne(_ context.Context, cusip string) (*TickerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OneCalls++
	if f.OneErr != nil {
		return nil, f.OneErr
	}
	if info, ok := f.Tickers[cusip]; ok {
		cp := info
		return &cp, nil
	}
	return nil, nil
}

func (f *Fake) GetSplits(_ context.Context, symbol string, from, to time.Time) ([]SplitEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SplitEvent
	for _, ev := range f.Splits[symbol] {
		if !ev.Date.Before(from) && !ev.Date.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}
