package model

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestSignedQty(t *testing.T) {
	tests := []struct {
		name    string
		qty     decimal.Decimal
		side    string
		want    decimal.Decimal
		wantErr bool
	}{
		{"buy unsigned", d(100), "buy", d(100), false},
		{"sell unsigned", d(100), "sell", d(-100), false},
		{"buy already negative", d(-100), "buy", d(100), false},
		{"sell already negative", d(-100), "sell", d(-100), false},
		{"uppercase side", d(50), "SELL", d(-50), false},
		{"signed positive no side", d(100), "", d(100), false},
		{"signed negative no side", d(-100), "", d(-100), false},
		{"zero qty no side", d(0), "", decimal.Zero, true},
		{"zero qty buy side", d(0), "buy", decimal.Zero, true},
		{"zero qty sell side", d(0), "sell", decimal.Zero, true},
		{"unknown side", d(100), "hold", decimal.Zero, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SignedQty(tt.qty, tt.side)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedExecution) {
					t.Fatalf("expected ErrMalformedExecution, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("SignedQty = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStockSplit_Ratio(t *testing.T) {
	forward := StockSplit{FromFactor: d(1), ToFactor: d(10)}
	if !forward.Ratio().Equal(d(10)) {
		t.Errorf("10:1 forward split ratio = %s, want 10", forward.Ratio())
	}
	reverse := StockSplit{FromFactor: d(10), ToFactor: d(1)}
	if !reverse.Ratio().Equal(d(0.1)) {
		t.Errorf("1:10 reverse split ratio = %s, want 0.1", reverse.Ratio())
	}
}
