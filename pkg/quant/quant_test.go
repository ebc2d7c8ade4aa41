package quant

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestNextSeq(t *testing.T) {
	var seq uint64
	if got := NextSeq(&seq); got != 1 {
		t.Errorf("NextSeq = %d, want 1", got)
	}
	if got := NextSeq(&seq); got != 2 {
		t.Errorf("NextSeq = %d, want 2", got)
	}
}

func TestParseDecimal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want decimal.Decimal
	}{
		{"integer", "50000", decimal.NewFromInt(50000)},
		{"fraction", "0.125", decimal.RequireFromString("0.125")},
		{"empty", "", decimal.Zero},
		{"garbage", "abc", decimal.Zero},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDecimal(tt.in)
			if !got.Equal(tt.want) {
				t.Errorf("ParseDecimal(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTimeStamp(t *testing.T) {
	if !ParseTimeStamp(0).IsZero() {
		t.Error("zero millis should give zero time")
	}
	want := time.UnixMilli(1_700_000_000_000)
	if got := ParseTimeStamp(1_700_000_000_000); !got.Equal(want) {
		t.Errorf("ParseTimeStamp = %v, want %v", got, want)
	}
}

func TestApplyBps(t *testing.T) {
	price := decimal.NewFromInt(10000)

	up := ApplyBps(price, 10)
	if !up.Equal(decimal.NewFromInt(10010)) {
		t.Errorf("ApplyBps(+10) = %s, want 10010", up)
	}

	down := ApplyBps(price, -10)
	if !down.Equal(decimal.NewFromInt(9990)) {
		t.Errorf("ApplyBps(-10) = %s, want 9990", down)
	}
}

func TestBpsOf(t *testing.T) {
	got := BpsOf(decimal.NewFromInt(5000), 5)
	if !got.Equal(decimal.RequireFromString("2.5")) {
		t.Errorf("BpsOf = %s, want 2.5", got)
	}
	rebate := BpsOf(decimal.NewFromInt(5000), -2)
	if !rebate.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("BpsOf rebate = %s, want -1", rebate)
	}
}
