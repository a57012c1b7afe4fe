package payments

import (
	"math/big"
	"testing"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad wei literal: " + s)
	}
	return v
}

func TestMinorUnits(t *testing.T) {
	tests := []struct {
		name   string
		amount *big.Int
		want   int64
	}{
		{"nil", nil, 0},
		{"zero", big.NewInt(0), 0},
		{"one unit", wei("1000000000000000000"), 100},
		{"fee on 3.5 units at 5 percent", wei("175000000000000000"), 17},
		{"sub-cent rounds down to zero", wei("9000000000000000"), 0},
		{"negative", big.NewInt(-5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MinorUnits(tt.amount, 100); got != tt.want {
				t.Fatalf("MinorUnits(%v) = %d, want %d", tt.amount, got, tt.want)
			}
		})
	}
}
