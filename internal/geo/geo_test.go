package geo

import (
	"math"
	"testing"
)

func TestDistanceZero(t *testing.T) {
	if d := DistanceKm(39.9, 116.4, 39.9, 116.4); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := DistanceKm(40.0, 116.0, 39.9, 116.4)
	b := DistanceKm(39.9, 116.4, 40.0, 116.0)
	if a != b {
		t.Fatalf("expected symmetric distance, got %f vs %f", a, b)
	}
}

func TestDistanceOneDegreeLatitude(t *testing.T) {
	// one degree of latitude is ~111 km
	d := DistanceKm(40.0, 116.0, 41.0, 116.0)
	if math.Abs(d-111.19) > 0.5 {
		t.Fatalf("expected ~111.19 km, got %f", d)
	}
}

func TestDegRadRoundTrip(t *testing.T) {
	for _, deg := range []float64{0, 45, 90, 180, -116.4} {
		if got := RadToDeg(DegToRad(deg)); math.Abs(got-deg) > 1e-9 {
			t.Fatalf("round trip %f -> %f", deg, got)
		}
	}
}
