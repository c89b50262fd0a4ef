package geometry

import (
	"math"
	"testing"
	"time"
)

func TestExtrapolator(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	cases := []struct {
		name    string
		latency time.Duration
		first   float64
		second  float64
		dt      time.Duration
		want    float64
	}{
		{"linear", time.Second, 10, 12, time.Second, 14},
		{"wraps_north", time.Second, 359, 1, time.Second, 3},
		{"backwards", 500 * time.Millisecond, 100, 98, time.Second, 97},
		{"zero_latency", 0, 10, 12, time.Second, 12},
		{"negative_latency_clamped", -time.Second, 10, 12, time.Second, 12},
		{"same_instant", time.Second, 10, 12, 0, 12},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Extrapolator{Latency: tc.latency}
			if got := e.Next(tc.first, t0); got != Normalize(tc.first) {
				t.Fatalf("first call = %v, want input %v", got, tc.first)
			}
			got := e.Next(tc.second, t0.Add(tc.dt))
			if math.Abs(Delta(got, tc.want)) > 1e-9 {
				t.Errorf("Next = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExtrapolator_Reset(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	e := &Extrapolator{Latency: time.Second}
	e.Next(10, t0)
	e.Reset()
	if got := e.Next(50, t0.Add(time.Second)); got != 50 {
		t.Errorf("after Reset Next = %v, want 50", got)
	}
}
