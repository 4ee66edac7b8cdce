package policy

import (
	"math/rand"
	"testing"

	"reviewflow/expert"
)

func TestDecide_ThresholdIsInclusive(t *testing.T) {
	p := New().WithDraw(func() float64 {
		t.Fatal("threshold hit must not draw")
		return 0
	})

	for _, score := range []float64{70, 70.0001, 85, 100} {
		d := p.Decide(score)
		if !d.Route || d.Reason != ReasonHighAgreement {
			t.Fatalf("score %v: expected high_agreement, got %+v", score, d)
		}
	}
}

func TestDecide_BelowThresholdUsesDraw(t *testing.T) {
	cases := []struct {
		draw   float64
		route  bool
		reason Reason
	}{
		{draw: 0, route: true, reason: ReasonRandomSample},
		{draw: 29.999, route: true, reason: ReasonRandomSample},
		{draw: 30, route: false, reason: ReasonSkipped},
		{draw: 99, route: false, reason: ReasonSkipped},
	}

	for _, tc := range cases {
		p := New().WithDraw(func() float64 { return tc.draw })
		d := p.Decide(69.9)
		if d.Route != tc.route || d.Reason != tc.reason {
			t.Fatalf("draw %v: expected (%v,%s), got %+v", tc.draw, tc.route, tc.reason, d)
		}
	}
}

func TestDecide_SampleRateStatistics(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := New().WithDraw(func() float64 { return rng.Float64() * 100 })

	const trials = 20000
	routed := 0
	for i := 0; i < trials; i++ {
		if d := p.Decide(50); d.Route {
			if d.Reason != ReasonRandomSample {
				t.Fatalf("expected random_sample, got %s", d.Reason)
			}
			routed++
		}
	}

	rate := float64(routed) / trials
	if rate < 0.28 || rate > 0.32 {
		t.Fatalf("expected routing rate near 0.30, got %.4f", rate)
	}
}

func TestDecide_CustomThresholds(t *testing.T) {
	p := New().WithThresholds(90, 0).WithDraw(func() float64 { return 0 })

	if d := p.Decide(89); d.Route {
		t.Fatalf("expected skip below custom threshold with zero rate, got %+v", d)
	}
	if d := p.Decide(90); !d.Route || d.Reason != ReasonHighAgreement {
		t.Fatalf("expected high_agreement at custom threshold, got %+v", d)
	}
}

func TestSelectExpert(t *testing.T) {
	if got := New().SelectExpert(nil); got != nil {
		t.Fatalf("expected nil for empty sequence, got %+v", got)
	}

	eligible := []expert.Expert{
		{ID: "expert-a", CurrentLoad: 1},
		{ID: "expert-b", CurrentLoad: 3},
	}
	got := New().SelectExpert(eligible)
	if got == nil || got.ID != "expert-a" {
		t.Fatalf("expected least loaded expert-a, got %+v", got)
	}
}
