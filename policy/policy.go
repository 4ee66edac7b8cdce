// Package policy holds the pure routing and selection decisions for expert
// review. It never touches storage; callers feed it agreement scores and
// eligible-expert lists and act on the returned decisions.
package policy

import (
	"math/rand"

	"reviewflow/expert"
)

// Reason tags why a consensus was or was not routed to expert review.
type Reason string

const (
	ReasonHighAgreement Reason = "high_agreement"
	ReasonRandomSample  Reason = "random_sample"
	ReasonSkipped       Reason = "skipped"

	// ReasonForced marks assignments that bypass the routing check, used when
	// released work is re-routed so it is not dropped by a second random draw.
	ReasonForced Reason = "forced"
)

const (
	defaultAgreementThreshold  = 70.0
	defaultRandomSelectionRate = 30.0
)

// Decision is the outcome of the routing check.
type Decision struct {
	Route  bool
	Reason Reason
}

// Policy decides routing and expert selection. The random source draws
// uniformly from [0,100) and is injectable so tests can pin outcomes.
type Policy struct {
	agreementThreshold  float64
	randomSelectionRate float64
	draw                func() float64
}

// New builds a Policy with the default threshold (70) and sampling rate (30%).
func New() *Policy {
	return &Policy{
		agreementThreshold:  defaultAgreementThreshold,
		randomSelectionRate: defaultRandomSelectionRate,
		draw:                func() float64 { return rand.Float64() * 100 },
	}
}

// WithThresholds overrides the agreement threshold and random selection rate.
func (p *Policy) WithThresholds(agreementThreshold, randomSelectionRate float64) *Policy {
	p.agreementThreshold = agreementThreshold
	p.randomSelectionRate = randomSelectionRate
	return p
}

// WithDraw overrides the random source. draw must return values in [0,100).
func (p *Policy) WithDraw(draw func() float64) *Policy {
	p.draw = draw
	return p
}

// Decide reports whether a consensus with the given agreement score should be
// routed to an expert. Scores at or above the threshold always route; the
// remainder route with probability randomSelectionRate/100.
func (p *Policy) Decide(agreementScore float64) Decision {
	if agreementScore >= p.agreementThreshold {
		return Decision{Route: true, Reason: ReasonHighAgreement}
	}
	if p.draw() < p.randomSelectionRate {
		return Decision{Route: true, Reason: ReasonRandomSample}
	}
	return Decision{Route: false, Reason: ReasonSkipped}
}

// SelectExpert picks the least loaded eligible expert, relying on the
// registry's ordering. Returns nil when nobody is eligible.
func (p *Policy) SelectExpert(eligible []expert.Expert) *expert.Expert {
	if len(eligible) == 0 {
		return nil
	}
	return &eligible[0]
}
