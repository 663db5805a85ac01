// Package signals combines per-category analysis signals into one weighted
// trading decision.
package signals

import (
	"fmt"
	"math"
	"sort"

	"github.com/deepnoodle-ai/tradeflow"
)

// Direction is a five-bucket view of where a category expects the price to go.
type Direction string

const (
	StrongPositive Direction = "strong_positive"
	Positive       Direction = "positive"
	Neutral        Direction = "neutral"
	Negative       Direction = "negative"
	StrongNegative Direction = "strong_negative"
)

// Score maps a direction onto [-2, 2].
func (d Direction) Score() (float64, bool) {
	switch d {
	case StrongPositive:
		return 2, true
	case Positive:
		return 1, true
	case Neutral:
		return 0, true
	case Negative:
		return -1, true
	case StrongNegative:
		return -2, true
	}
	return 0, false
}

const (
	strongThreshold = 1.5
	threshold       = 0.5
	epsilon         = 1e-9
)

// DirectionFor buckets a weighted score. A score exactly on a threshold
// falls into the bucket closer to neutral.
func DirectionFor(score float64) Direction {
	switch {
	case score > strongThreshold+epsilon:
		return StrongPositive
	case score > threshold+epsilon:
		return Positive
	case score < -strongThreshold-epsilon:
		return StrongNegative
	case score < -threshold-epsilon:
		return Negative
	default:
		return Neutral
	}
}

// Category of analysis producing a signal.
type Category string

const (
	Technical   Category = "technical"
	Fundamental Category = "fundamental"
	Macro       Category = "macro"
	Sentiment   Category = "sentiment"
	Flow        Category = "flow"
)

// Signal is the output of one analysis category.
type Signal struct {
	Category   Category  `json:"category"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale,omitempty"`
}

// Weights assigns each category its share of the decision. They sum to 1.
type Weights map[Category]float64

// DefaultWeights returns the standard category weights.
func DefaultWeights() Weights {
	return Weights{
		Technical:   0.30,
		Fundamental: 0.25,
		Macro:       0.15,
		Sentiment:   0.20,
		Flow:        0.10,
	}
}

// Validate checks that weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("no category weights configured")
	}
	var sum float64
	for category, weight := range w {
		if weight < 0 || math.IsNaN(weight) {
			return fmt.Errorf("weight for %s must be non-negative, got %v", category, weight)
		}
		sum += weight
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("category weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// Contribution is one category's share of a decision.
type Contribution struct {
	Category   Category  `json:"category"`
	Direction  Direction `json:"direction"`
	Score      float64   `json:"score"`
	Confidence float64   `json:"confidence"`
	Weight     float64   `json:"weight"`
	Weighted   float64   `json:"weighted"`
}

// Decision is the integrated result of a set of signals.
type Decision struct {
	Direction     Direction      `json:"direction"`
	Score         float64        `json:"score"`
	Confidence    float64        `json:"confidence"`
	Variance      float64        `json:"variance"`
	Contributions []Contribution `json:"contributions,omitempty"`
	// Redistributed lists configured categories that produced no signal.
	// Their weight was spread over the present categories in proportion
	// to the present categories' own weights.
	Redistributed []Category `json:"redistributed,omitempty"`
}

// Action is the trade recommendation for a decision.
type Action string

const (
	StrongBuy  Action = "STRONG_BUY"
	Buy        Action = "BUY"
	Hold       Action = "HOLD"
	Sell       Action = "SELL"
	StrongSell Action = "STRONG_SELL"
)

func (d Decision) Action() Action {
	switch d.Direction {
	case StrongPositive:
		return StrongBuy
	case Positive:
		return Buy
	case Negative:
		return Sell
	case StrongNegative:
		return StrongSell
	}
	return Hold
}

// Integrator combines signals using fixed category weights.
type Integrator struct {
	weights    Weights
	categories []Category
}

// NewIntegrator validates weights and returns an Integrator.
func NewIntegrator(weights Weights) (*Integrator, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	i := &Integrator{weights: Weights{}}
	for category, weight := range weights {
		i.weights[category] = weight
		i.categories = append(i.categories, category)
	}
	sort.Slice(i.categories, func(a, b int) bool { return i.categories[a] < i.categories[b] })
	return i, nil
}

// Weights returns a copy of the configured weights.
func (i *Integrator) Weights() Weights {
	out := Weights{}
	for category, weight := range i.weights {
		out[category] = weight
	}
	return out
}

// Integrate combines at most one signal per configured category. With no
// signals the decision is neutral with zero confidence.
func (i *Integrator) Integrate(signals []Signal) (Decision, error) {
	byCategory := map[Category]Signal{}
	for idx, s := range signals {
		field := fmt.Sprintf("signals[%d]", idx)
		if _, ok := i.weights[s.Category]; !ok {
			return Decision{}, &tradeflow.ValidationError{Field: field, Reason: fmt.Sprintf("unknown category %q", s.Category)}
		}
		if _, dup := byCategory[s.Category]; dup {
			return Decision{}, &tradeflow.ValidationError{Field: field, Reason: fmt.Sprintf("duplicate signal for category %q", s.Category)}
		}
		if _, ok := s.Direction.Score(); !ok {
			return Decision{}, &tradeflow.ValidationError{Field: field, Reason: fmt.Sprintf("unknown direction %q", s.Direction)}
		}
		if s.Confidence < 0 || s.Confidence > 1 || math.IsNaN(s.Confidence) {
			return Decision{}, &tradeflow.ValidationError{Field: field, Reason: fmt.Sprintf("confidence %v outside [0,1]", s.Confidence)}
		}
		byCategory[s.Category] = s
	}

	decision := Decision{Direction: Neutral}
	var present float64
	for _, category := range i.categories {
		if _, ok := byCategory[category]; ok {
			present += i.weights[category]
		} else {
			decision.Redistributed = append(decision.Redistributed, category)
		}
	}
	if present <= 0 {
		return decision, nil
	}

	var weightedConfidence float64
	for _, category := range i.categories {
		s, ok := byCategory[category]
		if !ok {
			continue
		}
		score, _ := s.Direction.Score()
		weight := i.weights[category] / present
		c := Contribution{
			Category:   category,
			Direction:  s.Direction,
			Score:      score,
			Confidence: s.Confidence,
			Weight:     weight,
			Weighted:   weight * score,
		}
		decision.Contributions = append(decision.Contributions, c)
		decision.Score += c.Weighted
		weightedConfidence += weight * s.Confidence
	}
	for _, c := range decision.Contributions {
		d := c.Score - decision.Score
		decision.Variance += c.Weight * d * d
	}
	decision.Direction = DirectionFor(decision.Score)
	decision.Confidence = math.Max(0, weightedConfidence*(1-decision.Variance/4))
	return decision, nil
}
