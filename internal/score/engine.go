// Package score computes the six-dimension complexity score of a task.
package score

import (
	"fmt"
	"strings"
)

// Weights are the maximum values of the six dimensions. Valid weights sum to 100.
type Weights struct {
	Scope      int `koanf:"scope" yaml:"scope"`
	Dependency int `koanf:"dependency" yaml:"dependency"`
	Technical  int `koanf:"technical" yaml:"technical"`
	Risk       int `koanf:"risk" yaml:"risk"`
	Time       int `koanf:"time" yaml:"time"`
	UI         int `koanf:"ui" yaml:"ui"`
}

// DefaultWeights returns 25/20/20/15/10/10.
func DefaultWeights() Weights {
	return Weights{Scope: 25, Dependency: 20, Technical: 20, Risk: 15, Time: 10, UI: 10}
}

// Sum returns the total of the six weights.
func (w Weights) Sum() int {
	return w.Scope + w.Dependency + w.Technical + w.Risk + w.Time + w.UI
}

// Validate checks that no weight is negative and the weights sum to exactly 100.
func (w Weights) Validate() error {
	var problems []string
	for _, d := range w.dimensions() {
		if d.value < 0 {
			problems = append(problems, fmt.Sprintf("weight %s is negative (%d)", d.name, d.value))
		}
	}
	if sum := w.Sum(); sum != 100 {
		problems = append(problems, fmt.Sprintf("weights sum to %d, want 100", sum))
	}
	if len(problems) > 0 {
		return &ScoreError{Reason: strings.Join(problems, "; ")}
	}
	return nil
}

type namedInt struct {
	name  string
	value int
}

func (w Weights) dimensions() []namedInt {
	return []namedInt{
		{"scope", w.Scope}, {"dependency", w.Dependency}, {"technical", w.Technical},
		{"risk", w.Risk}, {"time", w.Time}, {"ui", w.UI},
	}
}

// ScoreError means scoring was attempted with weights that should never have passed config validation.
type ScoreError struct {
	Reason string
}

func (e *ScoreError) Error() string {
	return "score: " + e.Reason
}

// Vector is a computed score. Each dimension lies in [0, its weight].
type Vector struct {
	Scope      int `json:"scope"`
	Dependency int `json:"dependency"`
	Technical  int `json:"technical"`
	Risk       int `json:"risk"`
	Time       int `json:"time"`
	UI         int `json:"ui"`
}

// Total is the sum of all dimensions, in [0, 100].
func (v Vector) Total() int {
	return v.Scope + v.Dependency + v.Technical + v.Risk + v.Time + v.UI
}

// Dimension is one row of a score breakdown.
type Dimension struct {
	Name  string
	Value int
	Max   int
}

// Breakdown pairs each dimension with its weight.
func (v Vector) Breakdown(w Weights) []Dimension {
	return []Dimension{
		{"scope", v.Scope, w.Scope},
		{"dependency", v.Dependency, w.Dependency},
		{"technical", v.Technical, w.Technical},
		{"risk", v.Risk, w.Risk},
		{"time", v.Time, w.Time},
		{"ui", v.UI, w.UI},
	}
}

// Score computes the vector for f under w. Keyword adjustments are applied to the
// raw dimension signals first and every dimension is clamped to [0, weight] last.
// w must have passed Validate; configuration loading and router.New check it once.
func Score(f Features, w Weights) Vector {
	raw := Vector{
		Scope:      5 + f.WordCount*2,
		Dependency: 5,
		Technical:  5,
		Risk:       3,
		Time:       3 + f.WordCount/3,
		UI:         f.UIHits * 3,
	}

	switch adj := f.Adjustment(); {
	case adj < -5:
		r := -adj
		raw.Scope = max(2, raw.Scope-r/2)
		raw.Dependency = max(0, raw.Dependency-r/3)
		raw.Technical = max(1, raw.Technical-r/3)
		raw.Risk = max(1, raw.Risk-r/4)
		raw.Time = max(1, raw.Time-r/5)
	case adj > 10:
		raw.Scope += adj / 2
		raw.Dependency += adj / 2
		raw.Technical += adj / 2
		raw.Risk += adj / 3
	}

	return Vector{
		Scope:      clamp(raw.Scope, w.Scope),
		Dependency: clamp(raw.Dependency, w.Dependency),
		Technical:  clamp(raw.Technical, w.Technical),
		Risk:       clamp(raw.Risk, w.Risk),
		Time:       clamp(raw.Time, w.Time),
		UI:         clamp(raw.UI, w.UI),
	}
}

func clamp(v, hi int) int {
	return min(max(v, 0), hi)
}
