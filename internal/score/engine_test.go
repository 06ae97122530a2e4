package score

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchTerm(t *testing.T) {
	tests := []struct {
		text string
		term string
		want bool
	}{
		{"fix typo in readme", "typo", true},
		{"fix typos in readme", "typo", true},
		{"building the api", "ui", false},
		{"new ui for login", "ui", true},
		{"update config.json", ".json", true},
		{"update config.json", ".js", false},
		{"edit main.js now", ".js", true},
		{"split into multi-module layout", "multi-module", true},
		{"rewrite from scratch", "from scratch", true},
		{"重构支付模块", "重构", true},
		{"", "ui", false},
		{"anything", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.text+"/"+tt.term, func(t *testing.T) {
			assert.Equal(t, tt.want, matchTerm(tt.text, tt.term))
		})
	}
}

func TestExtract_TypoInReadme(t *testing.T) {
	f := DefaultSignals().Extract("fix typo in README")

	assert.Equal(t, 4, f.WordCount)
	assert.Equal(t, -15, f.SimpleDelta)
	assert.Equal(t, 0, f.ComplexDelta)
	assert.False(t, f.UISignal)
	assert.True(t, f.TextSignal)
	assert.False(t, f.CodeSignal)
	assert.True(t, f.Short)
	assert.False(t, f.ComplexSignal)
	assert.False(t, f.SuperComplexSignal)
}

func TestExtract_UIHits(t *testing.T) {
	f := DefaultSignals().Extract("build a modal dialog component for the settings page")
	assert.True(t, f.UISignal)
	assert.Equal(t, 4, f.UIHits)
}

func TestScore_TypoInReadme(t *testing.T) {
	f := DefaultSignals().Extract("fix typo in README")
	v := Score(f, DefaultWeights())

	assert.Equal(t, Vector{Scope: 6, Dependency: 0, Technical: 1, Risk: 1, Time: 1, UI: 0}, v)
	assert.Equal(t, 9, v.Total())
}

func TestScore_Deterministic(t *testing.T) {
	descriptions := []string{
		"fix typo in README",
		"refactor the billing service into a multi-module layout",
		"从零开始构建完整的系统架构",
		"",
	}
	for _, d := range descriptions {
		f := DefaultSignals().Extract(d)
		a := Score(f, DefaultWeights())
		b := Score(f, DefaultWeights())
		assert.Equal(t, a, b, d)
	}
}

// A reduction applied to a raw value above the weight must still clamp to the weight.
func TestScore_AdjustBeforeClamp(t *testing.T) {
	desc := strings.Repeat("alpha ", 19) + "typo"
	f := DefaultSignals().Extract(desc)
	require.Equal(t, 20, f.WordCount)
	require.Equal(t, -10, f.Adjustment())

	v := Score(f, DefaultWeights())

	assert.Equal(t, 25, v.Scope, "clamp-then-adjust would give 20")
	assert.Equal(t, 2, v.Dependency)
	assert.Equal(t, 2, v.Technical)
	assert.Equal(t, 1, v.Risk)
	assert.Equal(t, 7, v.Time)
}

func TestScore_ComplexIncrease(t *testing.T) {
	f := Features{WordCount: 45, ComplexDelta: 30}
	v := Score(f, DefaultWeights())

	assert.Equal(t, Vector{Scope: 25, Dependency: 20, Technical: 20, Risk: 13, Time: 10, UI: 0}, v)
	assert.Equal(t, 88, v.Total())
}

func TestScore_DimensionsWithinWeights(t *testing.T) {
	w := Weights{Scope: 40, Dependency: 10, Technical: 10, Risk: 10, Time: 20, UI: 10}
	for words := 0; words < 200; words += 7 {
		for _, adj := range []int{-60, -6, 0, 11, 80} {
			f := Features{WordCount: words, ComplexDelta: max(adj, 0), SimpleDelta: min(adj, 0), UIHits: words % 5}
			v := Score(f, w)
			for _, d := range v.Breakdown(w) {
				assert.GreaterOrEqual(t, d.Value, 0, d.Name)
				assert.LessOrEqual(t, d.Value, d.Max, d.Name)
			}
			assert.LessOrEqual(t, v.Total(), 100)
		}
	}
}

func TestWeightsValidate_ScoreError(t *testing.T) {
	err := Weights{Scope: 50, Dependency: 50, Technical: 10}.Validate()
	require.Error(t, err)

	var se *ScoreError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Reason, "sum to 110")
}

func TestWeightsValidate(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Scope: -5, Dependency: 45, Technical: 20, Risk: 20, Time: 10, UI: 10}.Validate())
}

func TestSignalSetApply(t *testing.T) {
	s := DefaultSignals().Apply(Overrides{
		UI:           []string{"Widget"},
		SimpleDeltas: map[string]int{"tweak": -7, "nit": -6},
	})
	assert.Equal(t, []string{"widget"}, s.UI)
	assert.Equal(t, []Keyword{{"nit", -6}, {"tweak", -7}}, s.Simple)
	assert.NotEmpty(t, s.Text, "untouched tables keep defaults")

	f := s.Extract("tweak the widget")
	assert.True(t, f.UISignal)
	assert.Equal(t, -7, f.SimpleDelta)
}
