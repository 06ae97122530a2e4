package score

import "strings"

// Match records a signal term found in a description.
type Match struct {
	Category string // simple, complex, ui, text, code
	Term     string
	Delta    int
}

// Features is the signal summary of a task description.
// The engine and router work from Features alone, so both can be tested with synthetic values.
type Features struct {
	WordCount    int
	SimpleDelta  int
	ComplexDelta int
	UIHits       int

	UISignal           bool
	TextSignal         bool
	CodeSignal         bool
	Short              bool
	ComplexSignal      bool
	SuperComplexSignal bool

	Matches []Match
}

// Adjustment is the combined keyword delta applied before clamping.
func (f Features) Adjustment() int {
	return f.SimpleDelta + f.ComplexDelta
}

// Extract evaluates the signal tables against description.
func (s SignalSet) Extract(description string) Features {
	text := strings.ToLower(description)
	f := Features{WordCount: len(strings.Fields(description))}

	for _, kw := range s.Simple {
		if matchTerm(text, kw.Term) {
			f.SimpleDelta += kw.Delta
			f.Matches = append(f.Matches, Match{Category: "simple", Term: kw.Term, Delta: kw.Delta})
		}
	}
	for _, kw := range s.Complex {
		if matchTerm(text, kw.Term) {
			f.ComplexDelta += kw.Delta
			f.Matches = append(f.Matches, Match{Category: "complex", Term: kw.Term, Delta: kw.Delta})
		}
	}
	for _, term := range s.UI {
		if matchTerm(text, term) {
			f.UIHits++
			f.Matches = append(f.Matches, Match{Category: "ui", Term: term})
		}
	}
	f.UISignal = f.UIHits > 0
	f.TextSignal = s.anyMatch(text, s.Text, "text", &f)
	f.CodeSignal = s.anyMatch(text, s.Code, "code", &f)

	f.Short = f.WordCount <= s.ShortTaskWords
	f.ComplexSignal = f.WordCount >= s.ComplexWords || s.anyMatch(text, s.ComplexRoute, "", nil)
	f.SuperComplexSignal = f.WordCount >= s.SuperComplexWords || s.anyMatch(text, s.SuperComplex, "", nil)
	return f
}

// anyMatch reports whether any term matches. When f is non-nil every hit is recorded under category.
func (s SignalSet) anyMatch(text string, terms []string, category string, f *Features) bool {
	found := false
	for _, term := range terms {
		if !matchTerm(text, term) {
			continue
		}
		found = true
		if f == nil {
			return true
		}
		f.Matches = append(f.Matches, Match{Category: category, Term: term})
	}
	return found
}
