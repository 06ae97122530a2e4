package router

import (
	"fmt"
	"strings"

	"github.com/aristath/routeloop/internal/score"
)

// Explain renders a human-readable account of a routing decision.
func Explain(d Decision, w score.Weights, t Thresholds) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Route:  %s (rule: %s)\n", d.Route, d.Rule)
	fmt.Fprintf(&b, "Score:  %d/100\n", d.Score.Total())
	for _, dim := range d.Score.Breakdown(w) {
		fmt.Fprintf(&b, "  %-11s %3d/%d\n", dim.Name, dim.Value, dim.Max)
	}
	fmt.Fprintf(&b, "Bands:  direct<=%d planned<=%d ralph<=%d architect<=%d\n",
		t.Direct, t.Planned, t.Ralph, t.Architect)

	f := d.Features
	fmt.Fprintf(&b, "Words:  %d  adjustment: %+d\n", f.WordCount, f.Adjustment())
	if len(f.Matches) > 0 {
		b.WriteString("Signals:\n")
		for _, m := range f.Matches {
			if m.Delta != 0 {
				fmt.Fprintf(&b, "  %-8s %s (%+d)\n", m.Category, m.Term, m.Delta)
			} else {
				fmt.Fprintf(&b, "  %-8s %s\n", m.Category, m.Term)
			}
		}
	}

	spec := Spec(d.Route)
	b.WriteString("Phases:\n")
	for _, p := range spec.Phases {
		loop := ""
		if p.Iterative {
			loop = " [iterative]"
		}
		fmt.Fprintf(&b, "  %d. %-11s %-12s %3d%%%s\n", p.Index, p.Name, p.Capability, p.Percent, loop)
	}
	fmt.Fprintf(&b, "Done when: %s\n", spec.Criterion)
	return b.String()
}
