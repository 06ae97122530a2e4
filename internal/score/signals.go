package score

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// Keyword is a term that shifts the score by Delta when present.
type Keyword struct {
	Term  string
	Delta int
}

// SignalSet is the data-driven predicate table evaluated against a task description.
type SignalSet struct {
	Simple       []Keyword
	Complex      []Keyword
	UI           []string
	Text         []string
	Code         []string
	ComplexRoute []string
	SuperComplex []string

	ShortTaskWords    int
	ComplexWords      int
	SuperComplexWords int
}

// Overrides replaces parts of the default signal tables. Empty fields keep the defaults.
type Overrides struct {
	UI            []string       `koanf:"ui" yaml:"ui,omitempty"`
	Text          []string       `koanf:"text" yaml:"text,omitempty"`
	Code          []string       `koanf:"code" yaml:"code,omitempty"`
	Complex       []string       `koanf:"complex" yaml:"complex,omitempty"`
	SuperComplex  []string       `koanf:"super_complex" yaml:"super_complex,omitempty"`
	SimpleDeltas  map[string]int `koanf:"simple_deltas" yaml:"simple_deltas,omitempty"`
	ComplexDeltas map[string]int `koanf:"complex_deltas" yaml:"complex_deltas,omitempty"`
}

// DefaultSignals returns the built-in signal tables.
func DefaultSignals() SignalSet {
	return SignalSet{
		Simple: []Keyword{
			{"typo", -10}, {"拼写", -10},
			{"comment", -10}, {"注释", -10},
			{"rename", -8}, {"重命名", -8},
			{"readme", -5}, {"docs", -5}, {"文档", -5},
			{"简单", -5}, {"快速", -5}, {"小改", -5},
		},
		Complex: []Keyword{
			{"architecture", 20}, {"系统", 20}, {"架构", 20},
			{"complete", 15}, {"完整", 15}, {"全面", 15},
			{"refactor", 15}, {"重构", 15},
			{"from scratch", 25}, {"从零", 25},
			{"multi-module", 15}, {"多模块", 15},
		},
		UI: []string{
			"ui", "ux", "界面", "组件", "component", "页面", "page",
			"布局", "layout", "样式", "css", "前端", "frontend",
			"jsx", "tsx", "hook", "usestate", "vue", "next", "nuxt",
			"shadcn", "radix", "chakra", "material-ui", "antd",
			"framer", "framer-motion", "gsap", "animation",
			"button", "form", "modal", "card", "table", "tabs", "dialog",
		},
		Text: []string{
			".md", ".txt", ".json", ".yaml", ".yml", ".toml",
			"config", "配置", "readme", "docs", "typo", "comment",
		},
		Code: []string{
			".go", ".py", ".ts", ".js", ".rs", ".java", ".tsx", ".jsx",
			"function", "method", "class", "implement", "bug",
		},
		ComplexRoute:      []string{"refactor", "重构", "multi-module", "多模块", "complete", "完整"},
		SuperComplex:      []string{"architecture", "架构", "系统", "from scratch", "从零"},
		ShortTaskWords:    25,
		ComplexWords:      40,
		SuperComplexWords: 120,
	}
}

// Apply returns a copy of s with the non-empty overrides substituted.
func (s SignalSet) Apply(o Overrides) SignalSet {
	if len(o.UI) > 0 {
		s.UI = lowerAll(o.UI)
	}
	if len(o.Text) > 0 {
		s.Text = lowerAll(o.Text)
	}
	if len(o.Code) > 0 {
		s.Code = lowerAll(o.Code)
	}
	if len(o.Complex) > 0 {
		s.ComplexRoute = lowerAll(o.Complex)
	}
	if len(o.SuperComplex) > 0 {
		s.SuperComplex = lowerAll(o.SuperComplex)
	}
	if len(o.SimpleDeltas) > 0 {
		s.Simple = keywordsFrom(o.SimpleDeltas)
	}
	if len(o.ComplexDeltas) > 0 {
		s.Complex = keywordsFrom(o.ComplexDeltas)
	}
	return s
}

func lowerAll(terms []string) []string {
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = strings.ToLower(t)
	}
	return out
}

func keywordsFrom(m map[string]int) []Keyword {
	out := make([]Keyword, 0, len(m))
	for term, delta := range m {
		out = append(out, Keyword{Term: strings.ToLower(term), Delta: delta})
	}
	// map order is random; explanations list matches in table order
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })
	return out
}

// matchTerm reports whether term occurs in text (both lowercase).
// ASCII words match on word boundaries (a trailing plural "s" is allowed),
// file extensions need only a trailing boundary, and non-ASCII terms match as substrings.
func matchTerm(text, term string) bool {
	if term == "" {
		return false
	}
	if !isASCII(term) {
		return strings.Contains(text, term)
	}
	extension := strings.HasPrefix(term, ".")

	from := 0
	for {
		idx := strings.Index(text[from:], term)
		if idx == -1 {
			return false
		}
		idx += from
		end := idx + len(term)

		before := extension || idx == 0 || !isWordChar(text[idx-1])
		after := end == len(text) || !isWordChar(text[end])
		if !after && !extension && text[end] == 's' {
			after = end+1 == len(text) || !isWordChar(text[end+1])
		}
		if before && after {
			return true
		}
		from = idx + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func isASCII(s string) bool {
	return utf8.RuneCountInString(s) == len(s)
}
