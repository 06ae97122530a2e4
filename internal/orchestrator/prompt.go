package orchestrator

import (
	"strings"
	"text/template"

	"github.com/aristath/routeloop/internal/router"
)

// promptInput is everything a phase prompt is built from.
type promptInput struct {
	Knowledge   string
	Description string
	Route       string
	Criterion   string
	Phase       router.PhaseSpec
	PhaseCount  int
	Iteration   int
	Cap         int
	Pending     string
	Completed   string
	Context     []priorOutput
	Marker      string
}

// priorOutput is the recorded output of a phase the current one depends on.
type priorOutput struct {
	Name   string
	Output string
}

const promptSource = `{{if .Knowledge}}## Project context
{{.Knowledge}}

{{end}}## Task
{{.Description}}

## Phase {{inc .Phase.Index}}/{{.PhaseCount}}: {{.Phase.Name}} ({{.Route}} route)
{{.Phase.Instruction}}
{{- if .Phase.Iterative}}

Iteration {{.Iteration}} of {{.Cap}}. Continue from the current state of the working tree.
{{- end}}
{{- if .Pending}}

## Remaining work
{{.Pending}}
{{- end}}
{{- if .Completed}}

## Completed so far
{{.Completed}}
{{- end}}
{{- range .Context}}

## Output of {{.Name}}
{{.Output}}
{{- end}}
{{- if .Phase.RequiresMarker}}

When the whole phase is finished ({{.Criterion}}), end your reply with {{.Marker}} on its own line. Do not print it before then.
{{- end}}
`

var promptTemplate = template.Must(template.New("phase").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(promptSource))

// composePrompt renders the prompt for one phase execution.
func composePrompt(in promptInput) string {
	var b strings.Builder
	if err := promptTemplate.Execute(&b, in); err != nil {
		// static template over a struct that has every field it reads
		panic(err)
	}
	return b.String()
}
