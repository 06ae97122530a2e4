package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/routeloop/internal/config"
	"github.com/aristath/routeloop/internal/router"
)

// overrideFlags are the route-forcing flags shared by route and run.
type overrideFlags struct {
	force  string
	direct bool
	deep   bool
}

func (f *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.force, "force-route", "", "force the route: direct or deep")
	cmd.Flags().BoolVar(&f.direct, "direct", false, "shorthand for --force-route=direct")
	cmd.Flags().BoolVar(&f.deep, "deep", false, "shorthand for --force-route=deep")
	cmd.MarkFlagsMutuallyExclusive("force-route", "direct", "deep")
}

func (f *overrideFlags) override() (router.Override, error) {
	switch {
	case f.direct:
		return router.ForceDirect, nil
	case f.deep:
		return router.ForceDeep, nil
	}
	switch strings.ToLower(strings.TrimSpace(f.force)) {
	case "":
		return router.NoOverride, nil
	case "direct":
		return router.ForceDirect, nil
	case "deep", "ralph":
		return router.ForceDeep, nil
	}
	return router.NoOverride, fmt.Errorf("unknown --force-route %q (want direct or deep)", f.force)
}

func routeCmd(opts *rootOptions) *cobra.Command {
	var (
		flags   overrideFlags
		explain bool
	)

	cmd := &cobra.Command{
		Use:   "route <task description>",
		Short: "Score a task and print the route it would take",
		Long: `Score a task description and print the score vector and the chosen route.
Nothing is executed.

Examples:
  # See where a task would go
  routeloop route "fix the typo in README.md"

  # Full breakdown: dimensions, matched signals, rule and phase table
  routeloop route --explain "refactor the billing module across services"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			override, err := flags.override()
			if err != nil {
				return err
			}
			d, err := decide(cfg, strings.Join(args, " "), override)
			if err != nil {
				return err
			}
			if explain {
				_, err = io.WriteString(cmd.OutOrStdout(), router.Explain(d, cfg.Weights, cfg.Thresholds))
				return err
			}
			printDecision(cmd.OutOrStdout(), d, cfg)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().BoolVar(&explain, "explain", false, "print the full routing explanation")
	return cmd
}

func decide(cfg *config.Config, description string, override router.Override) (router.Decision, error) {
	r, err := router.New(cfg.SignalSet(), cfg.Weights, cfg.Thresholds)
	if err != nil {
		return router.Decision{}, err
	}
	return r.Route(router.Request{Description: description, Override: override}), nil
}

func printDecision(w io.Writer, d router.Decision, cfg *config.Config) {
	fmt.Fprintf(w, "Route: %s\n", d.Route)
	fmt.Fprintf(w, "Score: %d/100 (", d.Score.Total())
	for i, dim := range d.Score.Breakdown(cfg.Weights) {
		if i > 0 {
			fmt.Fprint(w, ", ")
		}
		fmt.Fprintf(w, "%s %d/%d", dim.Name, dim.Value, dim.Max)
	}
	fmt.Fprintln(w, ")")
}
