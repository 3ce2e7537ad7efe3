package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/engine"
	"github.com/fieldtest/fieldtest/pkg/policy"
)

func (a *App) newValidateCommand() *cobra.Command {
	var policies []string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long: `Load and validate the configuration and print the resolved projects.

This command checks:
  - YAML syntax and field validation
  - CUE schema conformance
  - Retry settings and durations
  - Policy compilation (with --policy)`,
		Example: `  fieldtest validate
  fieldtest validate -c ./ci/fieldtest.yaml --policy ./policies`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			source := cfg.Path
			if source == "" {
				source = "defaults"
			}
			fmt.Fprintf(out, "Config: %s\n", source)
			fmt.Fprintf(out, "Projects: %d\n", len(cfg.Projects))
			for _, p := range cfg.Projects {
				fmt.Fprintf(out, "  - %s", p.Name)
				if keys := dataKeys(p); len(keys) > 0 {
					fmt.Fprintf(out, " (%s)", strings.Join(keys, ", "))
				}
				fmt.Fprintln(out)
				if len(p.TestIgnore) > 0 {
					fmt.Fprintf(out, "    ignores: %s\n", strings.Join(p.TestIgnore, ", "))
				}
			}

			if len(policies) > 0 {
				eng := policy.NewEngine(a.logger)
				if err := eng.LoadPolicies(cmd.Context(), policies); err != nil {
					return engine.NewConfigError("invalid policies", err).
						WithCode(engine.ErrCodeInvalidConfig)
				}
				fmt.Fprintf(out, "Policies: %d\n", len(eng.ListPolicies()))
			}

			fmt.Fprintln(out, "Configuration is valid")
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&policies, "policy", nil, "rego policy files or directories to compile")

	return cmd
}

func dataKeys(p *engine.ProjectConfig) []string {
	keys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
