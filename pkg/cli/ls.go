package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fieldtest/fieldtest/pkg/engine"
)

func (a *App) newListCommand() *cobra.Command {
	var sel selection

	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List tests",
		Long: `List the (project, test) pairs a test run with the same selection would
execute, grouped by module.`,
		Example: `  fieldtest ls
  fieldtest ls -p staging -m users`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			runner, err := a.newRunner(cfg)
			if err != nil {
				return err
			}
			return writeListing(cmd.OutOrStdout(), runner.List(sel.projects, sel.modules, sel.tests))
		},
	}

	sel.register(cmd)
	return cmd
}

// writeListing prints units grouped by module, modules in first-seen order.
func writeListing(w io.Writer, units []engine.Unit) error {
	var modules []string
	byModule := make(map[string][]engine.Unit)
	for _, u := range units {
		module := u.Registration.Module
		if _, ok := byModule[module]; !ok {
			modules = append(modules, module)
		}
		byModule[module] = append(byModule[module], u)
	}

	for _, module := range modules {
		if _, err := fmt.Fprintf(w, "* %s\n", module); err != nil {
			return err
		}
		for _, u := range byModule[module] {
			if _, err := fmt.Fprintf(w, "  - [%s] %s\n", u.Project.Name, u.Metadata().FullName()); err != nil {
				return err
			}
		}
	}
	return nil
}
