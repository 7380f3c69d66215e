package cli

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/commission-engine/api"
)

func init() {
	rootCmd.AddCommand(scenarioCmd)
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario [ID]",
	Short: "Load a demo scenario",
	Long: `Reset the configured database and load a demo scenario. Without an
ID, list the available scenarios. Every scenario checks its own balances
and fails if the engine pays something else.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScenario,
}

func runScenario(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDESCRIPTION")
		for _, s := range api.Scenarios() {
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Name, s.Description)
		}
		return w.Flush()
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.services.LoadScenario(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("load scenario %s: %w", args[0], err)
	}

	fmt.Fprintf(os.Stdout, "Loaded %s (%s)\n\n", result.Scenario.Name, result.Scenario.ID)

	names := make([]string, 0, len(result.Accounts))
	for name := range result.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tID")
	for _, name := range names {
		fmt.Fprintf(w, "%s\t%s\n", name, result.Accounts[name])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout)
	for _, o := range result.Outcomes {
		fmt.Fprintf(os.Stdout, "  ✓ %s\n", o)
	}
	return nil
}
