package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/warp/commission-engine/api"
)

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Audit every balance against the ledger",
	Long: `Recompute each account's cash and voucher balance from its transaction
history, record the run, and print every account that disagrees. Exits
non-zero when a mismatch is found.`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	auditor := api.NewReconciliationScheduler(a.ledger, a.store, a.logger.Named("audit"))
	run, err := auditor.RunNow(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Run %s: %d accounts, %d mismatched\n", run.ID, run.Accounts, run.Mismatches)
	if run.Mismatches == 0 {
		return nil
	}

	report, err := a.ledger.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ACCOUNT\tBALANCE\tLEDGER\tVOUCHER\tLEDGER VOUCHER")
	for _, m := range report.Mismatched {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.AccountID, m.Balance, m.LedgerCash, m.VoucherBalance, m.LedgerVoucher)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return fmt.Errorf("%d accounts out of balance", run.Mismatches)
}
