package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsmail/internal/dispatch"
)

var (
	dispatchMailing int64
	dispatchMax     int
	dispatchJSON    bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Process one batch of every due mailing",
	Long: `Process one batch of every due mailing and exit. Intended for cron.
The command fails when any batch hits a hard error such as an unreachable relay.`,
	RunE: runDispatch,
}

func init() {
	dispatchCmd.Flags().Int64Var(&dispatchMailing, "mailing", 0, "Process only this mailing")
	dispatchCmd.Flags().IntVar(&dispatchMax, "max", -1, "Messages per mailing (default from config, 0 = no limit)")
	dispatchCmd.Flags().BoolVar(&dispatchJSON, "json", false, "Print results as JSON")

	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	limit := dispatchMax
	if limit < 0 {
		limit = a.Config().Dispatch.MaxPerCycle
	}

	ctx := context.Background()
	var results []dispatch.BatchResult
	if dispatchMailing > 0 {
		var res dispatch.BatchResult
		res, err = a.Engine.ProcessBatch(ctx, dispatchMailing, limit)
		results = append(results, res)
	} else {
		results, err = a.RunDispatch(ctx, limit)
	}

	if dispatchJSON {
		if perr := printJSON(results); perr != nil {
			return perr
		}
	} else {
		printBatchResults(results)
	}
	return err
}

func printBatchResults(results []dispatch.BatchResult) {
	if len(results) == 0 {
		fmt.Println("No mailings due")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MAILING\tSTATUS\tSENT\tFAILED\tSKIPPED\tDEFERRED\tREMAINING\tPROGRESS")
	for _, r := range results {
		status := r.Status
		switch {
		case r.Locked:
			status = "locked"
		case r.Throttled:
			status += " (throttled)"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%d%%\n",
			r.Mailing, status, r.Sent, r.Failed, r.Skipped, r.Deferred, r.Remaining, r.Progress)
	}
	w.Flush()
}
