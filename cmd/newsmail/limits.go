package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsmail/internal/config"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show send limits and current usage",
	RunE:  runLimits,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
}

func runLimits(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	l := a.Config().Dispatch.Limits
	if !l.Enabled() {
		fmt.Println("Send limits are disabled")
		return nil
	}

	fmt.Println("Send Limits")
	fmt.Println("===========")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tMESSAGES/HOUR\tMESSAGES/DAY")
	printLimit(w, "global", l.Global)
	printLimit(w, "per mailing", l.Mailing)
	printLimit(w, "per recipient domain", l.RecipientDomain)
	domains := make([]string, 0, len(l.Domains))
	for d := range l.Domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	for _, d := range domains {
		printLimit(w, d, l.Domains[d])
	}
	w.Flush()

	stats := a.Limiter.Stats(context.Background())
	if len(stats) == 0 {
		fmt.Println("\nNo messages counted yet")
		return nil
	}

	fmt.Println("\nCurrent Usage")
	fmt.Println("=============")
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LEVEL\tKEY\tTHIS HOUR\tTODAY")
	for _, s := range stats {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Level, s.Key, s.HourlyCount, s.DailyCount)
	}
	w.Flush()
	return nil
}

func printLimit(w *tabwriter.Writer, name string, v *config.LimitValues) {
	if v == nil {
		fmt.Fprintf(w, "%s\t-\t-\n", name)
		return
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", name, limitValue(v.MessagesPerHour), limitValue(v.MessagesPerDay))
}

func limitValue(n int) string {
	if n <= 0 {
		return "unlimited"
	}
	return fmt.Sprint(n)
}
