package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsmail/internal/dnscheck"
	"github.com/foxzi/newsmail/internal/transport"
)

var (
	dnsSelector string
	dnsRelayIP  string
	dnsJSON     bool
)

var dnsCmd = &cobra.Command{
	Use:   "dns",
	Short: "DNS commands",
}

var dnsCheckCmd = &cobra.Command{
	Use:   "check [domain]",
	Short: "Check MX, SPF, DKIM and DMARC of a sender domain",
	Long: `Check the DNS of a sender domain before a mailing goes out.

Without arguments the DKIM domain, selector and key from the configuration
are used, and the published DKIM key is compared with the signing key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDNSCheck,
}

func init() {
	dnsCheckCmd.Flags().StringVar(&dnsSelector, "selector", "", "DKIM selector (default: from config or newsmail)")
	dnsCheckCmd.Flags().StringVar(&dnsRelayIP, "relay-ip", "", "Check this relay IPv4 address against DNS blocklists")
	dnsCheckCmd.Flags().BoolVar(&dnsJSON, "json", false, "Print the report as JSON")

	dnsCmd.AddCommand(dnsCheckCmd)
	rootCmd.AddCommand(dnsCmd)
}

func runDNSCheck(cmd *cobra.Command, args []string) error {
	opts := dnscheck.Options{Selector: dnsSelector, RelayIP: dnsRelayIP}
	if len(args) == 1 {
		opts.Domain = args[0]
	}

	if cfgFile != "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d := cfg.Transport.DKIM
		if opts.Domain == "" {
			opts.Domain = d.Domain
		}
		if opts.Selector == "" {
			opts.Selector = d.Selector
		}
		if d.Enabled && d.Domain == opts.Domain {
			key, err := transport.LoadPrivateKey(d.KeyFile)
			if err != nil {
				return err
			}
			if opts.PublicKey, err = transport.PublicKey(key); err != nil {
				return err
			}
		}
	}
	if opts.Domain == "" {
		return fmt.Errorf("domain is required (argument or transport.dkim.domain)")
	}
	if opts.Selector == "" {
		opts.Selector = "newsmail"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report, err := dnscheck.New(nil).CheckSender(ctx, opts)
	if err != nil {
		return err
	}
	if dnsJSON {
		return printJSON(report)
	}

	fmt.Printf("Sender domain: %s\n\n", report.Domain)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tMESSAGE\tVALUE")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.Status, r.Message, truncate(r.Value, 60))
	}
	w.Flush()

	if len(report.DNSBL) > 0 {
		fmt.Printf("\nBlocklists for %s:\n", opts.RelayIP)
		w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, r := range report.DNSBL {
			status := "clean"
			switch {
			case r.Error != "":
				status = "error: " + r.Error
			case r.Listed:
				status = fmt.Sprintf("LISTED %v", r.ReturnCodes)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", r.DNSBL.Name, r.DNSBL.Zone, status)
		}
		w.Flush()
	}

	s := report.Summary
	fmt.Printf("\nOK: %d, warnings: %d, errors: %d, missing: %d, listed: %d\n", s.OK, s.Warnings, s.Errors, s.NotFound, s.Listed)
	if !report.Ready() {
		return fmt.Errorf("sender domain %s is not ready", report.Domain)
	}
	return nil
}
