package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	tlsprovider "github.com/foxzi/newsmail/internal/tls"
)

var tlsCmd = &cobra.Command{
	Use:   "tls",
	Short: "TLS certificate commands for the tracking server",
}

var tlsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show certificate expiry",
	RunE:  runTLSStatus,
}

func init() {
	tlsCmd.AddCommand(tlsStatusCmd)
	rootCmd.AddCommand(tlsCmd)
}

func runTLSStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	provider, err := tlsprovider.New(cfg.Tracking.TLS)
	if err != nil {
		return err
	}
	if provider == nil {
		fmt.Println("TLS is not configured; the tracking server speaks plain HTTP")
		return nil
	}

	source := "certificate files"
	if provider.ACME() {
		source = "Let's Encrypt (" + cfg.Tracking.TLS.ACME.CacheDir + ")"
	}
	fmt.Printf("Source: %s\n\n", source)

	certs := provider.Certificates(context.Background())
	if len(certs) == 0 {
		fmt.Println("No certificates obtained yet. They are requested on the first HTTPS connection.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tEXPIRES\tDAYS LEFT")
	for _, c := range certs {
		fmt.Fprintf(w, "%s\t%s\t%d\n", c.Domain, c.NotAfter.Format("2006-01-02"), c.DaysLeft)
	}
	w.Flush()
	return nil
}
