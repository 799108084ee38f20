package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/foxzi/newsmail/internal/bounce"
	"github.com/foxzi/newsmail/internal/mailbox"
)

var (
	bounceStyle      string
	bounceRecipient  string
	bounceDiagnostic string
	bounceTemporary  bool
	bounceProcess    bool
)

var bounceCmd = &cobra.Command{
	Use:   "bounce",
	Short: "Bounce processing commands",
}

var bouncePollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Process the bounce mailbox once",
	RunE:  runBouncePoll,
}

var bounceSimulateCmd = &cobra.Command{
	Use:   "simulate <message-file>",
	Short: "Generate a bounce for a sent message",
	Long: `Generate the bounce a remote MTA would return for the message in
message-file ("-" reads stdin). The bounce is printed, or with --process
run through the analyzer against the delivery log.`,
	Args: cobra.ExactArgs(1),
	RunE: runBounceSimulate,
}

func init() {
	bounceSimulateCmd.Flags().StringVar(&bounceStyle, "style", bounce.StylePostfix, "Bounce style (postfix, qmail)")
	bounceSimulateCmd.Flags().StringVar(&bounceRecipient, "rcpt", "", "Failed recipient address (required)")
	bounceSimulateCmd.Flags().StringVar(&bounceDiagnostic, "diagnostic", "550 5.1.1 User unknown", "Diagnostic text")
	bounceSimulateCmd.Flags().BoolVar(&bounceTemporary, "temporary", false, "Report a temporary failure")
	bounceSimulateCmd.Flags().BoolVar(&bounceProcess, "process", false, "Record the bounce instead of printing it")
	bounceSimulateCmd.MarkFlagRequired("rcpt")

	bounceCmd.AddCommand(bouncePollCmd, bounceSimulateCmd)
	rootCmd.AddCommand(bounceCmd)
}

func runBouncePoll(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Config().Bounce.Addr == "" {
		return fmt.Errorf("bounce.addr is not configured")
	}
	n, err := a.PollBounces(context.Background())
	if err != nil {
		return fmt.Errorf("bounce poll failed: %w", err)
	}
	fmt.Printf("Processed %d bounces\n", n)
	return nil
}

func runBounceSimulate(cmd *cobra.Command, args []string) error {
	var (
		original []byte
		err      error
	)
	if args[0] == "-" {
		original, err = io.ReadAll(os.Stdin)
	} else {
		original, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	g := bounce.NewGenerator(a.Config().Server.Hostname)
	raw, err := g.Generate(bounceStyle, bounce.Failure{
		Original:   original,
		Recipient:  bounceRecipient,
		Diagnostic: bounceDiagnostic,
		Permanent:  !bounceTemporary,
	})
	if err != nil {
		return err
	}

	if !bounceProcess {
		_, err = os.Stdout.Write(raw)
		return err
	}

	res, ok := a.Analyzer.Analyze(raw)
	if !ok {
		return fmt.Errorf("message carries no valid mailing identifier")
	}
	mb := mailbox.NewMemory()
	mb.Add(raw)
	n, err := a.Analyzer.ProcessMailbox(context.Background(), mb, 0)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no delivery of mailing %d to %s-%s is logged", res.MID.Mail, res.MID.Source, res.MID.UID)
	}
	fmt.Printf("Recorded bounce for mailing %d, recipient %s-%s: code %d (%s)\n",
		res.MID.Mail, res.MID.Source, res.MID.UID, res.Code, res.Rule)
	return nil
}
