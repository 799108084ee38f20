package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/spf13/cobra"

	"github.com/foxzi/newsmail/internal/sandbox"
)

var (
	sandboxMailing    int64
	sandboxListLimit  int
	sandboxListMode   string
	sandboxShowFormat string
	sandboxClearDays  int
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured in sandbox and redirect mode",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove captured messages",
	RunE:  runSandboxClear,
}

var sandboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show sandbox statistics",
	RunE:  runSandboxStats,
}

func init() {
	sandboxListCmd.Flags().Int64Var(&sandboxMailing, "mailing", 0, "Filter by mailing")
	sandboxListCmd.Flags().StringVar(&sandboxListMode, "mode", "", "Filter by mode (sandbox, redirect)")
	sandboxListCmd.Flags().IntVar(&sandboxListLimit, "limit", 50, "Maximum number of messages")

	sandboxShowCmd.Flags().StringVar(&sandboxShowFormat, "format", "text", "Output format (text, raw, html, plain)")

	sandboxClearCmd.Flags().Int64Var(&sandboxMailing, "mailing", 0, "Clear only messages of this mailing")
	sandboxClearCmd.Flags().IntVar(&sandboxClearDays, "older-than", 0, "Clear messages older than N days")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd, sandboxStatsCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	messages, err := a.Sandbox.List(context.Background(), sandbox.ListFilter{
		Mailing: sandboxMailing,
		Mode:    sandboxListMode,
		Limit:   sandboxListLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Println("No messages in sandbox")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMAILING\tMODE\tTO\tSUBJECT\tCAPTURED\tERROR")
	for _, msg := range messages {
		to := msg.To
		if msg.OriginalTo != "" {
			to = msg.OriginalTo + " -> " + msg.To
		}
		simErr := msg.SimulatedErr
		if simErr == "" {
			simErr = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			msg.ID,
			msg.Mailing,
			msg.Mode,
			truncate(to, 40),
			truncate(msg.Subject, 30),
			msg.CapturedAt.Format("2006-01-02 15:04"),
			simErr,
		)
	}
	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(messages))

	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	msg, err := a.Sandbox.Get(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	switch sandboxShowFormat {
	case "raw":
		os.Stdout.Write(msg.Data)
		return nil
	case "html", "plain":
		body, err := textPart(msg.Data, "text/"+sandboxShowFormat)
		if err != nil {
			return err
		}
		fmt.Println(body)
		return nil
	}

	fmt.Printf("Message: %s\n\n", msg.ID)
	fmt.Printf("Mailing:    %d\n", msg.Mailing)
	fmt.Printf("MID:        %s\n", msg.MID)
	fmt.Printf("Mode:       %s\n", msg.Mode)
	fmt.Printf("From:       %s\n", msg.From)
	fmt.Printf("To:         %s\n", msg.To)
	if msg.OriginalTo != "" {
		fmt.Printf("Original:   %s\n", msg.OriginalTo)
	}
	fmt.Printf("Subject:    %s\n", msg.Subject)
	fmt.Printf("Captured:   %s\n", msg.CapturedAt.Format(time.RFC3339))
	if msg.SimulatedErr != "" {
		fmt.Printf("\nSimulated Error: %s\n", msg.SimulatedErr)
	}
	fmt.Printf("Size:       %d bytes (use --format raw for the full message)\n", len(msg.Data))
	return nil
}

// textPart returns the decoded body of the first inline part of the given type
func textPart(data []byte, mediaType string) (string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("message has no %s part", mediaType)
		}
		if err != nil {
			return "", fmt.Errorf("failed to read message part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		if t, _, _ := h.ContentType(); t == mediaType {
			body, err := io.ReadAll(p.Body)
			if err != nil {
				return "", err
			}
			return string(body), nil
		}
	}
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var olderThan time.Duration
	if sandboxClearDays > 0 {
		olderThan = time.Duration(sandboxClearDays) * 24 * time.Hour
	}

	count, err := a.Sandbox.Clear(context.Background(), sandboxMailing, olderThan)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	if sandboxMailing != 0 {
		fmt.Printf("Cleared %d messages of mailing %d\n", count, sandboxMailing)
	} else {
		fmt.Printf("Cleared %d messages from sandbox\n", count)
	}
	return nil
}

func runSandboxStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Sandbox.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get sandbox stats: %w", err)
	}

	fmt.Println("Sandbox Statistics")
	fmt.Println("==================")
	fmt.Printf("Transport mode: %s\n", a.Config().Transport.Mode)
	fmt.Printf("Total Messages: %d\n", stats.Total)
	fmt.Printf("Simulated errors: %d\n", stats.Failed)
	fmt.Printf("Total Size:     %d bytes\n", stats.TotalSize)

	if len(stats.ByMode) > 0 {
		fmt.Println("\nBy Mode:")
		for mode, count := range stats.ByMode {
			fmt.Printf("  %s: %d\n", mode, count)
		}
	}

	if len(stats.ByMailing) > 0 {
		fmt.Println("\nBy Mailing:")
		uids := make([]int64, 0, len(stats.ByMailing))
		for uid := range stats.ByMailing {
			uids = append(uids, uid)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
		for _, uid := range uids {
			fmt.Printf("  %d: %d\n", uid, stats.ByMailing[uid])
		}
	}

	if !stats.OldestAt.IsZero() {
		fmt.Printf("\nOldest Message: %s\n", stats.OldestAt.Format(time.RFC3339))
	}
	if !stats.NewestAt.IsZero() {
		fmt.Printf("Newest Message: %s\n", stats.NewestAt.Format(time.RFC3339))
	}
	return nil
}
