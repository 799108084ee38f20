package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/newsmail/internal/app"
	"github.com/foxzi/newsmail/internal/models"
)

var (
	mailingListStatus string
	mailingListLimit  int
	mailingFile       string
	mailingAt         string
)

var mailingCmd = &cobra.Command{
	Use:   "mailing",
	Short: "Mailing management commands",
}

var mailingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mailings",
	RunE:  runMailingList,
}

var mailingShowCmd = &cobra.Command{
	Use:   "show <uid>",
	Short: "Show mailing details and delivery statistics",
	Args:  cobra.ExactArgs(1),
	RunE:  runMailingShow,
}

var mailingCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a draft mailing from a YAML file",
	RunE:  runMailingCreate,
}

var mailingPrepareCmd = &cobra.Command{
	Use:   "prepare <uid>",
	Short: "Extract the link tables of a draft",
	Args:  cobra.ExactArgs(1),
	RunE: withMailing(func(a *app.App, uid int64) error {
		m, err := a.Engine.Prepare(uid)
		if err != nil {
			return err
		}
		fmt.Printf("Mailing %d prepared: %d html links, %d plain links\n", uid, len(m.HTMLLinks), len(m.PlainLinks))
		return nil
	}),
}

var mailingScheduleCmd = &cobra.Command{
	Use:   "schedule <uid>",
	Short: "Schedule a prepared draft for delivery",
	Args:  cobra.ExactArgs(1),
	RunE: withMailing(func(a *app.App, uid int64) error {
		var at time.Time
		if mailingAt != "" {
			var err error
			at, err = time.Parse(time.RFC3339, mailingAt)
			if err != nil {
				return fmt.Errorf("invalid --at value: %w", err)
			}
		}
		if err := a.Engine.Schedule(uid, at); err != nil {
			return err
		}
		fmt.Printf("Mailing %d scheduled\n", uid)
		return nil
	}),
}

var mailingPauseCmd = &cobra.Command{
	Use:   "pause <uid>",
	Short: "Pause a scheduled or sending mailing",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleCommand("paused", func(a *app.App, uid int64) error { return a.Engine.Pause(uid) }),
}

var mailingResumeCmd = &cobra.Command{
	Use:   "resume <uid>",
	Short: "Resume a paused mailing",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleCommand("resumed", func(a *app.App, uid int64) error { return a.Engine.Resume(uid) }),
}

var mailingAbortCmd = &cobra.Command{
	Use:   "abort <uid>",
	Short: "Abort a mailing for good",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleCommand("aborted", func(a *app.App, uid int64) error { return a.Engine.Abort(uid) }),
}

var mailingDeleteCmd = &cobra.Command{
	Use:   "delete <uid>",
	Short: "Delete a mailing and its delivery log",
	Args:  cobra.ExactArgs(1),
	RunE:  lifecycleCommand("deleted", func(a *app.App, uid int64) error { return a.Engine.Delete(uid) }),
}

func init() {
	mailingListCmd.Flags().StringVar(&mailingListStatus, "status", "", "Filter by status (draft, scheduled, sending, paused, aborted, sent)")
	mailingListCmd.Flags().IntVar(&mailingListLimit, "limit", 50, "Maximum number of mailings to show")
	mailingCreateCmd.Flags().StringVarP(&mailingFile, "file", "f", "", "YAML file describing the mailing (required)")
	mailingCreateCmd.MarkFlagRequired("file")
	mailingScheduleCmd.Flags().StringVar(&mailingAt, "at", "", "Send time in RFC 3339 (default: now)")

	mailingCmd.AddCommand(mailingListCmd, mailingShowCmd, mailingCreateCmd, mailingPrepareCmd,
		mailingScheduleCmd, mailingPauseCmd, mailingResumeCmd, mailingAbortCmd, mailingDeleteCmd)
	rootCmd.AddCommand(mailingCmd)
}

func parseUID(s string) (int64, error) {
	uid, err := strconv.ParseInt(s, 10, 64)
	if err != nil || uid <= 0 {
		return 0, fmt.Errorf("invalid uid: %s", s)
	}
	return uid, nil
}

// withMailing opens the app and runs fn for the uid in the first argument
func withMailing(fn func(a *app.App, uid int64) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		uid, err := parseUID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(a, uid)
	}
}

func lifecycleCommand(done string, fn func(*app.App, int64) error) func(*cobra.Command, []string) error {
	return withMailing(func(a *app.App, uid int64) error {
		if err := fn(a, uid); err != nil {
			return err
		}
		fmt.Printf("Mailing %d %s\n", uid, done)
		return nil
	})
}

func runMailingList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	mailings, err := a.Mailings.List(models.MailingListFilter{Status: mailingListStatus, Limit: mailingListLimit})
	if err != nil {
		return fmt.Errorf("failed to list mailings: %w", err)
	}
	if len(mailings) == 0 {
		fmt.Println("No mailings")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tSTATUS\tSUBJECT\tRECIPIENTS\tPROGRESS\tSCHEDULED")
	for _, m := range mailings {
		scheduled := "-"
		if !m.Scheduled.IsZero() {
			scheduled = m.Scheduled.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d%%\t%s\n",
			m.UID, m.Status, truncate(m.Subject, 40), m.NumberOfRecipients, m.DeliveryProgress, scheduled)
	}
	return w.Flush()
}

func runMailingShow(cmd *cobra.Command, args []string) error {
	uid, err := parseUID(args[0])
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	m, err := a.Mailings.GetByID(uid)
	if err != nil {
		return fmt.Errorf("failed to load mailing: %w", err)
	}
	if m == nil {
		return fmt.Errorf("mailing %d not found", uid)
	}
	stats, err := a.Log.Stats(uid)
	if err != nil {
		return fmt.Errorf("failed to load statistics: %w", err)
	}

	fmt.Printf("Mailing %d\n", m.UID)
	fmt.Printf("  Subject:    %s\n", m.Subject)
	fmt.Printf("  From:       %s <%s>\n", m.FromName, m.FromEmail)
	fmt.Printf("  Status:     %s\n", m.Status)
	fmt.Printf("  Groups:     %v\n", m.RecipientGroups)
	fmt.Printf("  Prepared:   %v (%d html links, %d plain links)\n", m.Prepared, len(m.HTMLLinks), len(m.PlainLinks))
	fmt.Printf("  Recipients: %d\n", m.NumberOfRecipients)
	fmt.Printf("  Progress:   %d%%\n", m.DeliveryProgress)
	if !m.ScheduledBegin.IsZero() {
		fmt.Printf("  Started:    %s\n", m.ScheduledBegin.Format(time.RFC3339))
	}
	if !m.ScheduledEnd.IsZero() {
		fmt.Printf("  Finished:   %s\n", m.ScheduledEnd.Format(time.RFC3339))
	}
	fmt.Printf("\nDelivery log\n")
	fmt.Printf("  Sent:    %d\n", stats.All)
	fmt.Printf("  Clicks:  %d html, %d plain\n", stats.HTML, stats.Plain)
	fmt.Printf("  Opens:   %d\n", stats.Ping)
	fmt.Printf("  Bounces: %d\n", stats.Failed)
	return nil
}

// mailingSpec is the YAML layout accepted by 'mailing create'
type mailingSpec struct {
	Subject        string   `yaml:"subject"`
	FromEmail      string   `yaml:"from_email"`
	FromName       string   `yaml:"from_name"`
	ReplyToEmail   string   `yaml:"reply_to_email"`
	ReplyToName    string   `yaml:"reply_to_name"`
	ReturnPath     string   `yaml:"return_path"`
	Organisation   string   `yaml:"organisation"`
	Priority       int      `yaml:"priority"`
	Charset        string   `yaml:"charset"`
	Format         string   `yaml:"format"` // html, plain, both
	Redirect       bool     `yaml:"redirect"`
	RedirectAll    bool     `yaml:"redirect_all"`
	AuthCodeFields string   `yaml:"auth_code_fields"`
	HTML           string   `yaml:"html"`
	Plain          string   `yaml:"plain"`
	Groups         []int64  `yaml:"groups"`
	Attachments    []string `yaml:"attachments"`
}

func (s *mailingSpec) toMailing() (*models.Mailing, error) {
	if s.Subject == "" || s.FromEmail == "" {
		return nil, fmt.Errorf("subject and from_email are required")
	}
	if len(s.Groups) == 0 {
		return nil, fmt.Errorf("at least one recipient group is required")
	}

	m := &models.Mailing{
		Subject:         s.Subject,
		FromEmail:       s.FromEmail,
		FromName:        s.FromName,
		ReplyToEmail:    s.ReplyToEmail,
		ReplyToName:     s.ReplyToName,
		ReturnPath:      s.ReturnPath,
		Organisation:    s.Organisation,
		Priority:        s.Priority,
		Charset:         s.Charset,
		Redirect:        s.Redirect,
		RedirectAll:     s.RedirectAll,
		AuthCodeFields:  s.AuthCodeFields,
		HTMLContent:     s.HTML,
		PlainContent:    s.Plain,
		RecipientGroups: s.Groups,
		Attachments:     s.Attachments,
	}
	switch s.Format {
	case "", "both":
		m.SendOptions = models.SendBoth
	case "html":
		m.SendOptions = models.SendHTML
	case "plain":
		m.SendOptions = models.SendPlain
	default:
		return nil, fmt.Errorf("invalid format: %s (must be html, plain, or both)", s.Format)
	}
	return m, nil
}

func runMailingCreate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(mailingFile)
	if err != nil {
		return fmt.Errorf("failed to read mailing file: %w", err)
	}
	var spec mailingSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("failed to parse mailing file: %w", err)
	}
	m, err := spec.toMailing()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Mailings.Create(m); err != nil {
		return err
	}
	fmt.Printf("Mailing %d created as draft\n", m.UID)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
