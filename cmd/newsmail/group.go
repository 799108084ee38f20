package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/recipient"
)

var (
	groupFile   string
	groupExport bool
)

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Recipient group commands",
}

var groupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recipient groups",
	RunE:  runGroupList,
}

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a recipient group from a YAML file",
	RunE:  runGroupCreate,
}

var groupResolveCmd = &cobra.Command{
	Use:   "resolve <uid>...",
	Short: "Resolve groups to their recipients",
	Long: `Resolve one or more groups the way a mailing would and print the
recipient count per source. With --csv the recipients are written as csv.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGroupResolve,
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Recipient source commands",
}

var sourceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered recipient sources",
	RunE:  runSourceList,
}

func init() {
	groupCreateCmd.Flags().StringVarP(&groupFile, "file", "f", "", "YAML file describing the group (required)")
	groupCreateCmd.MarkFlagRequired("file")
	groupResolveCmd.Flags().BoolVar(&groupExport, "csv", false, "Write the resolved recipients as csv")

	groupCmd.AddCommand(groupListCmd, groupCreateCmd, groupResolveCmd)
	sourceCmd.AddCommand(sourceListCmd)
	rootCmd.AddCommand(groupCmd, sourceCmd)
}

func runGroupList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	groups, err := a.Groups.List()
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}
	if len(groups) == 0 {
		fmt.Println("No groups")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tTYPE\tTITLE")
	for _, g := range groups {
		fmt.Fprintf(w, "%d\t%s\t%s\n", g.UID, g.Type, g.Title)
	}
	return w.Flush()
}

// groupSpec is the YAML layout accepted by 'group create'
type groupSpec struct {
	Title         string             `yaml:"title"`
	Type          string             `yaml:"type"`
	Pages         []int64            `yaml:"pages"`
	Recursive     bool               `yaml:"recursive"`
	RecordTypes   []string           `yaml:"record_types"` // address, frontend_user, custom, frontend_group
	Categories    []int64            `yaml:"categories"`
	ModelSource   string             `yaml:"model_source"`
	CSVData       string             `yaml:"csv_data"`
	CSVFile       string             `yaml:"csv_file"`
	CSVSeparator  string             `yaml:"csv_separator"`
	CSVEnclosure  string             `yaml:"csv_enclosure"`
	CSVFieldNames bool               `yaml:"csv_field_names"`
	Static        []models.RecordRef `yaml:"static"`
	Children      []int64            `yaml:"children"`
}

var recordTypeBits = map[string]int{
	"address":        models.RecordAddress,
	"frontend_user":  models.RecordFrontendUser,
	"custom":         models.RecordCustom,
	"frontend_group": models.RecordFrontendGroup,
}

func (s *groupSpec) toGroup() (*models.Group, error) {
	switch s.Type {
	case models.GroupPages, models.GroupCSV, models.GroupStatic, models.GroupOther, models.GroupModel:
	default:
		return nil, fmt.Errorf("invalid group type: %q", s.Type)
	}

	g := &models.Group{
		Title:         s.Title,
		Type:          s.Type,
		Pages:         s.Pages,
		Recursive:     s.Recursive,
		Categories:    s.Categories,
		ModelSource:   s.ModelSource,
		CSVData:       s.CSVData,
		CSVFile:       s.CSVFile,
		CSVSeparator:  s.CSVSeparator,
		CSVEnclosure:  s.CSVEnclosure,
		CSVFieldNames: s.CSVFieldNames,
		StaticRefs:    s.Static,
		Children:      s.Children,
	}
	for _, rt := range s.RecordTypes {
		bit, ok := recordTypeBits[rt]
		if !ok {
			return nil, fmt.Errorf("invalid record type: %q", rt)
		}
		g.RecordTypes |= bit
	}
	return g, nil
}

func runGroupCreate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(groupFile)
	if err != nil {
		return fmt.Errorf("failed to read group file: %w", err)
	}
	var spec groupSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("failed to parse group file: %w", err)
	}
	g, err := spec.toGroup()
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Groups.Create(g); err != nil {
		return err
	}
	fmt.Printf("Group %d created\n", g.UID)
	return nil
}

func runGroupResolve(cmd *cobra.Command, args []string) error {
	uids := make([]int64, 0, len(args))
	for _, arg := range args {
		uid, err := parseUID(arg)
		if err != nil {
			return err
		}
		uids = append(uids, uid)
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	all := recipient.NewMap()
	for _, uid := range uids {
		m, err := a.Resolver.ResolveGroup(ctx, uid)
		if err != nil {
			return fmt.Errorf("failed to resolve group %d: %w", uid, err)
		}
		all.Merge(m)
	}

	if groupExport {
		return a.Resolver.Export(ctx, os.Stdout, all)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tRECIPIENTS")
	for _, src := range all.Sources() {
		fmt.Fprintf(w, "%s\t%d\n", src, len(all.IDs(src)))
	}
	fmt.Fprintf(w, "TOTAL\t%d\n", all.Total())
	return w.Flush()
}

func runSourceList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sources, err := cfg.SourceConfigurations()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTIFIER\tKIND\tTABLE\tIGNORE_ACTIVE\tFORCE_HTML")
	for _, s := range sources {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\n", s.Identifier, s.Kind, s.Table, s.IgnoreMailActive, s.ForceHTML)
	}
	return w.Flush()
}
