// Package recipient expands recipient groups into per-source recipient lists.
package recipient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/source"
)

var (
	// ErrCycle is reported when a group contains itself through its children
	ErrCycle = errors.New("recipient group cycle")
	// ErrUnknownGroup is reported for group references that do not resolve
	ErrUnknownGroup = errors.New("unknown recipient group")
)

// GroupStore loads recipient groups
type GroupStore interface {
	GetByID(uid int64) (*models.Group, error)
}

// RecipientStore reads table backed recipients
type RecipientStore interface {
	Load(source, table string, uid int64) (*models.Recipient, error)
	ListByPages(source, table string, pids []int64) ([]models.Recipient, error)
	FrontendGroupsOnPages(pids []int64) ([]int64, error)
	FrontendGroupMembers(source string, groupUID int64) ([]models.Recipient, error)
	SubPages(pid int64) ([]int64, error)
}

// Service is an external recipient provider addressed by a source identifier
type Service interface {
	Load(ctx context.Context, id string) (*models.Recipient, error)
}

type Resolver struct {
	groups     GroupStore
	recipients RecipientStore
	registry   *source.Registry
	services   map[string]Service
	logger     *slog.Logger
}

// Option configures a Resolver
type Option func(*Resolver)

// WithService registers an external recipient provider
func WithService(identifier string, svc Service) Option {
	return func(r *Resolver) { r.services[identifier] = svc }
}

func NewResolver(groups GroupStore, recipients RecipientStore, registry *source.Registry, logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		groups:     groups,
		recipients: recipients,
		registry:   registry,
		services:   make(map[string]Service),
		logger:     logger.With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// filter carries the mailing-wide acceptance rules
type filter struct {
	htmlOnly bool
}

// Resolve expands the mailing's recipient groups. Unknown groups, cycles and
// broken csv payloads are logged and skipped; only store failures are returned.
func (r *Resolver) Resolve(ctx context.Context, m *models.Mailing) (*Map, error) {
	out := NewMap()
	f := filter{htmlOnly: m.HTMLOnly()}
	for _, uid := range m.RecipientGroups {
		if err := r.resolveGroup(ctx, uid, f, out, map[int64]bool{}); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ResolveGroup expands a single group without mailing specific filters
func (r *Resolver) ResolveGroup(ctx context.Context, uid int64) (*Map, error) {
	out := NewMap()
	if err := r.resolveGroup(ctx, uid, filter{}, out, map[int64]bool{}); err != nil {
		return nil, err
	}
	return out, nil
}

// resolveGroup adds the recipients of one group to out. path holds the groups
// currently being expanded above this one.
func (r *Resolver) resolveGroup(ctx context.Context, uid int64, f filter, out *Map, path map[int64]bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path[uid] {
		r.logger.Warn("skipping group", "group", uid, "error", ErrCycle)
		return nil
	}

	g, err := r.groups.GetByID(uid)
	if err != nil {
		return fmt.Errorf("failed to load group %d: %w", uid, err)
	}
	if g == nil {
		r.logger.Warn("skipping group", "group", uid, "error", ErrUnknownGroup)
		return nil
	}

	path[uid] = true
	defer delete(path, uid)

	switch g.Type {
	case models.GroupPages:
		return r.resolvePages(g, f, out)
	case models.GroupModel:
		return r.resolveModel(g, f, out)
	case models.GroupCSV:
		r.resolveCSV(g, f, out)
		return nil
	case models.GroupStatic:
		return r.resolveStatic(ctx, g, f, out)
	case models.GroupOther:
		for _, child := range g.Children {
			if err := r.resolveGroup(ctx, child, f, out, path); err != nil {
				return err
			}
		}
		return nil
	default:
		r.logger.Warn("skipping group with unknown type", "group", uid, "type", g.Type)
		return nil
	}
}

func (r *Resolver) resolvePages(g *models.Group, f filter, out *Map) error {
	pids, err := r.pageTree(g.Pages, g.Recursive)
	if err != nil {
		return err
	}

	if g.HasRecordType(models.RecordAddress) {
		if err := r.addFromPages(source.AddressTable, pids, g, f, out); err != nil {
			return err
		}
	}
	if g.HasRecordType(models.RecordFrontendUser) {
		if err := r.addFromPages(source.FrontendUserTable, pids, g, f, out); err != nil {
			return err
		}
	}
	if g.HasRecordType(models.RecordCustom) {
		if err := r.addFromPages(r.modelSource(g), pids, g, f, out); err != nil {
			return err
		}
	}
	if g.HasRecordType(models.RecordFrontendGroup) {
		feGroups, err := r.recipients.FrontendGroupsOnPages(pids)
		if err != nil {
			return fmt.Errorf("failed to list frontend groups: %w", err)
		}
		cfg := r.config(source.FrontendUserTable)
		for _, fg := range feGroups {
			members, err := r.recipients.FrontendGroupMembers(cfg.Identifier, fg)
			if err != nil {
				return fmt.Errorf("failed to list members of frontend group %d: %w", fg, err)
			}
			r.addAll(cfg, members, g.Categories, f, out)
		}
	}
	return nil
}

func (r *Resolver) resolveModel(g *models.Group, f filter, out *Map) error {
	pids, err := r.pageTree(g.Pages, g.Recursive)
	if err != nil {
		return err
	}
	return r.addFromPages(r.modelSource(g), pids, g, f, out)
}

func (r *Resolver) modelSource(g *models.Group) string {
	if g.ModelSource != "" {
		return g.ModelSource
	}
	return source.ContactTable
}

func (r *Resolver) addFromPages(sourceID string, pids []int64, g *models.Group, f filter, out *Map) error {
	cfg, ok := r.registry.Get(sourceID)
	if !ok || !cfg.Kind.UsesRowUID() {
		r.logger.Warn("skipping unknown recipient source", "group", g.UID, "source", sourceID)
		return nil
	}
	rcpts, err := r.recipients.ListByPages(cfg.Identifier, cfg.Table, pids)
	if err != nil {
		return fmt.Errorf("failed to list %s recipients: %w", cfg.Identifier, err)
	}
	r.addAll(cfg, rcpts, g.Categories, f, out)
	return nil
}

func (r *Resolver) resolveCSV(g *models.Group, f filter, out *Map) {
	kind := source.KindCsv
	if g.IsCSVFile() {
		kind = source.KindCsvFile
	}
	cfg := source.ForGroup(kind, g.UID)

	data, err := r.csvData(g)
	if err != nil {
		r.logger.Warn("skipping csv group", "group", g.UID, "error", err)
		return
	}
	r.addAll(cfg, ParseCSV(data, GroupCSVOptions(g), cfg.Identifier), nil, f, out)
}

func (r *Resolver) csvData(g *models.Group) (string, error) {
	if !g.IsCSVFile() {
		return g.CSVData, nil
	}
	data, err := os.ReadFile(g.CSVFile)
	if err != nil {
		return "", fmt.Errorf("failed to read csv file: %w", err)
	}
	return string(data), nil
}

// GroupCSVOptions reads the csv layout settings of a group
func GroupCSVOptions(g *models.Group) CSVOptions {
	return CSVOptions{Separator: g.CSVSeparator, Enclosure: g.CSVEnclosure, FieldNames: g.CSVFieldNames}
}

func (r *Resolver) resolveStatic(ctx context.Context, g *models.Group, f filter, out *Map) error {
	for _, ref := range g.StaticRefs {
		if ref.Table == source.FrontendGroupTable {
			cfg := r.config(source.FrontendUserTable)
			members, err := r.recipients.FrontendGroupMembers(cfg.Identifier, ref.UID)
			if err != nil {
				return fmt.Errorf("failed to list members of frontend group %d: %w", ref.UID, err)
			}
			r.addAll(cfg, members, nil, f, out)
			continue
		}

		cfg, ok := r.registry.Get(ref.Table)
		if !ok {
			r.logger.Warn("skipping static member of unknown source", "group", g.UID, "source", ref.Table)
			continue
		}
		rcpt, err := r.Load(ctx, cfg, strconv.FormatInt(ref.UID, 10))
		if err != nil {
			return err
		}
		if rcpt == nil {
			r.logger.Warn("skipping missing static member", "group", g.UID, "source", ref.Table, "uid", ref.UID)
			continue
		}
		r.addAll(cfg, []models.Recipient{*rcpt}, nil, f, out)
	}
	return nil
}

// pageTree returns the given pages, plus all their descendants when recursive
func (r *Resolver) pageTree(roots []int64, recursive bool) ([]int64, error) {
	seen := make(map[int64]bool)
	var pids []int64
	queue := append([]int64(nil), roots...)
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
		if !recursive {
			continue
		}
		children, err := r.recipients.SubPages(pid)
		if err != nil {
			return nil, fmt.Errorf("failed to list sub pages of %d: %w", pid, err)
		}
		queue = append(queue, children...)
	}
	return pids, nil
}

// config returns the registered configuration or a plain table configuration
func (r *Resolver) config(identifier string) source.Configuration {
	if cfg, ok := r.registry.Get(identifier); ok {
		return cfg
	}
	return source.Configuration{Identifier: identifier, Kind: source.KindTable, Table: identifier}
}

func (r *Resolver) addAll(cfg source.Configuration, rcpts []models.Recipient, categories []int64, f filter, out *Map) {
	for i := range rcpts {
		rcpt := &rcpts[i]
		if !Accepts(cfg, rcpt, f.htmlOnly) || !rcpt.InCategories(categories) {
			continue
		}
		out.Add(cfg.Identifier, rcpt.UID)
	}
}

// Accepts applies the active, email and html capability rules of a source
func Accepts(cfg source.Configuration, rcpt *models.Recipient, htmlOnly bool) bool {
	if strings.TrimSpace(rcpt.Email) == "" || rcpt.UID == "" {
		return false
	}
	if !cfg.IgnoreMailActive && !rcpt.Active {
		return false
	}
	if htmlOnly && !rcpt.AcceptsHTML && !cfg.ForceHTML {
		return false
	}
	return true
}

// Load returns the full record of one recipient, or nil when it no longer exists.
// List sources are looked up by email inside their group's csv payload.
func (r *Resolver) Load(ctx context.Context, cfg source.Configuration, id string) (*models.Recipient, error) {
	switch cfg.Kind {
	case source.KindTable, source.KindModel:
		uid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient uid %q for %s", id, cfg.Identifier)
		}
		rcpt, err := r.recipients.Load(cfg.Identifier, cfg.Table, uid)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s:%d: %w", cfg.Identifier, uid, err)
		}
		return rcpt, nil

	case source.KindPlain, source.KindCsv, source.KindCsvFile:
		g, err := r.groups.GetByID(cfg.GroupUID)
		if err != nil {
			return nil, fmt.Errorf("failed to load group %d: %w", cfg.GroupUID, err)
		}
		if g == nil {
			return nil, nil
		}
		data, err := r.csvData(g)
		if err != nil {
			return nil, err
		}
		for _, rcpt := range ParseCSV(data, GroupCSVOptions(g), cfg.Identifier) {
			if strings.EqualFold(rcpt.UID, id) {
				return &rcpt, nil
			}
		}
		return nil, nil

	case source.KindService:
		svc, ok := r.services[cfg.Identifier]
		if !ok {
			return nil, fmt.Errorf("no service registered for %s", cfg.Identifier)
		}
		return svc.Load(ctx, id)

	default:
		return nil, fmt.Errorf("unsupported source kind %s", cfg.Kind)
	}
}
