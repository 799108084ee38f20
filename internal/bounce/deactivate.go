package bounce

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"

	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/recipient"
	"github.com/foxzi/newsmail/internal/source"
)

// RecipientStore switches off table rows
type RecipientStore interface {
	Deactivate(table string, uid int64) error
}

// GroupStore rewrites the inline csv payload of list groups
type GroupStore interface {
	GetByID(uid int64) (*models.Group, error)
	UpdateCSVData(uid int64, data string) error
}

// Deactivator stops future sends to recipients whose bounce code is in codes.
// Table and model rows lose their mail_active flag; csv and plain list
// entries have their address blanked in the stored payload.
type Deactivator struct {
	recipients RecipientStore
	groups     GroupStore
	registry   *source.Registry
	codes      []int
	logger     *slog.Logger
}

func NewDeactivator(recipients RecipientStore, groups GroupStore, registry *source.Registry, codes []int, logger *slog.Logger) *Deactivator {
	return &Deactivator{
		recipients: recipients,
		groups:     groups,
		registry:   registry,
		codes:      codes,
		logger:     logger.With("component", "deactivator"),
	}
}

// Deactivate applies the bounce in entry. It reports whether anything changed.
func (d *Deactivator) Deactivate(ctx context.Context, entry *models.DeliveryLogEntry) (bool, error) {
	if !slices.Contains(d.codes, entry.ReturnCode) {
		return false, nil
	}
	cfg, ok := d.registry.Get(entry.RecipientSource)
	if !ok {
		d.logger.Warn("bounce for unknown source", "source", entry.RecipientSource)
		return false, nil
	}

	switch cfg.Kind {
	case source.KindTable, source.KindModel:
		uid, err := strconv.ParseInt(entry.RecipientUID, 10, 64)
		if err != nil {
			return false, fmt.Errorf("invalid recipient uid %q for %s", entry.RecipientUID, cfg.Identifier)
		}
		if err := d.recipients.Deactivate(cfg.Table, uid); err != nil {
			return false, err
		}

	case source.KindPlain, source.KindCsv:
		changed, err := d.blankListEntry(cfg, entry)
		if err != nil || !changed {
			return false, err
		}

	default:
		// csv files and external services are read-only here
		d.logger.Info("source does not support deactivation", "source", cfg.Identifier, "kind", cfg.Kind)
		return false, nil
	}

	d.logger.Info("recipient deactivated", "source", cfg.Identifier, "uid", entry.RecipientUID, "code", entry.ReturnCode)
	return true, nil
}

func (d *Deactivator) blankListEntry(cfg source.Configuration, entry *models.DeliveryLogEntry) (bool, error) {
	g, err := d.groups.GetByID(cfg.GroupUID)
	if err != nil {
		return false, fmt.Errorf("failed to load group %d: %w", cfg.GroupUID, err)
	}
	if g == nil || g.IsCSVFile() {
		return false, nil
	}

	addr := entry.Email
	if addr == "" {
		addr = entry.RecipientUID
	}
	data, changed := recipient.BlankEmail(g.CSVData, recipient.GroupCSVOptions(g), addr)
	if !changed {
		return false, nil
	}
	if err := d.groups.UpdateCSVData(g.UID, data); err != nil {
		return false, err
	}
	return true, nil
}
