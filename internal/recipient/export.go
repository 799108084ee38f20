package recipient

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"slices"

	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/source"
)

// Export writes the recipients of m as csv. Columns are "source" followed by the
// union of the export fields of every involved source, in first-seen order.
// Recipients that no longer exist are left out.
func (r *Resolver) Export(ctx context.Context, w io.Writer, m *Map) error {
	var columns []string
	cfgs := make(map[string]source.Configuration)
	for _, src := range m.Sources() {
		cfg := r.config(src)
		cfgs[src] = cfg
		for _, f := range cfg.CSVExportFields {
			if !slices.Contains(columns, f) {
				columns = append(columns, f)
			}
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"source"}, columns...)); err != nil {
		return err
	}

	for _, src := range m.Sources() {
		cfg := cfgs[src]
		for _, id := range m.IDs(src) {
			if err := ctx.Err(); err != nil {
				return err
			}
			rcpt, err := r.Load(ctx, cfg, id)
			if err != nil {
				return fmt.Errorf("failed to export %s:%s: %w", src, id, err)
			}
			if rcpt == nil {
				continue
			}
			row := []string{src}
			for _, col := range columns {
				if slices.Contains(cfg.CSVExportFields, col) {
					row = append(row, exportField(rcpt, col))
				} else {
					row = append(row, "")
				}
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func exportField(rcpt *models.Recipient, field string) string {
	switch field {
	case "uid":
		return rcpt.UID
	case "email":
		return rcpt.Email
	case "name":
		return rcpt.Name
	}
	return rcpt.Fields[field]
}
