// Package enrich completes recipient field data before rendering.
package enrich

import (
	"context"
	"log/slog"
	"maps"
	"strings"

	"github.com/foxzi/newsmail/internal/models"
	"github.com/foxzi/newsmail/internal/source"
)

// Data holds recipient fields by name
type Data map[string]string

// Step derives new data from the current data. Steps must not modify their input.
type Step func(Data, source.Configuration) Data

// Loader fetches the full record of a recipient from its source
type Loader interface {
	Load(ctx context.Context, cfg source.Configuration, id string) (*models.Recipient, error)
}

// Enricher runs a fixed pipeline of steps over freshly loaded recipient data
type Enricher struct {
	loader Loader
	steps  []Step
	logger *slog.Logger
}

// New creates an enricher. Without explicit steps DefaultSteps is used.
func New(loader Loader, logger *slog.Logger, steps ...Step) *Enricher {
	if len(steps) == 0 {
		steps = DefaultSteps()
	}
	return &Enricher{
		loader: loader,
		steps:  steps,
		logger: logger.With("component", "enrich"),
	}
}

// DefaultSteps is the standard pipeline in execution order
func DefaultSteps() []Step {
	return []Step{
		ModelName,
		TableName,
		ListName,
		PhoneFallback,
	}
}

// Enrich loads the recipient identified by base.UID and runs the pipeline.
// Lookup failures are logged and the base record is used as is.
func (e *Enricher) Enrich(ctx context.Context, cfg source.Configuration, base models.Recipient) models.Recipient {
	rcpt := base
	if e.loader != nil {
		loaded, err := e.loader.Load(ctx, cfg, base.UID)
		switch {
		case err != nil:
			e.logger.Debug("recipient lookup failed", "source", cfg.Identifier, "uid", base.UID, "error", err)
		case loaded != nil:
			rcpt = *loaded
		}
	}
	return e.Complete(cfg, rcpt)
}

// Complete runs the pipeline over an already loaded recipient
func (e *Enricher) Complete(cfg source.Configuration, rcpt models.Recipient) models.Recipient {
	data := Data{}
	maps.Copy(data, rcpt.Fields)
	fillEmpty(data, "uid", rcpt.UID)
	fillEmpty(data, "email", rcpt.Email)
	fillEmpty(data, "name", rcpt.Name)

	for _, step := range e.steps {
		data = step(data, cfg)
	}

	rcpt.Fields = data
	rcpt.Name = data["name"]
	if rcpt.Email == "" {
		rcpt.Email = data["email"]
	}
	return rcpt
}

func fillEmpty(d Data, key, value string) {
	if d[key] == "" && value != "" {
		d[key] = value
	}
}

// with returns a copy of d with key set, unless key already has a value
func (d Data) with(key, value string) Data {
	if d[key] != "" || value == "" {
		return d
	}
	out := make(Data, len(d)+1)
	maps.Copy(out, d)
	out[key] = value
	return out
}

// composeName joins the non-empty name parts with single spaces
func composeName(d Data) string {
	var parts []string
	for _, k := range []string{"first_name", "middle_name", "last_name"} {
		if v := strings.TrimSpace(d[k]); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, " ")
}

// ModelName composes the display name of model backed recipients
func ModelName(d Data, cfg source.Configuration) Data {
	if cfg.Kind != source.KindModel {
		return d
	}
	return d.with("name", composeName(d))
}

// TableName composes the display name of table backed recipients
func TableName(d Data, cfg source.Configuration) Data {
	if cfg.Kind != source.KindTable {
		return d
	}
	return d.with("name", composeName(d))
}

// ListName composes the display name of csv and plain list rows
func ListName(d Data, cfg source.Configuration) Data {
	if !cfg.Kind.IsList() {
		return d
	}
	return d.with("name", composeName(d))
}

// PhoneFallback fills phone from telephone or mobile for frontend users
func PhoneFallback(d Data, cfg source.Configuration) Data {
	if cfg.Table != source.FrontendUserTable {
		return d
	}
	d = d.with("phone", d["telephone"])
	return d.with("phone", d["mobile"])
}
