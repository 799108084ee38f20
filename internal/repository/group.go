package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/newsmail/internal/models"
)

const groupTable = "tx_mail_domain_model_group"

type GroupRepository struct {
	db *sql.DB
}

func NewGroupRepository(db *sql.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// Create inserts a group together with its static members and child groups
func (r *GroupRepository) Create(g *models.Group) error {
	if g.CSVSeparator == "" {
		g.CSVSeparator = ","
	}
	if g.CSVEnclosure == "" {
		g.CSVEnclosure = `"`
	}
	g.CreatedAt = time.Now().Truncate(time.Second)

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO tx_mail_domain_model_group (title, type, pages, recursive, record_types, categories, model_source,
			csv_data, csv_file, csv_separator, csv_enclosure, csv_field_names, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.Title, g.Type, joinInts(g.Pages), g.Recursive, g.RecordTypes, joinInts(g.Categories), g.ModelSource,
		g.CSVData, g.CSVFile, g.CSVSeparator, g.CSVEnclosure, g.CSVFieldNames, g.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create group: %w", err)
	}
	g.UID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read group uid: %w", err)
	}

	sorting := 0
	for _, ref := range g.StaticRefs {
		sorting++
		if _, err := tx.Exec(`INSERT INTO tx_mail_group_mm (uid_local, uid_foreign, tablenames, sorting) VALUES (?, ?, ?, ?)`,
			g.UID, ref.UID, ref.Table, sorting); err != nil {
			return fmt.Errorf("failed to add static member: %w", err)
		}
	}
	for _, child := range g.Children {
		sorting++
		if _, err := tx.Exec(`INSERT INTO tx_mail_group_mm (uid_local, uid_foreign, tablenames, sorting) VALUES (?, ?, ?, ?)`,
			g.UID, child, groupTable, sorting); err != nil {
			return fmt.Errorf("failed to add child group: %w", err)
		}
	}

	return tx.Commit()
}

// AddChild links an existing group below another one.
// Used for group-of-groups setups created after both groups exist.
func (r *GroupRepository) AddChild(parent, child int64) error {
	_, err := r.db.Exec(`
		INSERT INTO tx_mail_group_mm (uid_local, uid_foreign, tablenames, sorting)
		SELECT ?, ?, ?, COALESCE(MAX(sorting), 0) + 1 FROM tx_mail_group_mm WHERE uid_local = ?`,
		parent, child, groupTable, parent)
	if err != nil {
		return fmt.Errorf("failed to add child group: %w", err)
	}
	return nil
}

// GetByID returns a group or nil when it does not exist or is deleted
func (r *GroupRepository) GetByID(uid int64) (*models.Group, error) {
	g := &models.Group{}
	var pages, categories string
	var createdAt int64

	err := r.db.QueryRow(`
		SELECT uid, title, type, pages, recursive, record_types, categories, model_source,
			csv_data, csv_file, csv_separator, csv_enclosure, csv_field_names, created_at
		FROM tx_mail_domain_model_group WHERE uid = ? AND deleted = 0`, uid,
	).Scan(&g.UID, &g.Title, &g.Type, &pages, &g.Recursive, &g.RecordTypes, &categories, &g.ModelSource,
		&g.CSVData, &g.CSVFile, &g.CSVSeparator, &g.CSVEnclosure, &g.CSVFieldNames, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	g.Pages = splitInts(pages)
	g.Categories = splitInts(categories)
	g.CreatedAt = fromUnix(createdAt)

	rows, err := r.db.Query(`
		SELECT uid_foreign, tablenames FROM tx_mail_group_mm WHERE uid_local = ? ORDER BY sorting`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var ref models.RecordRef
		if err := rows.Scan(&ref.UID, &ref.Table); err != nil {
			return nil, err
		}
		if ref.Table == groupTable {
			g.Children = append(g.Children, ref.UID)
		} else {
			g.StaticRefs = append(g.StaticRefs, ref)
		}
	}

	return g, rows.Err()
}

// List returns all groups without their relations
func (r *GroupRepository) List() ([]models.Group, error) {
	rows, err := r.db.Query(`
		SELECT uid, title, type FROM tx_mail_domain_model_group WHERE deleted = 0 ORDER BY uid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		var g models.Group
		if err := rows.Scan(&g.UID, &g.Title, &g.Type); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// UpdateCSVData replaces the inline csv payload of a group
func (r *GroupRepository) UpdateCSVData(uid int64, data string) error {
	_, err := r.db.Exec(`UPDATE tx_mail_domain_model_group SET csv_data = ? WHERE uid = ?`, data, uid)
	if err != nil {
		return fmt.Errorf("failed to update csv data: %w", err)
	}
	return nil
}
