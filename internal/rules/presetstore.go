package rules

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/formation.report/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrPresetNotFound marks a lookup of an unknown or deleted preset.
var ErrPresetNotFound = errors.New("rules: preset not found")

// SystemPresetError is the structured rejection returned when a caller asks
// to hard-delete a system-category preset.
type SystemPresetError struct {
	Name string
}

func (e *SystemPresetError) Error() string {
	return fmt.Sprintf("rules: preset %q is a system preset and cannot be hard-deleted", e.Name)
}

// PresetStore persists rule presets and their change history in sqlite.
type PresetStore struct {
	db *sql.DB
}

// OpenPresetStore opens (or creates) the preset database at path and applies
// pending migrations. Use ":memory:" for tests.
func OpenPresetStore(path string) (*PresetStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("rules: open preset db: %w", err)
	}
	// modernc sqlite serialises writes; a single connection avoids
	// table-lock errors under concurrent use.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PresetStore{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("rules: open migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("rules: create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("rules: create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rules: apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *PresetStore) Close() error {
	return s.db.Close()
}

// StoredPreset is a preset row plus bookkeeping fields.
type StoredPreset struct {
	Preset
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryEntry is one row of the preset change log.
type HistoryEntry struct {
	PresetName string    `json:"preset_name"`
	Action     string    `json:"action"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Save upserts a preset. Concurrent saves are last-writer-wins. A history
// row records the change.
func (s *PresetStore) Save(p Preset) error {
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("rules: marshal preset %s: %w", p.Name, err)
	}

	res, err := s.db.Exec(`
		UPDATE rule_presets
		SET description = ?, category = ?, is_default = ?, rules_json = ?,
		    deleted = 0, updated_at = CURRENT_TIMESTAMP
		WHERE name = ?`,
		p.Description, p.Category, p.IsDefault, string(rulesJSON), p.Name)
	if err != nil {
		return fmt.Errorf("rules: update preset %s: %w", p.Name, err)
	}

	action := "update"
	if n, _ := res.RowsAffected(); n == 0 {
		action = "create"
		_, err = s.db.Exec(`
			INSERT INTO rule_presets (name, description, category, is_default, rules_json)
			VALUES (?, ?, ?, ?, ?)`,
			p.Name, p.Description, p.Category, p.IsDefault, string(rulesJSON))
		if err != nil {
			return fmt.Errorf("rules: insert preset %s: %w", p.Name, err)
		}
	}

	s.appendHistory(p.Name, action, fmt.Sprintf("%d rules", len(p.Rules)))
	return nil
}

func (s *PresetStore) appendHistory(name, action, detail string) {
	if _, err := s.db.Exec(`
		INSERT INTO rule_history (preset_name, action, detail) VALUES (?, ?, ?)`,
		name, action, detail); err != nil {
		monitoring.Errorf("rules: record history for %s: %v", name, err)
	}
}

// Get returns a live preset by name.
func (s *PresetStore) Get(name string) (*StoredPreset, error) {
	row := s.db.QueryRow(`
		SELECT name, description, category, is_default, rules_json, deleted, created_at, updated_at
		FROM rule_presets WHERE name = ? AND deleted = 0`, name)
	return scanPreset(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPreset(row rowScanner) (*StoredPreset, error) {
	var sp StoredPreset
	var rulesJSON string
	err := row.Scan(&sp.Name, &sp.Description, &sp.Category, &sp.IsDefault,
		&rulesJSON, &sp.Deleted, &sp.CreatedAt, &sp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPresetNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rules: scan preset: %w", err)
	}
	if err := json.Unmarshal([]byte(rulesJSON), &sp.Rules); err != nil {
		return nil, fmt.Errorf("rules: decode preset %s: %w", sp.Name, err)
	}
	return &sp, nil
}

// List returns presets, optionally including soft-deleted rows.
func (s *PresetStore) List(includeDeleted bool) ([]*StoredPreset, error) {
	query := `
		SELECT name, description, category, is_default, rules_json, deleted, created_at, updated_at
		FROM rule_presets`
	if !includeDeleted {
		query += ` WHERE deleted = 0`
	}
	query += ` ORDER BY name`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("rules: list presets: %w", err)
	}
	defer rows.Close()

	var out []*StoredPreset
	for rows.Next() {
		sp, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// SoftDelete marks a preset deleted. Always permitted, including for system
// presets.
func (s *PresetStore) SoftDelete(name string) error {
	res, err := s.db.Exec(`
		UPDATE rule_presets SET deleted = 1, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND deleted = 0`, name)
	if err != nil {
		return fmt.Errorf("rules: soft delete preset %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrPresetNotFound
	}
	s.appendHistory(name, "soft_delete", "")
	return nil
}

// HardDelete removes a preset row entirely. System-category presets are
// refused with a SystemPresetError.
func (s *PresetStore) HardDelete(name string) error {
	var category string
	err := s.db.QueryRow(`SELECT category FROM rule_presets WHERE name = ?`, name).Scan(&category)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPresetNotFound
	}
	if err != nil {
		return fmt.Errorf("rules: look up preset %s: %w", name, err)
	}
	if category == CategorySystem {
		return &SystemPresetError{Name: name}
	}

	if _, err := s.db.Exec(`DELETE FROM rule_presets WHERE name = ?`, name); err != nil {
		return fmt.Errorf("rules: hard delete preset %s: %w", name, err)
	}
	s.appendHistory(name, "hard_delete", "")
	return nil
}

// History returns the most recent change-log entries for a preset, newest
// first.
func (s *PresetStore) History(name string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT preset_name, action, detail, created_at
		FROM rule_history WHERE preset_name = ?
		ORDER BY id DESC LIMIT ?`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("rules: preset history %s: %w", name, err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.PresetName, &h.Action, &h.Detail, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("rules: scan history: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SeedBuiltins inserts any builtin preset not already present. Existing rows
// are left alone so operator edits survive restarts.
func (s *PresetStore) SeedBuiltins() error {
	for _, p := range BuiltinPresets() {
		_, err := s.Get(p.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrPresetNotFound) {
			return err
		}
		if err := s.Save(p); err != nil {
			return err
		}
	}
	return nil
}

// Load materialises a stored preset's rules into a Set.
func (s *PresetStore) Load(set *Set, name string) error {
	sp, err := s.Get(name)
	if err != nil {
		return err
	}
	built, err := BuildPreset(sp.Preset)
	if err != nil {
		return err
	}
	set.Replace(built)
	return nil
}
