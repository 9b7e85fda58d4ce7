package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one completed calibration run.
type Entry struct {
	ID          string
	LayoutPath  string
	LayoutName  string
	CalibFor    string
	Checksum    string
	CalibLevel  float64 // dB
	DiffuseGain float64 // dB
	Speakers    int
	Subs        int
	LevelMin    float64
	LevelMax    float64
	CreatedAt   time.Time
}

// Store provides access operations for the calibration history.
type Store struct {
	db *DB
}

// NewStore creates a new store instance.
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

// Record inserts a completed calibration. A missing ID is generated.
func (s *Store) Record(e *Entry) error {
	db := s.db.DB()
	if db == nil {
		return fmt.Errorf("database not open")
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := db.Exec(`
		INSERT INTO calibrations (id, layout_path, layout_name, calibfor, checksum,
			caliblevel, diffusegain, speakers, subs, level_min, level_max, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID, e.LayoutPath, e.LayoutName, e.CalibFor, e.Checksum,
		e.CalibLevel, e.DiffuseGain, e.Speakers, e.Subs, e.LevelMin, e.LevelMax,
		e.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// Recent returns the latest calibrations, newest first.
func (s *Store) Recent(limit int) ([]*Entry, error) {
	db := s.db.DB()
	if db == nil {
		return nil, fmt.Errorf("database not open")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.Query(`
		SELECT id, layout_path, layout_name, calibfor, checksum,
			caliblevel, diffusegain, speakers, subs, level_min, level_max, created_at
		FROM calibrations ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ByLayout returns all calibrations of one layout file, newest first.
func (s *Store) ByLayout(layoutPath string) ([]*Entry, error) {
	db := s.db.DB()
	if db == nil {
		return nil, fmt.Errorf("database not open")
	}

	rows, err := db.Query(`
		SELECT id, layout_path, layout_name, calibfor, checksum,
			caliblevel, diffusegain, speakers, subs, level_min, level_max, created_at
		FROM calibrations WHERE layout_path = ? ORDER BY created_at DESC, id
	`, layoutPath)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var layoutName sql.NullString
		var levelMin, levelMax sql.NullFloat64
		var createdAt sql.NullString

		err := rows.Scan(
			&e.ID, &e.LayoutPath, &layoutName, &e.CalibFor, &e.Checksum,
			&e.CalibLevel, &e.DiffuseGain, &e.Speakers, &e.Subs,
			&levelMin, &levelMax, &createdAt,
		)
		if err != nil {
			return nil, err
		}

		if layoutName.Valid {
			e.LayoutName = layoutName.String
		}
		if levelMin.Valid {
			e.LevelMin = levelMin.Float64
		}
		if levelMax.Valid {
			e.LevelMax = levelMax.Float64
		}
		if createdAt.Valid {
			e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt.String)
		}

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
