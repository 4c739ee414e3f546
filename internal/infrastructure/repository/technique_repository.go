package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/MLidstrom/castellan/internal/domain/errors"
)

// Technique is one ATT&CK technique row.
type Technique struct {
	TechniqueID string
	Name        string
	Tactic      string
	Description string
	IsSeed      bool
	ImportedAt  time.Time
}

// TechniqueRepository stores the local copy of the ATT&CK dataset.
type TechniqueRepository interface {
	// Upsert inserts or updates techniques keyed by their stable id.
	Upsert(ctx context.Context, techniques []Technique) error
	Count(ctx context.Context) (int, error)
	// SeedOnly reports whether every stored technique came from the
	// built-in seed set.
	SeedOnly(ctx context.Context) (bool, error)
	LastImport(ctx context.Context) (time.Time, error)
}

type techniqueRepository struct {
	db dbtx
}

func NewTechniqueRepository(db *sql.DB) TechniqueRepository {
	return &techniqueRepository{db: db}
}

func (r *techniqueRepository) Upsert(ctx context.Context, techniques []Technique) error {
	now := time.Now().UTC()
	for _, t := range techniques {
		query := `
			INSERT INTO mitre_techniques (technique_id, name, tactic, description, is_seed, imported_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (technique_id) DO UPDATE
			SET name = EXCLUDED.name, tactic = EXCLUDED.tactic,
				description = EXCLUDED.description, is_seed = EXCLUDED.is_seed,
				imported_at = EXCLUDED.imported_at
		`
		if _, err := r.db.ExecContext(ctx, query,
			t.TechniqueID, t.Name, t.Tactic, t.Description, t.IsSeed, now,
		); err != nil {
			return errors.NewStorageError("failed to upsert technique").WithCause(err)
		}
	}
	return nil
}

func (r *techniqueRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mitre_techniques`).Scan(&count)
	if err != nil {
		return 0, errors.NewStorageError("failed to count techniques").WithCause(err)
	}
	return count, nil
}

func (r *techniqueRepository) SeedOnly(ctx context.Context) (bool, error) {
	var nonSeed int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mitre_techniques WHERE NOT is_seed`).Scan(&nonSeed)
	if err != nil {
		return false, errors.NewStorageError("failed to inspect technique provenance").WithCause(err)
	}
	return nonSeed == 0, nil
}

func (r *techniqueRepository) LastImport(ctx context.Context) (time.Time, error) {
	var last sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT MAX(imported_at) FROM mitre_techniques`).Scan(&last)
	if err != nil {
		return time.Time{}, errors.NewStorageError("failed to read last import time").WithCause(err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return last.Time, nil
}
