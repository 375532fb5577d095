package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/tunnelsecrets/internal/storage"
)

// RunRepository implements storage.RunStore with GORM.
// Append-only: runs are never updated.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Save inserts a run and its steps in one transaction.
func (r *RunRepository) Save(ctx context.Context, run *storage.Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	for i := range run.Steps {
		if run.Steps[i].ID == uuid.Nil {
			run.Steps[i].ID = uuid.New()
		}
	}
	model := toRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// Get returns a run with its steps.
func (r *RunRepository) Get(ctx context.Context, project string, id uuid.UUID) (*storage.Run, error) {
	var model RunModel
	err := r.db.WithContext(ctx).
		Scopes(ProjectScope(project)).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("seq ASC") }).
		Where("id = ?", id).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}
	run := toRunDomain(&model)
	return &run, nil
}

// List returns runs for a project, newest first, without steps.
func (r *RunRepository) List(ctx context.Context, project string, limit int) ([]storage.Run, error) {
	if limit <= 0 {
		limit = 20
	}

	var models []RunModel
	if err := r.db.WithContext(ctx).
		Scopes(ProjectScope(project)).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]storage.Run, len(models))
	for i := range models {
		runs[i] = toRunDomain(&models[i])
	}
	return runs, nil
}

// Prune deletes all but the newest keep runs of a project and their steps.
func (r *RunRepository) Prune(ctx context.Context, project string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uuid.UUID
		if err := tx.Model(&RunModel{}).
			Scopes(ProjectScope(project)).
			Order("started_at DESC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) <= keep {
			return nil
		}
		stale := ids[keep:]
		if err := tx.Where("run_id IN ?", stale).Delete(&StepModel{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", stale).Delete(&RunModel{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return deleted, nil
}

var _ storage.RunStore = (*RunRepository)(nil)
