package postgres

import (
	"time"

	"github.com/google/uuid"
)

// RunModel maps to the "runs" table.
// No UpdatedAt or DeletedAt: run history is append-only.
type RunModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	Project        string    `gorm:"not null;index:idx_runs_project_started,priority:1"`
	Trigger        string    `gorm:"not null"`
	Selector       string    `gorm:"not null"`
	SelectorSource string    `gorm:"not null"`
	Status         string    `gorm:"not null;index"`
	Written        int       `gorm:"not null;default:0"`
	Skipped        int       `gorm:"not null;default:0"`
	Warnings       int       `gorm:"not null;default:0"`
	Failed         int       `gorm:"not null;default:0"`
	Error          string    `gorm:"type:text"`
	StartedAt      time.Time `gorm:"not null;index:idx_runs_project_started,priority:2"`
	FinishedAt     time.Time
	Steps          []StepModel `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

func (RunModel) TableName() string { return "runs" }

// StepModel maps to the "run_steps" table.
type StepModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	RunID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Seq         int       `gorm:"not null"`
	Step        string    `gorm:"not null"`
	Environment string
	Path        string `gorm:"not null"`
	Secret      string
	Outcome     string `gorm:"not null"`
	Reason      string `gorm:"type:text"`
	Error       string `gorm:"type:text"`
	Bytes       int
	DurationMS  int64
}

func (StepModel) TableName() string { return "run_steps" }

// Models lists every model in FK-dependency order, for AutoMigrate.
func Models() []any {
	return []any{&RunModel{}, &StepModel{}}
}
