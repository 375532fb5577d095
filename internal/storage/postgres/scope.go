package postgres

import (
	"gorm.io/gorm"
)

// ProjectScope returns a GORM scope that filters by project root.
// Must be applied to every run query so that projects sharing one
// database never see each other's history.
func ProjectScope(project string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("project = ?", project)
	}
}
