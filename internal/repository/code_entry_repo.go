package repository

import (
	"errors"

	"github.com/safesection/backend/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type codeEntryRepository struct {
	db *gorm.DB
}

func NewCodeEntryRepository(db *gorm.DB) CodeEntryRepository {
	return &codeEntryRepository{db: db}
}

func (r *codeEntryRepository) Upsert(entry *model.CodeEntry) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "requires_analysis", "default_category", "notes", "updated_at"}),
	}).Create(entry).Error
}

func (r *codeEntryRepository) Get(code string) (*model.CodeEntry, error) {
	var entry model.CodeEntry
	err := r.db.Where("code = ?", code).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *codeEntryRepository) List() ([]model.CodeEntry, error) {
	var entries []model.CodeEntry
	err := r.db.Order("code").Find(&entries).Error
	return entries, err
}
