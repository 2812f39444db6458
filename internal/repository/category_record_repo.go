package repository

import (
	"errors"

	"github.com/safesection/backend/internal/model"
	"gorm.io/gorm"
)

type categoryRecordRepository struct {
	db *gorm.DB
}

func NewCategoryRecordRepository(db *gorm.DB) CategoryRecordRepository {
	return &categoryRecordRepository{db: db}
}

func (r *categoryRecordRepository) Create(record *model.CategoryRecord) error {
	return r.db.Create(record).Error
}

func (r *categoryRecordRepository) Save(record *model.CategoryRecord) error {
	return r.db.Save(record).Error
}

func (r *categoryRecordRepository) Get(runID string, category string) (*model.CategoryRecord, error) {
	var record model.CategoryRecord
	err := r.db.Where("run_id = ? AND category = ?", runID, category).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *categoryRecordRepository) GetByRun(runID string) ([]model.CategoryRecord, error) {
	var records []model.CategoryRecord
	err := r.db.Where("run_id = ?", runID).Order("category").Find(&records).Error
	return records, err
}
