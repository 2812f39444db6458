package repository

import (
	"errors"

	"github.com/safesection/backend/internal/model"
	"gorm.io/gorm"
)

type runRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) RunRepository {
	return &runRepository{db: db}
}

func (r *runRepository) Create(run *model.Run) error {
	return r.db.Create(run).Error
}

func (r *runRepository) Get(runID string) (*model.Run, error) {
	var run model.Run
	err := r.db.Preload("Categories").Preload("Artifacts").
		Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepository) List(limit int) ([]model.Run, error) {
	var runs []model.Run
	query := r.db.Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&runs).Error
	return runs, err
}

func (r *runRepository) Save(run *model.Run) error {
	return r.db.Save(run).Error
}

// MarkFinalized 关闭运行记录；已关闭的 run 不再接受任何写入
func (r *runRepository) MarkFinalized(runID string) error {
	result := r.db.Model(&model.Run{}).
		Where("run_id = ? AND finalized = ?", runID, false).
		Update("finalized", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
