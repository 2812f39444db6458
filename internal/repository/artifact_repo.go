package repository

import (
	"github.com/safesection/backend/internal/model"
	"gorm.io/gorm"
)

type artifactRepository struct {
	db *gorm.DB
}

func NewArtifactRepository(db *gorm.DB) ArtifactRepository {
	return &artifactRepository{db: db}
}

func (r *artifactRepository) Create(artifact *model.Artifact) error {
	return r.db.Create(artifact).Error
}

func (r *artifactRepository) GetByRun(runID string) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	err := r.db.Where("run_id = ?", runID).Order("id").Find(&artifacts).Error
	return artifacts, err
}
