package repository

import (
	"sync"

	"github.com/safesection/backend/internal/model"
	"gorm.io/gorm"
)

type auditRepository struct {
	db *gorm.DB

	// 串行化同一 run 的 Seq 分配，避免并发类别完成时事件序号交错
	mu sync.Mutex
}

func NewAuditRepository(db *gorm.DB) AuditRepository {
	return &auditRepository{db: db}
}

func (r *auditRepository) Append(runID, eventType, payload string) (*model.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := &model.AuditEvent{
		RunRef:  runID,
		Type:    eventType,
		Payload: payload,
	}
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&model.AuditEvent{}).
			Where("run_id = ?", runID).
			Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		event.Seq = int(maxSeq) + 1
		return tx.Create(event).Error
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *auditRepository) GetByRun(runID string) ([]model.AuditEvent, error) {
	var events []model.AuditEvent
	err := r.db.Where("run_id = ?", runID).Order("seq").Find(&events).Error
	return events, err
}

func (r *auditRepository) CountByRun(runID string) (int64, error) {
	var count int64
	err := r.db.Model(&model.AuditEvent{}).Where("run_id = ?", runID).Count(&count).Error
	return count, err
}
