package repository

import (
	"errors"

	"github.com/safesection/backend/internal/model"
)

// ErrNotFound 记录不存在错误
var ErrNotFound = errors.New("record not found")

type RunRepository interface {
	Create(run *model.Run) error
	Get(runID string) (*model.Run, error)
	List(limit int) ([]model.Run, error)
	Save(run *model.Run) error
	MarkFinalized(runID string) error
}

// AuditRepository 审计事件仓储，只追加
// Append 必须在单个 run 内分配单调递增的 Seq，并发追加不得交错损坏顺序
type AuditRepository interface {
	Append(runID, eventType, payload string) (*model.AuditEvent, error)
	GetByRun(runID string) ([]model.AuditEvent, error)
	CountByRun(runID string) (int64, error)
}

type CategoryRecordRepository interface {
	Create(record *model.CategoryRecord) error
	Save(record *model.CategoryRecord) error
	Get(runID string, category string) (*model.CategoryRecord, error)
	GetByRun(runID string) ([]model.CategoryRecord, error)
}

type CodeEntryRepository interface {
	Upsert(entry *model.CodeEntry) error
	Get(code string) (*model.CodeEntry, error)
	List() ([]model.CodeEntry, error)
}

type ArtifactRepository interface {
	Create(artifact *model.Artifact) error
	GetByRun(runID string) ([]model.Artifact, error)
}
