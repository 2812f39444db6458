package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"k8s.io/klog/v2"
)

// 错误定义
var (
	// ErrAuditWriteFailure 审计写入失败，对 run 致命：审计不完整的 run 不得报告成功
	ErrAuditWriteFailure = errors.New("audit write failure")
	// ErrRunFinalized run 已关闭，拒绝任何追加
	ErrRunFinalized = errors.New("run already finalized")
)

// 审计事件类型
const (
	EventRunStarted       = "run_started"
	EventCodeList         = "code_list"
	EventMappingSnapshot  = "mapping_snapshot"
	EventOverride         = "override"
	EventEvidenceSnapshot = "evidence_snapshot"
	EventStatusChange     = "status_change"
	EventArtifact         = "artifact"
	EventDiagnostics      = "diagnostics"
	EventRunFinalized     = "run_finalized"
)

// Recorder 运行记录器
// 在唯一 run 标识下持久化所有中间决策，形成审计轨迹；所有写入只追加
type Recorder struct {
	runs  repository.RunRepository
	audit repository.AuditRepository
}

func New(runs repository.RunRepository, audit repository.AuditRepository) *Recorder {
	return &Recorder{runs: runs, audit: audit}
}

// StartRun 创建新的运行记录并返回 run 标识
func (r *Recorder) StartRun(sourceChecksum string) (string, error) {
	runID := uuid.NewString()
	run := &model.Run{
		RunID:          runID,
		SourceChecksum: sourceChecksum,
		Status:         model.RunStatusCreated,
	}
	if err := r.runs.Create(run); err != nil {
		return "", fmt.Errorf("%w: create run: %w", ErrAuditWriteFailure, err)
	}
	if err := r.Record(runID, EventRunStarted, map[string]string{"source_checksum": sourceChecksum}); err != nil {
		return "", err
	}
	klog.V(6).Infof("运行记录已创建: runID=%s", runID)
	return runID, nil
}

// Record 追加一条审计事件
// payload 序列化为 JSON 存储；写入失败包装为致命的 ErrAuditWriteFailure
func (r *Recorder) Record(runID, eventType string, payload any) error {
	run, err := r.runs.Get(runID)
	if err != nil {
		return fmt.Errorf("%w: load run %s: %w", ErrAuditWriteFailure, runID, err)
	}
	if run.Finalized {
		return fmt.Errorf("%w: runID=%s", ErrRunFinalized, runID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %w", ErrAuditWriteFailure, eventType, err)
	}
	if _, err := r.audit.Append(runID, eventType, string(data)); err != nil {
		klog.Errorf("审计事件写入失败: runID=%s, type=%s, err=%v", runID, eventType, err)
		return fmt.Errorf("%w: append %s: %w", ErrAuditWriteFailure, eventType, err)
	}
	return nil
}

// SetStatus 更新 run 的整体状态
func (r *Recorder) SetStatus(runID, status string) error {
	run, err := r.runs.Get(runID)
	if err != nil {
		return err
	}
	run.Status = status
	return r.runs.Save(run)
}

// Finalize 追加收尾事件并关闭运行记录；此后记录不可变
func (r *Recorder) Finalize(runID, status string, diagnostics any) error {
	if err := r.Record(runID, EventDiagnostics, diagnostics); err != nil {
		return err
	}
	if err := r.Record(runID, EventRunFinalized, map[string]string{"status": status}); err != nil {
		return err
	}

	run, err := r.runs.Get(runID)
	if err != nil {
		return fmt.Errorf("%w: load run %s: %w", ErrAuditWriteFailure, runID, err)
	}
	now := time.Now()
	run.Status = status
	run.CompletedAt = &now
	if err := r.runs.Save(run); err != nil {
		return fmt.Errorf("%w: save run %s: %w", ErrAuditWriteFailure, runID, err)
	}
	if err := r.runs.MarkFinalized(runID); err != nil {
		return fmt.Errorf("%w: finalize run %s: %w", ErrAuditWriteFailure, runID, err)
	}
	klog.V(6).Infof("运行记录已关闭: runID=%s, status=%s", runID, status)
	return nil
}

// Trail 读取完整审计轨迹
func (r *Recorder) Trail(runID string) ([]model.AuditEvent, error) {
	return r.audit.GetByRun(runID)
}
