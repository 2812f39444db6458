package model

import (
	"time"
)

// Run 一次生成运行的持久化记录
type Run struct {
	ID             uint       `json:"id" gorm:"primaryKey"`
	RunID          string     `json:"run_id" gorm:"size:64;uniqueIndex;not null"` // UUID
	SourceChecksum string     `json:"source_checksum" gorm:"size:64;not null"`
	Status         string     `json:"status" gorm:"size:50;default:created"` // created, mapping, generating, completed, failed
	ErrorMsg       string     `json:"error_msg" gorm:"size:1000"`
	CodeCount      int        `json:"code_count" gorm:"default:0"`
	RequiredCount  int        `json:"required_count" gorm:"default:0"`
	CategoryCount  int        `json:"category_count" gorm:"default:0"`
	Finalized      bool       `json:"finalized" gorm:"default:false"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at"`

	Categories []CategoryRecord `json:"categories,omitempty" gorm:"foreignKey:RunRef;references:RunID"`
	Artifacts  []Artifact       `json:"artifacts,omitempty" gorm:"foreignKey:RunRef;references:RunID"`
}

// AuditEvent 审计事件，按 run 追加写入，落库后不可修改、不可删除
// Seq 在单个 run 内单调递增，保证并发写入后仍可重建决策顺序
type AuditEvent struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RunRef    string    `json:"run_id" gorm:"column:run_id;size:64;index;not null"`
	Seq       int       `json:"seq" gorm:"not null"`
	Type      string    `json:"type" gorm:"size:64;not null"`
	Payload   string    `json:"payload" gorm:"type:text"` // JSON
	CreatedAt time.Time `json:"created_at"`
}

// CategoryRecord 单个类别在一次运行中的状态记录
// 两条独立轨道：危害分析（hazard）与安全计划（plan）
type CategoryRecord struct {
	ID              uint      `json:"id" gorm:"primaryKey"`
	RunRef          string    `json:"run_id" gorm:"column:run_id;size:64;index;not null"`
	Category        string    `json:"category" gorm:"size:100;not null"`
	Codes           string    `json:"codes" gorm:"type:text"`                        // JSON []string
	Hazards         string    `json:"hazards" gorm:"type:text"`                      // JSON []string
	HazardStatus    string    `json:"hazard_status" gorm:"size:50;default:required"` // required, generating, complete, pending_insufficient_evidence, not_required
	PlanStatus      string    `json:"plan_status" gorm:"size:50;default:required"`
	PendingReasons  string    `json:"pending_reasons" gorm:"type:text"` // JSON []string
	HazardNarrative string    `json:"hazard_narrative" gorm:"type:text"`
	PlanNarrative   string    `json:"plan_narrative" gorm:"type:text"`
	HazardEvidence  string    `json:"hazard_evidence" gorm:"type:text"` // JSON EvidenceSet 快照
	PlanEvidence    string    `json:"plan_evidence" gorm:"type:text"`
	ProjectCount    int       `json:"project_count" gorm:"default:0"`
	ReferenceCount  int       `json:"reference_count" gorm:"default:0"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CodeEntry 规范代码查询表
// 对应外部 code lookup：代码是否需要 AHA、规范标题、默认类别与备注
type CodeEntry struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	Code             string    `json:"code" gorm:"size:64;uniqueIndex;not null"` // 如 UFGS-26-05-00
	Title            string    `json:"title" gorm:"size:255"`
	RequiresAnalysis bool      `json:"requires_analysis" gorm:"default:false"`
	DefaultCategory  string    `json:"default_category" gorm:"size:100"`
	Notes            string    `json:"notes" gorm:"size:1000"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Artifact 产出物描述，路径与校验和构成可复现记录的一部分
type Artifact struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RunRef    string    `json:"run_id" gorm:"column:run_id;size:64;index;not null"`
	Kind      string    `json:"kind" gorm:"size:50;not null"` // bundle, matrix
	Path      string    `json:"path" gorm:"size:500;not null"`
	Checksum  string    `json:"checksum" gorm:"size:64;not null"` // sha256
	CreatedAt time.Time `json:"created_at"`
}

// Run 状态常量
const (
	RunStatusCreated    = "created"
	RunStatusMapping    = "mapping"
	RunStatusGenerating = "generating"
	RunStatusCompleted  = "completed"
	RunStatusFailed     = "failed"
)
