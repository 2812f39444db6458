package domain

import (
	"fmt"

	"github.com/safesection/backend/internal/model"
)

// SourceHit 代码在规范文档中的一次出处
type SourceHit struct {
	Page    int    `json:"page,omitempty"` // 1-based，未知为 0
	Heading string `json:"heading,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`
}

// DetectedCode 解析器输出的规范代码
// 上游已按代码去重并合并出处，核心只持有只读引用
type DetectedCode struct {
	Code       string      `json:"code"`
	Title      string      `json:"title,omitempty"`
	Sources    []SourceHit `json:"sources,omitempty"`
	Provenance string      `json:"provenance,omitempty"` // 发现方式：regex、heading-scan 等
}

// CodeRequirement Resolver 的判定结果，创建后不再修改
type CodeRequirement struct {
	Code              DetectedCode   `json:"code"`
	RequiresAnalysis  bool           `json:"requires_analysis"`
	SuggestedCategory model.Category `json:"suggested_category,omitempty"`
	Notes             string         `json:"notes,omitempty"`
	Known             bool           `json:"known"` // lookup 是否命中；未命中时仅上报，不参与后续流程
}

// AssignmentOrigin 类别分配的来源
type AssignmentOrigin string

const (
	OriginSuggested AssignmentOrigin = "suggested"
	OriginOverride  AssignmentOrigin = "override"
)

// CategoryAssignment 代码到类别的分配，任一时刻每个代码恰好一条
type CategoryAssignment struct {
	Code      string           `json:"code"`
	Category  model.Category   `json:"category"`
	Origin    AssignmentOrigin `json:"origin"`
	Rationale string           `json:"rationale,omitempty"`
}

// DocumentType 检索文档类型
type DocumentType string

const (
	DocTypeProject   DocumentType = "project"
	DocTypeReference DocumentType = "reference-corpus"
)

// Citation 归一化后的证据引用
// 相等性由 Locator 定义：同一位置、不同展示文本视为同一条引用
type Citation struct {
	SourceType DocumentType `json:"source_type"`
	DocumentID string       `json:"document_id"`
	Location   string       `json:"location"`
	Display    string       `json:"display,omitempty"`
	Score      float64      `json:"score"`
}

// Locator 归一化定位符，配额去重的唯一键
func (c Citation) Locator() string {
	return c.DocumentID + "#" + c.Location
}

// DeficiencyKind 证据不足的种类
type DeficiencyKind string

const (
	DeficiencyQuota       DeficiencyKind = "quota"       // 数量未达最低配额
	DeficiencyUnavailable DeficiencyKind = "unavailable" // 检索或生成服务不可用
)

// Deficiency 结构化的证据不足原因，仅在边界处渲染为文本
type Deficiency struct {
	Kind    DeficiencyKind `json:"kind"`
	DocType DocumentType   `json:"doc_type,omitempty"`
	Need    int            `json:"need,omitempty"`
	Got     int            `json:"got,omitempty"`
	Topic   string         `json:"topic,omitempty"`
}

// Render 渲染为人类可读的待定原因
func (d Deficiency) Render() string {
	switch d.Kind {
	case DeficiencyQuota:
		if d.Topic != "" {
			return fmt.Sprintf("need >=%d %s sources on %s, got %d", d.Need, d.DocType, d.Topic, d.Got)
		}
		return fmt.Sprintf("need >=%d %s sources, got %d", d.Need, d.DocType, d.Got)
	case DeficiencyUnavailable:
		if d.Topic != "" {
			return fmt.Sprintf("%s unavailable", d.Topic)
		}
		return "service unavailable"
	}
	return string(d.Kind)
}

// EvidenceSet 去重后的引用集合
// 不变式：无重复 Locator；总数不超过配置上限；类型配额未达标时标记 Insufficient
type EvidenceSet struct {
	Citations    []Citation   `json:"citations"`
	Insufficient bool         `json:"insufficient"`
	Deficiencies []Deficiency `json:"deficiencies,omitempty"`

	locators map[string]bool
}

// Add 追加一条引用；重复 Locator 为幂等空操作
func (s *EvidenceSet) Add(c Citation) bool {
	if s.locators == nil {
		s.locators = make(map[string]bool)
		for _, existing := range s.Citations {
			s.locators[existing.Locator()] = true
		}
	}
	key := c.Locator()
	if s.locators[key] {
		return false
	}
	s.locators[key] = true
	s.Citations = append(s.Citations, c)
	return true
}

// Contains 判断定位符是否已存在
func (s *EvidenceSet) Contains(c Citation) bool {
	for _, existing := range s.Citations {
		if existing.Locator() == c.Locator() {
			return true
		}
	}
	return false
}

// CountByType 按文档类型统计引用数
func (s *EvidenceSet) CountByType(t DocumentType) int {
	count := 0
	for _, c := range s.Citations {
		if c.SourceType == t {
			count++
		}
	}
	return count
}

// PendingReasons 渲染全部不足原因
func (s *EvidenceSet) PendingReasons() []string {
	reasons := make([]string, 0, len(s.Deficiencies))
	for _, d := range s.Deficiencies {
		reasons = append(reasons, d.Render())
	}
	return reasons
}
