package mapper

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
	"k8s.io/klog/v2"
)

// 错误定义
var (
	// ErrUnresolvedMapping 仍有代码处于 Unmapped，生成被闸门拦截
	ErrUnresolvedMapping = errors.New("unresolved mapping: unmapped codes remain")
	// ErrInvalidCategory 覆盖指定的类别不在固定类别集合内
	ErrInvalidCategory = errors.New("invalid category")
	// ErrUnknownCode 覆盖指定的代码不存在分配记录
	ErrUnknownCode = errors.New("unknown code")
	// ErrLateOverride 类别已开始生成，拒绝迟到的覆盖
	ErrLateOverride = errors.New("category generation already started, override rejected")
)

// OverrideRecord 一次覆盖调用的历史记录
// 幂等的重复覆盖也会记录，Applied 标记状态是否实际变化
type OverrideRecord struct {
	Code      string         `json:"code"`
	Category  model.Category `json:"category"`
	Rationale string         `json:"rationale"`
	Applied   bool           `json:"applied"`
	At        time.Time      `json:"at"`
}

// Mapper 类别映射器
// 每个需要危害分析的代码持有恰好一条分配；Finalize 成功是下游生成的硬性前置条件
type Mapper struct {
	mu          sync.Mutex
	assignments map[string]*domain.CategoryAssignment
	order       []string // 保持代码的输入顺序
	history     []OverrideRecord
	generating  map[model.Category]bool
}

// NewFromRequirements 从判定结果构建映射器
// 仅纳入 requires_analysis == true 的代码；无建议类别的初始化为 Unmapped
func NewFromRequirements(requirements []domain.CodeRequirement) *Mapper {
	m := &Mapper{
		assignments: make(map[string]*domain.CategoryAssignment),
		generating:  make(map[model.Category]bool),
	}
	for _, req := range requirements {
		if !req.RequiresAnalysis {
			continue
		}
		category := req.SuggestedCategory
		if category == "" || (!model.IsValidCategory(category) && category != model.CategoryUnmapped) {
			category = model.CategoryUnmapped
		}
		m.assignments[req.Code.Code] = &domain.CategoryAssignment{
			Code:      req.Code.Code,
			Category:  category,
			Origin:    domain.OriginSuggested,
			Rationale: req.Notes,
		}
		m.order = append(m.order, req.Code.Code)
	}
	return m
}

// ApplyOverride 用覆盖替换当前分配（整条原子替换，按调用顺序 last-write-wins）
// 重复应用相同覆盖对状态是空操作，但仍记入历史
func (m *Mapper) ApplyOverride(codeID string, category model.Category, rationale string) error {
	if !model.IsValidCategory(category) {
		return fmt.Errorf("%w: %s", ErrInvalidCategory, category)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	assignment, ok := m.assignments[codeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCode, codeID)
	}
	if m.generating[assignment.Category] || m.generating[category] {
		return fmt.Errorf("%w: code=%s", ErrLateOverride, codeID)
	}

	applied := assignment.Category != category
	if applied {
		*assignment = domain.CategoryAssignment{
			Code:      codeID,
			Category:  category,
			Origin:    domain.OriginOverride,
			Rationale: rationale,
		}
	} else {
		// 分配不变，仅更新理由
		assignment.Origin = domain.OriginOverride
		assignment.Rationale = rationale
	}

	m.history = append(m.history, OverrideRecord{
		Code:      codeID,
		Category:  category,
		Rationale: rationale,
		Applied:   applied,
		At:        time.Now(),
	})

	klog.V(6).Infof("类别覆盖: code=%s, category=%s, applied=%v", codeID, category, applied)
	return nil
}

// UnmappedCount 当前处于 Unmapped 的分配数
func (m *Mapper) UnmappedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, assignment := range m.assignments {
		if assignment.Category == model.CategoryUnmapped {
			count++
		}
	}
	return count
}

// Finalize 返回类别到代码列表的分组
// 存在 Unmapped 代码时返回 ErrUnresolvedMapping——这是生成前的硬闸门
func (m *Mapper) Finalize() (map[model.Category][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	unmapped := 0
	for _, assignment := range m.assignments {
		if assignment.Category == model.CategoryUnmapped {
			unmapped++
		}
	}
	if unmapped > 0 {
		return nil, fmt.Errorf("%w: count=%d", ErrUnresolvedMapping, unmapped)
	}

	grouped := make(map[model.Category][]string)
	for _, code := range m.order {
		assignment := m.assignments[code]
		grouped[assignment.Category] = append(grouped[assignment.Category], code)
	}
	for _, codes := range grouped {
		sort.Strings(codes)
	}

	klog.V(6).Infof("映射定稿: categories=%d, codes=%d", len(grouped), len(m.assignments))
	return grouped, nil
}

// MarkGenerating 标记类别已进入生成，拒绝后续针对该类别的覆盖
func (m *Mapper) MarkGenerating(category model.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generating[category] = true
}

// Assignments 当前分配快照，按代码排序
func (m *Mapper) Assignments() []domain.CategoryAssignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]domain.CategoryAssignment, 0, len(m.assignments))
	for _, assignment := range m.assignments {
		snapshot = append(snapshot, *assignment)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Code < snapshot[j].Code })
	return snapshot
}

// History 覆盖历史（含幂等重复），按调用顺序
func (m *Mapper) History() []OverrideRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	history := make([]OverrideRecord, len(m.history))
	copy(history, m.history)
	return history
}
