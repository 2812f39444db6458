package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/eventbus"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"github.com/safesection/backend/internal/service/generator"
	"github.com/safesection/backend/internal/service/mapper"
	"github.com/safesection/backend/internal/service/matrix"
	"github.com/safesection/backend/internal/service/orchestrator"
	"github.com/safesection/backend/internal/service/recorder"
	"github.com/safesection/backend/internal/service/resolver"
	"github.com/safesection/backend/internal/service/statemachine"
	"github.com/safesection/backend/internal/utils"
	"k8s.io/klog/v2"
)

// 错误定义
var (
	// ErrRunNotActive run 不存在或已收尾，不再接受覆盖或启动
	ErrRunNotActive = errors.New("run is not active")
	// ErrGenerationStarted 生成已启动，重复启动被拒绝
	ErrGenerationStarted = errors.New("generation already started for run")
)

// ParsedInput 解析器交来的输入：去重后的代码列表加原始范围文本
// 解析本身在进程外完成，这里假定 provenance 已按代码合并
type ParsedInput struct {
	ScopeText string                `json:"scope_text"`
	Codes     []domain.DetectedCode `json:"codes"`
}

// Diagnostics 收尾事件里的运行摘要
type Diagnostics struct {
	CodeCount     int `json:"code_count"`
	UnknownCodes  int `json:"unknown_codes"`
	RequiredCount int `json:"required_count"`
	CategoryCount int `json:"category_count"`
	OverrideCount int `json:"override_count"`
	PendingCount  int `json:"pending_count"`
	OpenCount     int `json:"open_count"`
}

// runState 单次 run 的进行中状态
// 随 run 创建、随收尾销毁，不跨 run 存活
type runState struct {
	mapper       *mapper.Mapper
	scopeText    string
	requirements []domain.CodeRequirement
	grouping     map[model.Category][]string
	started      bool
}

// Pipeline 运行驱动器
// 串行走完 判定→映射→定稿闸门，然后按类别并行扇出生成，最后汇总矩阵、落产出物、收尾
type Pipeline struct {
	cfg       *config.Config
	resolver  *resolver.Service
	generator *generator.Service
	rec       *recorder.Recorder
	runs      repository.RunRepository
	records   repository.CategoryRecordRepository
	artifacts repository.ArtifactRepository
	orch      *orchestrator.Orchestrator
	bus       *eventbus.RunEventBus

	mu     sync.Mutex
	active map[string]*runState
}

func New(
	cfg *config.Config,
	res *resolver.Service,
	gen *generator.Service,
	rec *recorder.Recorder,
	runs repository.RunRepository,
	records repository.CategoryRecordRepository,
	artifacts repository.ArtifactRepository,
	bus *eventbus.RunEventBus,
) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		resolver:  res,
		generator: gen,
		rec:       rec,
		runs:      runs,
		records:   records,
		artifacts: artifacts,
		bus:       bus,
		active:    make(map[string]*runState),
	}
}

// SetOrchestrator 注入协程池编排器
// 编排器执行器就是 Pipeline 自身，存在构造环，故后置注入
func (p *Pipeline) SetOrchestrator(orch *orchestrator.Orchestrator) {
	p.orch = orch
}

func (p *Pipeline) state(runID string) (*runState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.active[runID]
	return state, ok
}

// CreateRun 创建运行：判定代码需求并建立初始映射,返回 run 标识
// 此后调用方可在 StartGeneration 之前通过 ApplyOverride 修正映射
func (p *Pipeline) CreateRun(ctx context.Context, input ParsedInput) (string, error) {
	checksum := utils.Checksum(checksumPayload(input))
	runID, err := p.rec.StartRun(checksum)
	if err != nil {
		return "", err
	}

	requirements, err := p.resolver.Resolve(ctx, input.Codes)
	if err != nil {
		p.failRun(runID, fmt.Sprintf("resolve codes: %v", err))
		return "", err
	}
	if err := p.rec.Record(runID, recorder.EventCodeList, map[string]any{
		"scope_text":   input.ScopeText,
		"requirements": requirements,
	}); err != nil {
		p.failRun(runID, err.Error())
		return "", err
	}

	m := mapper.NewFromRequirements(requirements)
	if err := p.recordMappingSnapshot(runID, m, "initial"); err != nil {
		p.failRun(runID, err.Error())
		return "", err
	}

	required := 0
	unknown := 0
	for _, req := range requirements {
		if req.RequiresAnalysis {
			required++
		}
		if !req.Known {
			unknown++
		}
	}
	run, err := p.runs.Get(runID)
	if err != nil {
		return "", err
	}
	run.Status = model.RunStatusMapping
	run.CodeCount = len(requirements)
	run.RequiredCount = required
	if err := p.runs.Save(run); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.active[runID] = &runState{
		mapper:       m,
		scopeText:    input.ScopeText,
		requirements: requirements,
	}
	p.mu.Unlock()

	p.publish(ctx, eventbus.RunEventCreated, eventbus.RunEvent{Type: eventbus.RunEventCreated, RunID: runID})
	klog.V(6).Infof("运行已创建: runID=%s, codes=%d, required=%d, unknown=%d", runID, len(requirements), required, unknown)
	return runID, nil
}

// ApplyOverride 在生成启动前修正一个代码的类别分配
// 幂等重复同样记入审计历史；迟到的覆盖由映射器拒绝
func (p *Pipeline) ApplyOverride(ctx context.Context, runID, code string, category model.Category, rationale string) error {
	state, ok := p.state(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}

	if err := state.mapper.ApplyOverride(code, category, rationale); err != nil {
		return err
	}

	history := state.mapper.History()
	latest := history[len(history)-1]
	if err := p.rec.Record(runID, recorder.EventOverride, latest); err != nil {
		p.failRun(runID, err.Error())
		return err
	}
	p.publish(ctx, eventbus.RunEventOverrideApplied, eventbus.RunEvent{Type: eventbus.RunEventOverrideApplied, RunID: runID})
	return nil
}

// UnmappedCount 当前运行仍未映射的代码数
func (p *Pipeline) UnmappedCount(runID string) (int, error) {
	state, ok := p.state(runID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	return state.mapper.UnmappedCount(), nil
}

// Assignments 当前分配快照
func (p *Pipeline) Assignments(runID string) ([]domain.CategoryAssignment, error) {
	state, ok := p.state(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	return state.mapper.Assignments(), nil
}

// StartGeneration 通过定稿闸门后按类别扇出生成，阻塞到全部类别终止并完成收尾
// 闸门失败（仍有 Unmapped）返回 ErrUnresolvedMapping，且不产生任何类别状态变化
func (p *Pipeline) StartGeneration(ctx context.Context, runID string) error {
	state, ok := p.state(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}

	p.mu.Lock()
	if state.started {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGenerationStarted, runID)
	}
	state.started = true
	p.mu.Unlock()

	grouping, err := state.mapper.Finalize()
	if err != nil {
		p.mu.Lock()
		state.started = false
		p.mu.Unlock()
		return err
	}
	state.grouping = grouping

	if err := p.recordMappingSnapshot(runID, state.mapper, "final"); err != nil {
		return p.abort(runID, err)
	}

	run, err := p.runs.Get(runID)
	if err != nil {
		return p.abort(runID, err)
	}
	run.Status = model.RunStatusGenerating
	run.CategoryCount = len(grouping)
	if err := p.runs.Save(run); err != nil {
		return p.abort(runID, err)
	}
	p.publish(ctx, eventbus.RunEventGenerationStarted, eventbus.RunEvent{Type: eventbus.RunEventGenerationStarted, RunID: runID})

	categories := make([]model.Category, 0, len(grouping))
	for category := range grouping {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	jobs := make([]*orchestrator.Job, 0, len(categories))
	for _, category := range categories {
		// 入队前冻结该类别的覆盖窗口
		state.mapper.MarkGenerating(category)
		jobs = append(jobs, orchestrator.NewCategoryJob(runID, category, p.cfg.Pipeline.CategoryTimeout))
	}
	if err := p.orch.EnqueueBatch(jobs); err != nil {
		klog.Warningf("部分类别作业入队失败: runID=%s, err=%v", runID, err)
	}

	var firstFatal error
	var failed []*orchestrator.Job
	for _, job := range jobs {
		if err := job.Wait(ctx); err != nil {
			if errors.Is(err, recorder.ErrAuditWriteFailure) && firstFatal == nil {
				firstFatal = err
			}
			failed = append(failed, job)
			klog.Warningf("类别作业失败: runID=%s, category=%s, err=%v", runID, job.Category, err)
		}
		p.publish(ctx, eventbus.RunEventCategoryDone, eventbus.RunEvent{
			Type: eventbus.RunEventCategoryDone, RunID: runID, Category: string(job.Category),
		})
	}
	if firstFatal != nil {
		// 审计不完整的 run 不得报告成功
		return p.abort(runID, firstFatal)
	}
	if ctx.Err() != nil {
		// 调用方取消：在途类别仍会自行落库终止状态，但本次 run 不再收尾
		return p.abort(runID, ctx.Err())
	}
	for _, job := range failed {
		// 彻底失败的作业也要留下待定记录,映射过的类别不能在矩阵里消失
		if err := p.markCategoryPending(runID, job.Category, state.grouping[job.Category]); err != nil {
			return p.abort(runID, err)
		}
	}

	return p.finalize(ctx, runID, state)
}

// ExecuteCategory 编排器回调：执行单个类别的两条生成轨道
func (p *Pipeline) ExecuteCategory(ctx context.Context, runID string, category model.Category) error {
	state, ok := p.state(runID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
	}
	codes, ok := state.grouping[category]
	if !ok {
		return fmt.Errorf("category %s not in finalized mapping", category)
	}
	// 重试到达时该类别可能已有记录;记录只追加,不重建
	// 仅当两条轨道都已落定才算成功,半途记录说明上次尝试失败,必须继续上报
	if existing, err := p.records.Get(runID, string(category)); err == nil {
		if recordSettled(existing) {
			klog.V(6).Infof("类别记录已落定,跳过重复执行: runID=%s, category=%s", runID, category)
			return nil
		}
		return fmt.Errorf("category %s record left mid-generation by a previous attempt", category)
	}
	_, err := p.generator.RunCategory(ctx, generator.CategoryInput{
		RunID:     runID,
		Category:  category,
		Codes:     codes,
		ScopeText: state.scopeText,
	})
	return err
}

// recordSettled 判断类别记录是否已落定
// 危害轨道未完成时计划轨道合法地停在 required,也算落定
func recordSettled(record *model.CategoryRecord) bool {
	hazard := statemachine.TrackStatus(record.HazardStatus)
	plan := statemachine.TrackStatus(record.PlanStatus)
	if !statemachine.IsTerminal(hazard) {
		return false
	}
	if hazard != statemachine.TrackStatusComplete {
		return true
	}
	return statemachine.IsTerminal(plan)
}

// markCategoryPending 作业彻底失败后的兜底:把未落定的轨道置为待定并审计
// 没有记录时先补建,保证每个定稿映射过的类别都出现在矩阵里
func (p *Pipeline) markCategoryPending(runID string, category model.Category, codes []string) error {
	fresh := false
	record, err := p.records.Get(runID, string(category))
	if errors.Is(err, repository.ErrNotFound) {
		fresh = true
		record = &model.CategoryRecord{
			RunRef:       runID,
			Category:     string(category),
			Codes:        jsonText(codes),
			HazardStatus: string(statemachine.TrackStatusRequired),
			PlanStatus:   string(statemachine.TrackStatusRequired),
		}
	} else if err != nil {
		return err
	}
	if recordSettled(record) {
		return nil
	}

	reason := domain.Deficiency{Kind: domain.DeficiencyUnavailable, Topic: "category generation"}.Render()
	tracks := []struct {
		name   string
		status *string
	}{
		{generator.TrackHazard, &record.HazardStatus},
		{generator.TrackPlan, &record.PlanStatus},
	}
	for _, track := range tracks {
		if statemachine.IsTerminal(statemachine.TrackStatus(*track.status)) {
			continue
		}
		if err := p.rec.Record(runID, recorder.EventStatusChange, map[string]any{
			"category":        record.Category,
			"track":           track.name,
			"from":            *track.status,
			"to":              string(statemachine.TrackStatusPending),
			"pending_reasons": []string{reason},
		}); err != nil {
			return err
		}
		*track.status = string(statemachine.TrackStatusPending)
	}
	record.PendingReasons = jsonText([]string{reason})
	if fresh {
		return p.records.Create(record)
	}
	return p.records.Save(record)
}

func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// finalize 汇总矩阵、登记产出物、写诊断并关闭运行记录
func (p *Pipeline) finalize(ctx context.Context, runID string, state *runState) error {
	records, err := p.records.GetByRun(runID)
	if err != nil {
		return p.abort(runID, err)
	}
	m := matrix.Assemble(runID, records)

	if err := p.storeArtifact(runID, "matrix", fmt.Sprintf("runs/%s/matrix.json", runID), m); err != nil {
		return p.abort(runID, err)
	}
	bundle := BuildBundle(runID, records, m)
	if err := p.storeArtifact(runID, "bundle", fmt.Sprintf("runs/%s/bundle.json", runID), bundle); err != nil {
		return p.abort(runID, err)
	}

	unknown := 0
	for _, req := range state.requirements {
		if !req.Known {
			unknown++
		}
	}
	diagnostics := Diagnostics{
		CodeCount:     len(state.requirements),
		UnknownCodes:  unknown,
		RequiredCount: requiredCount(state.requirements),
		CategoryCount: len(state.grouping),
		OverrideCount: len(state.mapper.History()),
		PendingCount:  m.PendingCount,
		OpenCount:     m.OpenCount,
	}
	if err := p.rec.Finalize(runID, model.RunStatusCompleted, diagnostics); err != nil {
		return p.abort(runID, err)
	}

	p.mu.Lock()
	delete(p.active, runID)
	p.mu.Unlock()

	p.publish(ctx, eventbus.RunEventFinalized, eventbus.RunEvent{
		Type: eventbus.RunEventFinalized, RunID: runID, Status: model.RunStatusCompleted,
	})
	klog.V(6).Infof("运行收尾完成: runID=%s, pending=%d, open=%d", runID, m.PendingCount, m.OpenCount)
	return nil
}

// storeArtifact 计算内容校验和,登记产出物行并写审计事件
func (p *Pipeline) storeArtifact(runID, kind, path string, content any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return err
	}
	artifact := &model.Artifact{
		RunRef:   runID,
		Kind:     kind,
		Path:     path,
		Checksum: utils.Checksum(data),
	}
	if err := p.artifacts.Create(artifact); err != nil {
		return err
	}
	return p.rec.Record(runID, recorder.EventArtifact, map[string]any{
		"kind":     kind,
		"path":     path,
		"checksum": artifact.Checksum,
	})
}

// abort 标记运行失败并释放进行中状态
func (p *Pipeline) abort(runID string, cause error) error {
	p.failRun(runID, cause.Error())
	p.mu.Lock()
	delete(p.active, runID)
	p.mu.Unlock()
	return cause
}

func (p *Pipeline) failRun(runID, msg string) {
	run, err := p.runs.Get(runID)
	if err != nil {
		klog.Errorf("标记运行失败时读取失败: runID=%s, err=%v", runID, err)
		return
	}
	run.Status = model.RunStatusFailed
	run.ErrorMsg = msg
	if err := p.runs.Save(run); err != nil {
		klog.Errorf("标记运行失败时保存失败: runID=%s, err=%v", runID, err)
	}
}

func (p *Pipeline) recordMappingSnapshot(runID string, m *mapper.Mapper, stage string) error {
	return p.rec.Record(runID, recorder.EventMappingSnapshot, map[string]any{
		"stage":       stage,
		"assignments": m.Assignments(),
		"unmapped":    m.UnmappedCount(),
	})
}

func (p *Pipeline) publish(ctx context.Context, eventType eventbus.RunEventType, event eventbus.RunEvent) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, eventType, event); err != nil {
		klog.Warningf("运行事件发布失败: type=%s, runID=%s, err=%v", eventType, event.RunID, err)
	}
}

func requiredCount(requirements []domain.CodeRequirement) int {
	count := 0
	for _, req := range requirements {
		if req.RequiresAnalysis {
			count++
		}
	}
	return count
}

func checksumPayload(input ParsedInput) []byte {
	data, err := json.Marshal(input)
	if err != nil {
		return []byte(input.ScopeText)
	}
	return data
}

// BundleCategory 产出物包中单个类别的条目
type BundleCategory struct {
	Category        string `json:"category"`
	HazardNarrative string `json:"hazard_narrative"`
	PlanNarrative   string `json:"plan_narrative"`
	HazardStatus    string `json:"hazard_status"`
	PlanStatus      string `json:"plan_status"`
	HazardEvidence  string `json:"hazard_evidence"`
	PlanEvidence    string `json:"plan_evidence"`
	PendingReasons  string `json:"pending_reasons"`
}

// Bundle 结构化产出物包描述,交由外部渲染器转成可下载格式
type Bundle struct {
	RunID      string           `json:"run_id"`
	Categories []BundleCategory `json:"categories"`
	Matrix     matrix.Matrix    `json:"matrix"`
}

// BuildBundle 从类别记录组装产出物包,收尾后也可按需重建
func BuildBundle(runID string, records []model.CategoryRecord, m matrix.Matrix) Bundle {
	categories := make([]BundleCategory, 0, len(records))
	for _, record := range records {
		categories = append(categories, BundleCategory{
			Category:        record.Category,
			HazardNarrative: record.HazardNarrative,
			PlanNarrative:   record.PlanNarrative,
			HazardStatus:    record.HazardStatus,
			PlanStatus:      record.PlanStatus,
			HazardEvidence:  record.HazardEvidence,
			PlanEvidence:    record.PlanEvidence,
			PendingReasons:  record.PendingReasons,
		})
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Category < categories[j].Category })
	return Bundle{RunID: runID, Categories: categories, Matrix: m}
}
