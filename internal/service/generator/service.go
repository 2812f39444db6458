package generator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"github.com/safesection/backend/internal/service/evidence"
	"github.com/safesection/backend/internal/service/recorder"
	"github.com/safesection/backend/internal/service/statemachine"
	"k8s.io/klog/v2"
)

// ErrGenerationUnavailable 生成服务不可用（重试一次后降级为待定状态，对 run 不致命）
var ErrGenerationUnavailable = errors.New("generation service unavailable")

// Generator 外部叙述生成接口（语言模型）
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// 轨道名称
const (
	TrackHazard = "hazard"
	TrackPlan   = "plan"
)

// CategoryInput 一个类别的生成输入
type CategoryInput struct {
	RunID     string
	Category  model.Category
	Codes     []string
	ScopeText string
}

// Service 类别生成服务
// 驱动单个类别的两条轨道：危害分析完成后才允许安全计划启动
// 每次状态迁移先写审计记录，再更新对外可见状态
type Service struct {
	gen      Generator
	evidence *evidence.Service
	sm       *statemachine.TrackStateMachine
	rec      *recorder.Recorder
	records  repository.CategoryRecordRepository
}

func New(gen Generator, ev *evidence.Service, rec *recorder.Recorder, records repository.CategoryRecordRepository) *Service {
	return &Service{
		gen:      gen,
		evidence: ev,
		sm:       statemachine.NewTrackStateMachine(),
		rec:      rec,
		records:  records,
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}

// transition 执行一次轨道状态迁移
// 审计写入先于可见状态变更：崩溃时可见状态绝不领先于持久化记录
func (s *Service) transition(record *model.CategoryRecord, track string, to statemachine.TrackStatus, reasons []string) error {
	var from statemachine.TrackStatus
	if track == TrackHazard {
		from = statemachine.TrackStatus(record.HazardStatus)
	} else {
		from = statemachine.TrackStatus(record.PlanStatus)
	}
	if err := s.sm.Transition(from, to, record.Category); err != nil {
		return err
	}

	payload := map[string]any{
		"category": record.Category,
		"track":    track,
		"from":     string(from),
		"to":       string(to),
	}
	if len(reasons) > 0 {
		payload["pending_reasons"] = reasons
	}
	if err := s.rec.Record(record.RunRef, recorder.EventStatusChange, payload); err != nil {
		return err // 审计失败对 run 致命
	}

	if track == TrackHazard {
		record.HazardStatus = string(to)
	} else {
		record.PlanStatus = string(to)
	}
	if len(reasons) > 0 {
		record.PendingReasons = mustJSON(reasons)
	}
	return s.records.Save(record)
}

// generate 调用生成服务，瞬时失败重试一次
func (s *Service) generate(ctx context.Context, prompt string) (string, error) {
	narrative, err := s.gen.Generate(ctx, prompt)
	if err == nil {
		return narrative, nil
	}
	klog.Warningf("生成调用失败，重试一次: err=%v", err)
	narrative, err = s.gen.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	return narrative, nil
}

// RunCategory 执行一个类别的完整生成：危害分析轨道，然后安全计划轨道
// 所有非致命失败降级为 pending 状态并携带可读原因；仅审计写入失败会返回错误
func (s *Service) RunCategory(ctx context.Context, input CategoryInput) (*model.CategoryRecord, error) {
	record := &model.CategoryRecord{
		RunRef:       input.RunID,
		Category:     string(input.Category),
		Codes:        mustJSON(input.Codes),
		HazardStatus: string(statemachine.TrackStatusRequired),
		PlanStatus:   string(statemachine.TrackStatusRequired),
	}
	if err := s.records.Create(record); err != nil {
		return nil, err
	}

	if err := s.runHazardTrack(ctx, input, record); err != nil {
		return nil, err
	}
	if record.HazardStatus != string(statemachine.TrackStatusComplete) {
		// 危害轨道未完成，计划轨道保持 required（被阻塞）
		klog.V(6).Infof("计划轨道被阻塞: category=%s, hazardStatus=%s", input.Category, record.HazardStatus)
		return record, nil
	}
	if err := s.runPlanTrack(ctx, input, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *Service) runHazardTrack(ctx context.Context, input CategoryInput, record *model.CategoryRecord) error {
	if err := s.transition(record, TrackHazard, statemachine.TrackStatusGenerating, nil); err != nil {
		return err
	}

	set := s.evidence.RetrieveHazard(ctx, input.Category, input.Codes, input.ScopeText)
	record.HazardEvidence = mustJSON(set)
	if err := s.rec.Record(input.RunID, recorder.EventEvidenceSnapshot, map[string]any{
		"category": input.Category, "stage": TrackHazard, "evidence": set,
	}); err != nil {
		return err
	}

	narrative, err := s.generate(ctx, BuildHazardPrompt(input.Category, input.Codes, input.ScopeText, set, false))
	if err != nil {
		reason := domain.Deficiency{Kind: domain.DeficiencyUnavailable, Topic: "hazard generation"}.Render()
		return s.transition(record, TrackHazard, statemachine.TrackStatusPending, []string{reason})
	}

	filtered := FilterHazardNarrative(narrative)
	if filtered.Stripped > 0 {
		// 叙述混入了控制措施语言：用更严格的指令重试一次，之后无论结果如何都算完成
		klog.Warningf("危害叙述含控制措施语言，严格模式重试: category=%s, stripped=%d", input.Category, filtered.Stripped)
		if retried, retryErr := s.generate(ctx, BuildHazardPrompt(input.Category, input.Codes, input.ScopeText, set, true)); retryErr == nil {
			retriedFiltered := FilterHazardNarrative(retried)
			if retriedFiltered.Kept > 0 && retriedFiltered.Stripped < filtered.Stripped {
				filtered = retriedFiltered
			}
		}
	}

	hazards := ExtractHazards(filtered.Narrative)
	narrativeText := filtered.Narrative
	if len(set.Citations) == 0 {
		// 证据仅为佐证：零结果不阻塞分析，但为每条缺乏支撑的危害附降低置信度说明
		var notes []string
		for _, hazard := range hazards {
			notes = append(notes, fmt.Sprintf("Reduced confidence: no supporting citation located for %q.", hazard))
		}
		if len(notes) > 0 {
			narrativeText = narrativeText + "\n\n" + strings.Join(notes, "\n")
		}
	}

	record.HazardNarrative = narrativeText
	record.Hazards = mustJSON(hazards)
	return s.transition(record, TrackHazard, statemachine.TrackStatusComplete, nil)
}

func (s *Service) runPlanTrack(ctx context.Context, input CategoryInput, record *model.CategoryRecord) error {
	if err := s.transition(record, TrackPlan, statemachine.TrackStatusGenerating, nil); err != nil {
		return err
	}

	set := s.evidence.RetrievePlan(ctx, input.Category, input.Codes, input.ScopeText)
	record.PlanEvidence = mustJSON(set)
	record.ProjectCount = set.CountByType(domain.DocTypeProject)
	record.ReferenceCount = set.CountByType(domain.DocTypeReference)
	if err := s.rec.Record(input.RunID, recorder.EventEvidenceSnapshot, map[string]any{
		"category": input.Category, "stage": TrackPlan, "evidence": set,
	}); err != nil {
		return err
	}

	if set.Insufficient {
		// 配额未达标：不请求叙述，带结构化原因进入待定
		return s.transition(record, TrackPlan, statemachine.TrackStatusPending, set.PendingReasons())
	}

	var hazards []string
	if record.Hazards != "" {
		if err := json.Unmarshal([]byte(record.Hazards), &hazards); err != nil {
			klog.Errorf("解析危害清单失败,计划提示词不携带危害列表: category=%s, error=%v", record.Category, err)
		}
	}

	narrative, err := s.generate(ctx, BuildPlanPrompt(input.Category, hazards, input.Codes, input.ScopeText, set))
	if err != nil {
		reason := domain.Deficiency{Kind: domain.DeficiencyUnavailable, Topic: "plan generation"}.Render()
		return s.transition(record, TrackPlan, statemachine.TrackStatusPending, []string{reason})
	}
	if strings.TrimSpace(narrative) == "" {
		return s.transition(record, TrackPlan, statemachine.TrackStatusPending, []string{"plan generation returned an empty narrative"})
	}

	record.PlanNarrative = narrative
	return s.transition(record, TrackPlan, statemachine.TrackStatusComplete, nil)
}
