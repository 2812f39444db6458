package generator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"github.com/safesection/backend/internal/service/evidence"
	"github.com/safesection/backend/internal/service/recorder"
	"github.com/safesection/backend/internal/service/statemachine"
	"gorm.io/gorm"
)

type fakeGenerator struct {
	responses []string
	err       error
	calls     int
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	i := f.calls - 1
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

type fakeRetriever struct {
	hits map[domain.DocumentType][]evidence.Hit
	err  error
}

func (f *fakeRetriever) Query(ctx context.Context, text string, docType domain.DocumentType, categoryContext string) ([]evidence.Hit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[docType], nil
}

const cleanHazardNarrative = "Workers face arc flash exposure near energized switchgear. " +
	"Wet conditions raise the severity of electrical shock during feeder work."

const planNarrative = "## Controls & Procedures\nDe-energize feeders before work.\n## PPE\nArc-rated clothing.\n" +
	"## Training\nQualified electrical worker program.\n## Permits/LOTO/Inspections\nEnergized work permits.\n## Compliance Notes\nEM 385-1-1 11.A."

type testEnv struct {
	svc *Service
	rec *recorder.Recorder
}

func newTestService(t *testing.T, gen Generator, retriever evidence.Retriever) testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db error: %v", err)
	}
	if err := db.AutoMigrate(&model.Run{}, &model.AuditEvent{}, &model.CategoryRecord{}, &model.Artifact{}); err != nil {
		t.Fatalf("migrate error: %v", err)
	}
	rec := recorder.New(repository.NewRunRepository(db), repository.NewAuditRepository(db))
	ev := evidence.New(retriever, config.EvidenceConfig{MinPerType: 2, MaxTotal: 5, HazardMaxCite: 5}, 2, evidence.WithBackoff(time.Millisecond))
	return testEnv{
		svc: New(gen, ev, rec, repository.NewCategoryRecordRepository(db)),
		rec: rec,
	}
}

func startRun(t *testing.T, rec *recorder.Recorder) string {
	t.Helper()
	runID, err := rec.StartRun("sha256:test")
	if err != nil {
		t.Fatalf("StartRun error: %v", err)
	}
	return runID
}

// 场景：危害轨道在有至少一条佐证引用时完成；
// 计划轨道仅有 1 条 project 引用（最低配额 2 未达）时进入待定
func TestHazardCompletesThenPlanPendingOnQuota(t *testing.T) {
	gen := &fakeGenerator{responses: []string{cleanHazardNarrative, planNarrative}}
	retriever := &fakeRetriever{hits: map[domain.DocumentType][]evidence.Hit{
		domain.DocTypeReference: {
			{DocumentID: "em385", Location: "11.a.02", Excerpt: "energized work", Score: 0.9},
			{DocumentID: "em385", Location: "11.b.01", Excerpt: "arc flash", Score: 0.8},
		},
		domain.DocTypeProject: {
			{DocumentID: "spec", Location: "p12", Excerpt: "switchgear", Score: 0.9},
		},
	}}
	env := newTestService(t, gen, retriever)
	runID := startRun(t, env.rec)

	record, err := env.svc.RunCategory(context.Background(), CategoryInput{
		RunID: runID, Category: model.CategoryElectrical,
		Codes: []string{"UFGS-26-05-00"}, ScopeText: "electrical distribution upgrade",
	})
	if err != nil {
		t.Fatalf("RunCategory error: %v", err)
	}

	if record.HazardStatus != string(statemachine.TrackStatusComplete) {
		t.Fatalf("expected hazard complete, got %s", record.HazardStatus)
	}
	if record.PlanStatus != string(statemachine.TrackStatusPending) {
		t.Fatalf("expected plan pending, got %s", record.PlanStatus)
	}

	var reasons []string
	if err := json.Unmarshal([]byte(record.PendingReasons), &reasons); err != nil {
		t.Fatalf("unmarshal reasons error: %v", err)
	}
	if len(reasons) != 1 {
		t.Fatalf("expected 1 pending reason, got %v", reasons)
	}
	if record.ProjectCount != 1 || record.ReferenceCount < 2 {
		t.Fatalf("unexpected evidence counts: project=%d, reference=%d", record.ProjectCount, record.ReferenceCount)
	}
}

func TestPlanCompletesWhenQuotaMet(t *testing.T) {
	gen := &fakeGenerator{responses: []string{cleanHazardNarrative, planNarrative}}
	retriever := &fakeRetriever{hits: map[domain.DocumentType][]evidence.Hit{
		domain.DocTypeReference: {
			{DocumentID: "em385", Location: "11.a.02", Score: 0.9},
			{DocumentID: "em385", Location: "11.b.01", Score: 0.8},
		},
		domain.DocTypeProject: {
			{DocumentID: "spec", Location: "p12", Score: 0.9},
			{DocumentID: "spec", Location: "p14", Score: 0.8},
		},
	}}
	env := newTestService(t, gen, retriever)
	runID := startRun(t, env.rec)

	record, err := env.svc.RunCategory(context.Background(), CategoryInput{
		RunID: runID, Category: model.CategoryElectrical, Codes: []string{"UFGS-26-05-00"},
	})
	if err != nil {
		t.Fatalf("RunCategory error: %v", err)
	}
	if record.PlanStatus != string(statemachine.TrackStatusComplete) {
		t.Fatalf("expected plan complete, got %s (reasons=%s)", record.PlanStatus, record.PendingReasons)
	}
	if record.PlanNarrative == "" {
		t.Fatalf("expected non-empty plan narrative")
	}
	if record.ProjectCount < 2 || record.ReferenceCount < 2 || record.ProjectCount+record.ReferenceCount > 5 {
		t.Fatalf("quota violated: project=%d, reference=%d", record.ProjectCount, record.ReferenceCount)
	}
}

// 叙述混入控制措施语言时：严格模式重试一次，之后无论结果如何危害轨道完成
func TestHazardFilterRetriesOnceWithStrictInstruction(t *testing.T) {
	contaminated := cleanHazardNarrative + " Workers shall wear PPE and install barricades."
	gen := &fakeGenerator{responses: []string{contaminated, cleanHazardNarrative, planNarrative}}
	retriever := &fakeRetriever{hits: map[domain.DocumentType][]evidence.Hit{
		domain.DocTypeReference: {{DocumentID: "em385", Location: "11.a.02", Score: 0.9}},
	}}
	env := newTestService(t, gen, retriever)
	runID := startRun(t, env.rec)

	record, err := env.svc.RunCategory(context.Background(), CategoryInput{
		RunID: runID, Category: model.CategoryElectrical, Codes: []string{"UFGS-26-05-00"},
	})
	if err != nil {
		t.Fatalf("RunCategory error: %v", err)
	}
	if record.HazardStatus != string(statemachine.TrackStatusComplete) {
		t.Fatalf("expected hazard complete, got %s", record.HazardStatus)
	}
	// 第一次脏输出 + 严格重试 = 2 次危害生成调用
	if gen.calls < 2 {
		t.Fatalf("expected strict retry, calls=%d", gen.calls)
	}
	result := FilterHazardNarrative(record.HazardNarrative)
	if result.Stripped != 0 {
		t.Fatalf("final narrative still contains mitigation language: %q", record.HazardNarrative)
	}
}

// 生成服务不可用：危害轨道重试一次后进入待定并携带明确原因，计划轨道保持 required
func TestGenerationUnavailableDegradesHazardTrack(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("502 bad gateway")}
	retriever := &fakeRetriever{hits: map[domain.DocumentType][]evidence.Hit{
		domain.DocTypeReference: {{DocumentID: "em385", Location: "11.a.02", Score: 0.9}},
	}}
	env := newTestService(t, gen, retriever)
	runID := startRun(t, env.rec)

	record, err := env.svc.RunCategory(context.Background(), CategoryInput{
		RunID: runID, Category: model.CategoryElectrical, Codes: []string{"UFGS-26-05-00"},
	})
	if err != nil {
		t.Fatalf("RunCategory error: %v", err)
	}
	if record.HazardStatus != string(statemachine.TrackStatusPending) {
		t.Fatalf("expected hazard pending, got %s", record.HazardStatus)
	}
	if record.PlanStatus != string(statemachine.TrackStatusRequired) {
		t.Fatalf("plan track must stay blocked, got %s", record.PlanStatus)
	}
	if gen.calls != 2 {
		t.Fatalf("expected exactly one retry, calls=%d", gen.calls)
	}

	var reasons []string
	json.Unmarshal([]byte(record.PendingReasons), &reasons)
	if len(reasons) != 1 || reasons[0] != "hazard generation unavailable" {
		t.Fatalf("unexpected pending reasons: %v", reasons)
	}
}

// 检索全程超时：危害轨道仍完成（证据仅为佐证，附降低置信度说明），
// 计划轨道进入待定且原因同时指出两种文档类型缺最低配额
func TestRetrievalTimeoutEverywhere(t *testing.T) {
	gen := &fakeGenerator{responses: []string{cleanHazardNarrative}}
	retriever := &fakeRetriever{err: context.DeadlineExceeded}
	env := newTestService(t, gen, retriever)
	runID := startRun(t, env.rec)

	record, err := env.svc.RunCategory(context.Background(), CategoryInput{
		RunID: runID, Category: model.CategoryElectrical, Codes: []string{"UFGS-26-05-00"},
	})
	if err != nil {
		t.Fatalf("RunCategory error: %v", err)
	}
	if record.HazardStatus != string(statemachine.TrackStatusComplete) {
		t.Fatalf("expected hazard complete on advisory evidence, got %s", record.HazardStatus)
	}
	if record.PlanStatus != string(statemachine.TrackStatusPending) {
		t.Fatalf("expected plan pending, got %s", record.PlanStatus)
	}

	var reasons []string
	json.Unmarshal([]byte(record.PendingReasons), &reasons)
	sawProject, sawReference := false, false
	for _, reason := range reasons {
		if strings.Contains(reason, "project") {
			sawProject = true
		}
		if strings.Contains(reason, "reference-corpus") {
			sawReference = true
		}
	}
	if !sawProject || !sawReference {
		t.Fatalf("expected both doc types in pending reasons: %v", reasons)
	}

	// 零佐证引用时每条危害附降低置信度说明
	if !strings.Contains(record.HazardNarrative, "Reduced confidence") {
		t.Fatalf("expected reduced-confidence notes in narrative")
	}
}

// 时序属性：计划轨道的 generating 事件必须出现在危害轨道 complete 事件之后
func TestPlanNeverStartsBeforeHazardCompletes(t *testing.T) {
	gen := &fakeGenerator{responses: []string{cleanHazardNarrative, planNarrative}}
	retriever := &fakeRetriever{hits: map[domain.DocumentType][]evidence.Hit{
		domain.DocTypeReference: {
			{DocumentID: "em385", Location: "11.a.02", Score: 0.9},
			{DocumentID: "em385", Location: "11.b.01", Score: 0.8},
		},
		domain.DocTypeProject: {
			{DocumentID: "spec", Location: "p12", Score: 0.9},
			{DocumentID: "spec", Location: "p14", Score: 0.8},
		},
	}}
	env := newTestService(t, gen, retriever)
	runID := startRun(t, env.rec)

	if _, err := env.svc.RunCategory(context.Background(), CategoryInput{
		RunID: runID, Category: model.CategoryElectrical, Codes: []string{"UFGS-26-05-00"},
	}); err != nil {
		t.Fatalf("RunCategory error: %v", err)
	}

	trail, err := env.rec.Trail(runID)
	if err != nil {
		t.Fatalf("Trail error: %v", err)
	}
	hazardCompleteSeq, planGeneratingSeq := -1, -1
	for _, event := range trail {
		if event.Type != recorder.EventStatusChange {
			continue
		}
		var payload struct {
			Track string `json:"track"`
			To    string `json:"to"`
		}
		json.Unmarshal([]byte(event.Payload), &payload)
		if payload.Track == TrackHazard && payload.To == string(statemachine.TrackStatusComplete) {
			hazardCompleteSeq = event.Seq
		}
		if payload.Track == TrackPlan && payload.To == string(statemachine.TrackStatusGenerating) {
			planGeneratingSeq = event.Seq
		}
	}
	if hazardCompleteSeq < 0 || planGeneratingSeq < 0 {
		t.Fatalf("missing status change events in trail")
	}
	if planGeneratingSeq < hazardCompleteSeq {
		t.Fatalf("plan started (seq %d) before hazard completed (seq %d)", planGeneratingSeq, hazardCompleteSeq)
	}
}

// 已存危害清单损坏时计划轨道照常推进,提示词退化为不携带危害列表
func TestPlanTrackToleratesCorruptHazardList(t *testing.T) {
	retriever := &fakeRetriever{hits: map[domain.DocumentType][]evidence.Hit{
		domain.DocTypeProject: {
			{DocumentID: "spec", Location: "p12", Excerpt: "guardrails", Score: 0.9},
			{DocumentID: "spec", Location: "p14", Excerpt: "anchor points", Score: 0.8},
		},
		domain.DocTypeReference: {
			{DocumentID: "em385", Location: "21.a.01", Excerpt: "fall protection", Score: 0.9},
			{DocumentID: "em385", Location: "21.b.02", Excerpt: "harness", Score: 0.8},
		},
	}}
	env := newTestService(t, &fakeGenerator{responses: []string{planNarrative}}, retriever)
	runID := startRun(t, env.rec)

	record := &model.CategoryRecord{
		RunRef:       runID,
		Category:     string(model.CategoryFallProtection),
		Hazards:      "{not valid json",
		HazardStatus: string(statemachine.TrackStatusComplete),
		PlanStatus:   string(statemachine.TrackStatusRequired),
	}
	input := CategoryInput{
		RunID:     runID,
		Category:  model.CategoryFallProtection,
		Codes:     []string{"UFGS-05-50-13"},
		ScopeText: "Structural steel erection at height.",
	}
	if err := env.svc.runPlanTrack(context.Background(), input, record); err != nil {
		t.Fatalf("runPlanTrack error: %v", err)
	}
	if record.PlanStatus != string(statemachine.TrackStatusComplete) {
		t.Fatalf("expected plan track complete, got %s", record.PlanStatus)
	}
	if record.PlanNarrative == "" {
		t.Fatalf("expected plan narrative to be set")
	}
}
