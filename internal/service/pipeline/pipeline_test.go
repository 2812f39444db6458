package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/eventbus"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"github.com/safesection/backend/internal/service/evidence"
	"github.com/safesection/backend/internal/service/generator"
	"github.com/safesection/backend/internal/service/mapper"
	"github.com/safesection/backend/internal/service/matrix"
	"github.com/safesection/backend/internal/service/orchestrator"
	"github.com/safesection/backend/internal/service/recorder"
	"github.com/safesection/backend/internal/service/resolver"
	"github.com/safesection/backend/internal/service/statemachine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type scriptedGenerator struct{}

func (g *scriptedGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	return "Workers face arc flash exposure near energized switchgear. " +
		"Wet conditions raise the severity of electrical shock during feeder work.", nil
}

type scriptedRetriever struct{}

func (r *scriptedRetriever) Query(ctx context.Context, text string, docType domain.DocumentType, categoryContext string) ([]evidence.Hit, error) {
	if docType == domain.DocTypeProject {
		return []evidence.Hit{
			{DocumentID: "spec", Location: "p12", Excerpt: "switchgear", Score: 0.9},
			{DocumentID: "spec", Location: "p14", Excerpt: "feeders", Score: 0.8},
		}, nil
	}
	return []evidence.Hit{
		{DocumentID: "em385", Location: "11.a.02", Excerpt: "energized work", Score: 0.9},
		{DocumentID: "em385", Location: "11.b.01", Excerpt: "arc flash", Score: 0.8},
	}, nil
}

type pipelineEnv struct {
	p       *Pipeline
	rec     *recorder.Recorder
	runs    repository.RunRepository
	records repository.CategoryRecordRepository
	arts    repository.ArtifactRepository
	orch    *orchestrator.Orchestrator
}

// envDeps 可被单个测试替换的仓储,用于注入故障
type envDeps struct {
	audit   repository.AuditRepository
	records repository.CategoryRecordRepository
}

func newPipelineEnv(t *testing.T, opts ...func(*envDeps)) pipelineEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Run{}, &model.AuditEvent{}, &model.CategoryRecord{},
		&model.CodeEntry{}, &model.Artifact{},
	))

	codeRepo := repository.NewCodeEntryRepository(db)
	seed := []model.CodeEntry{
		{Code: "UFGS-26-05-00", Title: "Common Work Results for Electrical", RequiresAnalysis: true, DefaultCategory: string(model.CategoryElectrical)},
		{Code: "UFGS-05-50-13", Title: "Miscellaneous Metal Fabrications", RequiresAnalysis: true},
		{Code: "UFGS-09-90-00", Title: "Paints and Coatings", RequiresAnalysis: false},
	}
	for i := range seed {
		require.NoError(t, codeRepo.Upsert(&seed[i]))
	}

	cfg := &config.Config{
		Evidence: config.EvidenceConfig{MinPerType: 2, MaxTotal: 5, HazardMaxCite: 5},
		Pipeline: config.PipelineConfig{MaxWorkers: 2, CategoryTimeout: time.Minute},
	}

	deps := &envDeps{
		audit:   repository.NewAuditRepository(db),
		records: repository.NewCategoryRecordRepository(db),
	}
	for _, opt := range opts {
		opt(deps)
	}

	runs := repository.NewRunRepository(db)
	records := deps.records
	arts := repository.NewArtifactRepository(db)
	rec := recorder.New(runs, deps.audit)

	ev := evidence.New(&scriptedRetriever{}, cfg.Evidence, 2, evidence.WithBackoff(time.Millisecond))
	gen := generator.New(&scriptedGenerator{}, ev, rec, records)
	res := resolver.New(resolver.NewDBLookup(codeRepo))

	p := New(cfg, res, gen, rec, runs, records, arts, eventbus.NewRunEventBus())
	orch, err := orchestrator.NewOrchestrator(cfg.Pipeline.MaxWorkers, p)
	require.NoError(t, err)
	orch.Start()
	t.Cleanup(orch.Stop)
	p.SetOrchestrator(orch)

	return pipelineEnv{p: p, rec: rec, runs: runs, records: records, arts: arts, orch: orch}
}

func testInput() ParsedInput {
	return ParsedInput{
		ScopeText: "Electrical distribution upgrade with elevated structural steel work.",
		Codes: []domain.DetectedCode{
			{Code: "UFGS-26-05-00", Sources: []domain.SourceHit{{Page: 12, Heading: "26 05 00", Excerpt: "electrical work"}}},
			{Code: "UFGS-05-50-13", Sources: []domain.SourceHit{{Page: 30, Heading: "05 50 13"}}},
			{Code: "UFGS-09-90-00"},
		},
	}
}

func TestStartGenerationBlockedWhileUnmapped(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	runID, err := env.p.CreateRun(ctx, testInput())
	require.NoError(t, err)

	// UFGS-05-50-13 没有默认类别,初始为 Unmapped
	unmapped, err := env.p.UnmappedCount(runID)
	require.NoError(t, err)
	assert.Equal(t, 1, unmapped)

	err = env.p.StartGeneration(ctx, runID)
	require.ErrorIs(t, err, mapper.ErrUnresolvedMapping)

	// 闸门失败必须零类别状态变化
	records, err := env.records.GetByRun(runID)
	require.NoError(t, err)
	assert.Empty(t, records)

	// 闸门失败后运行仍可继续:补覆盖并重启
	require.NoError(t, env.p.ApplyOverride(ctx, runID, "UFGS-05-50-13", model.CategoryFallProtection, "structural steel at height"))
	require.NoError(t, env.p.StartGeneration(ctx, runID))
}

func TestFullRunCompletes(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	runID, err := env.p.CreateRun(ctx, testInput())
	require.NoError(t, err)

	require.NoError(t, env.p.ApplyOverride(ctx, runID, "UFGS-05-50-13", model.CategoryFallProtection, "steel erection at height"))
	require.NoError(t, env.p.StartGeneration(ctx, runID))

	run, err := env.runs.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.True(t, run.Finalized)
	assert.Equal(t, 3, run.CodeCount)
	assert.Equal(t, 2, run.RequiredCount)
	assert.Equal(t, 2, run.CategoryCount)

	records, err := env.records.GetByRun(runID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, "complete", record.HazardStatus, record.Category)
		assert.Equal(t, "complete", record.PlanStatus, record.Category)
		assert.NotEmpty(t, record.PlanNarrative)
	}

	// 产出物: 矩阵 + 包描述,都带 sha256 校验和
	artifacts, err := env.arts.GetByRun(runID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	kinds := map[string]bool{}
	for _, artifact := range artifacts {
		kinds[artifact.Kind] = true
		assert.Len(t, artifact.Checksum, 64)
	}
	assert.True(t, kinds["matrix"])
	assert.True(t, kinds["bundle"])

	// 审计轨迹覆盖全流程事件类型
	trail, err := env.rec.Trail(runID)
	require.NoError(t, err)
	types := map[string]int{}
	for _, event := range trail {
		types[event.Type]++
	}
	assert.Equal(t, 1, types[recorder.EventRunStarted])
	assert.Equal(t, 1, types[recorder.EventCodeList])
	assert.Equal(t, 2, types[recorder.EventMappingSnapshot])
	assert.Equal(t, 1, types[recorder.EventOverride])
	assert.GreaterOrEqual(t, types[recorder.EventEvidenceSnapshot], 2)
	assert.GreaterOrEqual(t, types[recorder.EventStatusChange], 8)
	assert.Equal(t, 2, types[recorder.EventArtifact])
	assert.Equal(t, 1, types[recorder.EventDiagnostics])
	assert.Equal(t, 1, types[recorder.EventRunFinalized])
}

func TestStartGenerationTwiceRejected(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	runID, err := env.p.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, env.p.ApplyOverride(ctx, runID, "UFGS-05-50-13", model.CategoryFallProtection, "steel erection"))
	require.NoError(t, env.p.StartGeneration(ctx, runID))

	// 收尾后运行不再活跃
	err = env.p.StartGeneration(ctx, runID)
	require.ErrorIs(t, err, ErrRunNotActive)
}

func TestLateOverrideRejectedAfterStart(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	runID, err := env.p.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, env.p.ApplyOverride(ctx, runID, "UFGS-05-50-13", model.CategoryFallProtection, "steel erection"))
	require.NoError(t, env.p.StartGeneration(ctx, runID))

	err = env.p.ApplyOverride(ctx, runID, "UFGS-26-05-00", model.CategoryGeneral, "late change")
	assert.Error(t, err)
}

func TestUnknownCodeReportedNotFatal(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	input := testInput()
	input.Codes = append(input.Codes, domain.DetectedCode{Code: "UFGS-99-99-99"})

	runID, err := env.p.CreateRun(ctx, input)
	require.NoError(t, err)

	run, err := env.runs.Get(runID)
	require.NoError(t, err)
	// 未收录的代码仅上报,不计入 required
	assert.Equal(t, 4, run.CodeCount)
	assert.Equal(t, 2, run.RequiredCount)
}

// flakyAuditRepo 让指定类型的审计追加失败若干次,之后恢复正常
type flakyAuditRepo struct {
	repository.AuditRepository
	failType string
	failures int32
}

func (f *flakyAuditRepo) Append(runID, eventType, payload string) (*model.AuditEvent, error) {
	if eventType == f.failType && atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, fmt.Errorf("append rejected")
	}
	return f.AuditRepository.Append(runID, eventType, payload)
}

// rejectCreateRecordRepo 拒绝指定类别在生成路径上的记录创建
// 兜底创建的记录此时轨道已是待定状态,不受影响
type rejectCreateRecordRepo struct {
	repository.CategoryRecordRepository
	category string
}

func (r *rejectCreateRecordRepo) Create(record *model.CategoryRecord) error {
	if record.Category == r.category && record.HazardStatus == string(statemachine.TrackStatusRequired) {
		return fmt.Errorf("create rejected")
	}
	return r.CategoryRecordRepository.Create(record)
}

// 单次 status_change 审计写入失败必须让整个 run 失败,
// 即使该类别的记录在失败前已经创建:重试不得把半途记录当成成功
func TestAuditFailureMidRunFailsRun(t *testing.T) {
	env := newPipelineEnv(t, func(d *envDeps) {
		d.audit = &flakyAuditRepo{AuditRepository: d.audit, failType: recorder.EventStatusChange, failures: 1}
	})
	ctx := context.Background()

	runID, err := env.p.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, env.p.ApplyOverride(ctx, runID, "UFGS-05-50-13", model.CategoryFallProtection, "steel at height"))

	err = env.p.StartGeneration(ctx, runID)
	require.ErrorIs(t, err, recorder.ErrAuditWriteFailure)

	run, err := env.runs.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.False(t, run.Finalized)
}

// 类别作业彻底失败且从未留下记录时,收尾必须补一条待定记录,
// 矩阵里该类别显示为证据不足待定而不是 not_required
func TestJobFailureWithoutRecordSettlesPending(t *testing.T) {
	env := newPipelineEnv(t, func(d *envDeps) {
		d.records = &rejectCreateRecordRepo{CategoryRecordRepository: d.records, category: string(model.CategoryFallProtection)}
	})
	ctx := context.Background()

	runID, err := env.p.CreateRun(ctx, testInput())
	require.NoError(t, err)
	require.NoError(t, env.p.ApplyOverride(ctx, runID, "UFGS-05-50-13", model.CategoryFallProtection, "steel at height"))
	require.NoError(t, env.p.StartGeneration(ctx, runID))

	run, err := env.runs.Get(runID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, run.Status)

	record, err := env.records.Get(runID, string(model.CategoryFallProtection))
	require.NoError(t, err)
	assert.Equal(t, string(statemachine.TrackStatusPending), record.HazardStatus)
	assert.Equal(t, string(statemachine.TrackStatusPending), record.PlanStatus)
	assert.Contains(t, record.PendingReasons, "category generation unavailable")

	records, err := env.records.GetByRun(runID)
	require.NoError(t, err)
	m := matrix.Assemble(runID, records)
	for _, row := range m.Rows {
		if row.Category != string(model.CategoryFallProtection) {
			continue
		}
		assert.Equal(t, string(statemachine.TrackStatusPending), row.HazardStatus)
		assert.Equal(t, string(statemachine.TrackStatusPending), row.PlanStatus)
	}
}
