package main

import (
	"flag"
	"log"

	"k8s.io/klog/v2"

	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/eventbus"
	"github.com/safesection/backend/internal/handler"
	"github.com/safesection/backend/internal/pkg/database"
	"github.com/safesection/backend/internal/pkg/llm"
	"github.com/safesection/backend/internal/pkg/retrieval"
	"github.com/safesection/backend/internal/repository"
	"github.com/safesection/backend/internal/router"
	"github.com/safesection/backend/internal/service/evidence"
	"github.com/safesection/backend/internal/service/generator"
	"github.com/safesection/backend/internal/service/orchestrator"
	"github.com/safesection/backend/internal/service/pipeline"
	"github.com/safesection/backend/internal/service/recorder"
	"github.com/safesection/backend/internal/service/resolver"
	"github.com/safesection/backend/internal/subscriber"
)

func main() {
	// 初始化 klog
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	klog.V(6).Info("服务启动中...")

	cfg := config.GetConfig()

	// 初始化数据库
	db, err := database.InitDB(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	// 初始化 Repository
	runRepo := repository.NewRunRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	recordRepo := repository.NewCategoryRecordRepository(db)
	codeRepo := repository.NewCodeEntryRepository(db)
	artifactRepo := repository.NewArtifactRepository(db)

	// 初始化外部协作方客户端
	chatModel, err := llm.NewChatModel(cfg.LLM)
	if err != nil {
		log.Fatalf("Failed to initialize chat model: %v", err)
	}
	retrievalClient := retrieval.NewClient(cfg.Retrieval)

	// 初始化 Service
	rec := recorder.New(runRepo, auditRepo)
	evidenceService := evidence.New(retrievalClient, cfg.Evidence, cfg.Retrieval.MaxRetries)
	generatorService := generator.New(chatModel, evidenceService, rec, recordRepo)
	resolverService := resolver.New(resolver.NewDBLookup(codeRepo))

	bus := eventbus.NewRunEventBus()
	subscriber.NewRunEventSubscriber(recordRepo).Register(bus)

	p := pipeline.New(cfg, resolverService, generatorService, rec, runRepo, recordRepo, artifactRepo, bus)

	// 初始化全局类别编排器
	// maxWorkers 控制并发类别数，避免打爆 LLM 配额
	maxWorkers := cfg.Pipeline.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 2
	}
	if err := orchestrator.InitGlobalOrchestrator(maxWorkers, p); err != nil {
		log.Fatalf("Failed to initialize orchestrator: %v", err)
	}
	p.SetOrchestrator(orchestrator.GetGlobalOrchestrator())
	defer orchestrator.ShutdownGlobalOrchestrator()

	// 初始化 Handler
	runHandler := handler.NewRunHandler(p, rec, runRepo, recordRepo, artifactRepo)
	codeHandler := handler.NewCodeEntryHandler(codeRepo)

	// 设置路由
	r := router.Setup(cfg, runHandler, codeHandler)

	log.Printf("Server starting on port %s...", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
