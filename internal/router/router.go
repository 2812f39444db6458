package router

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/handler"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/service/orchestrator"
)

func Setup(
	cfg *config.Config,
	runHandler *handler.RunHandler,
	codeHandler *handler.CodeEntryHandler,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	api := r.Group("/api")
	{
		runs := api.Group("/runs")
		{
			runs.POST("", runHandler.Create)
			runs.GET("", runHandler.List)
			runs.GET("/:id", runHandler.Get)
			runs.GET("/:id/assignments", runHandler.Assignments)
			runs.POST("/:id/overrides", runHandler.Override)
			runs.POST("/:id/generate", runHandler.Start)
			runs.GET("/:id/matrix", runHandler.Matrix)
			runs.GET("/:id/audit", runHandler.Trail)
			runs.GET("/:id/bundle", runHandler.Bundle)
			runs.GET("/:id/artifacts", runHandler.Artifacts)
		}

		codes := api.Group("/codes")
		{
			codes.GET("", codeHandler.List)
			codes.GET("/:code", codeHandler.Get)
			codes.PUT("", codeHandler.Upsert)
		}

		// 固定类别集合,前端覆盖选择用
		api.GET("/categories", func(c *gin.Context) {
			c.JSON(http.StatusOK, model.Categories)
		})

		// 协程池状态
		api.GET("/orchestrator/status", func(c *gin.Context) {
			orch := orchestrator.GetGlobalOrchestrator()
			if orch == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "orchestrator not initialized"})
				return
			}
			c.JSON(http.StatusOK, orch.GetQueueStatus())
		})
	}

	return r
}
