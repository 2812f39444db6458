package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"github.com/safesection/backend/internal/service/mapper"
	"github.com/safesection/backend/internal/service/matrix"
	"github.com/safesection/backend/internal/service/pipeline"
	"github.com/safesection/backend/internal/service/recorder"
	"k8s.io/klog/v2"
)

type RunHandler struct {
	pipeline  *pipeline.Pipeline
	rec       *recorder.Recorder
	runs      repository.RunRepository
	records   repository.CategoryRecordRepository
	artifacts repository.ArtifactRepository
}

func NewRunHandler(
	p *pipeline.Pipeline,
	rec *recorder.Recorder,
	runs repository.RunRepository,
	records repository.CategoryRecordRepository,
	artifacts repository.ArtifactRepository,
) *RunHandler {
	return &RunHandler{
		pipeline:  p,
		rec:       rec,
		runs:      runs,
		records:   records,
		artifacts: artifacts,
	}
}

// Create 从解析器输出创建运行
func (h *RunHandler) Create(c *gin.Context) {
	var input pipeline.ParsedInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input: " + err.Error()})
		return
	}
	if len(input.Codes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no detected codes"})
		return
	}

	runID, err := h.pipeline.CreateRun(c.Request.Context(), input)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run_id": runID})
}

func (h *RunHandler) List(c *gin.Context) {
	runs, err := h.runs.List(100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *RunHandler) Get(c *gin.Context) {
	run, err := h.runs.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

// Assignments 当前代码到类别的分配快照，启动前供审阅
func (h *RunHandler) Assignments(c *gin.Context) {
	runID := c.Param("id")
	assignments, err := h.pipeline.Assignments(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	unmapped, _ := h.pipeline.UnmappedCount(runID)
	c.JSON(http.StatusOK, gin.H{"assignments": assignments, "unmapped": unmapped})
}

type overrideRequest struct {
	Code      string `json:"code" binding:"required"`
	Category  string `json:"category" binding:"required"`
	Rationale string `json:"rationale"`
}

// Override 修正一个代码的类别分配
func (h *RunHandler) Override(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input: " + err.Error()})
		return
	}

	err := h.pipeline.ApplyOverride(c.Request.Context(), c.Param("id"), req.Code, model.Category(req.Category), req.Rationale)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "override applied"})
	case errors.Is(err, mapper.ErrInvalidCategory), errors.Is(err, mapper.ErrUnknownCode):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, mapper.ErrLateOverride):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrRunNotActive):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// Start 启动生成
// 定稿闸门同步校验；生成本身异步执行，进度经矩阵与审计接口查询
func (h *RunHandler) Start(c *gin.Context) {
	runID := c.Param("id")

	unmapped, err := h.pipeline.UnmappedCount(runID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if unmapped > 0 {
		c.JSON(http.StatusConflict, gin.H{
			"error":    mapper.ErrUnresolvedMapping.Error(),
			"unmapped": unmapped,
		})
		return
	}

	go func() {
		if err := h.pipeline.StartGeneration(context.Background(), runID); err != nil {
			klog.Errorf("生成执行失败: runID=%s, err=%v", runID, err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"message": "generation started", "run_id": runID})
}

// Matrix 合规矩阵
func (h *RunHandler) Matrix(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.runs.Get(runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	records, err := h.records.GetByRun(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, matrix.Assemble(runID, records))
}

// Trail 完整审计轨迹
func (h *RunHandler) Trail(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.runs.Get(runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	trail, err := h.rec.Trail(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, trail)
}

// Bundle 结构化产出物包描述，交外部渲染器生成可下载格式
func (h *RunHandler) Bundle(c *gin.Context) {
	runID := c.Param("id")
	if _, err := h.runs.Get(runID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	records, err := h.records.GetByRun(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, pipeline.BuildBundle(runID, records, matrix.Assemble(runID, records)))
}

// Artifacts 产出物登记（路径与校验和）
func (h *RunHandler) Artifacts(c *gin.Context) {
	artifacts, err := h.artifacts.GetByRun(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, artifacts)
}
