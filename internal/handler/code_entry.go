package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
)

// CodeEntryHandler 规范代码查询表的管理接口
type CodeEntryHandler struct {
	repo repository.CodeEntryRepository
}

func NewCodeEntryHandler(repo repository.CodeEntryRepository) *CodeEntryHandler {
	return &CodeEntryHandler{repo: repo}
}

func (h *CodeEntryHandler) List(c *gin.Context) {
	entries, err := h.repo.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *CodeEntryHandler) Get(c *gin.Context) {
	entry, err := h.repo.Get(c.Param("code"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "code not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}

type codeEntryRequest struct {
	Code             string `json:"code" binding:"required"`
	Title            string `json:"title"`
	RequiresAnalysis bool   `json:"requires_analysis"`
	DefaultCategory  string `json:"default_category"`
	Notes            string `json:"notes"`
}

// Upsert 新增或更新一个代码条目
func (h *CodeEntryHandler) Upsert(c *gin.Context) {
	var req codeEntryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid input: " + err.Error()})
		return
	}
	if req.DefaultCategory != "" && !model.IsValidCategory(model.Category(req.DefaultCategory)) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid default category: " + req.DefaultCategory})
		return
	}

	entry := &model.CodeEntry{
		Code:             req.Code,
		Title:            req.Title,
		RequiresAnalysis: req.RequiresAnalysis,
		DefaultCategory:  req.DefaultCategory,
		Notes:            req.Notes,
	}
	if err := h.repo.Upsert(entry); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}
