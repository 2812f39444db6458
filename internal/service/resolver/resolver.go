package resolver

import (
	"context"
	"errors"

	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
	"github.com/safesection/backend/internal/repository"
	"k8s.io/klog/v2"
)

// ErrCodeNotFound lookup 未收录该代码
var ErrCodeNotFound = errors.New("code not found in lookup")

// LookupResult 外部代码查询的返回
type LookupResult struct {
	RequiresAnalysis bool
	Title            string
	DefaultCategory  model.Category
	Notes            string
}

// CodeLookup 外部代码查询接口
type CodeLookup interface {
	Lookup(ctx context.Context, code string) (*LookupResult, error)
}

// Service 代码需求判定服务
// 对每个检测到的代码查询是否需要危害分析，并给出默认类别建议
// 逻辑上是纯转换：除返回值外没有副作用
type Service struct {
	lookup CodeLookup
}

func New(lookup CodeLookup) *Service {
	return &Service{lookup: lookup}
}

// Resolve 为每个去重后的代码生成一条 CodeRequirement
// lookup 未命中不是错误：requires_analysis 置为 false，仅上报，不进入后续流程
func (s *Service) Resolve(ctx context.Context, codes []domain.DetectedCode) ([]domain.CodeRequirement, error) {
	requirements := make([]domain.CodeRequirement, 0, len(codes))
	unknown := 0

	for _, code := range codes {
		result, err := s.lookup.Lookup(ctx, code.Code)
		if errors.Is(err, ErrCodeNotFound) {
			unknown++
			requirements = append(requirements, domain.CodeRequirement{
				Code:             code,
				RequiresAnalysis: false,
				Known:            false,
			})
			continue
		}
		if err != nil {
			return nil, err
		}

		requirement := domain.CodeRequirement{
			Code:              code,
			RequiresAnalysis:  result.RequiresAnalysis,
			SuggestedCategory: result.DefaultCategory,
			Notes:             result.Notes,
			Known:             true,
		}
		if requirement.Code.Title == "" {
			requirement.Code.Title = result.Title
		}
		requirements = append(requirements, requirement)
	}

	klog.V(6).Infof("代码需求判定完成: total=%d, unknown=%d", len(codes), unknown)
	return requirements, nil
}

// dbLookup 基于 CodeEntry 表的查询实现
type dbLookup struct {
	repo repository.CodeEntryRepository
}

// NewDBLookup 创建数据库支撑的代码查询
func NewDBLookup(repo repository.CodeEntryRepository) CodeLookup {
	return &dbLookup{repo: repo}
}

func (l *dbLookup) Lookup(ctx context.Context, code string) (*LookupResult, error) {
	entry, err := l.repo.Get(code)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	return &LookupResult{
		RequiresAnalysis: entry.RequiresAnalysis,
		Title:            entry.Title,
		DefaultCategory:  model.Category(entry.DefaultCategory),
		Notes:            entry.Notes,
	}, nil
}
