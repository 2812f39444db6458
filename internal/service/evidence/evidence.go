package evidence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/model"
	"k8s.io/klog/v2"
)

// ErrRetrievalUnavailable 检索服务不可用（重试耗尽后降级为零结果，对 run 不致命）
var ErrRetrievalUnavailable = errors.New("retrieval service unavailable")

// Hit 检索服务返回的单条命中
type Hit struct {
	DocumentID string  `json:"document_id"`
	Location   string  `json:"location"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

// Retriever 外部检索接口，按文档类型约束执行排序查询
type Retriever interface {
	Query(ctx context.Context, text string, docType domain.DocumentType, categoryContext string) ([]Hit, error)
}

// Service 证据检索与配额执行
// 负责定位符归一化、跨类型去重、贪心配额选择与结构化不足原因
type Service struct {
	retriever Retriever
	cfg       config.EvidenceConfig

	maxRetries int
	backoff    time.Duration
}

// Option 服务可选配置
type Option func(*Service)

// WithBackoff 覆盖重试退避基准（测试用）
func WithBackoff(d time.Duration) Option {
	return func(s *Service) { s.backoff = d }
}

func New(retriever Retriever, cfg config.EvidenceConfig, maxRetries int, opts ...Option) *Service {
	s := &Service{
		retriever:  retriever,
		cfg:        cfg,
		maxRetries: maxRetries,
		backoff:    500 * time.Millisecond,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = 3
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// buildQuery 拼接检索查询：类别、代码与范围摘要片段
func buildQuery(category model.Category, codes []string, scopeText string) string {
	parts := []string{string(category)}
	parts = append(parts, codes...)
	scope := strings.TrimSpace(scopeText)
	if len(scope) > 200 {
		scope = scope[:200]
	}
	if scope != "" {
		parts = append(parts, scope)
	}
	return strings.Join(parts, " ")
}

// normalize 把命中归一化为引用，定位符去掉大小写与空白差异
func normalize(hit Hit, docType domain.DocumentType) domain.Citation {
	return domain.Citation{
		SourceType: docType,
		DocumentID: strings.ToLower(strings.TrimSpace(hit.DocumentID)),
		Location:   strings.ToLower(strings.TrimSpace(hit.Location)),
		Display:    strings.TrimSpace(hit.Excerpt),
		Score:      hit.Score,
	}
}

// queryWithRetry 带退避的有界重试；重试耗尽后按零结果降级，绝不让 run 失败
func (s *Service) queryWithRetry(ctx context.Context, text string, docType domain.DocumentType, category model.Category) ([]Hit, bool) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		hits, err := s.retriever.Query(ctx, text, docType, string(category))
		if err == nil {
			return hits, true
		}
		lastErr = err

		backoff := s.backoff << attempt
		klog.Warningf("检索失败: category=%s, docType=%s, attempt=%d/%d, err=%v, backoff=%v",
			category, docType, attempt+1, s.maxRetries, err, backoff)

		select {
		case <-ctx.Done():
			klog.Warningf("检索被取消: category=%s, docType=%s", category, docType)
			return nil, false
		case <-time.After(backoff):
		}
	}
	klog.Errorf("检索重试耗尽，按零结果降级: category=%s, docType=%s, err=%v", category, docType, lastErr)
	return nil, false
}

// dedupe 按归一化定位符折叠重复，保留排名最高的一条
func dedupe(citations []domain.Citation) []domain.Citation {
	sort.SliceStable(citations, func(i, j int) bool { return citations[i].Score > citations[j].Score })
	set := &domain.EvidenceSet{}
	for _, c := range citations {
		set.Add(c)
	}
	return set.Citations
}

// RetrieveHazard 危害分析阶段检索：单一文档类型（参考规范库），证据仅为佐证
// 零结果不阻塞分析，由上层为缺乏支撑的危害降低置信度陈述
func (s *Service) RetrieveHazard(ctx context.Context, category model.Category, codes []string, scopeText string) *domain.EvidenceSet {
	query := buildQuery(category, codes, scopeText)
	hits, _ := s.queryWithRetry(ctx, query, domain.DocTypeReference, category)

	candidates := make([]domain.Citation, 0, len(hits))
	for _, hit := range hits {
		candidates = append(candidates, normalize(hit, domain.DocTypeReference))
	}
	deduped := dedupe(candidates)

	limit := s.cfg.HazardMaxCite
	if limit > 0 && len(deduped) > limit {
		deduped = deduped[:limit]
	}

	set := &domain.EvidenceSet{}
	for _, c := range deduped {
		set.Add(c)
	}
	klog.V(6).Infof("危害证据检索完成: category=%s, citations=%d", category, len(set.Citations))
	return set
}

// RetrievePlan 安全计划阶段检索：project 与 reference-corpus 两类文档
// 每类独立收集候选，类型内与跨类型去重，贪心选择：
// 先按各类型排名满足最低配额，再按总排名填充至合并上限；
// 任一类型配额未达则整组标记 insufficient 并记录结构化不足原因
func (s *Service) RetrievePlan(ctx context.Context, category model.Category, codes []string, scopeText string) *domain.EvidenceSet {
	query := buildQuery(category, codes, scopeText)

	byType := make(map[domain.DocumentType][]domain.Citation)
	unavailable := make(map[domain.DocumentType]bool)
	for _, docType := range []domain.DocumentType{domain.DocTypeProject, domain.DocTypeReference} {
		hits, ok := s.queryWithRetry(ctx, query, docType, category)
		if !ok {
			unavailable[docType] = true
		}
		candidates := make([]domain.Citation, 0, len(hits))
		for _, hit := range hits {
			candidates = append(candidates, normalize(hit, docType))
		}
		byType[docType] = dedupe(candidates)
	}

	set := &domain.EvidenceSet{}

	// 第一轮：每类按排名取至最低配额（跨类型重复定位符只记一次）
	for _, docType := range []domain.DocumentType{domain.DocTypeProject, domain.DocTypeReference} {
		taken := 0
		for _, c := range byType[docType] {
			if taken >= s.cfg.MinPerType || len(set.Citations) >= s.cfg.MaxTotal {
				break
			}
			if set.Add(c) {
				taken++
			}
		}
	}

	// 第二轮：剩余容量按总排名填充
	var remaining []domain.Citation
	for _, citations := range byType {
		remaining = append(remaining, citations...)
	}
	sort.SliceStable(remaining, func(i, j int) bool { return remaining[i].Score > remaining[j].Score })
	for _, c := range remaining {
		if len(set.Citations) >= s.cfg.MaxTotal {
			break
		}
		set.Add(c)
	}

	// 配额校验
	for _, docType := range []domain.DocumentType{domain.DocTypeProject, domain.DocTypeReference} {
		got := set.CountByType(docType)
		if got < s.cfg.MinPerType {
			set.Insufficient = true
			set.Deficiencies = append(set.Deficiencies, domain.Deficiency{
				Kind:    domain.DeficiencyQuota,
				DocType: docType,
				Need:    s.cfg.MinPerType,
				Got:     got,
				Topic:   string(category),
			})
			if unavailable[docType] {
				set.Deficiencies = append(set.Deficiencies, domain.Deficiency{
					Kind:  domain.DeficiencyUnavailable,
					Topic: fmt.Sprintf("%s retrieval", docType),
				})
			}
		}
	}

	klog.V(6).Infof("计划证据检索完成: category=%s, citations=%d, insufficient=%v",
		category, len(set.Citations), set.Insufficient)
	return set
}
