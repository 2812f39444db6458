package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/safesection/backend/config"
	"github.com/safesection/backend/internal/domain"
	"github.com/safesection/backend/internal/service/evidence"
	"k8s.io/klog/v2"
)

// Client 外部检索服务客户端
// 对接 query(text, document_type, category_context) -> 排序命中列表 的接口
type Client struct {
	Endpoint string
	TopK     int
	Client   *http.Client
}

// NewClient 创建检索客户端
func NewClient(cfg config.RetrievalConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 12
	}
	return &Client{
		Endpoint: strings.TrimSuffix(cfg.Endpoint, "/"),
		TopK:     topK,
		Client:   &http.Client{Timeout: timeout},
	}
}

type queryRequest struct {
	Query           string `json:"query"`
	DocumentType    string `json:"document_type"`
	CategoryContext string `json:"category_context,omitempty"`
	TopK            int    `json:"top_k"`
}

type queryHit struct {
	DocumentID string  `json:"document_id"`
	Location   string  `json:"location"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

type queryResponse struct {
	Hits  []queryHit `json:"hits"`
	Error string     `json:"error,omitempty"`
}

// Query 发送一次检索请求,返回按相关度排序的命中
// 实现证据服务的 Retriever 接口
func (c *Client) Query(ctx context.Context, text string, docType domain.DocumentType, categoryContext string) ([]evidence.Hit, error) {
	url := c.Endpoint + "/query"
	klog.V(6).Infof("发送检索请求: url=%s, docType=%s, topK=%d", url, docType, c.TopK)

	jsonData, err := json.Marshal(queryRequest{
		Query:           text,
		DocumentType:    string(docType),
		CategoryContext: categoryContext,
		TopK:            c.TopK,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retrieval service returned %d: %s", resp.StatusCode, string(body))
	}

	var queryResp queryResponse
	if err := json.Unmarshal(body, &queryResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if queryResp.Error != "" {
		return nil, fmt.Errorf("retrieval error: %s", queryResp.Error)
	}

	hits := make([]evidence.Hit, 0, len(queryResp.Hits))
	for _, hit := range queryResp.Hits {
		hits = append(hits, evidence.Hit{
			DocumentID: hit.DocumentID,
			Location:   hit.Location,
			Excerpt:    hit.Excerpt,
			Score:      hit.Score,
		})
	}
	klog.V(6).Infof("检索完成: docType=%s, hits=%d", docType, len(hits))
	return hits, nil
}
