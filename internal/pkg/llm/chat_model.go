package llm

import (
	"context"
	"errors"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/safesection/backend/config"
	"k8s.io/klog/v2"
)

const systemPrompt = "You are a construction safety engineer preparing USACE Section 11 " +
	"deliverables. Answer with the requested narrative only, no preamble."

// ChatModel 封装 Eino 原生的 OpenAI ChatModel
// 对上只暴露 prompt→narrative 的窄接口,供生成轨道调用
type ChatModel struct {
	chatModel model.ToolCallingChatModel
}

// NewChatModel 创建 LLM ChatModel
// cfg.APIURL 为空时使用默认 OpenAI URL
func NewChatModel(cfg config.LLMConfig) (*ChatModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is empty")
	}
	klog.V(6).Infof("[ChatModel] 创建 OpenAI ChatModel: model=%s, baseURL=%s", cfg.Model, cfg.APIURL)

	conf := &openai.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
	}
	if cfg.APIURL != "" {
		conf.BaseURL = cfg.APIURL
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		conf.MaxTokens = &maxTokens
	}
	if cfg.Timeout > 0 {
		conf.Timeout = cfg.Timeout
	}

	chatModel, err := openai.NewChatModel(context.Background(), conf)
	if err != nil {
		klog.Errorf("[ChatModel] 创建 ChatModel 失败: %v", err)
		return nil, err
	}

	klog.V(6).Infof("[ChatModel] ChatModel 创建成功")
	return &ChatModel{chatModel: chatModel}, nil
}

// Generate 同步生成叙述文本
// 实现生成轨道的 Generator 接口
func (m *ChatModel) Generate(ctx context.Context, prompt string) (string, error) {
	klog.V(6).Infof("[ChatModel] Generate 开始: promptLength=%d", len(prompt))
	klog.V(8).Infof("[ChatModel] prompt=%s", prompt)

	resp, err := m.chatModel.Generate(ctx, []*schema.Message{
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(prompt),
	})
	if err != nil {
		klog.Errorf("[ChatModel] Generate 失败: %v", err)
		return "", err
	}

	klog.V(6).Infof("[ChatModel] Generate 完成: responseLength=%d", len(resp.Content))
	return resp.Content, nil
}
