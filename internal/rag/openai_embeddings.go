package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// OpenAIEmbeddingProvider OpenAI 向量化服务提供者
type OpenAIEmbeddingProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIEmbeddingProvider 创建 OpenAI 向量化提供者，
// model 为空时默认 text-embedding-3-small。
func NewOpenAIEmbeddingProvider(apiKey, baseURL, model string) *OpenAIEmbeddingProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbeddingProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// Embed 将单条文本转换为向量
func (p *OpenAIEmbeddingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", ErrEmbeddingRejected)
	}
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch 批量向量化。OpenAI 单次请求最多 2048 条输入，超出分批。
func (p *OpenAIEmbeddingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	const batchSize = 2048
	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: texts[i:end],
			Model: openai.EmbeddingModel(p.model),
		})
		if err != nil {
			return nil, classifyEmbeddingError(err)
		}
		if len(resp.Data) != end-i {
			return nil, fmt.Errorf("%w: 返回向量数量不匹配: 期望%d, 实际%d",
				ErrEmbeddingUnavailable, end-i, len(resp.Data))
		}
		for _, d := range resp.Data {
			all = append(all, d.Embedding)
		}
	}
	return all, nil
}

// classifyEmbeddingError 把提供方错误归入可重试/不可重试两类。
// 4xx（限流除外）视为内容被拒，其余按暂时不可用处理。
func classifyEmbeddingError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
		case apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500:
			return fmt.Errorf("%w: %v", ErrEmbeddingRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
}

// GetModel 获取当前使用的模型
func (p *OpenAIEmbeddingProvider) GetModel() string { return p.model }

// GetDimension 获取向量维度
func (p *OpenAIEmbeddingProvider) GetDimension() int {
	switch p.model {
	case string(openai.LargeEmbedding3):
		return 3072
	default:
		// text-embedding-3-small / ada-002 均为 1536 维
		return 1536
	}
}

// GetProviderName 获取提供商名称
func (p *OpenAIEmbeddingProvider) GetProviderName() string { return "openai" }
