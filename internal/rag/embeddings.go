package rag

import "context"

// EmbeddingProvider 抽象不同向量模型/服务的统一接口。
// 实现方只负责外呼，持久化与缓存由调用方处理；超时也由调用方
// 通过 ctx 控制。
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	GetModel() string
	GetDimension() int
	GetProviderName() string
}
