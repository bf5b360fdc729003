package rag

import (
	"context"
	"time"
)

// ChunkFilters 检索与列表共用的过滤条件，全部可选
type ChunkFilters struct {
	PathPrefix    string
	DocumentType  string
	Source        string
	Tags          []string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// ActiveChunk 激活版本内的 chunk，附带引用所需的文档信息
type ActiveChunk struct {
	Chunk
	DocumentPath  string
	DocumentTitle *string
	DocumentType  string
	VersionNumber int
}

// ScoredChunk 单路检索的候选与原始得分
type ScoredChunk struct {
	ChunkID string
	Score   float64
}

// SearchParams 单路检索参数。两路检索共享同一过滤后的激活 chunk 集。
type SearchParams struct {
	KBID        string
	Query       string
	QueryVector []float32
	Filters     ChunkFilters
	Limit       int
}

// IndexStore 按知识库隔离的 chunk 与索引存储。
// 写操作在重试下幂等；检索只读取激活版本的 chunk。
type IndexStore interface {
	// PutChunks 写入一个版本的完整 chunk 集。重发相同内容是
	// no-op；版本已有不同内容的 chunk 时返回 ErrVersionConflict。
	PutChunks(ctx context.Context, versionID string, chunks []Chunk) error

	// ActivateVersion 原子切换激活版本：任何时刻同一文档
	// 不会出现零个或两个激活版本同时可见。
	ActivateVersion(ctx context.Context, documentID, versionID string) error

	// GetActiveChunks 返回激活版本中匹配过滤条件的 chunk
	GetActiveChunks(ctx context.Context, kbID string, filters ChunkFilters) ([]ActiveChunk, error)

	// GetChunkCounts 按文档统计激活 chunk 数，无激活 chunk 的文档计 0
	GetChunkCounts(ctx context.Context, kbID string) (map[string]int64, error)

	// DeleteKnowledgeBase 级联删除知识库全部数据，
	// 返回待调用方回收的 blob URI 列表（存储本身不删 blob）。
	DeleteKnowledgeBase(ctx context.Context, kbID string) ([]string, error)

	// GetChunksWithDocuments 按 ID 批量取 chunk（限定 kb）
	GetChunksWithDocuments(ctx context.Context, kbID string, chunkIDs []string) ([]ActiveChunk, error)

	// GetChunksByVersionRange 取版本内指定序号区间的 chunk，用于 hydrate
	GetChunksByVersionRange(ctx context.Context, versionID string, start, end int) ([]ActiveChunk, error)

	// SearchSemantic 在过滤后的激活 chunk 中按余弦相似度取 top-N
	SearchSemantic(ctx context.Context, params SearchParams) ([]ScoredChunk, error)

	// SearchLexical 在同一集合中按 BM25 风格得分取 top-N
	SearchLexical(ctx context.Context, params SearchParams) ([]ScoredChunk, error)
}
