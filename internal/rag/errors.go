package rag

import "errors"

// 分块错误
var (
	ErrEmptyContent    = errors.New("content is empty")
	ErrInvalidMaxRunes = errors.New("max_runes must be greater than zero")
	ErrInvalidOverlap  = errors.New("overlap_runes must be zero or greater")
	ErrOverlapTooLarge = errors.New("overlap_runes must be smaller than max_runes")
	ErrUnknownStrategy = errors.New("unknown chunking strategy")
)

// 校验错误（立即返回调用方，不重试）
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidQuery     = errors.New("query is required")
	ErrInvalidFilter    = errors.New("malformed retrieval filter")
	ErrInvalidChunkIDs  = errors.New("chunk_ids is required")
	ErrTooManyChunkIDs  = errors.New("chunk_ids exceeds maximum of 100")
	ErrInvalidAdjacency = errors.New("adjacent_before and adjacent_after must be between 0 and 10")
)

// 资源不存在
var (
	ErrKnowledgeBaseNotFound = errors.New("knowledge base not found")
	ErrDocumentNotFound      = errors.New("document not found")
	ErrVersionNotFound       = errors.New("document version not found")
	ErrChunkNotFound         = errors.New("chunk not found")
)

// 冲突与完整性
var (
	// ErrVersionConflict 同一版本重复写入 chunk 集（内容不一致时）
	ErrVersionConflict = errors.New("chunks already finalized for version")
	// ErrIntegrity 不变量被破坏（如同一文档出现两个激活版本），
	// 不自动修复，需人工介入
	ErrIntegrity = errors.New("index integrity violation")
)

// 上游失败
var (
	// ErrEmbeddingUnavailable 向量化服务暂时不可用，可重试
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")
	// ErrEmbeddingRejected 内容被提供方拒绝（策略或大小限制），不可重试
	ErrEmbeddingRejected = errors.New("embedding request rejected")
	// ErrRetrievalUnavailable 检索依赖暂时不可用，可重试
	ErrRetrievalUnavailable = errors.New("retrieval temporarily unavailable")
	// ErrRetrievalFailed 检索失败且重试无意义
	ErrRetrievalFailed = errors.New("retrieval failed")
)

// IsRetryable 判断错误是否值得有界退避重试
func IsRetryable(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) || errors.Is(err, ErrRetrievalUnavailable)
}
