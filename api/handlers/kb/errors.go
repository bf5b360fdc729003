package kb

import (
	"errors"

	"github.com/gin-gonic/gin"

	"kbserve/internal/common"
	"kbserve/internal/rag"
)

// respondError 将领域错误映射为统一错误响应
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, rag.ErrKnowledgeBaseNotFound),
		errors.Is(err, rag.ErrDocumentNotFound),
		errors.Is(err, rag.ErrVersionNotFound),
		errors.Is(err, rag.ErrChunkNotFound):
		common.ResponseError(c, common.CodeNotFound, err.Error())
	case errors.Is(err, rag.ErrVersionConflict):
		common.ResponseError(c, common.CodeConflict, err.Error())
	case errors.Is(err, rag.ErrInvalidRequest),
		errors.Is(err, rag.ErrInvalidQuery),
		errors.Is(err, rag.ErrInvalidFilter),
		errors.Is(err, rag.ErrInvalidChunkIDs),
		errors.Is(err, rag.ErrTooManyChunkIDs),
		errors.Is(err, rag.ErrInvalidAdjacency),
		errors.Is(err, rag.ErrEmptyContent),
		errors.Is(err, rag.ErrInvalidMaxRunes),
		errors.Is(err, rag.ErrInvalidOverlap),
		errors.Is(err, rag.ErrOverlapTooLarge),
		errors.Is(err, rag.ErrUnknownStrategy):
		common.ResponseError(c, common.CodeInvalidRequest, err.Error())
	case errors.Is(err, rag.ErrEmbeddingUnavailable),
		errors.Is(err, rag.ErrRetrievalUnavailable):
		common.ResponseError(c, common.CodeUpstreamError, err.Error())
	default:
		common.ResponseError(c, common.CodeInternalError, err.Error())
	}
}
