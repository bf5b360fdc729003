package kb

import (
	"github.com/gin-gonic/gin"

	"kbserve/internal/common"
	"kbserve/internal/rag"
)

// EmbedHandler 单 chunk 向量化接口
type EmbedHandler struct {
	svc *rag.Service
}

func NewEmbedHandler(svc *rag.Service) *EmbedHandler {
	return &EmbedHandler{svc: svc}
}

// Embed 向量化指定 chunk，内容哈希命中时复用（reused=true）
// POST /api/kb/:kbId/chunks/:chunkId/embed
func (h *EmbedHandler) Embed(c *gin.Context) {
	result, err := h.svc.EmbedChunk(c.Request.Context(), c.Param("kbId"), c.Param("chunkId"))
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}
