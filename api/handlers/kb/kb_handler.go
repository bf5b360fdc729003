package kb

import (
	"github.com/gin-gonic/gin"

	"kbserve/internal/common"
	"kbserve/internal/rag"
)

// Handler 知识库与文档管理接口
type Handler struct {
	svc *rag.Service
}

func NewHandler(svc *rag.Service) *Handler {
	return &Handler{svc: svc}
}

// Create 创建知识库
// POST /api/kb
func (h *Handler) Create(c *gin.Context) {
	var req rag.CreateKBRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求体格式错误: "+err.Error())
		return
	}
	kb, err := h.svc.CreateKnowledgeBase(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseCreated(c, kb)
}

// List 知识库列表
// GET /api/kb?org_id=
func (h *Handler) List(c *gin.Context) {
	kbs, err := h.svc.ListKnowledgeBases(c.Request.Context(), c.Query("org_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": kbs, "total": len(kbs)})
}

// Get 知识库详情
// GET /api/kb/:kbId
func (h *Handler) Get(c *gin.Context) {
	kb, err := h.svc.GetKnowledgeBase(c.Request.Context(), c.Param("kbId"))
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, kb)
}

// Delete 整库删除（级联到文档、版本、chunk 与 blob）
// DELETE /api/kb/:kbId
func (h *Handler) Delete(c *gin.Context) {
	kbID := c.Param("kbId")
	if err := h.svc.DeleteKnowledgeBase(c.Request.Context(), kbID); err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"kb_id": kbID, "deleted": true})
}
