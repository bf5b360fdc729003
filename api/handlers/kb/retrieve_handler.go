package kb

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"kbserve/internal/common"
	"kbserve/internal/rag"
)

// RetrieveHandler 混合检索与上下文扩展接口
type RetrieveHandler struct {
	svc       *rag.Service
	retriever *rag.Retriever
}

func NewRetrieveHandler(svc *rag.Service, retriever *rag.Retriever) *RetrieveHandler {
	return &RetrieveHandler{svc: svc, retriever: retriever}
}

// retrieveBody 检索请求体，过滤条件以嵌套对象展开
type retrieveBody struct {
	Query        string   `json:"query"`
	TopK         int      `json:"top_k"`
	HybridWeight *float64 `json:"hybrid_weight"`
	Profile      string   `json:"profile"`
	Filters      struct {
		PathPrefix    string   `json:"path_prefix"`
		DocumentType  string   `json:"document_type"`
		Source        string   `json:"source"`
		Tags          []string `json:"tags"`
		CreatedAfter  string   `json:"created_after"`
		CreatedBefore string   `json:"created_before"`
	} `json:"filters"`
}

func (b retrieveBody) toRequest() (rag.RetrieveRequest, error) {
	req := rag.RetrieveRequest{
		Query:        b.Query,
		TopK:         b.TopK,
		HybridWeight: b.HybridWeight,
		Profile:      b.Profile,
		Filters: rag.ChunkFilters{
			PathPrefix:   b.Filters.PathPrefix,
			DocumentType: b.Filters.DocumentType,
			Source:       b.Filters.Source,
			Tags:         b.Filters.Tags,
		},
	}
	if b.Filters.CreatedAfter != "" {
		t, err := time.Parse(time.RFC3339, b.Filters.CreatedAfter)
		if err != nil {
			return req, rag.ErrInvalidFilter
		}
		req.Filters.CreatedAfter = &t
	}
	if b.Filters.CreatedBefore != "" {
		t, err := time.Parse(time.RFC3339, b.Filters.CreatedBefore)
		if err != nil {
			return req, rag.ErrInvalidFilter
		}
		req.Filters.CreatedBefore = &t
	}
	return req, nil
}

// Retrieve 语义 + 词面混合检索
// POST /api/kb/:kbId/retrieve（别名 /query）
func (h *RetrieveHandler) Retrieve(c *gin.Context) {
	var body retrieveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求体格式错误: "+err.Error())
		return
	}
	kbID := c.Param("kbId")
	if _, err := h.svc.GetKnowledgeBase(c.Request.Context(), kbID); err != nil {
		respondError(c, err)
		return
	}

	req, err := body.toRequest()
	if err != nil {
		respondError(c, err)
		return
	}
	resp, err := h.retriever.Retrieve(c.Request.Context(), kbID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, resp)
}

// Hydrate 按序号扩展相邻 chunk，拉宽上下文窗口
// POST /api/kb/:kbId/hydrate
func (h *RetrieveHandler) Hydrate(c *gin.Context) {
	var req rag.HydrateRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		common.ResponseError(c, common.CodeInvalidRequest, "请求体格式错误: "+err.Error())
		return
	}
	kbID := c.Param("kbId")
	if _, err := h.svc.GetKnowledgeBase(c.Request.Context(), kbID); err != nil {
		respondError(c, err)
		return
	}

	resp, err := h.retriever.Hydrate(c.Request.Context(), kbID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, resp)
}
