package kb

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kbserve/internal/common"
	"kbserve/internal/infra/queue"
	"kbserve/internal/logger"
	"kbserve/internal/rag"
	"kbserve/internal/worker/tasks"
)

// DocumentHandler 文档上传、列表与分块触发
type DocumentHandler struct {
	svc   *rag.Service
	queue queue.Client
}

// NewDocumentHandler queue 可为 nil，此时分块在请求内同步执行
func NewDocumentHandler(svc *rag.Service, q queue.Client) *DocumentHandler {
	return &DocumentHandler{svc: svc, queue: q}
}

// Upload 上传文档内容，产生新的 STORED 版本并触发处理
// POST /api/kb/:kbId/documents
func (h *DocumentHandler) Upload(c *gin.Context) {
	var req rag.UploadDocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "请求体格式错误: "+err.Error())
		return
	}
	kbID := c.Param("kbId")

	result, err := h.svc.UploadDocument(c.Request.Context(), kbID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	async := h.enqueueProcess(kbID, result.Document.ID, result.Version.ID, rag.ChunkOptions{})
	if !async {
		if _, err := h.svc.ProcessVersion(c.Request.Context(), kbID, result.Document.ID, result.Version.ID, rag.ChunkOptions{}); err != nil {
			// 版本已标记 FAILED，上传本身成功
			logger.Warn("上传后同步处理失败",
				zap.String("version_id", result.Version.ID), zap.Error(err))
		}
	}

	common.ResponseCreated(c, gin.H{
		"document": result.Document,
		"version":  result.Version,
		"async":    async,
	})
}

// List 文档列表（含激活 chunk 数），支持分页
// GET /api/kb/:kbId/documents?page=&page_size=
func (h *DocumentHandler) List(c *gin.Context) {
	var page common.PaginationRequest
	if err := c.ShouldBindQuery(&page); err != nil {
		common.ResponseError(c, common.CodeInvalidRequest, "分页参数错误: "+err.Error())
		return
	}
	docs, total, err := h.svc.ListDocuments(c.Request.Context(), c.Param("kbId"), page.GetOffset(), page.GetPageSize())
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, gin.H{"items": docs, "total": total})
}

// ChunkRequest 分块参数，全部可选，缺省走服务默认配置
type ChunkRequest struct {
	Strategy      string   `json:"strategy"`
	MaxRunes      int      `json:"max_runes"`
	OverlapRunes  int      `json:"overlap_runes"`
	Separators    []string `json:"separators"`
	LanguageHints []string `json:"language_hints"`
}

func (r ChunkRequest) toOptions() rag.ChunkOptions {
	return rag.ChunkOptions{
		Strategy:      r.Strategy,
		MaxRunes:      r.MaxRunes,
		OverlapRunes:  r.OverlapRunes,
		Separators:    r.Separators,
		LanguageHints: r.LanguageHints,
	}
}

// Chunk 触发文档分块。已定稿的版本会产生新版本（重分块），
// 对相同内容与配置幂等。
// POST /api/kb/:kbId/documents/:documentId/chunking
func (h *DocumentHandler) Chunk(c *gin.Context) {
	var req ChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		common.ResponseError(c, common.CodeInvalidRequest, "请求体格式错误: "+err.Error())
		return
	}

	result, err := h.svc.ChunkDocument(c.Request.Context(), c.Param("kbId"), c.Param("documentId"), req.toOptions())
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// ChunkAll 整库批量分块，返回逐文档结果
// POST /api/kb/:kbId/documents/chunk-all
func (h *DocumentHandler) ChunkAll(c *gin.Context) {
	var req ChunkRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		common.ResponseError(c, common.CodeInvalidRequest, "请求体格式错误: "+err.Error())
		return
	}

	result, err := h.svc.ChunkAll(c.Request.Context(), c.Param("kbId"), req.toOptions())
	if err != nil {
		respondError(c, err)
		return
	}
	common.ResponseSuccess(c, result)
}

// enqueueProcess 投递异步处理任务，失败回退同步路径
func (h *DocumentHandler) enqueueProcess(kbID, documentID, versionID string, opts rag.ChunkOptions) bool {
	if h.queue == nil {
		return false
	}
	err := h.queue.EnqueueProcessVersion(tasks.ProcessVersionPayload{
		KBID:         kbID,
		DocumentID:   documentID,
		VersionID:    versionID,
		Strategy:     opts.Strategy,
		MaxRunes:     opts.MaxRunes,
		OverlapRunes: opts.OverlapRunes,
	})
	if err != nil {
		logger.Warn("任务投递失败，回退同步处理", zap.Error(err))
		return false
	}
	return true
}
