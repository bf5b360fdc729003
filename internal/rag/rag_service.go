package rag

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kbserve/internal/blobstore"
	"kbserve/internal/logger"
	"kbserve/internal/metrics"
)

// 可重试上游调用的退避参数
const (
	maxUpstreamAttempts = 3
	retryBaseDelay      = 500 * time.Millisecond
	bulkConcurrency     = 4
)

// Service 知识库服务：版本一致性管理与摄入流水线。
// 上传 → 建版本 → 抽取 → 分块 → 向量化 → 激活，失败版本
// 不影响已激活版本的检索可用性。
type Service struct {
	db       *gorm.DB
	store    IndexStore
	embedder EmbeddingProvider
	blobs    blobstore.Client

	defaultChunking ChunkOptions
}

func NewService(db *gorm.DB, store IndexStore, embedder EmbeddingProvider, blobs blobstore.Client, defaults ChunkOptions) *Service {
	return &Service{
		db:              db,
		store:           store,
		embedder:        embedder,
		blobs:           blobs,
		defaultChunking: defaults,
	}
}

// ---------------------------------------------------------------------------
// 知识库

type CreateKBRequest struct {
	Name     string                 `json:"name"`
	OrgID    string                 `json:"org_id"`
	Metadata map[string]interface{} `json:"metadata"`
}

func (s *Service) CreateKnowledgeBase(ctx context.Context, req CreateKBRequest) (*KnowledgeBase, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("知识库名称不能为空: %w", ErrInvalidRequest)
	}
	kb := &KnowledgeBase{
		ID:       uuid.NewString(),
		Name:     name,
		OrgID:    req.OrgID,
		Metadata: datatypes.JSONMap(req.Metadata),
	}
	if err := s.db.WithContext(ctx).Create(kb).Error; err != nil {
		return nil, fmt.Errorf("创建知识库失败: %w", err)
	}
	return kb, nil
}

func (s *Service) GetKnowledgeBase(ctx context.Context, kbID string) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	if err := s.db.WithContext(ctx).Where("id = ?", kbID).First(&kb).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrKnowledgeBaseNotFound
		}
		return nil, fmt.Errorf("查询知识库失败: %w", err)
	}
	return &kb, nil
}

func (s *Service) ListKnowledgeBases(ctx context.Context, orgID string) ([]KnowledgeBase, error) {
	q := s.db.WithContext(ctx).Model(&KnowledgeBase{}).Order("created_at DESC")
	if orgID != "" {
		q = q.Where("org_id = ?", orgID)
	}
	var kbs []KnowledgeBase
	if err := q.Find(&kbs).Error; err != nil {
		return nil, fmt.Errorf("查询知识库列表失败: %w", err)
	}
	return kbs, nil
}

// DeleteKnowledgeBase 整库删除：级联清除元数据后回收 blob。
// blob 删除失败只告警——元数据已删，检索视角不存在孤儿 chunk。
func (s *Service) DeleteKnowledgeBase(ctx context.Context, kbID string) error {
	uris, err := s.store.DeleteKnowledgeBase(ctx, kbID)
	if err != nil {
		return err
	}
	for _, uri := range uris {
		if err := s.blobs.Delete(ctx, uri); err != nil {
			logger.Warn("blob 回收失败", zap.String("uri", uri), zap.Error(err))
		}
	}
	logger.Info("知识库已删除", zap.String("kb_id", kbID), zap.Int("blobs", len(uris)))
	return nil
}

// ---------------------------------------------------------------------------
// 文档与版本

type UploadDocumentRequest struct {
	Path           string                 `json:"path"`
	Title          *string                `json:"title"`
	DocumentType   string                 `json:"document_type"`
	SourceMetadata map[string]interface{} `json:"source_metadata"`
	Content        string                 `json:"content"`
}

type UploadDocumentResult struct {
	Document *Document        `json:"document"`
	Version  *DocumentVersion `json:"version"`
}

// UploadDocument 以 (kb, path) 定位文档，不存在则创建；
// 总是产生一个新的 STORED 版本，版本号按文档单调递增。
func (s *Service) UploadDocument(ctx context.Context, kbID string, req UploadDocumentRequest) (*UploadDocumentResult, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return nil, fmt.Errorf("文档 path 不能为空: %w", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("文档内容不能为空: %w", ErrEmptyContent)
	}
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}

	var doc Document
	var version DocumentVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("kb_id = ? AND path = ?", kbID, path).First(&doc).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			docType := req.DocumentType
			if docType == "" {
				docType = "unknown"
			}
			doc = Document{
				ID:             uuid.NewString(),
				KBID:           kbID,
				Path:           path,
				Title:          req.Title,
				DocumentType:   docType,
				SourceMetadata: datatypes.JSONMap(req.SourceMetadata),
			}
			if err := tx.Create(&doc).Error; err != nil {
				return fmt.Errorf("创建文档失败: %w", err)
			}
		case err != nil:
			return fmt.Errorf("查询文档失败: %w", err)
		default:
			// 元数据随新上传更新
			updates := map[string]interface{}{}
			if req.Title != nil {
				updates["title"] = req.Title
			}
			if req.DocumentType != "" {
				updates["document_type"] = req.DocumentType
			}
			if len(req.SourceMetadata) > 0 {
				updates["source_metadata"] = datatypes.JSONMap(req.SourceMetadata)
			}
			if len(updates) > 0 {
				if err := tx.Model(&doc).Updates(updates).Error; err != nil {
					return fmt.Errorf("更新文档元数据失败: %w", err)
				}
			}
		}

		number, err := nextVersionNumber(tx, doc.ID)
		if err != nil {
			return err
		}
		version = DocumentVersion{
			ID:               uuid.NewString(),
			DocumentID:       doc.ID,
			KBID:             kbID,
			VersionNumber:    number,
			ProcessingStatus: StatusStored,
		}
		return tx.Create(&version).Error
	})
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("kb/%s/documents/%s/versions/%s/raw", kbID, doc.ID, version.ID)
	uri, err := s.blobs.Put(ctx, key, []byte(req.Content))
	if err != nil {
		s.markVersionFailed(ctx, version.ID, fmt.Sprintf("原始内容写入失败: %v", err))
		return nil, fmt.Errorf("原始内容写入失败: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", version.ID).
		Update("raw_content_uri", uri).Error; err != nil {
		return nil, fmt.Errorf("更新版本 blob URI 失败: %w", err)
	}
	version.RawContentURI = uri

	logger.Info("文档已上传",
		zap.String("kb_id", kbID),
		zap.String("document_id", doc.ID),
		zap.String("path", path),
		zap.Int("version", version.VersionNumber))
	return &UploadDocumentResult{Document: &doc, Version: &version}, nil
}

// nextVersionNumber 锁文档行后取下一个版本号，并发上传不会撞号
func nextVersionNumber(tx *gorm.DB, documentID string) (int, error) {
	var doc Document
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", documentID).First(&doc).Error; err != nil {
		return 0, fmt.Errorf("锁定文档失败: %w", err)
	}
	var max int
	if err := tx.Model(&DocumentVersion{}).
		Where("document_id = ?", documentID).
		Select("COALESCE(MAX(version_number), 0)").
		Scan(&max).Error; err != nil {
		return 0, fmt.Errorf("查询最大版本号失败: %w", err)
	}
	return max + 1, nil
}

func (s *Service) GetDocument(ctx context.Context, kbID, documentID string) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).
		Where("id = ? AND kb_id = ?", documentID, kbID).
		First(&doc).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("查询文档失败: %w", err)
	}
	return &doc, nil
}

// DocumentSummary 文档列表项，附带激活 chunk 数
type DocumentSummary struct {
	Document
	ActiveChunkCount int64 `json:"active_chunk_count"`
}

func (s *Service) ListDocuments(ctx context.Context, kbID string, offset, limit int) ([]DocumentSummary, int64, error) {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, 0, err
	}
	base := s.db.WithContext(ctx).Model(&Document{}).Where("kb_id = ?", kbID)
	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("统计文档数失败: %w", err)
	}
	var docs []Document
	query := s.db.WithContext(ctx).
		Where("kb_id = ?", kbID).
		Order("path ASC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&docs).Error; err != nil {
		return nil, 0, fmt.Errorf("查询文档列表失败: %w", err)
	}
	counts, err := s.store.GetChunkCounts(ctx, kbID)
	if err != nil {
		return nil, 0, err
	}
	out := make([]DocumentSummary, 0, len(docs))
	for _, d := range docs {
		out = append(out, DocumentSummary{Document: d, ActiveChunkCount: counts[d.ID]})
	}
	return out, total, nil
}

// ---------------------------------------------------------------------------
// 分块流水线

type ChunkDocumentResult struct {
	DocumentID    string `json:"document_id"`
	VersionID     string `json:"version_id"`
	VersionNumber int    `json:"version_number"`
	ChunkCount    int    `json:"chunk_count"`
	Reprocessed   bool   `json:"reprocessed"`
}

// ChunkDocument 对文档当前内容执行分块流水线。
// 最新版本已 CHUNKED 时新建版本重新分块（rechunk = 新版本），
// 未处理的版本原地推进状态机。
func (s *Service) ChunkDocument(ctx context.Context, kbID, documentID string, opts ChunkOptions) (*ChunkDocumentResult, error) {
	doc, err := s.GetDocument(ctx, kbID, documentID)
	if err != nil {
		return nil, err
	}

	var latest DocumentVersion
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_number DESC").
		First(&latest).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("查询最新版本失败: %w", err)
	}

	target := latest
	reprocessed := false
	if latest.ProcessingStatus == StatusChunked || latest.ProcessingStatus == StatusFailed {
		// 已定稿的版本不可变，复制原始内容开新版本
		reprocessed = true
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			number, err := nextVersionNumber(tx, documentID)
			if err != nil {
				return err
			}
			target = DocumentVersion{
				ID:               uuid.NewString(),
				DocumentID:       documentID,
				KBID:             kbID,
				VersionNumber:    number,
				RawContentURI:    latest.RawContentURI,
				ProcessingStatus: StatusStored,
			}
			return tx.Create(&target).Error
		})
		if err != nil {
			return nil, fmt.Errorf("创建重分块版本失败: %w", err)
		}
	}

	count, err := s.ProcessVersion(ctx, kbID, doc.ID, target.ID, opts)
	if err != nil {
		return nil, err
	}
	return &ChunkDocumentResult{
		DocumentID:    doc.ID,
		VersionID:     target.ID,
		VersionNumber: target.VersionNumber,
		ChunkCount:    count,
		Reprocessed:   reprocessed,
	}, nil
}

// ProcessVersion 推进单个版本的完整流水线：
// 抽取 → 分块 → 落盘 → 向量化 → 激活。任一步失败版本转 FAILED，
// 已激活的旧版本保持可检索。
func (s *Service) ProcessVersion(ctx context.Context, kbID, documentID, versionID string, opts ChunkOptions) (int, error) {
	version, err := s.getVersion(ctx, versionID)
	if err != nil {
		return 0, err
	}
	if version.DocumentID != documentID || version.KBID != kbID {
		return 0, ErrVersionNotFound
	}
	if version.ProcessingStatus == StatusChunked {
		// 幂等重入：已完成的版本直接返回现状
		var n int64
		if err := s.db.WithContext(ctx).Model(&Chunk{}).
			Where("document_version_id = ?", versionID).
			Count(&n).Error; err != nil {
			return 0, fmt.Errorf("统计版本 chunk 失败: %w", err)
		}
		return int(n), nil
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = s.defaultChunking.Strategy
	}

	// 抽取
	if err := s.setVersionStatus(ctx, versionID, StatusExtracting); err != nil {
		return 0, err
	}
	content, err := s.extractContent(ctx, version)
	if err != nil {
		s.markVersionFailed(ctx, versionID, err.Error())
		metrics.ChunkingRunsTotal.WithLabelValues(strategy, "failed").Inc()
		return 0, err
	}

	// 分块
	if err := s.setVersionStatus(ctx, versionID, StatusChunking); err != nil {
		return 0, err
	}
	chunks, err := s.buildChunks(kbID, documentID, versionID, content, opts)
	if err != nil {
		s.markVersionFailed(ctx, versionID, err.Error())
		metrics.ChunkingRunsTotal.WithLabelValues(strategy, "failed").Inc()
		return 0, err
	}

	if err := withRetry(ctx, func() error {
		return s.store.PutChunks(ctx, versionID, chunks)
	}); err != nil {
		s.markVersionFailed(ctx, versionID, err.Error())
		metrics.ChunkingRunsTotal.WithLabelValues(strategy, "failed").Inc()
		return 0, err
	}

	// 向量化：失败不阻塞激活，未向量化的 chunk 走不到语义路
	if err := s.embedVersionChunks(ctx, kbID, versionID); err != nil {
		logger.Warn("版本向量化未全部完成",
			zap.String("version_id", versionID), zap.Error(err))
	}

	// 定稿并激活
	if err := s.setVersionStatus(ctx, versionID, StatusChunked); err != nil {
		return 0, err
	}
	if err := s.store.ActivateVersion(ctx, documentID, versionID); err != nil {
		metrics.VersionActivationsTotal.WithLabelValues("failed").Inc()
		return 0, err
	}
	metrics.VersionActivationsTotal.WithLabelValues("success").Inc()
	metrics.ChunkingRunsTotal.WithLabelValues(strategy, "success").Inc()
	metrics.ChunksProduced.WithLabelValues(strategy).Observe(float64(len(chunks)))

	logger.Info("版本处理完成",
		zap.String("kb_id", kbID),
		zap.String("document_id", documentID),
		zap.String("version_id", versionID),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}

// extractContent 读取原始内容并抽取文本。当前只接受文本型内容，
// 抽取结果回写到版本记录供后续重分块复用。
func (s *Service) extractContent(ctx context.Context, version *DocumentVersion) (string, error) {
	if version.ExtractedContent != nil && *version.ExtractedContent != "" {
		return *version.ExtractedContent, nil
	}
	if version.RawContentURI == "" {
		return "", fmt.Errorf("版本 %s 没有原始内容: %w", version.ID, ErrEmptyContent)
	}
	raw, err := s.blobs.Get(ctx, version.RawContentURI)
	if err != nil {
		return "", fmt.Errorf("读取原始内容失败: %w", err)
	}
	content := string(raw)
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("版本 %s 抽取结果为空: %w", version.ID, ErrEmptyContent)
	}
	if err := s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", version.ID).
		Update("extracted_content", content).Error; err != nil {
		return "", fmt.Errorf("回写抽取内容失败: %w", err)
	}
	return content, nil
}

func (s *Service) buildChunks(kbID, documentID, versionID, content string, opts ChunkOptions) ([]Chunk, error) {
	merged := opts
	if merged.Strategy == "" {
		merged.Strategy = s.defaultChunking.Strategy
	}
	if merged.MaxRunes == 0 {
		merged.MaxRunes = s.defaultChunking.MaxRunes
	}
	if merged.OverlapRunes == 0 {
		merged.OverlapRunes = s.defaultChunking.OverlapRunes
	}
	chunker, err := NewChunker(merged)
	if err != nil {
		return nil, err
	}
	results, err := chunker.Split(content)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(results))
	for _, r := range results {
		chunks = append(chunks, Chunk{
			ID:                uuid.NewString(),
			DocumentVersionID: versionID,
			DocumentID:        documentID,
			KBID:              kbID,
			SequenceNumber:    r.Index,
			Content:           r.Content,
			ContentHash:       r.ContentHash,
			Metadata: datatypes.JSONMap{
				"start_rune":  r.StartRune,
				"end_rune":    r.EndRune,
				"rune_length": r.RuneLength,
				"token_count": r.TokenCount,
			},
			ChunkingStrategy: merged.Strategy,
		})
	}
	return chunks, nil
}

func (s *Service) getVersion(ctx context.Context, versionID string) (*DocumentVersion, error) {
	var v DocumentVersion
	if err := s.db.WithContext(ctx).Where("id = ?", versionID).First(&v).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrVersionNotFound
		}
		return nil, fmt.Errorf("查询版本失败: %w", err)
	}
	return &v, nil
}

func (s *Service) setVersionStatus(ctx context.Context, versionID string, status ProcessingStatus) error {
	if err := s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Updates(map[string]interface{}{
			"processing_status": status,
			"error_message":     nil,
		}).Error; err != nil {
		return fmt.Errorf("更新版本状态失败: %w", err)
	}
	return nil
}

func (s *Service) markVersionFailed(ctx context.Context, versionID, message string) {
	if err := s.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ?", versionID).
		Updates(map[string]interface{}{
			"processing_status": StatusFailed,
			"error_message":     message,
		}).Error; err != nil {
		logger.Error("标记版本失败状态出错",
			zap.String("version_id", versionID), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// 向量化

type EmbedChunkResult struct {
	ChunkID     string `json:"chunk_id"`
	EmbeddingID string `json:"embedding_id"`
	Reused      bool   `json:"reused"`
}

// EmbedChunk 向量化单个 chunk。内容哈希已有向量时复用并返回
// reused=true，重试永远是 no-op。
func (s *Service) EmbedChunk(ctx context.Context, kbID, chunkID string) (*EmbedChunkResult, error) {
	var chunk Chunk
	if err := s.db.WithContext(ctx).
		Where("id = ? AND kb_id = ?", chunkID, kbID).
		First(&chunk).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrChunkNotFound
		}
		return nil, fmt.Errorf("查询 chunk 失败: %w", err)
	}
	if chunk.EmbeddingID != nil {
		return &EmbedChunkResult{ChunkID: chunk.ID, EmbeddingID: *chunk.EmbeddingID, Reused: true}, nil
	}

	model := s.embedder.GetModel()
	existing, err := s.findEmbedding(ctx, kbID, chunk.ContentHash, model)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.attachEmbedding(ctx, chunk.ID, existing.ID); err != nil {
			return nil, err
		}
		metrics.EmbeddingsTotal.WithLabelValues(model, "true").Inc()
		return &EmbedChunkResult{ChunkID: chunk.ID, EmbeddingID: existing.ID, Reused: true}, nil
	}

	var vec []float32
	if err := withRetry(ctx, func() error {
		var embedErr error
		vec, embedErr = s.embedder.Embed(ctx, chunk.Content)
		return embedErr
	}); err != nil {
		return nil, err
	}

	emb := &Embedding{
		ID:          uuid.NewString(),
		KBID:        kbID,
		ContentHash: chunk.ContentHash,
		ModelID:     model,
		Vector:      EncodeVector(vec),
		Dimension:   len(vec),
	}
	// 并发向量化同内容时以先写入者为准
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(emb).Error; err != nil {
		return nil, fmt.Errorf("保存向量失败: %w", err)
	}
	winner, err := s.findEmbedding(ctx, kbID, chunk.ContentHash, model)
	if err != nil {
		return nil, err
	}
	if winner == nil {
		return nil, fmt.Errorf("向量写入后丢失 (kb=%s hash=%s): %w", kbID, chunk.ContentHash, ErrIntegrity)
	}
	if err := s.attachEmbedding(ctx, chunk.ID, winner.ID); err != nil {
		return nil, err
	}
	metrics.EmbeddingsTotal.WithLabelValues(model, "false").Inc()
	return &EmbedChunkResult{ChunkID: chunk.ID, EmbeddingID: winner.ID, Reused: winner.ID != emb.ID}, nil
}

func (s *Service) findEmbedding(ctx context.Context, kbID, contentHash, model string) (*Embedding, error) {
	var emb Embedding
	err := s.db.WithContext(ctx).
		Where("kb_id = ? AND content_hash = ? AND model_id = ?", kbID, contentHash, model).
		First(&emb).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询向量失败: %w", err)
	}
	return &emb, nil
}

func (s *Service) attachEmbedding(ctx context.Context, chunkID, embeddingID string) error {
	if err := s.db.WithContext(ctx).Model(&Chunk{}).
		Where("id = ?", chunkID).
		Update("embedding_id", embeddingID).Error; err != nil {
		return fmt.Errorf("关联向量失败: %w", err)
	}
	return nil
}

// embedVersionChunks 批量向量化一个版本的全部 chunk，
// 按内容哈希去重后只对缺失项调用上游。
func (s *Service) embedVersionChunks(ctx context.Context, kbID, versionID string) error {
	var chunks []Chunk
	if err := s.db.WithContext(ctx).
		Where("document_version_id = ? AND embedding_id IS NULL", versionID).
		Order("sequence_number ASC").
		Find(&chunks).Error; err != nil {
		return fmt.Errorf("查询待向量化 chunk 失败: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	model := s.embedder.GetModel()

	// 先吸收已有向量
	pending := chunks[:0]
	for i := range chunks {
		existing, err := s.findEmbedding(ctx, kbID, chunks[i].ContentHash, model)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := s.attachEmbedding(ctx, chunks[i].ID, existing.ID); err != nil {
				return err
			}
			metrics.EmbeddingsTotal.WithLabelValues(model, "true").Inc()
			continue
		}
		pending = append(pending, chunks[i])
	}
	if len(pending) == 0 {
		return nil
	}

	// 哈希去重后批量调用上游
	order := make([]string, 0, len(pending))
	textByHash := map[string]string{}
	for i := range pending {
		if _, ok := textByHash[pending[i].ContentHash]; !ok {
			order = append(order, pending[i].ContentHash)
			textByHash[pending[i].ContentHash] = pending[i].Content
		}
	}
	texts := make([]string, len(order))
	for i, h := range order {
		texts[i] = textByHash[h]
	}

	var vectors [][]float32
	if err := withRetry(ctx, func() error {
		var embedErr error
		vectors, embedErr = s.embedder.EmbedBatch(ctx, texts)
		return embedErr
	}); err != nil {
		return err
	}
	if len(vectors) != len(order) {
		return fmt.Errorf("上游返回向量数 %d 与请求数 %d 不一致: %w", len(vectors), len(order), ErrEmbeddingRejected)
	}

	idByHash := map[string]string{}
	for i, h := range order {
		emb := &Embedding{
			ID:          uuid.NewString(),
			KBID:        kbID,
			ContentHash: h,
			ModelID:     model,
			Vector:      EncodeVector(vectors[i]),
			Dimension:   len(vectors[i]),
		}
		if err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(emb).Error; err != nil {
			return fmt.Errorf("保存向量失败: %w", err)
		}
		winner, err := s.findEmbedding(ctx, kbID, h, model)
		if err != nil {
			return err
		}
		if winner == nil {
			return fmt.Errorf("向量写入后丢失 (kb=%s hash=%s): %w", kbID, h, ErrIntegrity)
		}
		idByHash[h] = winner.ID
		metrics.EmbeddingsTotal.WithLabelValues(model, "false").Inc()
	}
	for i := range pending {
		if err := s.attachEmbedding(ctx, pending[i].ID, idByHash[pending[i].ContentHash]); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// 批量操作

type ChunkAllItemResult struct {
	DocumentID string `json:"document_id"`
	Path       string `json:"path"`
	Success    bool   `json:"success"`
	ChunkCount int    `json:"chunk_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ChunkAllResult struct {
	Total     int                  `json:"total"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Items     []ChunkAllItemResult `json:"items"`
}

// ChunkAll 对知识库内全部文档执行分块，单文档失败不中断其它文档，
// 失败项随成功项一起返回。
func (s *Service) ChunkAll(ctx context.Context, kbID string, opts ChunkOptions) (*ChunkAllResult, error) {
	if _, err := s.GetKnowledgeBase(ctx, kbID); err != nil {
		return nil, err
	}
	var docs []Document
	if err := s.db.WithContext(ctx).
		Where("kb_id = ?", kbID).
		Order("path ASC").
		Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("查询文档列表失败: %w", err)
	}

	items := make([]ChunkAllItemResult, len(docs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkConcurrency)
	for i := range docs {
		i := i
		g.Go(func() error {
			res, err := s.ChunkDocument(gctx, kbID, docs[i].ID, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				items[i] = ChunkAllItemResult{
					DocumentID: docs[i].ID,
					Path:       docs[i].Path,
					Error:      err.Error(),
				}
				return nil // 单项失败不取消其它任务
			}
			items[i] = ChunkAllItemResult{
				DocumentID: docs[i].ID,
				Path:       docs[i].Path,
				Success:    true,
				ChunkCount: res.ChunkCount,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &ChunkAllResult{Total: len(docs), Items: items}
	for _, item := range items {
		if item.Success {
			out.Succeeded++
		} else {
			out.Failed++
		}
	}
	return out, nil
}

// withRetry 对可重试错误做有界指数退避，不可重试错误立即返回
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxUpstreamAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
