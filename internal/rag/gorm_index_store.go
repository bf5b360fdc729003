package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"kbserve/internal/logger"
)

// GormIndexStore IndexStore 的 GORM 实现。
// PostgreSQL 下语义检索走 pgvector、词面检索走 ts_rank_cd；
// 其它方言（测试用 SQLite）回退到进程内余弦与 BM25，语义一致。
type GormIndexStore struct {
	db *gorm.DB
}

func NewGormIndexStore(db *gorm.DB) *GormIndexStore {
	return &GormIndexStore{db: db}
}

func (s *GormIndexStore) isPostgres() bool {
	return s.db.Dialector.Name() == "postgres"
}

// PutChunks 写入版本的完整 chunk 集。
// 版本已有 chunk 时：内容哈希序列一致视为重试，直接返回；
// 否则返回 ErrVersionConflict，重新切分必须走新版本。
func (s *GormIndexStore) PutChunks(ctx context.Context, versionID string, chunks []Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []Chunk
		if err := tx.Where("document_version_id = ?", versionID).
			Order("sequence_number ASC").
			Find(&existing).Error; err != nil {
			return fmt.Errorf("查询版本已有 chunk 失败: %w", err)
		}
		if len(existing) > 0 {
			if !sameChunkContent(existing, chunks) {
				return fmt.Errorf("version %s already has different chunks: %w", versionID, ErrVersionConflict)
			}
			logger.Debug(fmt.Sprintf("版本 %s 的 chunk 已存在且内容一致，幂等跳过", versionID))
			return nil
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(chunks, 200).Error; err != nil {
			return fmt.Errorf("写入 chunk 失败: %w", err)
		}
		return nil
	})
}

func sameChunkContent(a, b []Chunk) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].SequenceNumber != b[i].SequenceNumber || a[i].ContentHash != b[i].ContentHash {
			return false
		}
	}
	return true
}

// ActivateVersion 单事务内切换激活版本：锁文档行，取消旧激活，
// 置新版本激活并回写 active_version_id。事务内校验不变量，
// 出现多于一个激活版本时回滚并返回 ErrIntegrity。
func (s *GormIndexStore) ActivateVersion(ctx context.Context, documentID, versionID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", documentID).First(&doc).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrDocumentNotFound
			}
			return fmt.Errorf("锁定文档失败: %w", err)
		}

		var version DocumentVersion
		if err := tx.Where("id = ? AND document_id = ?", versionID, documentID).
			First(&version).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrVersionNotFound
			}
			return fmt.Errorf("查询版本失败: %w", err)
		}

		if err := tx.Model(&DocumentVersion{}).
			Where("document_id = ? AND is_active = ?", documentID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("取消旧激活版本失败: %w", err)
		}
		if err := tx.Model(&DocumentVersion{}).
			Where("id = ?", versionID).
			Update("is_active", true).Error; err != nil {
			return fmt.Errorf("激活新版本失败: %w", err)
		}
		if err := tx.Model(&Document{}).
			Where("id = ?", documentID).
			Update("active_version_id", versionID).Error; err != nil {
			return fmt.Errorf("更新文档激活指针失败: %w", err)
		}

		var active int64
		if err := tx.Model(&DocumentVersion{}).
			Where("document_id = ? AND is_active = ?", documentID, true).
			Count(&active).Error; err != nil {
			return fmt.Errorf("校验激活版本数失败: %w", err)
		}
		if active != 1 {
			return fmt.Errorf("document %s has %d active versions: %w", documentID, active, ErrIntegrity)
		}
		return nil
	})
}

// activeChunkQuery 过滤后的激活 chunk 基础查询，两路检索与列表共用
func (s *GormIndexStore) activeChunkQuery(kbID string, filters ChunkFilters) *gorm.DB {
	q := s.db.Table("chunks AS c").
		Select("c.*, d.path AS document_path, d.title AS document_title, d.document_type, v.version_number").
		Joins("JOIN document_versions v ON v.id = c.document_version_id AND v.is_active = ?", true).
		Joins("JOIN documents d ON d.id = c.document_id").
		Where("c.kb_id = ?", kbID)

	if filters.PathPrefix != "" {
		q = q.Where("d.path LIKE ?", escapeLike(filters.PathPrefix)+"%")
	}
	if filters.DocumentType != "" {
		q = q.Where("d.document_type = ?", filters.DocumentType)
	}
	if filters.CreatedAfter != nil {
		q = q.Where("c.created_at >= ?", *filters.CreatedAfter)
	}
	if filters.CreatedBefore != nil {
		q = q.Where("c.created_at <= ?", *filters.CreatedBefore)
	}
	return q
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

// matchesMetadata source 与 tags 存在 chunk 元数据里，
// JSON 查询各方言不一致，统一在进程内过滤。
func matchesMetadata(c *ActiveChunk, filters ChunkFilters) bool {
	if filters.Source != "" {
		src, _ := c.Metadata["source"].(string)
		if src != filters.Source {
			return false
		}
	}
	if len(filters.Tags) > 0 {
		raw, ok := c.Metadata["tags"]
		if !ok {
			return false
		}
		have := map[string]bool{}
		switch v := raw.(type) {
		case []interface{}:
			for _, t := range v {
				if ts, ok := t.(string); ok {
					have[ts] = true
				}
			}
		case []string:
			for _, t := range v {
				have[t] = true
			}
		}
		for _, want := range filters.Tags {
			if !have[want] {
				return false
			}
		}
	}
	return true
}

func (s *GormIndexStore) GetActiveChunks(ctx context.Context, kbID string, filters ChunkFilters) ([]ActiveChunk, error) {
	var rows []ActiveChunk
	if err := s.activeChunkQuery(kbID, filters).WithContext(ctx).
		Order("d.path ASC, c.sequence_number ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("查询激活 chunk 失败: %w", err)
	}
	out := rows[:0]
	for i := range rows {
		if matchesMetadata(&rows[i], filters) {
			out = append(out, rows[i])
		}
	}
	return out, nil
}

func (s *GormIndexStore) GetChunkCounts(ctx context.Context, kbID string) (map[string]int64, error) {
	var docIDs []string
	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("kb_id = ?", kbID).Pluck("id", &docIDs).Error; err != nil {
		return nil, fmt.Errorf("查询知识库文档失败: %w", err)
	}
	counts := make(map[string]int64, len(docIDs))
	for _, id := range docIDs {
		counts[id] = 0
	}

	type row struct {
		DocumentID string
		N          int64
	}
	var rows []row
	if err := s.db.WithContext(ctx).Table("chunks AS c").
		Select("c.document_id AS document_id, COUNT(*) AS n").
		Joins("JOIN document_versions v ON v.id = c.document_version_id AND v.is_active = ?", true).
		Where("c.kb_id = ?", kbID).
		Group("c.document_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("统计激活 chunk 失败: %w", err)
	}
	for _, r := range rows {
		counts[r.DocumentID] = r.N
	}
	return counts, nil
}

// DeleteKnowledgeBase 级联删除知识库数据并返回原始内容的 blob URI。
// blob 回收由调用方处理，删除失败不回滚元数据。
func (s *GormIndexStore) DeleteKnowledgeBase(ctx context.Context, kbID string) ([]string, error) {
	var uris []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var kb KnowledgeBase
		if err := tx.Where("id = ?", kbID).First(&kb).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrKnowledgeBaseNotFound
			}
			return fmt.Errorf("查询知识库失败: %w", err)
		}
		if err := tx.Model(&DocumentVersion{}).
			Joins("JOIN documents d ON d.id = document_versions.document_id").
			Where("d.kb_id = ? AND document_versions.raw_content_uri <> ''", kbID).
			Pluck("document_versions.raw_content_uri", &uris).Error; err != nil {
			// SQLite 不支持 UPDATE/DELETE 之外的 Joins+Pluck 组合时走子查询
			if err2 := tx.Model(&DocumentVersion{}).
				Where("document_id IN (?) AND raw_content_uri <> ''",
					tx.Model(&Document{}).Select("id").Where("kb_id = ?", kbID)).
				Pluck("raw_content_uri", &uris).Error; err2 != nil {
				return fmt.Errorf("收集 blob URI 失败: %w", err2)
			}
		}

		if err := tx.Where("kb_id = ?", kbID).Delete(&Chunk{}).Error; err != nil {
			return fmt.Errorf("删除 chunk 失败: %w", err)
		}
		if err := tx.Where("kb_id = ?", kbID).Delete(&Embedding{}).Error; err != nil {
			return fmt.Errorf("删除 embedding 失败: %w", err)
		}
		if err := tx.Where("document_id IN (?)",
			tx.Model(&Document{}).Select("id").Where("kb_id = ?", kbID)).
			Delete(&DocumentVersion{}).Error; err != nil {
			return fmt.Errorf("删除文档版本失败: %w", err)
		}
		if err := tx.Where("kb_id = ?", kbID).Delete(&Document{}).Error; err != nil {
			return fmt.Errorf("删除文档失败: %w", err)
		}
		if err := tx.Where("id = ?", kbID).Delete(&KnowledgeBase{}).Error; err != nil {
			return fmt.Errorf("删除知识库失败: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dedupeStrings(uris), nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (s *GormIndexStore) GetChunksWithDocuments(ctx context.Context, kbID string, chunkIDs []string) ([]ActiveChunk, error) {
	if len(chunkIDs) == 0 {
		return nil, nil
	}
	var rows []ActiveChunk
	if err := s.db.WithContext(ctx).Table("chunks AS c").
		Select("c.*, d.path AS document_path, d.title AS document_title, d.document_type, v.version_number").
		Joins("JOIN document_versions v ON v.id = c.document_version_id").
		Joins("JOIN documents d ON d.id = c.document_id").
		Where("c.kb_id = ? AND c.id IN ?", kbID, chunkIDs).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("按 ID 查询 chunk 失败: %w", err)
	}
	return rows, nil
}

func (s *GormIndexStore) GetChunksByVersionRange(ctx context.Context, versionID string, start, end int) ([]ActiveChunk, error) {
	var rows []ActiveChunk
	if err := s.db.WithContext(ctx).Table("chunks AS c").
		Select("c.*, d.path AS document_path, d.title AS document_title, d.document_type, v.version_number").
		Joins("JOIN document_versions v ON v.id = c.document_version_id").
		Joins("JOIN documents d ON d.id = c.document_id").
		Where("c.document_version_id = ? AND c.sequence_number BETWEEN ? AND ?", versionID, start, end).
		Order("c.sequence_number ASC").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("按序号区间查询 chunk 失败: %w", err)
	}
	return rows, nil
}

// loadVectors 批量加载 chunk 对应的向量，走进程内相似度时使用
func (s *GormIndexStore) loadVectors(ctx context.Context, chunks []ActiveChunk) (map[string][]float32, error) {
	ids := make([]string, 0, len(chunks))
	for i := range chunks {
		if chunks[i].EmbeddingID != nil {
			ids = append(ids, *chunks[i].EmbeddingID)
		}
	}
	vectors := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return vectors, nil
	}
	var embs []Embedding
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&embs).Error; err != nil {
		return nil, fmt.Errorf("加载向量失败: %w", err)
	}
	for i := range embs {
		vec, err := DecodeVector(embs[i].Vector)
		if err != nil {
			logger.Warn(fmt.Sprintf("embedding %s 向量解析失败，跳过: %v", embs[i].ID, err))
			continue
		}
		vectors[embs[i].ID] = vec
	}
	return vectors, nil
}

// EncodeVector 向量按 JSON 数组文本存储，与 pgvector 的字面量格式兼容
func EncodeVector(v []float32) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func DecodeVector(s string) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

var _ IndexStore = (*GormIndexStore)(nil)

// touchUpdatedAt 供测试构造时间过滤场景
func touchUpdatedAt(db *gorm.DB, chunkID string, t time.Time) error {
	return db.Model(&Chunk{}).Where("id = ?", chunkID).Update("created_at", t).Error
}
