package rag

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/pgvector/pgvector-go"
)

// SearchSemantic 余弦相似度检索，得分归一到 [0,1]。
// PostgreSQL 走 pgvector 的 <=> 算子，其余方言进程内扫描。
func (s *GormIndexStore) SearchSemantic(ctx context.Context, params SearchParams) ([]ScoredChunk, error) {
	if len(params.QueryVector) == 0 {
		return nil, fmt.Errorf("查询向量为空: %w", ErrInvalidQuery)
	}
	if s.isPostgres() {
		return s.searchSemanticPgvector(ctx, params)
	}
	return s.searchSemanticScan(ctx, params)
}

func (s *GormIndexStore) searchSemanticPgvector(ctx context.Context, params SearchParams) ([]ScoredChunk, error) {
	// <=> 返回余弦距离 d ∈ [0,2]，1 - d/2 归一到 [0,1]
	q := s.activeChunkQuery(params.KBID, params.Filters).WithContext(ctx).
		Select("c.id AS chunk_id, 1 - ((e.vector::vector <=> ?) / 2) AS score", pgvector.NewVector(params.QueryVector)).
		Joins("JOIN embeddings e ON e.id = c.embedding_id").
		Order("score DESC").
		Limit(params.Limit)

	var rows []ScoredChunk
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgvector 检索失败: %w", err)
	}
	return rows, nil
}

func (s *GormIndexStore) searchSemanticScan(ctx context.Context, params SearchParams) ([]ScoredChunk, error) {
	chunks, err := s.GetActiveChunks(ctx, params.KBID, params.Filters)
	if err != nil {
		return nil, err
	}
	vectors, err := s.loadVectors(ctx, chunks)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredChunk, 0, len(chunks))
	for i := range chunks {
		if chunks[i].EmbeddingID == nil {
			continue
		}
		vec, ok := vectors[*chunks[i].EmbeddingID]
		if !ok || len(vec) != len(params.QueryVector) {
			continue
		}
		cos := CosineSimilarity(params.QueryVector, vec)
		scored = append(scored, ScoredChunk{
			ChunkID: chunks[i].ID,
			Score:   (cos + 1) / 2,
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if params.Limit > 0 && len(scored) > params.Limit {
		scored = scored[:params.Limit]
	}
	return scored, nil
}

// CosineSimilarity 余弦相似度，零向量返回 0
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
