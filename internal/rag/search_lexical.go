package rag

import (
	"context"
	"fmt"
	"sort"
)

// SearchLexical 词面检索。PostgreSQL 走 ts_rank_cd，
// 其余方言用进程内 BM25，候选集与语义路一致。
func (s *GormIndexStore) SearchLexical(ctx context.Context, params SearchParams) ([]ScoredChunk, error) {
	if params.Query == "" {
		return nil, fmt.Errorf("查询文本为空: %w", ErrInvalidQuery)
	}
	if s.isPostgres() {
		return s.searchLexicalTsRank(ctx, params)
	}
	return s.searchLexicalBM25(ctx, params)
}

func (s *GormIndexStore) searchLexicalTsRank(ctx context.Context, params SearchParams) ([]ScoredChunk, error) {
	q := s.activeChunkQuery(params.KBID, params.Filters).WithContext(ctx).
		Select("c.id AS chunk_id, ts_rank_cd(to_tsvector('simple', c.content), plainto_tsquery('simple', ?)) AS score", params.Query).
		Where("to_tsvector('simple', c.content) @@ plainto_tsquery('simple', ?)", params.Query).
		Order("score DESC").
		Limit(params.Limit)

	var rows []ScoredChunk
	if err := q.Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("全文检索失败: %w", err)
	}
	return rows, nil
}

func (s *GormIndexStore) searchLexicalBM25(ctx context.Context, params SearchParams) ([]ScoredChunk, error) {
	chunks, err := s.GetActiveChunks(ctx, params.KBID, params.Filters)
	if err != nil {
		return nil, err
	}
	docs := make([]string, len(chunks))
	for i := range chunks {
		docs[i] = chunks[i].Content
	}
	scores := BM25Scores(params.Query, docs)

	scored := make([]ScoredChunk, 0, len(chunks))
	for i := range chunks {
		if scores[i] <= 0 {
			continue
		}
		scored = append(scored, ScoredChunk{ChunkID: chunks[i].ID, Score: scores[i]})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if params.Limit > 0 && len(scored) > params.Limit {
		scored = scored[:params.Limit]
	}
	return scored, nil
}
