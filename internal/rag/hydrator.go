package rag

import (
	"context"
	"fmt"
	"sort"
)

// hydrate 边界
const (
	MaxHydrateChunkIDs = 100
	MaxAdjacency       = 10
)

// HydrateRequest 按序号扩展相邻 chunk 的请求
type HydrateRequest struct {
	ChunkIDs       []string `json:"chunk_ids"`
	AdjacentBefore int      `json:"adjacent_before"`
	AdjacentAfter  int      `json:"adjacent_after"`
}

// HydratedChunk 扩展结果中的单个 chunk
type HydratedChunk struct {
	ChunkID        string   `json:"chunk_id"`
	DocumentID     string   `json:"document_id"`
	SequenceNumber int      `json:"sequence_number"`
	Content        string   `json:"content"`
	Requested      bool     `json:"requested"`
	Citation       Citation `json:"citation"`
}

// HydrateResponse 扩展结果，按文档路径与序号排序
type HydrateResponse struct {
	KBID   string          `json:"kb_id"`
	Count  int             `json:"count"`
	Chunks []HydratedChunk `json:"chunks"`
}

// Hydrate 将给定 chunk 扩展出前后相邻的 chunk，用于拉宽上下文窗口。
// 相邻范围限定在同一文档版本内，重叠区间自动去重。
func (r *Retriever) Hydrate(ctx context.Context, kbID string, req HydrateRequest) (*HydrateResponse, error) {
	if len(req.ChunkIDs) == 0 {
		return nil, fmt.Errorf("chunk_ids 不能为空: %w", ErrInvalidChunkIDs)
	}
	if len(req.ChunkIDs) > MaxHydrateChunkIDs {
		return nil, fmt.Errorf("chunk_ids 超过 %d 上限: %w", MaxHydrateChunkIDs, ErrTooManyChunkIDs)
	}
	if req.AdjacentBefore < 0 || req.AdjacentBefore > MaxAdjacency ||
		req.AdjacentAfter < 0 || req.AdjacentAfter > MaxAdjacency {
		return nil, fmt.Errorf("相邻数量必须在 [0,%d]: %w", MaxAdjacency, ErrInvalidAdjacency)
	}

	seeds, err := r.store.GetChunksWithDocuments(ctx, kbID, req.ChunkIDs)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return nil, fmt.Errorf("kb %s 中未找到任何给定 chunk: %w", kbID, ErrChunkNotFound)
	}
	requested := make(map[string]bool, len(seeds))
	for i := range seeds {
		requested[seeds[i].ID] = true
	}

	// 按版本聚合区间，避免同文档多个种子重复取回
	type span struct{ start, end int }
	spans := map[string][]span{}
	for i := range seeds {
		start := seeds[i].SequenceNumber - req.AdjacentBefore
		if start < 0 {
			start = 0
		}
		spans[seeds[i].DocumentVersionID] = append(spans[seeds[i].DocumentVersionID],
			span{start, seeds[i].SequenceNumber + req.AdjacentAfter})
	}

	byID := map[string]ActiveChunk{}
	for versionID, list := range spans {
		for _, sp := range list {
			chunks, err := r.store.GetChunksByVersionRange(ctx, versionID, sp.start, sp.end)
			if err != nil {
				return nil, err
			}
			for i := range chunks {
				byID[chunks[i].ID] = chunks[i]
			}
		}
	}

	out := make([]HydratedChunk, 0, len(byID))
	for _, c := range byID {
		out = append(out, HydratedChunk{
			ChunkID:        c.ID,
			DocumentID:     c.DocumentID,
			SequenceNumber: c.SequenceNumber,
			Content:        c.Content,
			Requested:      requested[c.ID],
			Citation: Citation{
				DocumentID:    c.DocumentID,
				Path:          c.DocumentPath,
				Title:         c.DocumentTitle,
				VersionNumber: c.VersionNumber,
				ChunkSequence: c.SequenceNumber,
			},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Citation.Path != out[j].Citation.Path {
			return out[i].Citation.Path < out[j].Citation.Path
		}
		return out[i].SequenceNumber < out[j].SequenceNumber
	})
	return &HydrateResponse{KBID: kbID, Count: len(out), Chunks: out}, nil
}
