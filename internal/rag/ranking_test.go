package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxNormalize(t *testing.T) {
	t.Run("按最大值归一", func(t *testing.T) {
		out := maxNormalize([]ScoredChunk{
			{ChunkID: "a", Score: 4},
			{ChunkID: "b", Score: 2},
			{ChunkID: "c", Score: 0},
		})
		assert.Equal(t, 1.0, out["a"])
		assert.Equal(t, 0.5, out["b"])
		assert.Equal(t, 0.0, out["c"])
	})

	t.Run("最大值为零时全部置零", func(t *testing.T) {
		out := maxNormalize([]ScoredChunk{
			{ChunkID: "a", Score: 0},
			{ChunkID: "b", Score: 0},
		})
		assert.Equal(t, 0.0, out["a"])
		assert.Equal(t, 0.0, out["b"])
	})

	t.Run("空候选集", func(t *testing.T) {
		assert.Empty(t, maxNormalize(nil))
	})
}

func TestMergeHybrid(t *testing.T) {
	semantic := []ScoredChunk{
		{ChunkID: "a", Score: 0.8},
		{ChunkID: "b", Score: 0.4},
	}
	lexical := []ScoredChunk{
		{ChunkID: "b", Score: 3.0},
		{ChunkID: "c", Score: 1.5},
	}

	t.Run("并集合并且缺失路计零", func(t *testing.T) {
		merged := MergeHybrid(semantic, lexical, 0.7)
		require.Len(t, merged, 3)

		byID := map[string]RankedChunk{}
		for _, m := range merged {
			byID[m.ChunkID] = m
		}
		// a 只在语义路：semantic=1.0, lexical=0
		assert.InDelta(t, 0.7, byID["a"].FinalScore, 1e-9)
		// b 两路都有：semantic=0.5, lexical=1.0
		assert.InDelta(t, 0.7*0.5+0.3*1.0, byID["b"].FinalScore, 1e-9)
		// c 只在词面路：lexical=0.5
		assert.InDelta(t, 0.3*0.5, byID["c"].FinalScore, 1e-9)
	})

	t.Run("weight=1 等价纯语义", func(t *testing.T) {
		merged := MergeHybrid(semantic, lexical, 1.0)
		byID := map[string]RankedChunk{}
		for _, m := range merged {
			byID[m.ChunkID] = m
		}
		assert.InDelta(t, 1.0, byID["a"].FinalScore, 1e-9)
		assert.InDelta(t, 0.5, byID["b"].FinalScore, 1e-9)
		assert.InDelta(t, 0.0, byID["c"].FinalScore, 1e-9)
	})

	t.Run("weight=0 等价纯词面", func(t *testing.T) {
		merged := MergeHybrid(semantic, lexical, 0.0)
		byID := map[string]RankedChunk{}
		for _, m := range merged {
			byID[m.ChunkID] = m
		}
		assert.InDelta(t, 0.0, byID["a"].FinalScore, 1e-9)
		assert.InDelta(t, 1.0, byID["b"].FinalScore, 1e-9)
		assert.InDelta(t, 0.5, byID["c"].FinalScore, 1e-9)
	})
}

func TestSortRanked_TieBreaks(t *testing.T) {
	merged := []RankedChunk{
		{ChunkID: "low", FinalScore: 0.3, SemanticScore: 0.9},
		{ChunkID: "tie-seq5", FinalScore: 0.8, SemanticScore: 0.5},
		{ChunkID: "tie-seq2", FinalScore: 0.8, SemanticScore: 0.5},
		{ChunkID: "tie-sem", FinalScore: 0.8, SemanticScore: 0.7},
	}
	sequence := map[string]int{"low": 0, "tie-seq5": 5, "tie-seq2": 2, "tie-sem": 9}

	SortRanked(merged, sequence)

	// final 降序 → semantic 降序 → 序号升序
	assert.Equal(t, "tie-sem", merged[0].ChunkID)
	assert.Equal(t, "tie-seq2", merged[1].ChunkID)
	assert.Equal(t, "tie-seq5", merged[2].ChunkID)
	assert.Equal(t, "low", merged[3].ChunkID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{1, 0}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 0}), "零向量")
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 0}), "维度不一致")
}

func TestBM25Scores(t *testing.T) {
	docs := []string{
		"password reset instructions for the admin console",
		"deployment guide for the retrieval service",
		"the quick brown fox",
	}

	t.Run("命中词的文档得分更高", func(t *testing.T) {
		scores := BM25Scores("password reset", docs)
		assert.Greater(t, scores[0], scores[1])
		assert.Equal(t, 0.0, scores[2])
	})

	t.Run("无命中返回全零", func(t *testing.T) {
		scores := BM25Scores("zzzz-not-present", docs)
		for _, s := range scores {
			assert.Equal(t, 0.0, s)
		}
	})

	t.Run("中文按单字切分可命中", func(t *testing.T) {
		zhDocs := []string{"知识库检索引擎", "工作流执行器"}
		scores := BM25Scores("检索", zhDocs)
		assert.Greater(t, scores[0], 0.0)
		assert.Equal(t, 0.0, scores[1])
	})
}
