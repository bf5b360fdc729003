package rag

import "sort"

// RankedChunk 混合检索融合后的候选
type RankedChunk struct {
	ChunkID       string
	SemanticScore float64
	LexicalScore  float64
	FinalScore    float64
}

// maxNormalize 候选集内按最大值归一。最大值为 0 时全部置 0，
// 避免无区分度的候选集被放大。
func maxNormalize(scored []ScoredChunk) map[string]float64 {
	out := make(map[string]float64, len(scored))
	var max float64
	for _, s := range scored {
		if s.Score > max {
			max = s.Score
		}
	}
	for _, s := range scored {
		if max > 0 {
			out[s.ChunkID] = s.Score / max
		} else {
			out[s.ChunkID] = 0
		}
	}
	return out
}

// MergeHybrid 两路候选取并集后加权融合：
// final = weight*semantic + (1-weight)*lexical，缺失路的得分计 0。
// 排序：final 降序 → semantic 降序 → 序号升序（由调用方补充序号）。
func MergeHybrid(semantic, lexical []ScoredChunk, weight float64) []RankedChunk {
	sem := maxNormalize(semantic)
	lex := maxNormalize(lexical)

	ids := make(map[string]bool, len(sem)+len(lex))
	for id := range sem {
		ids[id] = true
	}
	for id := range lex {
		ids[id] = true
	}

	merged := make([]RankedChunk, 0, len(ids))
	for id := range ids {
		s := sem[id]
		l := lex[id]
		merged = append(merged, RankedChunk{
			ChunkID:       id,
			SemanticScore: s,
			LexicalScore:  l,
			FinalScore:    weight*s + (1-weight)*l,
		})
	}
	return merged
}

// SortRanked 确定性排序：final 降序，再 semantic 降序，再序号升序
func SortRanked(merged []RankedChunk, sequence map[string]int) {
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].FinalScore != merged[j].FinalScore {
			return merged[i].FinalScore > merged[j].FinalScore
		}
		if merged[i].SemanticScore != merged[j].SemanticScore {
			return merged[i].SemanticScore > merged[j].SemanticScore
		}
		return sequence[merged[i].ChunkID] < sequence[merged[j].ChunkID]
	})
}
