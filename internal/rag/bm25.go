package rag

import (
	"math"
	"strings"
	"unicode"
)

// BM25 标准参数
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Tokenize 小写化后按非字母数字切分。CJK 连续字符按单字切分，
// 保证中文查询在无分词器时仍可匹配。
func Tokenize(text string) []string {
	var tokens []string
	var sb strings.Builder
	flush := func() {
		if sb.Len() > 0 {
			tokens = append(tokens, sb.String())
			sb.Reset()
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.Is(unicode.Han, r):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// BM25Scores 对文档集合计算 query 的 BM25 得分，序与输入一致。
// 得分未归一化，调用方在候选集内做 max 归一。
func BM25Scores(query string, docs []string) []float64 {
	scores := make([]float64, len(docs))
	queryTerms := Tokenize(query)
	if len(queryTerms) == 0 || len(docs) == 0 {
		return scores
	}

	docTerms := make([]map[string]int, len(docs))
	docLens := make([]float64, len(docs))
	var totalLen float64
	for i, d := range docs {
		tf := map[string]int{}
		toks := Tokenize(d)
		for _, t := range toks {
			tf[t]++
		}
		docTerms[i] = tf
		docLens[i] = float64(len(toks))
		totalLen += docLens[i]
	}
	avgLen := totalLen / float64(len(docs))
	if avgLen == 0 {
		return scores
	}

	df := map[string]int{}
	for _, term := range queryTerms {
		if _, done := df[term]; done {
			continue
		}
		for i := range docs {
			if docTerms[i][term] > 0 {
				df[term]++
			}
		}
	}

	n := float64(len(docs))
	for i := range docs {
		var score float64
		for _, term := range queryTerms {
			tf := float64(docTerms[i][term])
			if tf == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[term])+0.5)/(float64(df[term])+0.5))
			score += idf * (tf * (bm25K1 + 1)) / (tf + bm25K1*(1-bm25B+bm25B*docLens[i]/avgLen))
		}
		scores[i] = score
	}
	return scores
}
