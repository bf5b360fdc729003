package rag

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunker_Validation(t *testing.T) {
	t.Run("默认配置合法", func(t *testing.T) {
		c, err := NewChunker(ChunkOptions{})
		require.NoError(t, err)
		assert.Equal(t, StrategyFixed, c.Strategy())
	})

	t.Run("负的 max_runes 报错", func(t *testing.T) {
		_, err := NewChunker(ChunkOptions{MaxRunes: -1})
		assert.ErrorIs(t, err, ErrInvalidMaxRunes)
	})

	t.Run("负的 overlap 报错", func(t *testing.T) {
		_, err := NewChunker(ChunkOptions{OverlapRunes: -5})
		assert.ErrorIs(t, err, ErrInvalidOverlap)
	})

	t.Run("overlap 不小于 max_runes 报错", func(t *testing.T) {
		_, err := NewChunker(ChunkOptions{MaxRunes: 100, OverlapRunes: 100})
		assert.ErrorIs(t, err, ErrOverlapTooLarge)
	})

	t.Run("未知策略报错", func(t *testing.T) {
		_, err := NewChunker(ChunkOptions{Strategy: "recursive-magic"})
		assert.ErrorIs(t, err, ErrUnknownStrategy)
	})
}

func TestChunker_EmptyContent(t *testing.T) {
	c, err := NewChunker(ChunkOptions{})
	require.NoError(t, err)

	_, err = c.Split("")
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = c.Split("   \n\t  ")
	assert.ErrorIs(t, err, ErrEmptyContent)
}

// 1200 字符、max=500、overlap=50 应产生 3 个 chunk，
// 第 2 个 chunk 从第 1 个结束位置往前 50 个字符开始
func TestChunker_OverlapExample(t *testing.T) {
	content := strings.Repeat("a", 1200)
	c, err := NewChunker(ChunkOptions{Strategy: StrategyFixed, MaxRunes: 500, OverlapRunes: 50})
	require.NoError(t, err)

	chunks, err := c.Split(content)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	assert.Equal(t, 0, chunks[0].StartRune)
	assert.Equal(t, 500, chunks[0].EndRune)
	assert.Equal(t, 450, chunks[1].StartRune, "第二个 chunk 应从前一个结束位置回退 50 开始")
	assert.Equal(t, 950, chunks[1].EndRune)
	assert.Equal(t, 900, chunks[2].StartRune)
	assert.Equal(t, 1200, chunks[2].EndRune)

	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index)
		assert.LessOrEqual(t, ch.RuneLength, 500)
	}
}

func TestChunker_MultibyteRunes(t *testing.T) {
	// 每个汉字 3 字节，边界必须按码点而不是字节
	content := strings.Repeat("知识库检索引擎", 30) // 210 runes
	c, err := NewChunker(ChunkOptions{Strategy: StrategyFixed, MaxRunes: 100})
	require.NoError(t, err)

	chunks, err := c.Split(content)
	require.NoError(t, err)
	require.Len(t, chunks, 3)

	for _, ch := range chunks {
		assert.True(t, utf8.ValidString(ch.Content))
		assert.Equal(t, ch.RuneLength, utf8.RuneCountInString(ch.Content))
		assert.LessOrEqual(t, ch.RuneLength, 100)
	}
}

func TestChunker_Deterministic(t *testing.T) {
	content := strings.Repeat("段落内容。\n\n", 200)
	for _, strategy := range []string{StrategyFixed, StrategySemantic} {
		c, err := NewChunker(ChunkOptions{Strategy: strategy, MaxRunes: 300, OverlapRunes: 30})
		require.NoError(t, err)

		first, err := c.Split(content)
		require.NoError(t, err)
		second, err := c.Split(content)
		require.NoError(t, err)

		require.Equal(t, len(first), len(second), strategy)
		for i := range first {
			assert.Equal(t, first[i].StartRune, second[i].StartRune)
			assert.Equal(t, first[i].EndRune, second[i].EndRune)
			assert.Equal(t, first[i].ContentHash, second[i].ContentHash)
		}
	}
}

func TestChunker_SemanticPrefersSeparators(t *testing.T) {
	paras := []string{
		strings.Repeat("x", 120),
		strings.Repeat("y", 150),
		strings.Repeat("z", 90),
	}
	content := strings.Join(paras, "\n\n")

	c, err := NewChunker(ChunkOptions{Strategy: StrategySemantic, MaxRunes: 200})
	require.NoError(t, err)

	chunks, err := c.Split(content)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	// 段落边界优先于硬切：没有 chunk 同时横跨两个完整段落
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.RuneLength, 200)
	}
	assert.NotContains(t, chunks[0].Content, "y", "第一个 chunk 不应跨段落硬切")
}

func TestChunker_LanguageHintSeparators(t *testing.T) {
	code := strings.Repeat("func handler() {\n\treturn\n}\n\n", 40)
	c, err := NewChunker(ChunkOptions{
		Strategy:      StrategySemantic,
		MaxRunes:      200,
		LanguageHints: []string{"go"},
	})
	require.NoError(t, err)

	chunks, err := c.Split(code)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, ch.RuneLength, 200)
	}
}

func TestChunker_SequenceDense(t *testing.T) {
	content := strings.Repeat("word ", 500)
	c, err := NewChunker(ChunkOptions{Strategy: StrategySemantic, MaxRunes: 120, OverlapRunes: 20})
	require.NoError(t, err)

	chunks, err := c.Split(content)
	require.NoError(t, err)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Index, "序号必须连续无空洞")
		assert.NotEmpty(t, ch.ContentHash)
	}
}

func TestHashContent_Stable(t *testing.T) {
	h1 := HashContent("同一段内容")
	h2 := HashContent("同一段内容")
	h3 := HashContent("不同内容")
	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}
