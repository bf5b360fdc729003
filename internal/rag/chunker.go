package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// 分块策略
const (
	StrategyFixed    = "fixed"
	StrategySemantic = "semantic" // 按分隔符层级递归切分
)

// 默认分块参数
const (
	DefaultMaxRunes     = 1000
	DefaultOverlapRunes = 100
)

// ChunkOptions 分块配置。MaxRunes/OverlapRunes 以 Unicode 码点计数，
// 不是字节数；为 0 时使用默认值。
type ChunkOptions struct {
	Strategy      string
	MaxRunes      int
	OverlapRunes  int
	Separators    []string
	LanguageHints []string
}

// ChunkResult 单个分块及其在原文中的码点偏移
type ChunkResult struct {
	Index       int
	StartRune   int
	EndRune     int
	Content     string
	RuneLength  int
	ContentHash string
	TokenCount  int
}

// Chunker 文档分块器。同一 (内容, 配置) 必须产生逐字节一致的分块，
// 内容哈希去重依赖这一点。
type Chunker struct {
	opts ChunkOptions
}

// NewChunker 创建分块器并校验配置
func NewChunker(opts ChunkOptions) (*Chunker, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyFixed
	}
	if opts.Strategy != StrategyFixed && opts.Strategy != StrategySemantic {
		return nil, ErrUnknownStrategy
	}
	if opts.MaxRunes == 0 {
		opts.MaxRunes = DefaultMaxRunes
	}
	if opts.MaxRunes < 0 {
		return nil, ErrInvalidMaxRunes
	}
	if opts.OverlapRunes < 0 {
		return nil, ErrInvalidOverlap
	}
	if opts.OverlapRunes >= opts.MaxRunes {
		return nil, ErrOverlapTooLarge
	}
	if opts.Strategy == StrategySemantic && len(opts.Separators) == 0 {
		opts.Separators = separatorsForHints(opts.LanguageHints)
	}
	return &Chunker{opts: opts}, nil
}

// Strategy 返回生效的策略名
func (c *Chunker) Strategy() string { return c.opts.Strategy }

// Split 对文本分块。空内容报错而不是返回空集，
// 上游据此把版本标记为 FAILED。
func (c *Chunker) Split(content string) ([]ChunkResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	runes := []rune(content)
	if c.opts.Strategy == StrategyFixed {
		return c.splitFixedStride(runes), nil
	}

	ranges := splitBySeparators(runes, runeRange{0, len(runes)}, c.opts.Separators, 0, c.opts.MaxRunes)
	chunks := make([]ChunkResult, 0, len(ranges))
	for i, rr := range ranges {
		start := rr.start
		// 向前借 overlap 码点作为上下文，但不越过前一块的起点
		if c.opts.OverlapRunes > 0 && i > 0 {
			start = rr.start - c.opts.OverlapRunes
			if start < ranges[i-1].start {
				start = ranges[i-1].start
			}
			if start < 0 {
				start = 0
			}
		}
		chunks = append(chunks, c.makeResult(i, start, rr.end, runes))
	}
	return chunks, nil
}

// splitFixedStride 固定窗口切分，窗口步长 maxRunes - overlapRunes，
// 每块严格不超过 maxRunes
func (c *Chunker) splitFixedStride(runes []rune) []ChunkResult {
	chunks := make([]ChunkResult, 0, len(runes)/c.opts.MaxRunes+1)
	start := 0
	index := 0
	for start < len(runes) {
		end := start + c.opts.MaxRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, c.makeResult(index, start, end, runes))
		index++
		if end == len(runes) {
			break
		}
		start = end - c.opts.OverlapRunes
	}
	return chunks
}

func (c *Chunker) makeResult(index, start, end int, runes []rune) ChunkResult {
	text := string(runes[start:end])
	return ChunkResult{
		Index:       index,
		StartRune:   start,
		EndRune:     end,
		Content:     text,
		RuneLength:  end - start,
		ContentHash: HashContent(text),
		TokenCount:  countTokens(text),
	}
}

type runeRange struct {
	start int
	end   int
}

// splitFixed 固定窗口切分。窗口之间不重叠，overlap 在 Split 中统一回借，
// 保证两种策略的重叠语义一致。
func splitFixed(rr runeRange, maxRunes int) []runeRange {
	if maxRunes <= 0 || rr.end <= rr.start {
		return nil
	}
	out := make([]runeRange, 0, (rr.end-rr.start)/maxRunes+1)
	start := rr.start
	for start < rr.end {
		end := start + maxRunes
		if end > rr.end {
			end = rr.end
		}
		out = append(out, runeRange{start, end})
		if end == rr.end {
			break
		}
		start = end
	}
	return out
}

// splitBySeparators 按分隔符层级递归切分：优先在靠近 maxRunes 的
// 分隔符边界断开，所有层级都无法满足时退回固定窗口。
func splitBySeparators(runes []rune, rr runeRange, seps []string, sepIdx, maxRunes int) []runeRange {
	if rr.end-rr.start <= maxRunes {
		return []runeRange{rr}
	}
	if sepIdx >= len(seps) {
		return splitFixed(rr, maxRunes)
	}

	sep := []rune(seps[sepIdx])
	if len(sep) == 0 {
		return splitFixed(rr, maxRunes)
	}

	parts := cutBySeparator(runes, rr, sep)
	if len(parts) == 1 {
		return splitBySeparators(runes, rr, seps, sepIdx+1, maxRunes)
	}

	// 相邻小段合并到不超过 maxRunes，尽量贴近上限
	merged := packRanges(parts, maxRunes)
	out := make([]runeRange, 0, len(merged))
	for _, part := range merged {
		if part.end-part.start <= maxRunes {
			out = append(out, part)
			continue
		}
		out = append(out, splitBySeparators(runes, part, seps, sepIdx+1, maxRunes)...)
	}
	return out
}

// cutBySeparator 以分隔符结尾切段，分隔符归属前段
func cutBySeparator(runes []rune, rr runeRange, sep []rune) []runeRange {
	out := make([]runeRange, 0, 8)
	cursor := rr.start
	for cursor < rr.end {
		idx := indexOfRunes(runes, sep, cursor, rr.end)
		if idx == -1 {
			break
		}
		out = append(out, runeRange{cursor, idx + len(sep)})
		cursor = idx + len(sep)
	}
	if cursor < rr.end {
		out = append(out, runeRange{cursor, rr.end})
	}
	if len(out) == 0 {
		return []runeRange{rr}
	}
	return out
}

// packRanges 把连续小段贪心合并到不超过 maxRunes
func packRanges(parts []runeRange, maxRunes int) []runeRange {
	if len(parts) == 0 {
		return parts
	}
	out := make([]runeRange, 0, len(parts))
	cur := parts[0]
	for _, p := range parts[1:] {
		if p.end-cur.start <= maxRunes {
			cur.end = p.end
			continue
		}
		out = append(out, cur)
		cur = p
	}
	out = append(out, cur)
	return out
}

func indexOfRunes(haystack, needle []rune, start, end int) int {
	if len(needle) == 0 || start >= end || end > len(haystack) {
		return -1
	}
	last := end - len(needle)
	for i := start; i <= last; i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// separatorsForHints 合并语言提示对应的分隔符预设，末尾补通用层级
func separatorsForHints(hints []string) []string {
	if len(hints) == 0 {
		return defaultSeparators()
	}
	seen := make(map[string]struct{})
	merged := make([]string, 0, 16)
	appendAll := func(seps []string) {
		for _, s := range seps {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			merged = append(merged, s)
		}
	}
	for _, hint := range hints {
		appendAll(separatorsForLanguage(hint))
	}
	appendAll(defaultSeparators())
	return merged
}

func defaultSeparators() []string {
	return []string{"\n\n", "\n", " "}
}

func separatorsForLanguage(language string) []string {
	switch strings.ToLower(language) {
	case "go":
		return []string{"\nfunc ", "\ntype ", "\nvar ", "\nconst ", "\n\n", "\n", " "}
	case "python":
		return []string{"\nclass ", "\ndef ", "\n\n", "\n", " "}
	case "javascript", "typescript":
		return []string{"\nclass ", "\nfunction ", "\nconst ", "\nlet ", "\n\n", "\n", " "}
	case "java":
		return []string{"\nclass ", "\ninterface ", "\npublic ", "\nprivate ", "\n\n", "\n", " "}
	case "rust":
		return []string{"\nfn ", "\nstruct ", "\nenum ", "\nimpl ", "\n\n", "\n", " "}
	case "markdown":
		return []string{"\n## ", "\n### ", "\n\n", "\n", " "}
	default:
		return defaultSeparators()
	}
}

// HashContent 计算内容的 SHA-256 哈希（十六进制）
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

var (
	tokenizerOnce sync.Once
	tokenizer     *tiktoken.Tiktoken
)

// countTokens 用 cl100k_base 统计 token 数；编码器不可用时按
// 经验值估算（每 token 约 4 字符）。
func countTokens(text string) int {
	tokenizerOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			tokenizer = enc
		}
	})
	if tokenizer != nil {
		return len(tokenizer.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
