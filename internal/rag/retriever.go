package rag

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"kbserve/internal/logger"
	"kbserve/internal/metrics"
)

// 检索参数边界
const (
	DefaultTopK         = 5
	MaxTopK             = 50
	DefaultHybridWeight = 0.7
	candidateFloor      = 50
	candidateCap        = 200
)

// 检索画像：控制语义/词面权重的预设
const (
	ProfileAuto     = "auto"
	ProfileExact    = "exact"
	ProfileBalanced = "balanced"
	ProfileSemantic = "semantic"
)

var (
	quotedPhrasePattern = regexp.MustCompile(`"[^"]+"|'[^']+'`)
	symbolPattern       = regexp.MustCompile(`[/._]|::|->`)
	camelSnakePattern   = regexp.MustCompile(`[a-z]+[A-Z][a-zA-Z0-9]*|[a-zA-Z]+_[a-zA-Z0-9_]+`)
	errorCodePattern    = regexp.MustCompile(`\b(?:[A-Z]{2,}[_-]?\d+|\d+\.\d+\.\d+|v\d+(?:\.\d+)*)\b`)
)

// RetrieveRequest 混合检索请求。HybridWeight 为空时由画像决定。
type RetrieveRequest struct {
	Query        string       `json:"query"`
	TopK         int          `json:"top_k"`
	HybridWeight *float64     `json:"hybrid_weight"`
	Profile      string       `json:"profile"`
	Filters      ChunkFilters `json:"filters"`
}

// Citation 结果引用信息
type Citation struct {
	DocumentID    string  `json:"document_id"`
	Path          string  `json:"path"`
	Title         *string `json:"title,omitempty"`
	VersionNumber int     `json:"version_number"`
	ChunkSequence int     `json:"chunk_sequence"`
}

// ChunkScores 单条结果的三段得分
type ChunkScores struct {
	Semantic float64 `json:"semantic"`
	Lexical  float64 `json:"lexical"`
	Final    float64 `json:"final"`
}

// RetrieveResult 单条检索结果
type RetrieveResult struct {
	ChunkID    string                 `json:"chunk_id"`
	DocumentID string                 `json:"document_id"`
	Content    string                 `json:"content"`
	Scores     ChunkScores            `json:"scores"`
	Citation   Citation               `json:"citation"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RetrieveResponse 检索响应，含可观测性字段
type RetrieveResponse struct {
	RequestID          string           `json:"request_id"`
	KBID               string           `json:"kb_id"`
	Query              string           `json:"query"`
	TopK               int              `json:"top_k"`
	HybridWeight       float64          `json:"hybrid_weight"`
	Profile            string           `json:"profile"`
	AutoSignals        []string         `json:"auto_signals,omitempty"`
	ResultCount        int              `json:"result_count"`
	SemanticCandidates int              `json:"semantic_candidates"`
	LexicalCandidates  int              `json:"lexical_candidates"`
	LatencyMs          int64            `json:"latency_ms"`
	Results            []RetrieveResult `json:"results"`
}

// Retriever 混合检索器：查询向量化、双路检索、归一融合、引用组装
type Retriever struct {
	store    IndexStore
	embedder EmbeddingProvider
	db       *gorm.DB
	now      func() time.Time
}

func NewRetriever(store IndexStore, embedder EmbeddingProvider, db *gorm.DB) *Retriever {
	return &Retriever{store: store, embedder: embedder, db: db, now: time.Now}
}

// Retrieve 执行一次混合检索。
// 两路各取 topK*5（限 [50,200]）候选，分别 max 归一后按权重融合，
// 排序截断到 topK 并附带引用。
func (r *Retriever) Retrieve(ctx context.Context, kbID string, req RetrieveRequest) (*RetrieveResponse, error) {
	ctx, span := otel.Tracer("kbserve/rag").Start(ctx, "Retriever.Retrieve",
		trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		metrics.RetrievalsTotal.WithLabelValues(kbID, "invalid").Inc()
		return nil, fmt.Errorf("查询不能为空: %w", ErrInvalidQuery)
	}
	topK := clampTopK(req.TopK)
	profile, weight, signals := resolveProfile(req, query)

	span.SetAttributes(
		attribute.String("kb.id", kbID),
		attribute.Int("retrieve.top_k", topK),
		attribute.Float64("retrieve.weight", weight),
	)

	start := r.now()
	requestID := uuid.NewString()
	limit := candidateLimit(topK)

	var semantic, lexical []ScoredChunk
	g, gctx := errgroup.WithContext(ctx)

	if weight > 0 {
		g.Go(func() error {
			vec, err := r.embedder.Embed(gctx, query)
			if err != nil {
				return fmt.Errorf("查询向量化失败: %w", err)
			}
			semantic, err = r.store.SearchSemantic(gctx, SearchParams{
				KBID: kbID, QueryVector: vec, Filters: req.Filters, Limit: limit,
			})
			if err != nil {
				return fmt.Errorf("语义检索失败: %w", err)
			}
			return nil
		})
	}
	if weight < 1 {
		g.Go(func() error {
			var err error
			lexical, err = r.store.SearchLexical(gctx, SearchParams{
				KBID: kbID, Query: query, Filters: req.Filters, Limit: limit,
			})
			if err != nil {
				return fmt.Errorf("词面检索失败: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		metrics.RetrievalsTotal.WithLabelValues(kbID, "error").Inc()
		if IsRetryable(err) {
			return nil, fmt.Errorf("%v: %w", err, ErrRetrievalUnavailable)
		}
		return nil, err
	}

	merged := MergeHybrid(semantic, lexical, weight)

	allIDs := make([]string, 0, len(merged))
	for i := range merged {
		allIDs = append(allIDs, merged[i].ChunkID)
	}
	chunkByID, err := r.hydrateCandidates(ctx, kbID, allIDs)
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues(kbID, "error").Inc()
		return nil, err
	}
	sequence := make(map[string]int, len(chunkByID))
	for id, c := range chunkByID {
		sequence[id] = c.SequenceNumber
	}
	SortRanked(merged, sequence)
	if len(merged) > topK {
		merged = merged[:topK]
	}

	results := make([]RetrieveResult, 0, len(merged))
	for _, m := range merged {
		c, ok := chunkByID[m.ChunkID]
		if !ok {
			// 候选在融合与取回之间被删除，跳过
			continue
		}
		results = append(results, RetrieveResult{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			Scores: ChunkScores{
				Semantic: m.SemanticScore,
				Lexical:  m.LexicalScore,
				Final:    m.FinalScore,
			},
			Citation: Citation{
				DocumentID:    c.DocumentID,
				Path:          c.DocumentPath,
				Title:         c.DocumentTitle,
				VersionNumber: c.VersionNumber,
				ChunkSequence: c.SequenceNumber,
			},
			Metadata: c.Metadata,
		})
	}

	latency := time.Since(start)
	resp := &RetrieveResponse{
		RequestID:          requestID,
		KBID:               kbID,
		Query:              query,
		TopK:               topK,
		HybridWeight:       weight,
		Profile:            profile,
		AutoSignals:        signals,
		ResultCount:        len(results),
		SemanticCandidates: len(semantic),
		LexicalCandidates:  len(lexical),
		LatencyMs:          latency.Milliseconds(),
		Results:            results,
	}

	r.recordRequest(ctx, resp, req.Filters)

	metrics.RetrievalsTotal.WithLabelValues(kbID, "success").Inc()
	metrics.RetrievalDuration.WithLabelValues(kbID).Observe(latency.Seconds())
	metrics.RetrievalResults.WithLabelValues(kbID).Observe(float64(len(results)))
	logger.Info("检索完成",
		zap.String("request_id", requestID),
		zap.String("kb_id", kbID),
		zap.String("profile", profile),
		zap.Int("results", len(results)),
		zap.Int64("latency_ms", resp.LatencyMs))
	return resp, nil
}

func (r *Retriever) hydrateCandidates(ctx context.Context, kbID string, ids []string) (map[string]ActiveChunk, error) {
	out := make(map[string]ActiveChunk, len(ids))
	// 超出 IN 子句合理规模时分批
	for start := 0; start < len(ids); start += 200 {
		end := start + 200
		if end > len(ids) {
			end = len(ids)
		}
		chunks, err := r.store.GetChunksWithDocuments(ctx, kbID, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("取回候选 chunk 失败: %w", err)
		}
		for i := range chunks {
			out[chunks[i].ID] = chunks[i]
		}
	}
	return out, nil
}

// recordRequest 落盘检索请求记录，失败只告警不影响响应
func (r *Retriever) recordRequest(ctx context.Context, resp *RetrieveResponse, filters ChunkFilters) {
	if r.db == nil {
		return
	}
	rec := RetrievalRequestRecord{
		ID:           resp.RequestID,
		KBID:         resp.KBID,
		Query:        resp.Query,
		TopK:         resp.TopK,
		HybridWeight: resp.HybridWeight,
		Profile:      resp.Profile,
		ResultCount:  resp.ResultCount,
		LatencyMS:    resp.LatencyMs,
		EmptyResult:  resp.ResultCount == 0,
		Filters:      filtersToJSON(filters),
	}
	if err := r.db.WithContext(ctx).Create(&rec).Error; err != nil {
		logger.Warn("检索请求记录写入失败", zap.Error(err))
	}
}

func filtersToJSON(f ChunkFilters) datatypes.JSONMap {
	m := datatypes.JSONMap{}
	if f.PathPrefix != "" {
		m["path_prefix"] = f.PathPrefix
	}
	if f.DocumentType != "" {
		m["document_type"] = f.DocumentType
	}
	if f.Source != "" {
		m["source"] = f.Source
	}
	if len(f.Tags) > 0 {
		m["tags"] = f.Tags
	}
	if f.CreatedAfter != nil {
		m["created_after"] = f.CreatedAfter.Format(time.RFC3339)
	}
	if f.CreatedBefore != nil {
		m["created_before"] = f.CreatedBefore.Format(time.RFC3339)
	}
	return m
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return DefaultTopK
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

func candidateLimit(topK int) int {
	limit := topK * 5
	if limit < candidateFloor {
		limit = candidateFloor
	}
	if limit > candidateCap {
		limit = candidateCap
	}
	return limit
}

// resolveProfile 解析画像与权重。显式 HybridWeight 优先，
// 其次按画像取预设，auto 画像根据查询特征分类。
func resolveProfile(req RetrieveRequest, query string) (string, float64, []string) {
	profile := strings.ToLower(strings.TrimSpace(req.Profile))
	if profile == "" {
		profile = ProfileAuto
	}
	if req.HybridWeight != nil {
		return profile, clampWeight(*req.HybridWeight), []string{"hybrid_weight_override"}
	}
	switch profile {
	case ProfileExact:
		return profile, 0.2, nil
	case ProfileBalanced:
		return profile, 0.5, nil
	case ProfileSemantic:
		return profile, 0.8, nil
	default:
		auto, signals := classifyQuery(query)
		switch auto {
		case ProfileExact:
			return auto, 0.2, signals
		case ProfileSemantic:
			return auto, 0.8, signals
		default:
			return ProfileBalanced, 0.5, signals
		}
	}
}

func clampWeight(w float64) float64 {
	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// classifyQuery auto 画像的查询特征分类：
// 引号短语、符号、标识符、错误码偏词面；疑问句、长自然语句偏语义。
func classifyQuery(query string) (string, []string) {
	tokens := strings.Fields(query)
	lower := strings.ToLower(query)
	var lexicalSignals, semanticSignals []string

	if quotedPhrasePattern.MatchString(query) {
		lexicalSignals = append(lexicalSignals, "quoted_phrase")
	}
	if symbolPattern.MatchString(query) {
		lexicalSignals = append(lexicalSignals, "symbols")
	}
	if camelSnakePattern.MatchString(query) {
		lexicalSignals = append(lexicalSignals, "identifier_tokens")
	}
	if errorCodePattern.MatchString(query) {
		lexicalSignals = append(lexicalSignals, "error_or_version_pattern")
	}
	if len(tokens) <= 4 {
		lexicalSignals = append(lexicalSignals, "short_query")
	}

	for _, prefix := range []string{"how ", "why ", "when ", "what "} {
		if strings.HasPrefix(lower, prefix) {
			semanticSignals = append(semanticSignals, "question_form")
			break
		}
	}
	if len(tokens) >= 9 {
		semanticSignals = append(semanticSignals, "long_natural_language")
	}
	if !symbolPattern.MatchString(query) && !camelSnakePattern.MatchString(query) {
		semanticSignals = append(semanticSignals, "conversational_phrasing")
	}

	if len(lexicalSignals) > len(semanticSignals) {
		return ProfileExact, lexicalSignals
	}
	if len(semanticSignals) > len(lexicalSignals) {
		return ProfileSemantic, semanticSignals
	}
	signals := append(append([]string{}, lexicalSignals...), semanticSignals...)
	return ProfileBalanced, dedupeStrings(signals)
}
