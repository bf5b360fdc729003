package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbserve_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbserve_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 检索指标
var (
	// RetrievalsTotal 检索请求总数
	RetrievalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbserve_retrievals_total",
			Help: "混合检索请求总数",
		},
		[]string{"kb_id", "status"},
	)

	// RetrievalDuration 检索耗时（秒）
	RetrievalDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbserve_retrieval_duration_seconds",
			Help:    "混合检索耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"kb_id"},
	)

	// RetrievalResults 单次检索返回结果数
	RetrievalResults = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbserve_retrieval_results",
			Help:    "单次检索返回结果数分布",
			Buckets: []float64{0, 1, 3, 5, 10, 20, 50},
		},
		[]string{"kb_id"},
	)
)

// 摄取指标
var (
	// ChunkingRunsTotal 分块执行总数
	ChunkingRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbserve_chunking_runs_total",
			Help: "文档分块执行总数",
		},
		[]string{"strategy", "status"},
	)

	// ChunksProduced 单次分块产出数量
	ChunksProduced = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kbserve_chunks_produced",
			Help:    "单次分块产出的 chunk 数量分布",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000},
		},
		[]string{"strategy"},
	)

	// EmbeddingsTotal 向量化调用总数，reused 标记内容哈希命中
	EmbeddingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbserve_embeddings_total",
			Help: "chunk 向量化总数",
		},
		[]string{"model", "reused"},
	)

	// VersionActivationsTotal 版本激活总数
	VersionActivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbserve_version_activations_total",
			Help: "文档版本激活总数",
		},
		[]string{"status"},
	)
)
