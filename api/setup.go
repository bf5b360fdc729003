package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"kbserve/internal/blobstore"
	"kbserve/internal/config"
	"kbserve/internal/infra"
	"kbserve/internal/infra/queue"
	"kbserve/internal/logger"
	"kbserve/internal/rag"
	"kbserve/internal/worker"
)

// SetupRouter 组装依赖并返回 Gin 路由与后台 Worker。
// Redis 不可用时降级：无向量缓存、无异步队列，接口同步处理。
func SetupRouter(db *gorm.DB, cfg *config.Config) (*gin.Engine, *worker.Server, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(RequestLogger())
	router.Use(Metrics())

	blobs, err := blobstore.NewLocalStore(cfg.BlobStore.BasePath)
	if err != nil {
		return nil, nil, err
	}

	var embedder rag.EmbeddingProvider = rag.NewOpenAIEmbeddingProvider(
		cfg.Embedding.APIKey, cfg.Embedding.BaseURL, cfg.Embedding.Model)

	var q queue.Client
	var workerSrv *worker.Server
	if rdb := infra.GetRedis(); rdb != nil {
		ttl := 7 * 24 * time.Hour
		if d, err := time.ParseDuration(cfg.Embedding.CacheTTL); err == nil && d > 0 {
			ttl = d
		}
		embedder = rag.NewCachingProvider(embedder, rag.NewEmbeddingCache(rdb, "", ttl))
	} else {
		logger.Warn("Redis 未初始化，向量缓存与异步队列不可用")
	}

	store := rag.NewGormIndexStore(db)
	defaults := rag.ChunkOptions{
		Strategy:     cfg.Chunking.Strategy,
		MaxRunes:     cfg.Chunking.MaxRunes,
		OverlapRunes: cfg.Chunking.OverlapRunes,
	}
	svc := rag.NewService(db, store, embedder, blobs, defaults)
	retriever := rag.NewRetriever(store, embedder, db)

	if infra.GetRedis() != nil {
		q = queue.NewClient(cfg.Redis)
		workerSrv = worker.NewServer(cfg.Redis, svc, logger.Get())
	}

	RegisterRoutes(router, db, svc, retriever, q)

	logger.Info("路由初始化完成", zap.Int("port", cfg.Server.Port))
	return router, workerSrv, nil
}
