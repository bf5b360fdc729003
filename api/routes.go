package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	kbHandlers "kbserve/api/handlers/kb"
	"kbserve/internal/infra/queue"
	"kbserve/internal/rag"
)

// RegisterRoutes 注册全部路由
func RegisterRoutes(router *gin.Engine, db *gorm.DB, svc *rag.Service, retriever *rag.Retriever, q queue.Client) {
	router.GET("/health", HealthCheck(db))
	router.GET("/ready", ReadinessCheck(db))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	kbHandler := kbHandlers.NewHandler(svc)
	docHandler := kbHandlers.NewDocumentHandler(svc, q)
	embedHandler := kbHandlers.NewEmbedHandler(svc)
	retrieveHandler := kbHandlers.NewRetrieveHandler(svc, retriever)

	api := router.Group("/api")
	{
		kb := api.Group("/kb")
		{
			kb.POST("", kbHandler.Create)
			kb.GET("", kbHandler.List)
			kb.GET("/:kbId", kbHandler.Get)
			kb.DELETE("/:kbId", kbHandler.Delete)

			kb.POST("/:kbId/documents", docHandler.Upload)
			kb.GET("/:kbId/documents", docHandler.List)
			kb.POST("/:kbId/documents/chunk-all", docHandler.ChunkAll)
			kb.POST("/:kbId/documents/:documentId/chunking", docHandler.Chunk)

			kb.POST("/:kbId/chunks/:chunkId/embed", embedHandler.Embed)

			kb.POST("/:kbId/retrieve", retrieveHandler.Retrieve)
			kb.POST("/:kbId/query", retrieveHandler.Retrieve)
			kb.POST("/:kbId/hydrate", retrieveHandler.Hydrate)
		}
	}
}
