package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"kbserve/internal/config"
	"kbserve/internal/rag"
	"kbserve/internal/worker/handlers"
	"kbserve/internal/worker/tasks"
)

// Server 摄入流水线的后台 worker
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(cfg config.RedisConfig, svc *rag.Service, logger *zap.Logger) *Server {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"ingest":  7,
				"default": 3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()
	ingestHandler := handlers.NewIngestHandler(svc, logger)
	mux.HandleFunc(tasks.TypeProcessVersion, ingestHandler.HandleProcessVersion)
	mux.HandleFunc(tasks.TypeChunkAll, ingestHandler.HandleChunkAll)

	return &Server{server: srv, mux: mux, logger: logger}
}

// Run 阻塞启动
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 优雅停止
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}
