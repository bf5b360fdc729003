package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"kbserve/internal/rag"
	"kbserve/internal/worker/tasks"
)

// IngestHandler 摄入流水线任务处理器
type IngestHandler struct {
	svc    *rag.Service
	logger *zap.Logger
}

func NewIngestHandler(svc *rag.Service, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{svc: svc, logger: logger}
}

// HandleProcessVersion 处理单个文档版本：抽取、分块、向量化、激活。
// 流水线幂等，asynq 重试不会产生重复 chunk。
func (h *IngestHandler) HandleProcessVersion(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ProcessVersionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("解析任务载荷失败: %v: %w", err, asynq.SkipRetry)
	}

	h.logger.Info("开始处理文档版本",
		zap.String("kb_id", payload.KBID),
		zap.String("document_id", payload.DocumentID),
		zap.String("version_id", payload.VersionID),
	)

	opts := rag.ChunkOptions{
		Strategy:     payload.Strategy,
		MaxRunes:     payload.MaxRunes,
		OverlapRunes: payload.OverlapRunes,
	}
	count, err := h.svc.ProcessVersion(ctx, payload.KBID, payload.DocumentID, payload.VersionID, opts)
	if err != nil {
		if !rag.IsRetryable(err) {
			// 校验类与 NotFound 类错误重试无意义，版本已标记 FAILED
			return fmt.Errorf("版本处理失败: %v: %w", err, asynq.SkipRetry)
		}
		return fmt.Errorf("版本处理失败（将重试）: %w", err)
	}

	h.logger.Info("文档版本处理完成",
		zap.String("version_id", payload.VersionID),
		zap.Int("chunks", count),
	)
	return nil
}

// HandleChunkAll 整库批量分块，单文档失败不中断任务
func (h *IngestHandler) HandleChunkAll(ctx context.Context, t *asynq.Task) error {
	var payload tasks.ChunkAllPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("解析任务载荷失败: %v: %w", err, asynq.SkipRetry)
	}

	result, err := h.svc.ChunkAll(ctx, payload.KBID, rag.ChunkOptions{Strategy: payload.Strategy})
	if err != nil {
		if errors.Is(err, rag.ErrKnowledgeBaseNotFound) {
			return fmt.Errorf("知识库不存在: %w", asynq.SkipRetry)
		}
		return fmt.Errorf("批量分块失败: %w", err)
	}

	h.logger.Info("批量分块完成",
		zap.String("kb_id", payload.KBID),
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
	)
	return nil
}
