package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"kbserve/internal/config"
	"kbserve/internal/worker/tasks"
)

// Client 任务队列客户端接口
type Client interface {
	EnqueueProcessVersion(payload tasks.ProcessVersionPayload) error
	EnqueueChunkAll(payload tasks.ChunkAllPayload) error
	Close() error
}

type asynqClient struct {
	client *asynq.Client
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig) Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &asynqClient{client: client}
}

// EnqueueProcessVersion 投递单版本处理任务。
// 流水线本身幂等，队列层按版本去重避免重复投递。
func (c *asynqClient) EnqueueProcessVersion(payload tasks.ProcessVersionPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化任务载荷失败: %w", err)
	}
	task := asynq.NewTask(tasks.TypeProcessVersion, data)
	_, err = c.client.Enqueue(task,
		asynq.Queue("ingest"),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
		asynq.TaskID("process:"+payload.VersionID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("投递版本处理任务失败: %w", err)
	}
	return nil
}

// EnqueueChunkAll 投递整库批量分块任务
func (c *asynqClient) EnqueueChunkAll(payload tasks.ChunkAllPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化任务载荷失败: %w", err)
	}
	task := asynq.NewTask(tasks.TypeChunkAll, data)
	if _, err := c.client.Enqueue(task,
		asynq.Queue("ingest"),
		asynq.MaxRetry(2),
		asynq.Timeout(30*time.Minute),
	); err != nil {
		return fmt.Errorf("投递批量分块任务失败: %w", err)
	}
	return nil
}

// Close 关闭队列客户端
func (c *asynqClient) Close() error {
	return c.client.Close()
}
