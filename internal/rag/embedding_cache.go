package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// EmbeddingCache 两级向量缓存：进程内 L1 + 可选 Redis L2。
// 以 sha256(model|text) 为键，与内容哈希去重互补——缓存避免重复外呼，
// 去重避免重复落库。
type EmbeddingCache struct {
	redis  *redis.Client
	local  sync.Map
	prefix string
	ttl    time.Duration
}

type cachedEmbedding struct {
	Vector    []float32 `json:"vector"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEmbeddingCache 创建向量缓存。redisClient 可为 nil（仅本地缓存）。
func NewEmbeddingCache(redisClient *redis.Client, prefix string, ttl time.Duration) *EmbeddingCache {
	if prefix == "" {
		prefix = "emb:"
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &EmbeddingCache{redis: redisClient, prefix: prefix, ttl: ttl}
}

// Get 查询缓存的向量
func (c *EmbeddingCache) Get(ctx context.Context, text, model string) ([]float32, bool) {
	key := c.makeKey(text, model)

	if v, ok := c.local.Load(key); ok {
		return v.(*cachedEmbedding).Vector, true
	}

	if c.redis != nil {
		data, err := c.redis.Get(ctx, key).Bytes()
		if err == nil {
			var cached cachedEmbedding
			if json.Unmarshal(data, &cached) == nil {
				c.local.Store(key, &cached)
				return cached.Vector, true
			}
		}
	}
	return nil, false
}

// Set 写入缓存。Redis 写失败只影响 L2，不报错给调用方。
func (c *EmbeddingCache) Set(ctx context.Context, text, model string, vector []float32) {
	key := c.makeKey(text, model)
	cached := &cachedEmbedding{Vector: vector, Model: model, CreatedAt: time.Now()}
	c.local.Store(key, cached)

	if c.redis != nil {
		if data, err := json.Marshal(cached); err == nil {
			_ = c.redis.Set(ctx, key, data, c.ttl).Err()
		}
	}
}

func (c *EmbeddingCache) makeKey(text, model string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return c.prefix + hex.EncodeToString(sum[:])
}

// CachingProvider 在任意 EmbeddingProvider 外包一层缓存
type CachingProvider struct {
	inner EmbeddingProvider
	cache *EmbeddingCache
}

// NewCachingProvider 包装 provider，缓存命中时跳过外呼
func NewCachingProvider(inner EmbeddingProvider, cache *EmbeddingCache) *CachingProvider {
	return &CachingProvider{inner: inner, cache: cache}
}

func (p *CachingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := p.cache.Get(ctx, text, p.inner.GetModel()); ok {
		return vec, nil
	}
	vec, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ctx, text, p.inner.GetModel(), vec)
	return vec, nil
}

func (p *CachingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	model := p.inner.GetModel()
	out := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))

	for i, text := range texts {
		if vec, ok := p.cache.Get(ctx, text, model); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vec := range vecs {
		out[missingIdx[j]] = vec
		p.cache.Set(ctx, missing[j], model, vec)
	}
	return out, nil
}

func (p *CachingProvider) GetModel() string        { return p.inner.GetModel() }
func (p *CachingProvider) GetDimension() int       { return p.inner.GetDimension() }
func (p *CachingProvider) GetProviderName() string { return p.inner.GetProviderName() }
