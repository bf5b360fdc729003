package kb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"kbserve/internal/blobstore"
	"kbserve/internal/common"
	"kbserve/internal/rag"
)

type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 8)
	for i, r := range text {
		vec[i%8] += float32(r%13) / 13
	}
	vec[0] += 0.1
	return vec, nil
}

func (e hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (hashEmbedder) GetModel() string        { return "test-embed-v1" }
func (hashEmbedder) GetDimension() int       { return 8 }
func (hashEmbedder) GetProviderName() string { return "test" }

type testEnv struct {
	db     *gorm.DB
	svc    *rag.Service
	router *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:kb_handler_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, rag.AutoMigrate(db))

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	store := rag.NewGormIndexStore(db)
	svc := rag.NewService(db, store, hashEmbedder{}, blobs, rag.ChunkOptions{
		Strategy: rag.StrategySemantic, MaxRunes: 500, OverlapRunes: 50,
	})
	retriever := rag.NewRetriever(store, hashEmbedder{}, db)

	router := gin.New()
	kbHandler := NewHandler(svc)
	docHandler := NewDocumentHandler(svc, nil)
	retrieveHandler := NewRetrieveHandler(svc, retriever)
	embedHandler := NewEmbedHandler(svc)

	group := router.Group("/api/kb")
	group.POST("", kbHandler.Create)
	group.GET("", kbHandler.List)
	group.GET("/:kbId", kbHandler.Get)
	group.DELETE("/:kbId", kbHandler.Delete)
	group.POST("/:kbId/documents", docHandler.Upload)
	group.GET("/:kbId/documents", docHandler.List)
	group.POST("/:kbId/documents/chunk-all", docHandler.ChunkAll)
	group.POST("/:kbId/documents/:documentId/chunking", docHandler.Chunk)
	group.POST("/:kbId/chunks/:chunkId/embed", embedHandler.Embed)
	group.POST("/:kbId/retrieve", retrieveHandler.Retrieve)
	group.POST("/:kbId/hydrate", retrieveHandler.Hydrate)

	return &testEnv{db: db, svc: svc, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, common.APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	e.router.ServeHTTP(resp, req)

	var parsed common.APIResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &parsed))
	return resp, parsed
}

func (e *testEnv) createKB(t *testing.T, name string) string {
	t.Helper()
	resp, parsed := e.do(t, http.MethodPost, "/api/kb", gin.H{"name": name})
	require.Equal(t, http.StatusCreated, resp.Code)
	data := parsed.Data.(map[string]interface{})
	return data["id"].(string)
}

func TestKBLifecycle(t *testing.T) {
	env := newTestEnv(t)
	kbID := env.createKB(t, "产品文档库")

	t.Run("详情", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodGet, "/api/kb/"+kbID, nil)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.True(t, parsed.Success)
		data := parsed.Data.(map[string]interface{})
		assert.Equal(t, "产品文档库", data["name"])
	})

	t.Run("列表", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodGet, "/api/kb", nil)
		assert.Equal(t, http.StatusOK, resp.Code)
		data := parsed.Data.(map[string]interface{})
		assert.EqualValues(t, 1, data["total"])
	})

	t.Run("名称为空拒绝", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodPost, "/api/kb", gin.H{"name": "  "})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, common.CodeInvalidRequest, parsed.Code)
	})

	t.Run("删除后不可见", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodDelete, "/api/kb/"+kbID, nil)
		assert.Equal(t, http.StatusOK, resp.Code)

		resp, parsed := env.do(t, http.MethodGet, "/api/kb/"+kbID, nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
		assert.Equal(t, common.CodeNotFound, parsed.Code)
	})
}

func TestDocumentUploadAndRetrieve(t *testing.T) {
	env := newTestEnv(t)
	kbID := env.createKB(t, "检索测试库")

	resp, parsed := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/documents", gin.H{
		"path":          "docs/reset.md",
		"document_type": "markdown",
		"content":       "password reset flow\n\nopen settings and choose reset password\n\ncontact support if locked out",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	data := parsed.Data.(map[string]interface{})
	assert.Equal(t, false, data["async"], "无队列时同步处理")
	doc := data["document"].(map[string]interface{})
	docID := doc["id"].(string)

	t.Run("文档列表含激活数量", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodGet, "/api/kb/"+kbID+"/documents", nil)
		require.Equal(t, http.StatusOK, resp.Code)
		data := parsed.Data.(map[string]interface{})
		require.EqualValues(t, 1, data["total"])
		item := data["items"].([]interface{})[0].(map[string]interface{})
		assert.Greater(t, item["active_chunk_count"].(float64), 0.0)
	})

	t.Run("检索命中", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/retrieve", gin.H{
			"query": "reset password", "top_k": 3,
		})
		require.Equal(t, http.StatusOK, resp.Code)
		data := parsed.Data.(map[string]interface{})
		assert.Greater(t, data["result_count"].(float64), 0.0)
		results := data["results"].([]interface{})
		first := results[0].(map[string]interface{})
		citation := first["citation"].(map[string]interface{})
		assert.Equal(t, "docs/reset.md", citation["path"])
	})

	t.Run("空查询 400", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/retrieve", gin.H{"query": " "})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
		assert.Equal(t, common.CodeInvalidRequest, parsed.Code)
	})

	t.Run("非法时间过滤 400", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/retrieve", gin.H{
			"query":   "reset",
			"filters": gin.H{"created_after": "not-a-time"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("未知库 404", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost,
			"/api/kb/00000000-0000-0000-0000-000000000000/retrieve", gin.H{"query": "reset"})
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("重分块返回新版本", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodPost,
			"/api/kb/"+kbID+"/documents/"+docID+"/chunking", gin.H{
				"strategy": "fixed", "max_runes": 30, "overlap_runes": 5,
			})
		require.Equal(t, http.StatusOK, resp.Code)
		data := parsed.Data.(map[string]interface{})
		assert.Equal(t, true, data["reprocessed"])
		assert.EqualValues(t, 2, data["version_number"])
	})
}

func TestHydrateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	kbID := env.createKB(t, "上下文扩展库")

	resp, parsed := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/documents", gin.H{
		"path":    "docs/long.md",
		"content": "abcdefghij klmnopqrst uvwxyz",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	doc := parsed.Data.(map[string]interface{})["document"].(map[string]interface{})
	docID := doc["id"].(string)

	// 小窗口重分块出多个 chunk
	resp, _ = env.do(t, http.MethodPost, "/api/kb/"+kbID+"/documents/"+docID+"/chunking", gin.H{
		"strategy": "fixed", "max_runes": 10, "overlap_runes": 0,
	})
	require.Equal(t, http.StatusOK, resp.Code)

	var chunk rag.Chunk
	require.NoError(t, env.db.Where("kb_id = ? AND sequence_number = ?", kbID, 1).
		Order("created_at DESC").First(&chunk).Error)

	t.Run("扩展相邻", func(t *testing.T) {
		resp, parsed := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/hydrate", gin.H{
			"chunk_ids": []string{chunk.ID}, "adjacent_before": 1, "adjacent_after": 1,
		})
		require.Equal(t, http.StatusOK, resp.Code)
		data := parsed.Data.(map[string]interface{})
		chunks := data["chunks"].([]interface{})
		assert.Len(t, chunks, 3)
	})

	t.Run("空 chunk_ids 400", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/hydrate", gin.H{
			"chunk_ids": []string{},
		})
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	t.Run("未知 chunk 404", func(t *testing.T) {
		resp, _ := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/hydrate", gin.H{
			"chunk_ids": []string{"00000000-0000-0000-0000-000000000000"},
		})
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})
}

func TestChunkAllEndpoint(t *testing.T) {
	env := newTestEnv(t)
	kbID := env.createKB(t, "批量分块库")

	for _, p := range []string{"a.md", "b.md"} {
		resp, _ := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/documents", gin.H{
			"path": p, "content": "content of " + p,
		})
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp, parsed := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/documents/chunk-all", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	data := parsed.Data.(map[string]interface{})
	assert.EqualValues(t, 2, data["total"])
	assert.EqualValues(t, 2, data["succeeded"])
	assert.EqualValues(t, 0, data["failed"])
}

func TestEmbedEndpoint(t *testing.T) {
	env := newTestEnv(t)
	kbID := env.createKB(t, "向量化库")

	resp, _ := env.do(t, http.MethodPost, "/api/kb/"+kbID+"/documents", gin.H{
		"path": "a.md", "content": "embed me please",
	})
	require.Equal(t, http.StatusCreated, resp.Code)

	var chunk rag.Chunk
	require.NoError(t, env.db.Where("kb_id = ?", kbID).First(&chunk).Error)

	// 流水线内已向量化，接口返回 reused=true
	httpResp, parsed := env.do(t, http.MethodPost,
		"/api/kb/"+kbID+"/chunks/"+chunk.ID+"/embed", nil)
	require.Equal(t, http.StatusOK, httpResp.Code)
	data := parsed.Data.(map[string]interface{})
	assert.Equal(t, true, data["reused"])
	assert.NotEmpty(t, data["embedding_id"])
}
