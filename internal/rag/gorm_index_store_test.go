package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func setupStoreTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:index_store_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(db))
	return db
}

type storeFixture struct {
	db    *gorm.DB
	store *GormIndexStore
	kb    KnowledgeBase
}

func newStoreFixture(t *testing.T) *storeFixture {
	t.Helper()
	db := setupStoreTestDB(t)
	kb := KnowledgeBase{ID: uuid.NewString(), Name: "测试知识库"}
	require.NoError(t, db.Create(&kb).Error)
	return &storeFixture{db: db, store: NewGormIndexStore(db), kb: kb}
}

func (f *storeFixture) createDocument(t *testing.T, path, docType string) Document {
	t.Helper()
	doc := Document{
		ID:           uuid.NewString(),
		KBID:         f.kb.ID,
		Path:         path,
		DocumentType: docType,
	}
	require.NoError(t, f.db.Create(&doc).Error)
	return doc
}

func (f *storeFixture) createVersion(t *testing.T, docID string, number int) DocumentVersion {
	t.Helper()
	v := DocumentVersion{
		ID:               uuid.NewString(),
		DocumentID:       docID,
		KBID:             f.kb.ID,
		VersionNumber:    number,
		RawContentURI:    "file:///tmp/" + uuid.NewString(),
		ProcessingStatus: StatusChunked,
	}
	require.NoError(t, f.db.Create(&v).Error)
	return v
}

func makeChunks(kbID, docID, versionID string, contents ...string) []Chunk {
	chunks := make([]Chunk, len(contents))
	for i, content := range contents {
		chunks[i] = Chunk{
			ID:                uuid.NewString(),
			DocumentVersionID: versionID,
			DocumentID:        docID,
			KBID:              kbID,
			SequenceNumber:    i,
			Content:           content,
			ContentHash:       HashContent(content),
			ChunkingStrategy:  StrategyFixed,
			Metadata:          datatypes.JSONMap{},
		}
	}
	return chunks
}

func TestPutChunks_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	doc := f.createDocument(t, "docs/a.md", "markdown")
	version := f.createVersion(t, doc.ID, 1)

	chunks := makeChunks(f.kb.ID, doc.ID, version.ID, "第一段", "第二段")
	require.NoError(t, f.store.PutChunks(ctx, version.ID, chunks))

	t.Run("相同内容重发是 no-op", func(t *testing.T) {
		retry := makeChunks(f.kb.ID, doc.ID, version.ID, "第一段", "第二段")
		require.NoError(t, f.store.PutChunks(ctx, version.ID, retry))

		var count int64
		require.NoError(t, f.db.Model(&Chunk{}).
			Where("document_version_id = ?", version.ID).Count(&count).Error)
		assert.EqualValues(t, 2, count, "重试不得产生重复 chunk")
	})

	t.Run("不同内容重发报 VersionConflict", func(t *testing.T) {
		different := makeChunks(f.kb.ID, doc.ID, version.ID, "完全不同的内容")
		err := f.store.PutChunks(ctx, version.ID, different)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})
}

func TestActivateVersion(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	doc := f.createDocument(t, "docs/a.md", "markdown")
	v1 := f.createVersion(t, doc.ID, 1)
	v2 := f.createVersion(t, doc.ID, 2)

	t.Run("首次激活", func(t *testing.T) {
		require.NoError(t, f.store.ActivateVersion(ctx, doc.ID, v1.ID))
		assertSingleActive(t, f.db, doc.ID, v1.ID)
	})

	t.Run("切换激活版本", func(t *testing.T) {
		require.NoError(t, f.store.ActivateVersion(ctx, doc.ID, v2.ID))
		assertSingleActive(t, f.db, doc.ID, v2.ID)
	})

	t.Run("版本不属于文档时报 NotFound", func(t *testing.T) {
		other := f.createDocument(t, "docs/b.md", "markdown")
		err := f.store.ActivateVersion(ctx, other.ID, v1.ID)
		assert.ErrorIs(t, err, ErrVersionNotFound)
	})

	t.Run("文档不存在时报 NotFound", func(t *testing.T) {
		err := f.store.ActivateVersion(ctx, uuid.NewString(), v1.ID)
		assert.ErrorIs(t, err, ErrDocumentNotFound)
	})
}

// 并发压测：任意时刻同一文档至多一个激活版本
func TestActivateVersion_ConcurrentStress(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	doc := f.createDocument(t, "docs/a.md", "markdown")

	const versions = 8
	ids := make([]string, versions)
	for i := 0; i < versions; i++ {
		ids[i] = f.createVersion(t, doc.ID, i+1).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(versionID string) {
			defer wg.Done()
			// SQLite 单写者，忙等错误在这里可接受，只验证不变量
			_ = f.store.ActivateVersion(ctx, doc.ID, versionID)
		}(id)
	}
	wg.Wait()

	var active int64
	require.NoError(t, f.db.Model(&DocumentVersion{}).
		Where("document_id = ? AND is_active = ?", doc.ID, true).
		Count(&active).Error)
	assert.EqualValues(t, 1, active, "压测后必须恰好一个激活版本")
}

func assertSingleActive(t *testing.T, db *gorm.DB, docID, wantVersionID string) {
	t.Helper()
	var actives []DocumentVersion
	require.NoError(t, db.Where("document_id = ? AND is_active = ?", docID, true).
		Find(&actives).Error)
	require.Len(t, actives, 1)
	assert.Equal(t, wantVersionID, actives[0].ID)

	var doc Document
	require.NoError(t, db.Where("id = ?", docID).First(&doc).Error)
	require.NotNil(t, doc.ActiveVersionID)
	assert.Equal(t, wantVersionID, *doc.ActiveVersionID)
}

func TestGetActiveChunks_Filters(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	docA := f.createDocument(t, "docs/guide/a.md", "markdown")
	vA := f.createVersion(t, docA.ID, 1)
	chunksA := makeChunks(f.kb.ID, docA.ID, vA.ID, "guide one", "guide two")
	chunksA[0].Metadata = datatypes.JSONMap{"source": "wiki", "tags": []interface{}{"infra", "howto"}}
	require.NoError(t, f.store.PutChunks(ctx, vA.ID, chunksA))
	require.NoError(t, f.store.ActivateVersion(ctx, docA.ID, vA.ID))

	docB := f.createDocument(t, "notes/b.txt", "text")
	vB := f.createVersion(t, docB.ID, 1)
	require.NoError(t, f.store.PutChunks(ctx, vB.ID, makeChunks(f.kb.ID, docB.ID, vB.ID, "note content")))
	require.NoError(t, f.store.ActivateVersion(ctx, docB.ID, vB.ID))

	// 未激活版本的 chunk 不可见
	vA2 := f.createVersion(t, docA.ID, 2)
	require.NoError(t, f.store.PutChunks(ctx, vA2.ID, makeChunks(f.kb.ID, docA.ID, vA2.ID, "inactive")))

	t.Run("无过滤返回全部激活 chunk", func(t *testing.T) {
		chunks, err := f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{})
		require.NoError(t, err)
		assert.Len(t, chunks, 3)
		for _, c := range chunks {
			assert.NotEqual(t, "inactive", c.Content)
		}
	})

	t.Run("路径前缀过滤", func(t *testing.T) {
		chunks, err := f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{PathPrefix: "docs/"})
		require.NoError(t, err)
		assert.Len(t, chunks, 2)
	})

	t.Run("文档类型过滤", func(t *testing.T) {
		chunks, err := f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{DocumentType: "text"})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "note content", chunks[0].Content)
	})

	t.Run("来源与标签过滤", func(t *testing.T) {
		chunks, err := f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{Source: "wiki"})
		require.NoError(t, err)
		require.Len(t, chunks, 1)

		chunks, err = f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{Tags: []string{"infra"}})
		require.NoError(t, err)
		require.Len(t, chunks, 1)

		chunks, err = f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{Tags: []string{"infra", "missing"}})
		require.NoError(t, err)
		assert.Empty(t, chunks, "要求全部标签命中")
	})

	t.Run("创建时间范围过滤", func(t *testing.T) {
		old := time.Now().Add(-48 * time.Hour)
		require.NoError(t, touchUpdatedAt(f.db, chunksA[0].ID, old))

		cutoff := time.Now().Add(-24 * time.Hour)
		chunks, err := f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{CreatedBefore: &cutoff})
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, chunksA[0].ID, chunks[0].ID)

		chunks, err = f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{CreatedAfter: &cutoff})
		require.NoError(t, err)
		assert.Len(t, chunks, 2)
	})
}

func TestGetChunkCounts(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	docA := f.createDocument(t, "docs/a.md", "markdown")
	vA := f.createVersion(t, docA.ID, 1)
	require.NoError(t, f.store.PutChunks(ctx, vA.ID, makeChunks(f.kb.ID, docA.ID, vA.ID, "a1", "a2", "a3")))
	require.NoError(t, f.store.ActivateVersion(ctx, docA.ID, vA.ID))

	// 有版本但未激活的文档计 0
	docB := f.createDocument(t, "docs/b.md", "markdown")
	vB := f.createVersion(t, docB.ID, 1)
	require.NoError(t, f.store.PutChunks(ctx, vB.ID, makeChunks(f.kb.ID, docB.ID, vB.ID, "b1")))

	counts, err := f.store.GetChunkCounts(ctx, f.kb.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, counts[docA.ID])
	assert.EqualValues(t, 0, counts[docB.ID])
	assert.Len(t, counts, 2)
}

func TestDeleteKnowledgeBase_Cascade(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)

	var allChunks int
	for i := 0; i < 2; i++ {
		doc := f.createDocument(t, fmt.Sprintf("docs/%d.md", i), "markdown")
		for v := 1; v <= 2; v++ {
			version := f.createVersion(t, doc.ID, v)
			chunks := makeChunks(f.kb.ID, doc.ID, version.ID, "内容甲", "内容乙")
			require.NoError(t, f.store.PutChunks(ctx, version.ID, chunks))
			allChunks += len(chunks)
		}
	}

	uris, err := f.store.DeleteKnowledgeBase(ctx, f.kb.ID)
	require.NoError(t, err)
	assert.Len(t, uris, 4, "每个版本一个待回收的 blob URI")

	for _, model := range []interface{}{&Chunk{}, &DocumentVersion{}, &Document{}, &KnowledgeBase{}} {
		var count int64
		require.NoError(t, f.db.Model(model).Count(&count).Error)
		assert.EqualValues(t, 0, count)
	}

	t.Run("删除后查询返回空而不是错误", func(t *testing.T) {
		chunks, err := f.store.GetActiveChunks(ctx, f.kb.ID, ChunkFilters{})
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("重复删除报 NotFound", func(t *testing.T) {
		_, err := f.store.DeleteKnowledgeBase(ctx, f.kb.ID)
		assert.ErrorIs(t, err, ErrKnowledgeBaseNotFound)
	})
}

func TestGetChunksByVersionRange(t *testing.T) {
	ctx := context.Background()
	f := newStoreFixture(t)
	doc := f.createDocument(t, "docs/a.md", "markdown")
	version := f.createVersion(t, doc.ID, 1)
	require.NoError(t, f.store.PutChunks(ctx, version.ID,
		makeChunks(f.kb.ID, doc.ID, version.ID, "s0", "s1", "s2", "s3", "s4")))

	chunks, err := f.store.GetChunksByVersionRange(ctx, version.ID, 1, 3)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i+1, c.SequenceNumber)
	}
}
