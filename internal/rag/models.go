package rag

import (
	"time"

	"gorm.io/datatypes"
)

// ProcessingStatus 文档版本处理状态机:
// STORED → EXTRACTING → CHUNKING → CHUNKED | FAILED
type ProcessingStatus string

const (
	StatusStored     ProcessingStatus = "STORED"
	StatusExtracting ProcessingStatus = "EXTRACTING"
	StatusChunking   ProcessingStatus = "CHUNKING"
	StatusChunked    ProcessingStatus = "CHUNKED"
	StatusFailed     ProcessingStatus = "FAILED"
)

// KnowledgeBase represents an isolated corpus of documents.
type KnowledgeBase struct {
	ID    string `json:"id" gorm:"primaryKey;type:uuid"`
	Name  string `json:"name" gorm:"size:255;not null"`
	OrgID string `json:"org_id" gorm:"type:uuid;index"`

	Metadata datatypes.JSONMap `json:"metadata" gorm:"type:json"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;autoUpdateTime"`
}

// Document 知识库内的单个文档，按 (kb_id, path) 唯一。
// 重复上传同一 path 产生同一文档的新版本，而不是新文档。
type Document struct {
	ID   string `json:"id" gorm:"primaryKey;type:uuid"`
	KBID string `json:"kb_id" gorm:"type:uuid;not null;uniqueIndex:idx_documents_kb_path,priority:1"`
	Path string `json:"path" gorm:"size:1024;not null;uniqueIndex:idx_documents_kb_path,priority:2"`

	Title          *string           `json:"title,omitempty" gorm:"size:500"`
	DocumentType   string            `json:"document_type" gorm:"size:50;not null;default:unknown"`
	SourceMetadata datatypes.JSONMap `json:"source_metadata" gorm:"type:json"`

	// 当前对检索可见的版本，可为空（尚未激活任何版本）
	ActiveVersionID *string `json:"active_version_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null;autoUpdateTime"`
}

// DocumentVersion 文档的一个不可变内容快照。
// 每个文档同一时刻至多一个 is_active = true 的版本。
type DocumentVersion struct {
	ID         string `json:"id" gorm:"primaryKey;type:uuid"`
	DocumentID string `json:"document_id" gorm:"type:uuid;not null;index"`
	KBID       string `json:"kb_id" gorm:"type:uuid;not null;index"`

	// 单调递增，从 1 开始
	VersionNumber int `json:"version_number" gorm:"not null"`

	RawContentURI    string  `json:"raw_content_uri" gorm:"type:text;not null"`
	ExtractedContent *string `json:"extracted_content,omitempty" gorm:"type:text"`

	ProcessingStatus ProcessingStatus `json:"processing_status" gorm:"size:20;not null;default:STORED"`
	ErrorMessage     *string          `json:"error_message,omitempty" gorm:"type:text"`
	IsActive         bool             `json:"is_active" gorm:"not null;default:false;index"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;autoCreateTime"`
}

// Chunk 检索的原子单元。创建后不可变——重新分块产生新版本的
// chunk 集合，不会修改已有记录。
type Chunk struct {
	ID                string `json:"id" gorm:"primaryKey;type:uuid"`
	DocumentVersionID string `json:"document_version_id" gorm:"type:uuid;not null;index"`
	DocumentID        string `json:"document_id" gorm:"type:uuid;not null;index"`
	KBID              string `json:"kb_id" gorm:"type:uuid;not null;index"`

	// 版本内 0 起始、连续无空洞
	SequenceNumber int `json:"sequence_number" gorm:"not null"`

	Content     string            `json:"content" gorm:"type:text;not null"`
	ContentHash string            `json:"content_hash" gorm:"size:64;not null;index"`
	Metadata    datatypes.JSONMap `json:"metadata" gorm:"type:json"`

	ChunkingStrategy string  `json:"chunking_strategy" gorm:"size:50;not null"`
	EmbeddingID      *string `json:"embedding_id,omitempty" gorm:"type:uuid"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;autoCreateTime"`
}

// Embedding 按 (kb_id, content_hash, model_id) 去重的向量记录。
// 相同内容的重复向量化复用已有记录。
type Embedding struct {
	ID          string `json:"id" gorm:"primaryKey;type:uuid"`
	KBID        string `json:"kb_id" gorm:"type:uuid;not null;uniqueIndex:idx_embeddings_dedup,priority:1"`
	ContentHash string `json:"content_hash" gorm:"size:64;not null;uniqueIndex:idx_embeddings_dedup,priority:2"`
	ModelID     string `json:"model_id" gorm:"size:100;not null;uniqueIndex:idx_embeddings_dedup,priority:3"`

	// 向量以 JSON 数组文本存储；Postgres 上另建 pgvector 列用于相似度检索
	Vector    string `json:"-" gorm:"type:text;not null"`
	Dimension int    `json:"dimension" gorm:"not null"`

	CreatedAt time.Time `json:"created_at" gorm:"not null;autoCreateTime"`
}

// RetrievalRequestRecord 检索请求的可观测性记录（不含业务查询历史语义）
type RetrievalRequestRecord struct {
	ID           string            `json:"id" gorm:"primaryKey;type:uuid"`
	KBID         string            `json:"kb_id" gorm:"type:uuid;not null;index"`
	Query        string            `json:"query" gorm:"type:text;not null"`
	Filters      datatypes.JSONMap `json:"filters" gorm:"type:json"`
	TopK         int               `json:"top_k" gorm:"not null"`
	HybridWeight float64           `json:"hybrid_weight" gorm:"not null"`
	Profile      string            `json:"profile" gorm:"size:32"`
	ResultCount  int               `json:"result_count" gorm:"not null"`
	LatencyMS    int64             `json:"latency_ms" gorm:"not null"`
	EmptyResult  bool              `json:"empty_result" gorm:"not null"`
	CreatedAt    time.Time         `json:"created_at" gorm:"not null;autoCreateTime"`
}

// AutoMigrate 建表（按依赖顺序）
func AutoMigrate(db interface{ AutoMigrate(...interface{}) error }) error {
	return db.AutoMigrate(
		&KnowledgeBase{},
		&Document{},
		&DocumentVersion{},
		&Chunk{},
		&Embedding{},
		&RetrievalRequestRecord{},
	)
}
