package tasks

// 任务类型
const (
	TypeProcessVersion = "rag:process_version"
	TypeChunkAll       = "rag:chunk_all"
)

// ProcessVersionPayload 单版本处理任务载荷
type ProcessVersionPayload struct {
	KBID         string `json:"kb_id"`
	DocumentID   string `json:"document_id"`
	VersionID    string `json:"version_id"`
	Strategy     string `json:"strategy,omitempty"`
	MaxRunes     int    `json:"max_runes,omitempty"`
	OverlapRunes int    `json:"overlap_runes,omitempty"`
}

// ChunkAllPayload 整库批量分块任务载荷
type ChunkAllPayload struct {
	KBID     string `json:"kb_id"`
	Strategy string `json:"strategy,omitempty"`
}
