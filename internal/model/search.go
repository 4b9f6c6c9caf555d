package model

import "time"

// 搜索模式。
const (
	SearchTypeSemantic = "semantic"
	SearchTypeKeyword  = "keyword"
	SearchTypeHybrid   = "hybrid"
)

// SearchQuery 对应于数据库中的 search_queries 表。
// 记录一次搜索的审计信息，只写入一次，之后不再更新。
type SearchQuery struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	QueryID     string    `gorm:"type:varchar(36);not null;uniqueIndex;column:query_id" json:"queryId"`
	UserID      string    `gorm:"type:varchar(36);not null;index" json:"userId"`
	QueryText   string    `gorm:"type:text;not null" json:"queryText"`
	QueryVector string    `gorm:"type:mediumtext" json:"-"` // JSON 编码，keyword 模式下为空
	SearchType  string    `gorm:"type:varchar(16);not null" json:"searchType"`
	ResultCount int       `gorm:"not null;default:0" json:"resultCount"`
	LatencyMs   int64     `gorm:"not null;default:0;column:latency_ms" json:"latencyMs"`
	Enhanced    bool      `gorm:"not null;default:false" json:"enhanced"`
	Failed      bool      `gorm:"not null;default:false" json:"failed"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (SearchQuery) TableName() string {
	return "search_queries"
}

// EsChunk 定义了存储在 Elasticsearch 中的分块文档结构。
// 仅 committed 文档的分块会被写入索引。
type EsChunk struct {
	ChunkID       string    `json:"chunk_id"`
	DocumentID    string    `json:"document_id"`
	UserID        string    `json:"user_id"`
	ChunkIndex    int       `json:"chunk_index"`
	TextContent   string    `json:"text_content"`
	Vector        []float32 `json:"vector"`
	ModelVersion  string    `json:"model_version"`
	DocumentTitle string    `json:"document_title"`
	SourceType    string    `json:"source_type"`
}

// SearchResultDTO 定义了返回给前端的单条搜索结果结构。
type SearchResultDTO struct {
	ChunkID       string  `json:"chunkId"`
	DocumentID    string  `json:"documentId"`
	ChunkIndex    int     `json:"chunkIndex"`
	TextContent   string  `json:"text"`
	Score         float64 `json:"score"`
	DocumentTitle string  `json:"documentTitle"`
	SourceType    string  `json:"sourceType"`
}

// SearchResponseDTO 定义了搜索接口的完整响应结构。
// 搜索失败时 Results 为空且 Error=true，调用方据此降级展示。
type SearchResponseDTO struct {
	Results   []SearchResultDTO `json:"results"`
	Narrative string            `json:"narrative,omitempty"`
	LatencyMs int64             `json:"latency_ms"`
	Error     bool              `json:"error,omitempty"`
}

// UploadResponseDTO 定义了上传接口的响应结构。
// 摄取为异步流程，摘要与建议在 job 完成后通过 job 查询获取。
type UploadResponseDTO struct {
	DocumentID string `json:"documentId"`
	JobID      string `json:"jobId"`
	Status     string `json:"status"`
}
