// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Document 生命周期状态。discard 采用硬删除，不保留 tombstone，
// 因此数据库中不会出现 discarded 状态的行。
const (
	DocStatusStaged    = "staged"
	DocStatusCommitted = "committed"
	DocStatusDiscarded = "discarded"
)

// 文档来源类型。
const (
	SourceTypeFile       = "file"
	SourceTypeText       = "text"
	SourceTypeTranscript = "transcript"
)

// Document 对应于数据库中的 documents 表。
// 一条记录代表一次知识摄取的产物，在 commit 之前由摄取管道独占，
// commit 之后除删除外不可变。
type Document struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	DocumentID  string `gorm:"type:varchar(36);not null;uniqueIndex;column:document_id" json:"documentId"`
	UserID      string `gorm:"type:varchar(36);not null;index" json:"userId"`
	Title       string `gorm:"type:varchar(255);not null" json:"title"`
	SourceType  string `gorm:"type:varchar(20);not null" json:"sourceType"`
	SourceRef   string `gorm:"type:varchar(255)" json:"sourceRef"` // MinIO 对象名，纯文本上传时为空
	ContentHash string `gorm:"type:varchar(64);not null;index" json:"contentHash"`
	Status      string `gorm:"type:varchar(16);not null;default:staged;index" json:"status"`
	WordCount   int    `gorm:"not null;default:0" json:"wordCount"`
	Summary     string `gorm:"type:text" json:"summary"`
	// Recommendation 是摄取阶段给出的"是否值得保留"建议，仅供决策参考，绝不自动提交。
	Recommendation string     `gorm:"type:varchar(16)" json:"recommendation"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	CommittedAt    *time.Time `gorm:"default:null" json:"committedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Document) TableName() string {
	return "documents"
}

// Chunk 对应于数据库中的 content_chunks 表。
// 每个分块是文档规范化词序列上的一个连续窗口，[StartWord, EndWord) 为词偏移。
type Chunk struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ChunkID     string `gorm:"type:varchar(50);not null;uniqueIndex;column:chunk_id" json:"chunkId"`
	DocumentID  string `gorm:"type:varchar(36);not null;index;column:document_id" json:"documentId"`
	ChunkIndex  int    `gorm:"not null;column:chunk_index" json:"chunkIndex"`
	TextContent string `gorm:"type:text;not null" json:"textContent"`
	StartWord   int    `gorm:"not null" json:"startWord"`
	EndWord     int    `gorm:"not null" json:"endWord"`
	// 冗余存储文档标题与来源类型，用于结果展示时免去一次关联查询。
	DocumentTitle string `gorm:"type:varchar(255)" json:"documentTitle"`
	SourceType    string `gorm:"type:varchar(20)" json:"sourceType"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Chunk) TableName() string {
	return "content_chunks"
}

// Embedding 对应于数据库中的 vector_embeddings 表。
// 向量以 JSON 字符串形式存储；重新向量化（模型升级）会新增一行，
// 旧行通过 is_active=false 退役而非原地修改。
type Embedding struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ChunkID      string    `gorm:"type:varchar(50);not null;index;column:chunk_id" json:"chunkId"`
	DocumentID   string    `gorm:"type:varchar(36);not null;index;column:document_id" json:"documentId"`
	Vector       string    `gorm:"type:mediumtext;not null" json:"-"`
	ModelVersion string    `gorm:"type:varchar(100);not null" json:"modelVersion"`
	Dimensions   int       `gorm:"not null" json:"dimensions"`
	IsActive     bool      `gorm:"not null;default:true" json:"isActive"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"createdAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Embedding) TableName() string {
	return "vector_embeddings"
}
