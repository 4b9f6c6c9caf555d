package model

import "time"

// ProcessingJob 状态机：pending → processing → completed | failed。
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// 摄取管道内部阶段，按顺序推进，用于进度展示与失败定位。
const (
	JobStageExtracted  = "extracted"
	JobStageSummarized = "summarized"
	JobStageChunked    = "chunked"
	JobStageEmbedded   = "embedded"
	JobStageStaged     = "staged"
)

// ProcessingJob 对应于数据库中的 processing_jobs 表。
// 一条记录跟踪一次文档摄取的完整过程，包括进度与首个遇到的错误。
type ProcessingJob struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	JobID      string `gorm:"type:varchar(36);not null;uniqueIndex;column:job_id" json:"jobId"`
	DocumentID string `gorm:"type:varchar(36);not null;index;column:document_id" json:"documentId"`
	UserID     string `gorm:"type:varchar(36);not null;index" json:"userId"`
	Status     string `gorm:"type:varchar(16);not null;default:pending;index" json:"status"`
	Stage      string `gorm:"type:varchar(16)" json:"stage"`
	Progress   int    `gorm:"not null;default:0" json:"progress"` // 0-100
	// FirstError 只记录第一个错误，后续错误不覆盖。
	FirstError string `gorm:"type:text;column:first_error" json:"firstError,omitempty"`
	// DuplicateOf 在去重短路时记录既有文档的 ID（"已入库"提示）。
	DuplicateOf string     `gorm:"type:varchar(36);column:duplicate_of" json:"duplicateOf,omitempty"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	FinishedAt  *time.Time `gorm:"default:null" json:"finishedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ProcessingJob) TableName() string {
	return "processing_jobs"
}

// JobStatusDTO 是任务查询接口的响应结构。
// 任务完成（分块已暂存）后附带摘要与保留建议, 供用户做 commit/discard 决策。
type JobStatusDTO struct {
	JobID          string     `json:"jobId"`
	DocumentID     string     `json:"documentId"`
	Status         string     `json:"status"`
	Stage          string     `json:"stage"`
	Progress       int        `json:"progress"`
	FirstError     string     `json:"firstError,omitempty"`
	DuplicateOf    string     `json:"duplicateOf,omitempty"`
	Title          string     `json:"title,omitempty"`
	WordCount      int        `json:"wordCount,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	Recommendation string     `json:"recommendation,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}
