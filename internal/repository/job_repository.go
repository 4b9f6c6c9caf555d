package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/teamloophr/voiceloop-knowledge/internal/model"
)

// JobRepository 定义了对 processing_jobs 表的数据操作接口。
type JobRepository interface {
	Create(job *model.ProcessingJob) error
	FindByJobID(jobID, userID string) (*model.ProcessingJob, error)
	FindByDocumentID(documentID string) (*model.ProcessingJob, error)
	// UpdateProgress 推进任务的阶段与进度。
	UpdateProgress(jobID, status, stage string, progress int) error
	// MarkFailed 将任务置为 failed，只记录第一个错误。
	MarkFailed(jobID, errMsg string) error
	MarkCompleted(jobID string) error
	// MarkDuplicate 以"已入库"完成任务，并记录既有文档 ID。
	MarkDuplicate(jobID, duplicateOf string) error
	IncrementAttempts(jobID string) error
}

type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

// Create 创建一条新的处理任务记录。
func (r *jobRepository) Create(job *model.ProcessingJob) error {
	return r.db.Create(job).Error
}

// FindByJobID 根据任务 ID 与所属用户检索任务。
func (r *jobRepository) FindByJobID(jobID, userID string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := r.db.Where("job_id = ? AND user_id = ?", jobID, userID).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// FindByDocumentID 根据文档 ID 检索其摄取任务。
func (r *jobRepository) FindByDocumentID(documentID string) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := r.db.Where("document_id = ?", documentID).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateProgress 更新任务的状态、阶段与进度百分比。
func (r *jobRepository) UpdateProgress(jobID, status, stage string, progress int) error {
	return r.db.Model(&model.ProcessingJob{}).Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":   status,
			"stage":    stage,
			"progress": progress,
		}).Error
}

// MarkFailed 将任务标记为失败。first_error 只在为空时写入。
func (r *jobRepository) MarkFailed(jobID, errMsg string) error {
	now := time.Now()
	return r.db.Model(&model.ProcessingJob{}).
		Where("job_id = ? AND (first_error IS NULL OR first_error = '')", jobID).
		Updates(map[string]interface{}{
			"status":      model.JobStatusFailed,
			"first_error": errMsg,
			"finished_at": &now,
		}).Error
}

// MarkCompleted 将任务标记为完成。
func (r *jobRepository) MarkCompleted(jobID string) error {
	now := time.Now()
	return r.db.Model(&model.ProcessingJob{}).Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":      model.JobStatusCompleted,
			"stage":       model.JobStageStaged,
			"progress":    100,
			"finished_at": &now,
		}).Error
}

// MarkDuplicate 以"已入库"完成任务。
func (r *jobRepository) MarkDuplicate(jobID, duplicateOf string) error {
	now := time.Now()
	return r.db.Model(&model.ProcessingJob{}).Where("job_id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"stage":        model.JobStageStaged,
			"progress":     100,
			"duplicate_of": duplicateOf,
			"finished_at":  &now,
		}).Error
}

// IncrementAttempts 累加任务的处理次数。
func (r *jobRepository) IncrementAttempts(jobID string) error {
	return r.db.Model(&model.ProcessingJob{}).Where("job_id = ?", jobID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1")).Error
}
