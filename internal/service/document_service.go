package service

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// ErrJobNotFound 表示任务不存在或不属于当前用户。
var ErrJobNotFound = errors.New("任务不存在或不属于当前用户")

// DocumentService 提供文档与摄取任务的查询和删除能力。
type DocumentService interface {
	// ListCommitted 返回用户的全部已提交文档, 按创建时间倒序。
	ListCommitted(userID string) ([]model.Document, error)
	// GetJob 返回一次摄取任务的进度；任务完成后附带摘要与保留建议。
	GetJob(jobID, userID string) (*model.JobStatusDTO, error)
	// Delete 把文档从所有存储中彻底移除（MySQL、索引、对象存储）。
	Delete(ctx context.Context, userID, documentID string) error
}

type documentService struct {
	docRepo      repository.DocumentRepository
	jobRepo      repository.JobRepository
	lockRepo     repository.LockRepository
	indexer      ChunkIndexer
	removeObject ObjectRemover
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(
	docRepo repository.DocumentRepository,
	jobRepo repository.JobRepository,
	lockRepo repository.LockRepository,
	indexer ChunkIndexer,
	removeObject ObjectRemover,
) DocumentService {
	return &documentService{
		docRepo:      docRepo,
		jobRepo:      jobRepo,
		lockRepo:     lockRepo,
		indexer:      indexer,
		removeObject: removeObject,
	}
}

// ListCommitted 返回用户的全部已提交文档。
func (s *documentService) ListCommitted(userID string) ([]model.Document, error) {
	return s.docRepo.FindCommittedByUser(userID)
}

// GetJob 按任务 ID 与所属用户查询摄取任务。
// 任务完成后从文档记录补上摘要、词数与保留建议, 供决策参考。
func (s *documentService) GetJob(jobID, userID string) (*model.JobStatusDTO, error) {
	job, err := s.jobRepo.FindByJobID(jobID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	dto := &model.JobStatusDTO{
		JobID:       job.JobID,
		DocumentID:  job.DocumentID,
		Status:      job.Status,
		Stage:       job.Stage,
		Progress:    job.Progress,
		FirstError:  job.FirstError,
		DuplicateOf: job.DuplicateOf,
		CreatedAt:   job.CreatedAt,
		FinishedAt:  job.FinishedAt,
	}
	if job.Status == model.JobStatusCompleted && job.DuplicateOf == "" {
		if doc, err := s.docRepo.FindByDocumentIDAndUser(job.DocumentID, userID); err == nil {
			dto.Title = doc.Title
			dto.WordCount = doc.WordCount
			dto.Summary = doc.Summary
			dto.Recommendation = doc.Recommendation
		}
	}
	return dto, nil
}

// Delete 彻底移除一篇文档。committed 文档先清搜索索引再删数据行,
// 清索引失败时中止删除, 避免索引中留下指向已删文档的孤儿分块。
func (s *documentService) Delete(ctx context.Context, userID, documentID string) error {
	acquired, err := s.lockRepo.AcquireDecisionLock(ctx, documentID)
	if err != nil {
		return fmt.Errorf("获取决策锁失败: %w", err)
	}
	if !acquired {
		return ErrDecisionInFlight
	}
	defer func() {
		if err := s.lockRepo.ReleaseDecisionLock(ctx, documentID); err != nil {
			log.Warnf("[Document] 释放决策锁失败, documentID: %s: %v", documentID, err)
		}
	}()

	doc, err := s.docRepo.FindByDocumentIDAndUser(documentID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrDocumentNotFound
		}
		return fmt.Errorf("查找文档失败: %w", err)
	}

	if doc.Status == model.DocStatusCommitted {
		if err := s.indexer.DeleteByDocument(ctx, documentID); err != nil {
			return fmt.Errorf("清理搜索索引失败: %w", err)
		}
	}
	if err := s.docRepo.DeleteCascade(documentID); err != nil {
		return fmt.Errorf("删除文档数据失败: %w", err)
	}
	if doc.SourceRef != "" && s.removeObject != nil {
		if err := s.removeObject(ctx, doc.SourceRef); err != nil {
			log.Warnf("[Document] 清理原始对象失败 (object=%s): %v", doc.SourceRef, err)
		}
	}

	log.Infof("[Document] 文档 %s 已被用户 %s 删除", documentID, userID)
	return nil
}
