package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// 决策接口的业务错误。
var (
	ErrInvalidAction     = errors.New("无效的决策动作, 仅支持 commit 或 discard")
	ErrDocumentNotFound  = errors.New("文档不存在或不属于当前用户")
	ErrDecisionInFlight  = errors.New("该文档的决策正在处理中, 请稍后重试")
	ErrIngestNotFinished = errors.New("文档摄取尚未完成, 暂不能提交")
	ErrIngestFailed      = errors.New("文档摄取失败, 无法提交")
	ErrAlreadyCommitted  = errors.New("文档已提交, 如需移除请使用删除接口")
)

// ObjectRemover 抽象原始对象的删除（MinIO），便于测试替换。
type ObjectRemover func(ctx context.Context, objectName string) error

// DecisionService 实现暂存文档的 commit/discard 决策门。
// 同一文档的决策通过 Redis 锁串行化；commit 与 discard 均幂等。
type DecisionService interface {
	// Decide 对暂存文档执行决策, 返回文档的最终状态。
	Decide(ctx context.Context, userID, documentID, action string) (string, error)
	// ReapExpired 回收超过暂存 TTL 仍未决策的文档, 返回回收数量。
	ReapExpired(ctx context.Context) (int, error)
	// StartReaper 周期性执行 ReapExpired, 直到 ctx 取消。
	StartReaper(ctx context.Context)
}

type decisionService struct {
	docRepo      repository.DocumentRepository
	jobRepo      repository.JobRepository
	lockRepo     repository.LockRepository
	indexer      ChunkIndexer
	removeObject ObjectRemover
	ingestCfg    config.IngestConfig
}

// NewDecisionService 创建一个新的 DecisionService 实例。
func NewDecisionService(
	docRepo repository.DocumentRepository,
	jobRepo repository.JobRepository,
	lockRepo repository.LockRepository,
	indexer ChunkIndexer,
	removeObject ObjectRemover,
	ingestCfg config.IngestConfig,
) DecisionService {
	return &decisionService{
		docRepo:      docRepo,
		jobRepo:      jobRepo,
		lockRepo:     lockRepo,
		indexer:      indexer,
		removeObject: removeObject,
		ingestCfg:    ingestCfg,
	}
}

// Decide 对暂存文档执行 commit 或 discard。
func (s *decisionService) Decide(ctx context.Context, userID, documentID, action string) (string, error) {
	if action != "commit" && action != "discard" {
		return "", ErrInvalidAction
	}

	acquired, err := s.lockRepo.AcquireDecisionLock(ctx, documentID)
	if err != nil {
		return "", fmt.Errorf("获取决策锁失败: %w", err)
	}
	if !acquired {
		return "", ErrDecisionInFlight
	}
	defer func() {
		if err := s.lockRepo.ReleaseDecisionLock(ctx, documentID); err != nil {
			log.Warnf("[Decision] 释放决策锁失败, documentID: %s: %v", documentID, err)
		}
	}()

	doc, err := s.docRepo.FindByDocumentIDAndUser(documentID, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if action == "discard" {
				// 已丢弃（或 TTL 已回收）的文档再次丢弃是无害的 no-op
				return model.DocStatusDiscarded, nil
			}
			return "", ErrDocumentNotFound
		}
		return "", fmt.Errorf("查找文档失败: %w", err)
	}

	if action == "commit" {
		return s.commit(ctx, doc)
	}
	return s.discard(ctx, doc)
}

// commit 将暂存文档的分块写入搜索索引并翻转状态。
// 顺序固定：先一次 bulk 写入 Elasticsearch，成功后再翻转 MySQL 状态。
// bulk 失败时文档保持 staged，重试 commit 会覆盖写入同一批 _id。
func (s *decisionService) commit(ctx context.Context, doc *model.Document) (string, error) {
	if doc.Status == model.DocStatusCommitted {
		// 重复 commit 是幂等 no-op
		return model.DocStatusCommitted, nil
	}

	job, err := s.jobRepo.FindByDocumentID(doc.DocumentID)
	if err == nil {
		switch job.Status {
		case model.JobStatusFailed:
			return "", ErrIngestFailed
		case model.JobStatusCompleted:
			// 继续提交
		default:
			return "", ErrIngestNotFinished
		}
	}

	esChunks, err := s.loadStagedChunks(doc)
	if err != nil {
		return "", err
	}
	if len(esChunks) == 0 {
		return "", ErrIngestNotFinished
	}

	log.Infof("[Decision] 提交文档 %s, 写入 %d 个分块到索引", doc.DocumentID, len(esChunks))
	if err := s.indexer.BulkIndex(ctx, esChunks); err != nil {
		return "", fmt.Errorf("写入搜索索引失败: %w", err)
	}
	if err := s.docRepo.MarkCommitted(doc.DocumentID); err != nil {
		return "", fmt.Errorf("翻转文档状态失败: %w", err)
	}

	log.Infof("[Decision] 文档 %s 提交完成", doc.DocumentID)
	return model.DocStatusCommitted, nil
}

// discard 硬删除暂存文档及其全部产物。
func (s *decisionService) discard(ctx context.Context, doc *model.Document) (string, error) {
	if doc.Status == model.DocStatusCommitted {
		return "", ErrAlreadyCommitted
	}

	// staged 文档从未写入索引, 只需清理 MySQL 与对象存储
	if err := s.docRepo.DeleteCascade(doc.DocumentID); err != nil {
		return "", fmt.Errorf("删除文档数据失败: %w", err)
	}
	s.removeRaw(ctx, doc)

	log.Infof("[Decision] 文档 %s 已丢弃", doc.DocumentID)
	return model.DocStatusDiscarded, nil
}

// loadStagedChunks 从 MySQL 装配待写入索引的分块文档。
func (s *decisionService) loadStagedChunks(doc *model.Document) ([]model.EsChunk, error) {
	chunks, err := s.docRepo.FindChunksByDocumentID(doc.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("读取文档分块失败: %w", err)
	}
	embeddings, err := s.docRepo.FindActiveEmbeddings(doc.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("读取文档向量失败: %w", err)
	}

	vectors := make(map[string]*model.Embedding, len(embeddings))
	for _, e := range embeddings {
		vectors[e.ChunkID] = e
	}

	esChunks := make([]model.EsChunk, 0, len(chunks))
	for _, c := range chunks {
		e, ok := vectors[c.ChunkID]
		if !ok {
			return nil, fmt.Errorf("分块 %s 缺少向量", c.ChunkID)
		}
		var vector []float32
		if err := json.Unmarshal([]byte(e.Vector), &vector); err != nil {
			return nil, fmt.Errorf("解析分块 %s 向量失败: %w", c.ChunkID, err)
		}
		esChunks = append(esChunks, model.EsChunk{
			ChunkID:       c.ChunkID,
			DocumentID:    c.DocumentID,
			UserID:        doc.UserID,
			ChunkIndex:    c.ChunkIndex,
			TextContent:   c.TextContent,
			Vector:        vector,
			ModelVersion:  e.ModelVersion,
			DocumentTitle: c.DocumentTitle,
			SourceType:    c.SourceType,
		})
	}
	return esChunks, nil
}

// ReapExpired 扫描并回收超过暂存 TTL 的文档。
// 逐个获取决策锁, 正在被用户决策的文档跳过本轮。
func (s *decisionService) ReapExpired(ctx context.Context) (int, error) {
	ttl := time.Duration(s.ingestCfg.StagingTTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	cutoff := time.Now().Add(-ttl)

	docs, err := s.docRepo.FindStagedBefore(cutoff)
	if err != nil {
		return 0, fmt.Errorf("查找过期暂存文档失败: %w", err)
	}

	reaped := 0
	for i := range docs {
		doc := &docs[i]
		acquired, err := s.lockRepo.AcquireDecisionLock(ctx, doc.DocumentID)
		if err != nil || !acquired {
			continue
		}
		if err := s.docRepo.DeleteCascade(doc.DocumentID); err != nil {
			log.Errorf("[Reaper] 回收过期文档 %s 失败: %v", doc.DocumentID, err)
		} else {
			s.removeRaw(ctx, doc)
			reaped++
			log.Infof("[Reaper] 已回收过期暂存文档 %s (创建于 %s)", doc.DocumentID, doc.CreatedAt.Format(time.RFC3339))
		}
		if err := s.lockRepo.ReleaseDecisionLock(ctx, doc.DocumentID); err != nil {
			log.Warnf("[Reaper] 释放决策锁失败, documentID: %s: %v", doc.DocumentID, err)
		}
	}
	return reaped, nil
}

// StartReaper 按配置的间隔周期性回收过期暂存文档。
func (s *decisionService) StartReaper(ctx context.Context) {
	interval := time.Duration(s.ingestCfg.ReaperIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	log.Infof("[Reaper] 暂存回收器已启动, 间隔: %s, TTL: %d 小时", interval, s.ingestCfg.StagingTTLHours)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[Reaper] 暂存回收器已停止")
			return
		case <-ticker.C:
			if n, err := s.ReapExpired(ctx); err != nil {
				log.Errorf("[Reaper] 回收过期暂存文档出错: %v", err)
			} else if n > 0 {
				log.Infof("[Reaper] 本轮回收 %d 篇过期暂存文档", n)
			}
		}
	}
}

// removeRaw 清理文档在对象存储中的原始内容（若存在）。
func (s *decisionService) removeRaw(ctx context.Context, doc *model.Document) {
	if doc.SourceRef == "" || s.removeObject == nil {
		return
	}
	if err := s.removeObject(ctx, doc.SourceRef); err != nil {
		log.Warnf("[Decision] 清理原始对象失败 (object=%s): %v", doc.SourceRef, err)
	}
}
