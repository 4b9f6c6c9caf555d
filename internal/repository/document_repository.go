// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/teamloophr/voiceloop-knowledge/internal/model"
)

// DocumentRepository 接口定义了文档及其分块、向量的持久化操作。
// 所有按用户过滤的方法都以显式的 userID 参数限定范围。
type DocumentRepository interface {
	CreateDocument(doc *model.Document) error
	FindByDocumentID(documentID string) (*model.Document, error)
	FindByDocumentIDAndUser(documentID, userID string) (*model.Document, error)
	FindCommittedByHash(userID, contentHash string) (*model.Document, error)
	FindCommittedByUser(userID string) ([]model.Document, error)
	FindBatchByDocumentIDs(documentIDs []string) ([]*model.Document, error)
	FindStagedBefore(cutoff time.Time) ([]model.Document, error)

	// UpdateIngestMeta 回填摄取阶段产出的文档元数据（哈希、词数、摘要、建议）。
	UpdateIngestMeta(documentID, contentHash string, wordCount int, summary, recommendation string) error
	// Stage 在单个事务中写入一个文档的全部分块与向量（全有或全无）。
	Stage(documentID string, chunks []*model.Chunk, embeddings []*model.Embedding) error
	// MarkCommitted 将 staged 文档翻转为 committed。可见性随这一条 UPDATE 原子切换。
	MarkCommitted(documentID string) error
	// DeleteCascade 在单个事务中删除文档及其全部分块、向量与任务记录。
	DeleteCascade(documentID string) error
	// DeleteCascadeKeepJob 同 DeleteCascade, 但保留任务记录。
	// 去重短路时使用: 任务行需要留下来向用户报告"内容已入库"。
	DeleteCascadeKeepJob(documentID string) error

	FindChunksByDocumentID(documentID string) ([]*model.Chunk, error)
	FindActiveEmbeddings(documentID string) ([]*model.Embedding, error)
}

// documentRepository 是 DocumentRepository 接口的 GORM 实现。
type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

// CreateDocument 在数据库中创建一条新的文档记录（初始状态 staged）。
func (r *documentRepository) CreateDocument(doc *model.Document) error {
	return r.db.Create(doc).Error
}

// FindByDocumentID 根据公开 ID 检索文档。
func (r *documentRepository) FindByDocumentID(documentID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("document_id = ?", documentID).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByDocumentIDAndUser 根据公开 ID 与所属用户检索文档。
func (r *documentRepository) FindByDocumentIDAndUser(documentID, userID string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("document_id = ? AND user_id = ?", documentID, userID).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindCommittedByHash 查找同一用户下内容哈希相同的已提交文档（用于去重短路）。
func (r *documentRepository) FindCommittedByHash(userID, contentHash string) (*model.Document, error) {
	var doc model.Document
	err := r.db.Where("user_id = ? AND content_hash = ? AND status = ?",
		userID, contentHash, model.DocStatusCommitted).First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindCommittedByUser 查找指定用户的所有已提交文档。
func (r *documentRepository) FindCommittedByUser(userID string) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("user_id = ? AND status = ?", userID, model.DocStatusCommitted).
		Order("created_at desc").Find(&docs).Error
	return docs, err
}

// FindBatchByDocumentIDs 批量检索文档（搜索结果回查状态与标题时使用）。
func (r *documentRepository) FindBatchByDocumentIDs(documentIDs []string) ([]*model.Document, error) {
	var docs []*model.Document
	if len(documentIDs) == 0 {
		return docs, nil
	}
	err := r.db.Where("document_id IN ?", documentIDs).Find(&docs).Error
	return docs, err
}

// FindStagedBefore 查找在截止时间之前创建且仍处于 staged 状态的文档（TTL 回收用）。
func (r *documentRepository) FindStagedBefore(cutoff time.Time) ([]model.Document, error) {
	var docs []model.Document
	err := r.db.Where("status = ? AND created_at < ?", model.DocStatusStaged, cutoff).Find(&docs).Error
	return docs, err
}

// UpdateIngestMeta 回填摄取阶段产出的文档元数据。
func (r *documentRepository) UpdateIngestMeta(documentID, contentHash string, wordCount int, summary, recommendation string) error {
	return r.db.Model(&model.Document{}).Where("document_id = ?", documentID).
		Updates(map[string]interface{}{
			"content_hash":   contentHash,
			"word_count":     wordCount,
			"summary":        summary,
			"recommendation": recommendation,
		}).Error
}

// Stage 在单个事务中批量写入分块与向量。
func (r *documentRepository) Stage(documentID string, chunks []*model.Chunk, embeddings []*model.Embedding) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		// 幂等：重试的任务先清掉上次的中间产物
		if err := tx.Where("document_id = ?", documentID).Delete(&model.Embedding{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error; err != nil {
			return err
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return err
			}
		}
		if len(embeddings) > 0 {
			if err := tx.CreateInBatches(embeddings, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkCommitted 将文档状态从 staged 翻转为 committed。
func (r *documentRepository) MarkCommitted(documentID string) error {
	now := time.Now()
	return r.db.Model(&model.Document{}).
		Where("document_id = ? AND status = ?", documentID, model.DocStatusStaged).
		Updates(map[string]interface{}{
			"status":       model.DocStatusCommitted,
			"committed_at": &now,
		}).Error
}

// DeleteCascade 在单个事务中删除文档及其所有关联行。
// 不保留 discarded tombstone；删除后该文档对任何读取路径不可见。
func (r *documentRepository) DeleteCascade(documentID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&model.ProcessingJob{}).Error; err != nil {
			return err
		}
		return deleteDocumentRows(tx, documentID)
	})
}

// DeleteCascadeKeepJob 删除文档及其分块、向量行, 但保留任务记录。
func (r *documentRepository) DeleteCascadeKeepJob(documentID string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return deleteDocumentRows(tx, documentID)
	})
}

func deleteDocumentRows(tx *gorm.DB, documentID string) error {
	if err := tx.Where("document_id = ?", documentID).Delete(&model.Embedding{}).Error; err != nil {
		return err
	}
	if err := tx.Where("document_id = ?", documentID).Delete(&model.Chunk{}).Error; err != nil {
		return err
	}
	return tx.Where("document_id = ?", documentID).Delete(&model.Document{}).Error
}

// FindChunksByDocumentID 按 chunk_index 升序返回文档的全部分块。
func (r *documentRepository) FindChunksByDocumentID(documentID string) ([]*model.Chunk, error) {
	var chunks []*model.Chunk
	err := r.db.Where("document_id = ?", documentID).Order("chunk_index asc").Find(&chunks).Error
	return chunks, err
}

// FindActiveEmbeddings 返回文档所有未退役的向量行。
func (r *documentRepository) FindActiveEmbeddings(documentID string) ([]*model.Embedding, error) {
	var embeddings []*model.Embedding
	err := r.db.Where("document_id = ? AND is_active = ?", documentID, true).Find(&embeddings).Error
	return embeddings, err
}
