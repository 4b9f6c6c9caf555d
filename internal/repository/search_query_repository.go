package repository

import (
	"gorm.io/gorm"

	"github.com/teamloophr/voiceloop-knowledge/internal/model"
)

// SearchQueryRepository 定义了搜索审计记录的持久化操作。
// 记录只写入一次，没有更新路径。
type SearchQueryRepository interface {
	Create(query *model.SearchQuery) error
	FindRecentByUser(userID string, limit int) ([]model.SearchQuery, error)
}

type searchQueryRepository struct {
	db *gorm.DB
}

// NewSearchQueryRepository 创建一个新的 SearchQueryRepository 实例。
func NewSearchQueryRepository(db *gorm.DB) SearchQueryRepository {
	return &searchQueryRepository{db: db}
}

// Create 写入一条搜索审计记录。
func (r *searchQueryRepository) Create(query *model.SearchQuery) error {
	return r.db.Create(query).Error
}

// FindRecentByUser 返回用户最近的搜索记录。
func (r *searchQueryRepository) FindRecentByUser(userID string, limit int) ([]model.SearchQuery, error) {
	var queries []model.SearchQuery
	err := r.db.Where("user_id = ?", userID).Order("created_at desc").Limit(limit).Find(&queries).Error
	return queries, err
}
