package service

import (
	"context"

	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/pkg/es"
)

// ChunkSearcher 抽象对分块索引的检索操作，便于在测试中替换 Elasticsearch。
type ChunkSearcher interface {
	Knn(ctx context.Context, userID string, queryVector []float32, topK int) ([]es.Hit, error)
	Match(ctx context.Context, userID, query string, topK int) ([]es.Hit, error)
}

// ChunkIndexer 抽象对分块索引的写入与删除操作。
type ChunkIndexer interface {
	BulkIndex(ctx context.Context, chunks []model.EsChunk) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// esChunkIndex 是基于 pkg/es 的生产实现，同时满足 ChunkSearcher 与 ChunkIndexer。
type esChunkIndex struct {
	indexName string
}

// NewESChunkIndex 创建绑定到指定索引的 Elasticsearch 适配器。
func NewESChunkIndex(indexName string) *esChunkIndex {
	return &esChunkIndex{indexName: indexName}
}

func (e *esChunkIndex) Knn(ctx context.Context, userID string, queryVector []float32, topK int) ([]es.Hit, error) {
	return es.KnnSearch(ctx, e.indexName, userID, queryVector, topK)
}

func (e *esChunkIndex) Match(ctx context.Context, userID, query string, topK int) ([]es.Hit, error) {
	return es.MatchSearch(ctx, e.indexName, userID, query, topK)
}

func (e *esChunkIndex) BulkIndex(ctx context.Context, chunks []model.EsChunk) error {
	return es.BulkIndexChunks(ctx, e.indexName, chunks)
}

func (e *esChunkIndex) DeleteByDocument(ctx context.Context, documentID string) error {
	return es.DeleteByDocumentID(ctx, e.indexName, documentID)
}
