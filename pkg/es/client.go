// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

var ESClient *elasticsearch.Client

// Hit 是一次搜索返回的单条命中。
type Hit struct {
	Source model.EsChunk
	Score  float64
}

// InitES 初始化 Elasticsearch 客户端并确保分块索引存在。
func InitES(esCfg config.ElasticsearchConfig, dims int) error {
	cfg := elasticsearch.Config{
		Addresses: []string{esCfg.Addresses},
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return err
	}
	ESClient = client
	return createIndexIfNotExists(esCfg.IndexName, dims)
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则创建它。
// 向量维度来自 embedding 配置，相似度固定为 cosine。
func createIndexIfNotExists(indexName string, dims int) error {
	res, err := ESClient.Indices.Exists([]string{indexName})
	if err != nil {
		log.Errorf("检查索引是否存在时出错: %v", err)
		return err
	}
	if !res.IsError() && res.StatusCode == http.StatusOK {
		log.Infof("索引 '%s' 已存在", indexName)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		log.Errorf("检查索引 '%s' 是否存在时收到意外的状态码: %d", indexName, res.StatusCode)
		return fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"chunk_id": { "type": "keyword" },
				"document_id": { "type": "keyword" },
				"user_id": { "type": "keyword" },
				"chunk_index": { "type": "integer" },
				"text_content": { "type": "text" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "cosine"
				},
				"model_version": { "type": "keyword" },
				"document_title": { "type": "keyword" },
				"source_type": { "type": "keyword" }
			}
		}
	}`, dims)

	res, err = ESClient.Indices.Create(
		indexName,
		ESClient.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("创建索引 '%s' 失败: %v", indexName, err)
		return err
	}
	if res.IsError() {
		log.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", indexName, res.String())
		return errors.New("创建索引时 Elasticsearch 返回错误")
	}

	log.Infof("索引 '%s' 创建成功", indexName)
	return nil
}

// BulkIndexChunks 将一个文档的所有分块通过单次 bulk 请求写入索引。
// 单次请求 + refresh=true 让同一文档的分块尽可能同时可见；
// 最终可见性仍以 MySQL 中的 committed 状态为准（搜索侧会做状态核对）。
func BulkIndexChunks(ctx context.Context, indexName string, chunks []model.EsChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, c := range chunks {
		meta := fmt.Sprintf(`{"index":{"_id":"%s"}}`, c.ChunkID)
		docBytes, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("序列化分块 %s 失败: %w", c.ChunkID, err)
		}
		buf.WriteString(meta)
		buf.WriteByte('\n')
		buf.Write(docBytes)
		buf.WriteByte('\n')
	}

	req := esapi.BulkRequest{
		Index:   indexName,
		Body:    bytes.NewReader(buf.Bytes()),
		Refresh: "true",
	}
	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("bulk 索引分块到 Elasticsearch 出错: %s", res.String())
		return errors.New("failed to bulk index chunks")
	}

	var bulkResp struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if bulkResp.Errors {
		return errors.New("bulk 响应中包含条目级错误")
	}
	return nil
}

// DeleteByDocumentID 删除索引中属于指定文档的所有分块。
func DeleteByDocumentID(ctx context.Context, indexName, documentID string) error {
	query := fmt.Sprintf(`{"query":{"term":{"document_id":"%s"}}}`, documentID)
	refresh := true
	req := esapi.DeleteByQueryRequest{
		Index:   []string{indexName},
		Body:    strings.NewReader(query),
		Refresh: &refresh,
	}
	res, err := req.Do(ctx, ESClient)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("按文档删除 Elasticsearch 分块出错: %s", res.String())
		return errors.New("failed to delete chunks by document id")
	}
	return nil
}

// KnnSearch 在用户范围内执行向量近邻检索。
// 返回的 score 为 Elasticsearch 的 cosine knn 得分，范围 (0, 1]。
func KnnSearch(ctx context.Context, indexName, userID string, queryVector []float32, topK int) ([]Hit, error) {
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   queryVector,
			"k":              topK,
			"num_candidates": topK * 10,
			"filter": map[string]interface{}{
				"term": map[string]interface{}{"user_id": userID},
			},
		},
		"size": topK,
	}
	return doSearch(ctx, indexName, esQuery)
}

// MatchSearch 在用户范围内执行 BM25 关键词检索。
func MatchSearch(ctx context.Context, indexName, userID, query string, topK int) ([]Hit, error) {
	esQuery := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"match": map[string]interface{}{
						"text_content": query,
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"user_id": userID},
				},
			},
		},
		"size": topK,
	}
	return doSearch(ctx, indexName, esQuery)
}

func doSearch(ctx context.Context, indexName string, esQuery map[string]interface{}) ([]Hit, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := ESClient.Search(
		ESClient.Search.WithContext(ctx),
		ESClient.Search.WithIndex(indexName),
		ESClient.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("Elasticsearch 返回错误, status: %s", res.Status())
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.String())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source model.EsChunk `json:"_source"`
				Score  float64       `json:"_score"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	hits := make([]Hit, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		hits = append(hits, Hit{Source: h.Source, Score: h.Score})
	}
	return hits, nil
}
