// Package embedding provides a client for interacting with embedding models.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

const (
	defaultMaxRetries = 3
	defaultWorkers    = 4
	baseBackoff       = 500 * time.Millisecond
)

// Client defines the interface for an embedding client.
type Client interface {
	// CreateEmbedding 将单条文本向量化。
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch 并发向量化一批文本，结果顺序与输入一致。
	// 并发度受限于配置的 worker 数；任一失败即取消整批并返回首个错误。
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Close releases the underlying worker pool.
	Close()
}

type openAICompatibleClient struct {
	cfg    config.EmbeddingConfig
	client *http.Client
	pool   *ants.Pool
}

// NewClient creates a new embedding client based on the config.
func NewClient(cfg config.EmbeddingConfig) (Client, error) {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("创建 embedding worker pool 失败: %w", err)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		pool:   pool,
	}, nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// fatalStatus 判断 HTTP 状态码是否为不可重试的致命错误。
// 认证失败与输入被拒绝直接上抛，重试没有意义。
func fatalStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// CreateEmbedding calls the OpenAI-compatible API to get the vector for a given text.
// 瞬时失败（网络错误、限流、5xx）按指数退避重试，次数有界。
func (c *openAICompatibleClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			log.Warnf("[EmbeddingClient] 第 %d 次重试, 退避 %s, 上次错误: %v", attempt, backoff, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		vector, retryable, err := c.doEmbed(ctx, text)
		if err == nil {
			return vector, nil
		}
		if !retryable {
			log.Errorf("[EmbeddingClient] 遇到致命错误, 不再重试: %v", err)
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("embedding api exhausted %d retries: %w", maxRetries, lastErr)
}

// doEmbed 执行一次实际调用，返回 (向量, 是否可重试, 错误)。
func (c *openAICompatibleClient) doEmbed(ctx context.Context, text string) ([]float32, bool, error) {
	reqBody := embeddingRequest{
		Model:      c.cfg.Model,
		Input:      []string{text},
		Dimensions: c.cfg.Dimensions,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		// 网络层错误视为瞬时失败
		return nil, true, fmt.Errorf("failed to call embedding api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("embedding api returned non-200 status: %s", resp.Status)
		if fatalStatus(resp.StatusCode) {
			return nil, false, err
		}
		// 429 与 5xx 可重试
		return nil, true, err
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		return nil, true, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(embeddingResp.Data) == 0 || len(embeddingResp.Data[0].Embedding) == 0 {
		return nil, false, fmt.Errorf("received empty embedding from api")
	}
	return embeddingResp.Data[0].Embedding, false, nil
}

// EmbedBatch 通过有界 worker pool 并发向量化一批文本。
func (c *openAICompatibleClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log.Infof("[EmbeddingClient] 开始批量向量化, 文本数: %d, 并发上限: %d", len(texts), c.pool.Cap())

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	vectors := make([][]float32, len(texts))
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i, text := range texts {
		i, text := i, text
		wg.Add(1)
		if err := c.pool.Submit(func() {
			defer wg.Done()
			if batchCtx.Err() != nil {
				return
			}
			vector, err := c.CreateEmbedding(batchCtx, text)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("块 %d 向量化失败: %w", i, err)
					cancel()
				}
				mu.Unlock()
				return
			}
			vectors[i] = vector
		}); err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = fmt.Errorf("提交向量化任务失败: %w", err)
				cancel()
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	log.Infof("[EmbeddingClient] 批量向量化完成, 共 %d 个向量", len(vectors))
	return vectors, nil
}

// Close releases the worker pool.
func (c *openAICompatibleClient) Close() {
	c.pool.Release()
}
