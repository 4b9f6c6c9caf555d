package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	m.Run()
}

func testConfig(baseURL string) config.EmbeddingConfig {
	return config.EmbeddingConfig{
		APIKey:         "test-key",
		BaseURL:        baseURL,
		Model:          "test-model",
		Dimensions:     4,
		TimeoutSeconds: 5,
		MaxRetries:     2,
		Workers:        2,
	}
}

func writeEmbedding(w http.ResponseWriter, vector []float32) {
	resp := map[string]interface{}{
		"data": []map[string]interface{}{{"embedding": vector}},
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func TestCreateEmbedding_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, []string{"你好世界"}, req.Input)

		writeEmbedding(w, []float32{0.1, 0.2, 0.3, 0.4})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer client.Close()

	vector, err := client.CreateEmbedding(context.Background(), "你好世界")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3, 0.4}, vector)
}

func TestCreateEmbedding_RetriesTransientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusInternalServerError)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			writeEmbedding(w, []float32{1, 2})
		}
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer client.Close()

	vector, err := client.CreateEmbedding(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, vector)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCreateEmbedding_FatalErrorDoesNotRetry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CreateEmbedding(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCreateEmbedding_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.CreateEmbedding(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
	// 首次调用 + 2 次重试
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestEmbedBatch_PreservesInputOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Input, 1)
		// 向量由输入文本决定，用于核对顺序
		var idx float32
		_, err := fmt.Sscanf(req.Input[0], "text-%f", &idx)
		require.NoError(t, err)
		writeEmbedding(w, []float32{idx, idx * 10})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer client.Close()

	texts := make([]string, 8)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%d", i)
	}
	vectors, err := client.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 8)
	for i, v := range vectors {
		assert.Equal(t, []float32{float32(i), float32(i) * 10}, v, "向量 %d 顺序错位", i)
	}
}

func TestEmbedBatch_FirstErrorCancelsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Input[0] == "poison" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		writeEmbedding(w, []float32{1})
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.EmbedBatch(context.Background(), []string{"ok-1", "poison", "ok-2"})
	require.Error(t, err)
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	client, err := NewClient(testConfig("http://unused"))
	require.NoError(t, err)
	defer client.Close()

	vectors, err := client.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestFatalStatus(t *testing.T) {
	assert.True(t, fatalStatus(http.StatusBadRequest))
	assert.True(t, fatalStatus(http.StatusUnauthorized))
	assert.True(t, fatalStatus(http.StatusForbidden))
	assert.True(t, fatalStatus(http.StatusUnprocessableEntity))
	assert.False(t, fatalStatus(http.StatusTooManyRequests))
	assert.False(t, fatalStatus(http.StatusInternalServerError))
}
