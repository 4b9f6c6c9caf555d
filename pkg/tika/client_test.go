package tika

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
)

func TestExtractText_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/tika", r.URL.Path)
		assert.Equal(t, "text/plain", r.Header.Get("Accept"))
		assert.Contains(t, r.Header.Get("Content-Type"), "application/pdf")
		_, _ = w.Write([]byte("提取出的正文内容"))
	}))
	defer srv.Close()

	client := NewClient(config.TikaConfig{ServerURL: srv.URL})
	text, err := client.ExtractText(strings.NewReader("%PDF-1.4 ..."), "handbook.pdf")
	require.NoError(t, err)
	assert.Equal(t, "提取出的正文内容", text)
}

func TestExtractText_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unsupported media type", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(config.TikaConfig{ServerURL: srv.URL})
	_, err := client.ExtractText(strings.NewReader("data"), "broken.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
}

func TestDetectMimeType(t *testing.T) {
	assert.Contains(t, detectMimeType("a.pdf"), "application/pdf")
	assert.Contains(t, detectMimeType("a.html"), "text/html")
	assert.Equal(t, "application/octet-stream", detectMimeType("noextension"))
	assert.Equal(t, "application/octet-stream", detectMimeType("weird.zzzz"))
}
