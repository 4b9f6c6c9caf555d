// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
)

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and our interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Summary 是对一篇待摄取文档的轻量评估结果。
type Summary struct {
	Summary        string  `json:"summary"`
	Recommendation string  `json:"recommendation"` // "keep" | "discard"
	Confidence     float64 `json:"confidence"`
}

// Passage 是一条用于答案合成的检索片段。
type Passage struct {
	Label string // 引用标识，如 chunk/document id
	Text  string
}

// Client defines the interface for an LLM client.
type Client interface {
	// Summarize 生成摘要与"是否值得保留"的建议。失败由调用方降级处理。
	Summarize(ctx context.Context, text string) (*Summary, error)
	// Synthesize 基于检索片段合成带引用标注的叙述性回答。
	Synthesize(ctx context.Context, query string, passages []Passage) (string, error)
	// StreamChat 调用聊天接口并将流式分块写入 writer。
	StreamChat(ctx context.Context, messages []Message, writer MessageWriter) error
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client based on the config.
func NewClient(cfg config.LLMConfig) Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

const summarizePrompt = `Analyze the following document content.

Content:
%s

Provide:
1. A concise summary (2-3 sentences)
2. Whether this content is worth keeping in a personal knowledge base ("keep" or "discard")
3. Your confidence in that recommendation (0.0-1.0)

Respond with JSON only, keys: summary, recommendation, confidence`

// Summarize 调用聊天接口对文档做轻量评估。
// 内容过长时截断到前 4000 字符，避免超出 token 限制。
func (c *openAICompatibleClient) Summarize(ctx context.Context, text string) (*Summary, error) {
	const maxInput = 4000
	if len(text) > maxInput {
		text = text[:maxInput]
	}

	content, err := c.chatOnce(ctx, []Message{
		{Role: "system", Content: "You are an expert document analyst. Respond with valid JSON only."},
		{Role: "user", Content: fmt.Sprintf(summarizePrompt, text)},
	})
	if err != nil {
		return nil, err
	}

	var summary Summary
	if err := json.Unmarshal([]byte(extractJSON(content)), &summary); err != nil {
		return nil, fmt.Errorf("解析摘要响应失败: %w", err)
	}
	if summary.Recommendation != "keep" && summary.Recommendation != "discard" {
		summary.Recommendation = "keep"
	}
	return &summary, nil
}

const synthesizePrompt = `Answer the question using only the referenced passages below.
Cite passages inline with their labels, e.g. [1].
If the passages do not contain the answer, say so.

Question: %s

Passages:
%s`

// Synthesize 基于检索片段合成带引用的叙述性回答。
func (c *openAICompatibleClient) Synthesize(ctx context.Context, query string, passages []Passage) (string, error) {
	if len(passages) == 0 {
		return "", fmt.Errorf("no passages to synthesize from")
	}

	var sb strings.Builder
	for i, p := range passages {
		sb.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i+1, p.Label, p.Text))
	}

	return c.chatOnce(ctx, []Message{
		{Role: "system", Content: "You are a helpful assistant that answers questions from provided passages with citations."},
		{Role: "user", Content: fmt.Sprintf(synthesizePrompt, query, sb.String())},
	})
}

// chatOnce 执行一次非流式聊天补全，返回首个 choice 的内容。
func (c *openAICompatibleClient) chatOnce(ctx context.Context, messages []Message) (string, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
	}
	c.applyGeneration(&reqBody)

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("chat api returned no choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// StreamChat calls the chat completions API and streams the response chunks to writer.
func (c *openAICompatibleClient) StreamChat(ctx context.Context, messages []Message, writer MessageWriter) error {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	c.applyGeneration(&reqBody)

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read from stream: %w", err)
		}

		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(data) == "[DONE]" {
				break
			}

			var chunk chatResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}

			if len(chunk.Choices) > 0 {
				content := chunk.Choices[0].Delta.Content
				if err := writer.WriteMessage(websocket.TextMessage, []byte(content)); err != nil {
					return fmt.Errorf("failed to write message to websocket: %w", err)
				}
			}
		}
	}
	return nil
}

// applyGeneration 从配置注入生成参数（若非零值）。
func (c *openAICompatibleClient) applyGeneration(req *chatRequest) {
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		req.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		req.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		req.MaxTokens = &m
	}
}

// extractJSON 从可能带有 markdown 代码块包裹的模型输出中提取 JSON 正文。
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if start := strings.Index(s, "{"); start >= 0 {
		if end := strings.LastIndex(s, "}"); end > start {
			return s[start : end+1]
		}
	}
	return s
}
