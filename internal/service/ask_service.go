package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/pkg/llm"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// 问答检索使用的固定参数。
const (
	askRetrievalTopK = 5
	refStart         = "<<REF>>"
	refEnd           = "<<END>>"
	noResultText     = "（本轮无检索结果）"
)

// AskService 实现基于用户知识库的流式问答。
// 每个问题先经混合检索取回片段, 再交给 LLM 流式作答, 答案分块推送到 WebSocket。
type AskService interface {
	StreamAnswer(ctx context.Context, userID, question string, conn *websocket.Conn, shouldStop func() bool) error
}

type askService struct {
	searchService SearchService
	llmClient     llm.Client
}

// NewAskService 创建一个新的 AskService 实例。
func NewAskService(searchService SearchService, llmClient llm.Client) AskService {
	return &askService{
		searchService: searchService,
		llmClient:     llmClient,
	}
}

// StreamAnswer 对一个问题执行检索增强问答并把答案流式写入 conn。
func (s *askService) StreamAnswer(ctx context.Context, userID, question string, conn *websocket.Conn, shouldStop func() bool) error {
	resp := s.searchService.Search(ctx, userID, SearchRequest{
		Query:      question,
		SearchType: model.SearchTypeHybrid,
		TopK:       askRetrievalTopK,
	})
	if resp.Error {
		log.Warnf("[Ask] 检索失败, 将在无片段的情况下作答, user: %s", userID)
	}

	messages := []llm.Message{
		{Role: "system", Content: buildAskSystemMessage(resp.Results)},
		{Role: "user", Content: question},
	}

	interceptor := &wsWriterInterceptor{
		conn:       conn,
		writer:     &strings.Builder{},
		shouldStop: shouldStop,
	}
	if err := s.llmClient.StreamChat(ctx, messages, interceptor); err != nil {
		return fmt.Errorf("流式问答失败: %w", err)
	}

	sendSources(conn, resp.Results)
	sendCompletion(conn)
	log.Infof("[Ask] 问答完成, user: %s, 引用片段: %d, 答案长度: %d", userID, len(resp.Results), interceptor.writer.Len())
	return nil
}

// buildAskSystemMessage 把检索片段装配成系统提示。
func buildAskSystemMessage(results []model.SearchResultDTO) string {
	var sys strings.Builder
	sys.WriteString("You are a personal knowledge assistant. Answer using only the referenced passages between the markers. ")
	sys.WriteString("Cite passages inline with their bracketed numbers. If the passages do not contain the answer, say so.\n\n")
	sys.WriteString(refStart)
	sys.WriteString("\n")
	if len(results) == 0 {
		sys.WriteString(noResultText)
		sys.WriteString("\n")
	} else {
		for i, r := range results {
			sys.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i+1, r.DocumentTitle, r.TextContent))
		}
	}
	sys.WriteString(refEnd)
	return sys.String()
}

// wsWriterInterceptor 是对 websocket.Conn 的封装，用于捕获写入的消息。
type wsWriterInterceptor struct {
	conn       *websocket.Conn
	writer     *strings.Builder
	shouldStop func() bool
}

// WriteMessage 满足 llm.MessageWriter 接口。
func (w *wsWriterInterceptor) WriteMessage(messageType int, data []byte) error {
	if w.shouldStop != nil && w.shouldStop() {
		// 停止标志生效：跳过下发
		return nil
	}
	w.writer.Write(data)
	// 将原始分块包装成 {"chunk":"..."}
	payload := map[string]string{"chunk": string(data)}
	b, _ := json.Marshal(payload)
	return w.conn.WriteMessage(messageType, b)
}

// sendSources 下发本次回答引用的片段列表。
func sendSources(ws *websocket.Conn, results []model.SearchResultDTO) {
	notif := map[string]interface{}{
		"type":    "sources",
		"sources": results,
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}

// sendCompletion 发送完成通知 JSON
func sendCompletion(ws *websocket.Conn) {
	notif := map[string]interface{}{
		"type":      "completion",
		"status":    "finished",
		"timestamp": time.Now().UnixMilli(),
		"date":      time.Now().Format("2006-01-02T15:04:05"),
	}
	b, _ := json.Marshal(notif)
	_ = ws.WriteMessage(websocket.TextMessage, b)
}
