package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
	"github.com/teamloophr/voiceloop-knowledge/pkg/token"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// AskHandler 负责处理知识问答的 WebSocket 连接。
type AskHandler struct {
	askService service.AskService
	jwtManager *token.JWTManager
	// 每连接停止标志
	stopFlags sync.Map // key: session pointer string, value: bool
}

// NewAskHandler 创建一个新的 AskHandler。
func NewAskHandler(askService service.AskService, jwtManager *token.JWTManager) *AskHandler {
	return &AskHandler{
		askService: askService,
		jwtManager: jwtManager,
	}
}

// Handle 处理一个传入的 WebSocket 连接。
// WebSocket 握手无法携带 Authorization 头，token 通过查询参数传入。
func (h *AskHandler) Handle(c *gin.Context) {
	tokenString := c.Query("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无效的 token", "data": nil})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	sessionKey := fmt.Sprintf("%p", conn)
	defer h.stopFlags.Delete(sessionKey)
	log.Infof("WebSocket 连接已建立, 用户: %s", claims.UserID)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		// JSON 停止指令: {"type":"stop"}，中止当前回答的下发
		if len(message) > 0 && message[0] == '{' {
			var ctrl map[string]interface{}
			if err := json.Unmarshal(message, &ctrl); err == nil {
				if t, ok := ctrl["type"].(string); ok && t == "stop" {
					h.stopFlags.Store(sessionKey, true)
					resp := map[string]interface{}{
						"type":      "stop",
						"message":   "响应已停止",
						"timestamp": time.Now().UnixMilli(),
					}
					b, _ := json.Marshal(resp)
					_ = conn.WriteMessage(websocket.TextMessage, b)
					continue
				}
			}
		}

		question := strings.TrimSpace(string(message))
		if question == "" {
			continue
		}

		// 新问题开始前清除上一轮的停止标志
		h.stopFlags.Delete(sessionKey)
		shouldStop := func() bool {
			v, ok := h.stopFlags.Load(sessionKey)
			return ok && v.(bool)
		}

		log.Infof("收到问答请求, 用户: %s, 问题长度: %d", claims.UserID, len(question))
		if err := h.askService.StreamAnswer(c.Request.Context(), claims.UserID, question, conn, shouldStop); err != nil {
			log.Errorf("问答处理失败, 用户: %s: %v", claims.UserID, err)
			errMsg := map[string]interface{}{
				"type":    "error",
				"message": "回答生成失败, 请稍后重试",
			}
			b, _ := json.Marshal(errMsg)
			_ = conn.WriteMessage(websocket.TextMessage, b)
		}
	}
}
