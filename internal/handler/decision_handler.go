package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/internal/middleware"
	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// DecisionHandler 处理暂存文档的 commit/discard 决策请求。
type DecisionHandler struct {
	decisionService service.DecisionService
}

// NewDecisionHandler 创建一个新的 DecisionHandler 实例。
func NewDecisionHandler(decisionService service.DecisionService) *DecisionHandler {
	return &DecisionHandler{decisionService: decisionService}
}

// decisionRequest 是决策接口的请求体。
type decisionRequest struct {
	DocumentID string `json:"documentId" binding:"required"`
	Action     string `json:"action" binding:"required"`
}

// Decide 对一篇暂存文档执行决策。
func (h *DecisionHandler) Decide(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求体", "data": nil})
		return
	}

	log.Infof("[DecisionHandler] 收到决策请求, user: %s, document: %s, action: %s", userID, req.DocumentID, req.Action)
	status, err := h.decisionService.Decide(c.Request.Context(), userID, req.DocumentID, req.Action)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":    200,
		"data":    gin.H{"documentId": req.DocumentID, "status": status},
		"message": "success",
	})
}

func (h *DecisionHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
	case errors.Is(err, service.ErrDocumentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error(), "data": nil})
	case errors.Is(err, service.ErrDecisionInFlight),
		errors.Is(err, service.ErrIngestNotFinished),
		errors.Is(err, service.ErrIngestFailed),
		errors.Is(err, service.ErrAlreadyCommitted):
		c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error(), "data": nil})
	default:
		log.Errorf("[DecisionHandler] 决策处理失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "决策处理失败", "data": nil})
	}
}
