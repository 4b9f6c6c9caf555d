package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/internal/middleware"
	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// DocumentHandler 处理文档与摄取任务的查询和删除请求。
type DocumentHandler struct {
	documentService service.DocumentService
}

// NewDocumentHandler 创建一个新的 DocumentHandler 实例。
func NewDocumentHandler(documentService service.DocumentService) *DocumentHandler {
	return &DocumentHandler{documentService: documentService}
}

// List 返回当前用户的全部已提交文档。
func (h *DocumentHandler) List(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	docs, err := h.documentService.ListCommitted(userID)
	if err != nil {
		log.Errorf("[DocumentHandler] 查询文档列表失败, user: %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询文档列表失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": docs, "message": "success"})
}

// Delete 把一篇文档从所有存储中彻底移除。
func (h *DocumentHandler) Delete(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	documentID := c.Param("id")
	log.Infof("[DocumentHandler] 收到删除请求, user: %s, document: %s", userID, documentID)
	if err := h.documentService.Delete(c.Request.Context(), userID, documentID); err != nil {
		switch {
		case errors.Is(err, service.ErrDocumentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error(), "data": nil})
		case errors.Is(err, service.ErrDecisionInFlight):
			c.JSON(http.StatusConflict, gin.H{"code": http.StatusConflict, "message": err.Error(), "data": nil})
		default:
			log.Errorf("[DocumentHandler] 删除文档失败: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "删除文档失败", "data": nil})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"documentId": documentID}, "message": "success"})
}
