package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/internal/middleware"
	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 是处理搜索请求的 Gin 处理函数。
// 检索失败不返回 5xx：响应体携带空结果与 error 标志, 前端据此降级展示。
func (h *SearchHandler) Search(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	var req service.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("[SearchHandler] 搜索请求参数无效: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的查询参数", "data": nil})
		return
	}

	log.Infof("[SearchHandler] 收到搜索请求, user: %s, type: %s, query: %s", userID, req.SearchType, req.Query)
	resp := h.searchService.Search(c.Request.Context(), userID, req)
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": resp, "message": "success"})
}

// History 是查询搜索历史的 Gin 处理函数。
func (h *SearchHandler) History(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的 limit 参数", "data": nil})
		return
	}

	queries, err := h.searchService.History(userID, limit)
	if err != nil {
		log.Errorf("[SearchHandler] 查询搜索历史失败, user: %s: %v", userID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询搜索历史失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": queries, "message": "success"})
}
