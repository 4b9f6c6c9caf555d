package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/internal/middleware"
	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// JobHandler 处理摄取任务进度查询请求。
type JobHandler struct {
	documentService service.DocumentService
}

// NewJobHandler 创建一个新的 JobHandler 实例。
func NewJobHandler(documentService service.DocumentService) *JobHandler {
	return &JobHandler{documentService: documentService}
}

// Get 返回一次摄取任务的状态、阶段与进度。
func (h *JobHandler) Get(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	jobID := c.Param("id")
	job, err := h.documentService.GetJob(jobID, userID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": http.StatusNotFound, "message": err.Error(), "data": nil})
			return
		}
		log.Errorf("[JobHandler] 查询任务失败, jobID: %s: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "查询任务失败", "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": job, "message": "success"})
}
