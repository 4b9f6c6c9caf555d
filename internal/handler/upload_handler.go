// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/internal/middleware"
	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// UploadHandler 处理知识上传请求。
type UploadHandler struct {
	ingestService service.IngestService
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(ingestService service.IngestService) *UploadHandler {
	return &UploadHandler{ingestService: ingestService}
}

// textUploadRequest 是纯文本上传的请求体。
type textUploadRequest struct {
	Title      string `json:"title"`
	SourceType string `json:"sourceType"`
	Text       string `json:"text" binding:"required"`
}

// Upload 处理一次知识上传。
// multipart 请求走文件通道（原始内容落对象存储, Tika 异步提取）,
// JSON 请求走纯文本通道（笔记或语音转写直接入队）。
func (h *UploadHandler) Upload(c *gin.Context) {
	userID, ok := middleware.CurrentUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"code": http.StatusUnauthorized, "message": "无法获取用户信息", "data": nil})
		return
	}

	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		h.uploadFile(c, userID)
		return
	}
	h.uploadText(c, userID)
}

func (h *UploadHandler) uploadFile(c *gin.Context, userID string) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "请求缺少 file 字段", "data": nil})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		log.Errorf("[UploadHandler] 打开上传文件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "读取上传文件失败", "data": nil})
		return
	}
	defer file.Close()

	log.Infof("[UploadHandler] 收到文件上传, user: %s, file: %s, size: %d", userID, fileHeader.Filename, fileHeader.Size)
	resp, err := h.ingestService.SubmitFile(c.Request.Context(), userID,
		c.PostForm("title"), fileHeader.Filename, file, fileHeader.Size,
		fileHeader.Header.Get("Content-Type"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": resp, "message": "success"})
}

func (h *UploadHandler) uploadText(c *gin.Context, userID string) {
	var req textUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求体", "data": nil})
		return
	}

	log.Infof("[UploadHandler] 收到文本上传, user: %s, sourceType: %s, 长度: %d", userID, req.SourceType, len(req.Text))
	resp, err := h.ingestService.SubmitText(c.Request.Context(), userID, req.Title, req.SourceType, req.Text)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": resp, "message": "success"})
}

func (h *UploadHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrEmptyContent),
		errors.Is(err, service.ErrBadSourceType):
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
	case errors.Is(err, service.ErrUploadTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"code": http.StatusRequestEntityTooLarge, "message": err.Error(), "data": nil})
	default:
		log.Errorf("[UploadHandler] 上传处理失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "上传处理失败", "data": nil})
	}
}
