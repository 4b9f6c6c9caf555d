package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
	"github.com/teamloophr/voiceloop-knowledge/pkg/tasks"
)

// 上传接口的业务错误。
var (
	ErrEmptyContent   = errors.New("上传内容为空")
	ErrUploadTooLarge = errors.New("上传内容超出大小限制")
	ErrBadSourceType  = errors.New("无效的来源类型")
)

// TaskProducer 把摄取任务投递到消息队列（生产环境为 Kafka）。
type TaskProducer func(task tasks.IngestionTask) error

// ObjectPutter 保存原始上传内容到对象存储（生产环境为 MinIO）。
type ObjectPutter func(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error

// IngestService 是知识摄取的入口。
// 上传同步完成登记（文档 + 任务 + 入队）, 实际摄取由 Kafka 消费侧异步执行,
// 调用方通过返回的 jobId 轮询进度。
type IngestService interface {
	// SubmitText 登记一段纯文本（笔记或语音转写）的摄取。
	SubmitText(ctx context.Context, userID, title, sourceType, text string) (*model.UploadResponseDTO, error)
	// SubmitFile 登记一个上传文件的摄取, 原始内容先落对象存储。
	SubmitFile(ctx context.Context, userID, title, fileName string, file io.Reader, size int64, contentType string) (*model.UploadResponseDTO, error)
}

type ingestService struct {
	docRepo   repository.DocumentRepository
	jobRepo   repository.JobRepository
	ingestCfg config.IngestConfig
	produce   TaskProducer
	putObject ObjectPutter
}

// NewIngestService 创建一个新的 IngestService 实例。
func NewIngestService(
	docRepo repository.DocumentRepository,
	jobRepo repository.JobRepository,
	ingestCfg config.IngestConfig,
	produce TaskProducer,
	putObject ObjectPutter,
) IngestService {
	return &ingestService{
		docRepo:   docRepo,
		jobRepo:   jobRepo,
		ingestCfg: ingestCfg,
		produce:   produce,
		putObject: putObject,
	}
}

// SubmitText 登记一段纯文本的摄取。
func (s *ingestService) SubmitText(ctx context.Context, userID, title, sourceType, text string) (*model.UploadResponseDTO, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyContent
	}
	if s.ingestCfg.MaxUploadBytes > 0 && int64(len(text)) > s.ingestCfg.MaxUploadBytes {
		return nil, ErrUploadTooLarge
	}

	switch sourceType {
	case "":
		sourceType = model.SourceTypeText
	case model.SourceTypeText, model.SourceTypeTranscript:
	default:
		return nil, ErrBadSourceType
	}
	if title == "" {
		title = deriveTitle(text)
	}

	documentID := uuid.NewString()
	doc := &model.Document{
		DocumentID: documentID,
		UserID:     userID,
		Title:      title,
		SourceType: sourceType,
		Status:     model.DocStatusStaged,
	}

	return s.register(doc, tasks.IngestionTask{
		DocumentID: documentID,
		UserID:     userID,
		Title:      title,
		SourceType: sourceType,
		RawText:    text,
	})
}

// SubmitFile 登记一个上传文件的摄取。
func (s *ingestService) SubmitFile(ctx context.Context, userID, title, fileName string, file io.Reader, size int64, contentType string) (*model.UploadResponseDTO, error) {
	if size <= 0 {
		return nil, ErrEmptyContent
	}
	if s.ingestCfg.MaxUploadBytes > 0 && size > s.ingestCfg.MaxUploadBytes {
		return nil, ErrUploadTooLarge
	}
	if title == "" {
		title = fileName
	}

	documentID := uuid.NewString()
	objectName := fmt.Sprintf("raw/%s/%s", documentID, filepath.Base(fileName))
	if err := s.putObject(ctx, objectName, file, size, contentType); err != nil {
		return nil, fmt.Errorf("保存原始文件失败: %w", err)
	}

	doc := &model.Document{
		DocumentID: documentID,
		UserID:     userID,
		Title:      title,
		SourceType: model.SourceTypeFile,
		SourceRef:  objectName,
		Status:     model.DocStatusStaged,
	}

	return s.register(doc, tasks.IngestionTask{
		DocumentID: documentID,
		UserID:     userID,
		Title:      title,
		SourceType: model.SourceTypeFile,
		ObjectName: objectName,
		FileName:   fileName,
	})
}

// register 写入文档与任务记录并投递摄取任务。
// 投递失败时任务立即置为 failed, 文档等待用户丢弃或 TTL 回收。
func (s *ingestService) register(doc *model.Document, task tasks.IngestionTask) (*model.UploadResponseDTO, error) {
	if err := s.docRepo.CreateDocument(doc); err != nil {
		return nil, fmt.Errorf("创建文档记录失败: %w", err)
	}

	jobID := uuid.NewString()
	task.JobID = jobID
	job := &model.ProcessingJob{
		JobID:      jobID,
		DocumentID: doc.DocumentID,
		UserID:     doc.UserID,
		Status:     model.JobStatusPending,
	}
	if err := s.jobRepo.Create(job); err != nil {
		return nil, fmt.Errorf("创建摄取任务失败: %w", err)
	}

	if err := s.produce(task); err != nil {
		log.Errorf("[Ingest] 投递摄取任务失败, documentID: %s: %v", doc.DocumentID, err)
		if markErr := s.jobRepo.MarkFailed(jobID, "投递摄取任务失败: "+err.Error()); markErr != nil {
			log.Errorf("[Ingest] 标记任务失败时出错: %v", markErr)
		}
		return nil, fmt.Errorf("投递摄取任务失败: %w", err)
	}

	log.Infof("[Ingest] 已登记摄取任务, documentID: %s, jobID: %s, sourceType: %s", doc.DocumentID, jobID, doc.SourceType)
	return &model.UploadResponseDTO{
		DocumentID: doc.DocumentID,
		JobID:      jobID,
		Status:     model.JobStatusPending,
	}, nil
}

// deriveTitle 从正文首部截取一个默认标题。
func deriveTitle(text string) string {
	const maxTitleWords = 8
	words := strings.Fields(text)
	if len(words) > maxTitleWords {
		return strings.Join(words[:maxTitleWords], " ") + "..."
	}
	return strings.Join(words, " ")
}
