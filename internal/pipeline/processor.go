package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/pkg/embedding"
	"github.com/teamloophr/voiceloop-knowledge/pkg/llm"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
	"github.com/teamloophr/voiceloop-knowledge/pkg/storage"
	"github.com/teamloophr/voiceloop-knowledge/pkg/tasks"
)

// TextExtractor 抽象文本提取服务（Tika）。格式解析不在本服务内实现。
type TextExtractor interface {
	ExtractText(fileReader io.Reader, fileName string) (string, error)
}

// ObjectFetcher 抽象原始对象的读取，便于在测试中替换 MinIO。
type ObjectFetcher func(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)

// Processor 封装了文档摄取的所有依赖和逻辑。
// 状态机：extracted → summarized → chunked → embedded → staged(awaiting decision)。
type Processor struct {
	extractor       TextExtractor
	embeddingClient embedding.Client
	llmClient       llm.Client
	minioCfg        config.MinIOConfig
	embeddingCfg    config.EmbeddingConfig
	ingestCfg       config.IngestConfig
	docRepo         repository.DocumentRepository
	jobRepo         repository.JobRepository
	fetchObject     ObjectFetcher
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	extractor TextExtractor,
	embeddingClient embedding.Client,
	llmClient llm.Client,
	minioCfg config.MinIOConfig,
	embeddingCfg config.EmbeddingConfig,
	ingestCfg config.IngestConfig,
	docRepo repository.DocumentRepository,
	jobRepo repository.JobRepository,
) *Processor {
	return &Processor{
		extractor:       extractor,
		embeddingClient: embeddingClient,
		llmClient:       llmClient,
		minioCfg:        minioCfg,
		embeddingCfg:    embeddingCfg,
		ingestCfg:       ingestCfg,
		docRepo:         docRepo,
		jobRepo:         jobRepo,
		fetchObject:     fetchFromMinIO,
	}
}

// WithObjectFetcher 替换原始对象读取实现（测试用）。
func (p *Processor) WithObjectFetcher(f ObjectFetcher) *Processor {
	p.fetchObject = f
	return p
}

func fetchFromMinIO(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	return storage.MinioClient.GetObject(ctx, bucket, objectName, minio.GetObjectOptions{})
}

// Process 是文档摄取的主函数。
// 任何阶段失败都会将任务置为 failed 并记录首个错误；已写入的中间产物
// 保持 staged 归属，由重试清理或 TTL 回收兜底，绝不会进入 committed。
func (p *Processor) Process(ctx context.Context, task tasks.IngestionTask) error {
	log.Infof("[Processor] 开始摄取文档, DocumentID: %s, JobID: %s, UserID: %s", task.DocumentID, task.JobID, task.UserID)

	doc, err := p.docRepo.FindByDocumentID(task.DocumentID)
	if err != nil {
		// 文档可能已被 TTL 回收或用户丢弃，任务直接失败，不再重试有意义的内容
		return p.fail(task.JobID, fmt.Errorf("查找待摄取文档失败: %w", err))
	}
	if doc.Status != model.DocStatusStaged {
		log.Warnf("[Processor] 文档 %s 状态为 %s, 非 staged, 跳过处理", doc.DocumentID, doc.Status)
		return nil
	}
	_ = p.jobRepo.IncrementAttempts(task.JobID)

	// 1. 获取文本：纯文本任务直接携带，文件任务从 MinIO 下载并经 Tika 提取
	text, err := p.acquireText(ctx, task)
	if err != nil {
		return p.fail(task.JobID, err)
	}
	if err := p.jobRepo.UpdateProgress(task.JobID, model.JobStatusProcessing, model.JobStageExtracted, 10); err != nil {
		log.Warnf("[Processor] 更新任务进度失败: %v", err)
	}

	// 2. 规范化与去重：相同用户下已有内容哈希一致的 committed 文档时短路
	words := NormalizeText(text)
	if len(words) == 0 {
		return p.fail(task.JobID, ErrEmptyText)
	}
	normalized := strings.Join(words, " ")
	sum := sha256.Sum256([]byte(normalized))
	contentHash := hex.EncodeToString(sum[:])

	if existing, err := p.docRepo.FindCommittedByHash(task.UserID, contentHash); err == nil && existing.DocumentID != task.DocumentID {
		log.Infof("[Processor] 内容已入库 (document_id=%s), 短路本次摄取并清理暂存文档 %s", existing.DocumentID, task.DocumentID)
		// 先落任务状态再清理: 任务行必须留下来, 用户通过它看到"已入库"
		if err := p.jobRepo.MarkDuplicate(task.JobID, existing.DocumentID); err != nil {
			return p.fail(task.JobID, fmt.Errorf("标记任务为重复失败: %w", err))
		}
		if err := p.docRepo.DeleteCascadeKeepJob(task.DocumentID); err != nil {
			log.Errorf("[Processor] 清理重复暂存文档失败: %v", err)
		}
		p.removeRawObject(ctx, doc)
		return nil
	}

	// 3. 轻量评估：生成摘要与"是否值得保留"建议，仅供决策参考，绝不自动提交
	summary, recommendation := p.assess(ctx, doc.Title, text, len(words))
	if err := p.docRepo.UpdateIngestMeta(task.DocumentID, contentHash, len(words), summary, recommendation); err != nil {
		return p.fail(task.JobID, fmt.Errorf("回填文档元数据失败: %w", err))
	}
	if err := p.jobRepo.UpdateProgress(task.JobID, model.JobStatusProcessing, model.JobStageSummarized, 30); err != nil {
		log.Warnf("[Processor] 更新任务进度失败: %v", err)
	}

	// 4. 分块
	log.Infof("[Processor] 开始文本分块, chunkSize: %d, overlap: %d", p.ingestCfg.ChunkSize, p.ingestCfg.ChunkOverlap)
	spans, err := SplitText(text, p.ingestCfg.ChunkSize, p.ingestCfg.ChunkOverlap)
	if err != nil {
		return p.fail(task.JobID, fmt.Errorf("文本分块失败: %w", err))
	}
	log.Infof("[Processor] 文本分块完成, 共生成 %d 个分块", len(spans))
	if err := p.jobRepo.UpdateProgress(task.JobID, model.JobStatusProcessing, model.JobStageChunked, 50); err != nil {
		log.Warnf("[Processor] 更新任务进度失败: %v", err)
	}

	// 5. 并发向量化
	texts := make([]string, len(spans))
	for i, s := range spans {
		texts[i] = s.Text
	}
	vectors, err := p.embeddingClient.EmbedBatch(ctx, texts)
	if err != nil {
		return p.fail(task.JobID, fmt.Errorf("批量向量化失败: %w", err))
	}
	if err := p.jobRepo.UpdateProgress(task.JobID, model.JobStatusProcessing, model.JobStageEmbedded, 80); err != nil {
		log.Warnf("[Processor] 更新任务进度失败: %v", err)
	}

	// 6. 原子暂存：单个事务写入全部分块与向量
	chunks := make([]*model.Chunk, 0, len(spans))
	embeddings := make([]*model.Embedding, 0, len(spans))
	for i, s := range spans {
		chunkID := fmt.Sprintf("%s_%d", task.DocumentID, i)
		chunks = append(chunks, &model.Chunk{
			ChunkID:       chunkID,
			DocumentID:    task.DocumentID,
			ChunkIndex:    i,
			TextContent:   s.Text,
			StartWord:     s.StartWord,
			EndWord:       s.EndWord,
			DocumentTitle: doc.Title,
			SourceType:    doc.SourceType,
		})
		vectorBytes, err := json.Marshal(vectors[i])
		if err != nil {
			return p.fail(task.JobID, fmt.Errorf("序列化向量失败: %w", err))
		}
		embeddings = append(embeddings, &model.Embedding{
			ChunkID:      chunkID,
			DocumentID:   task.DocumentID,
			Vector:       string(vectorBytes),
			ModelVersion: p.embeddingCfg.Model,
			Dimensions:   len(vectors[i]),
			IsActive:     true,
		})
	}
	if err := p.docRepo.Stage(task.DocumentID, chunks, embeddings); err != nil {
		return p.fail(task.JobID, fmt.Errorf("暂存分块与向量失败: %w", err))
	}

	if err := p.jobRepo.MarkCompleted(task.JobID); err != nil {
		log.Errorf("[Processor] 标记任务完成失败: %v", err)
	}
	log.Infof("[Processor] 文档摄取完成, DocumentID: %s, 分块数: %d, 等待 commit/discard 决策", task.DocumentID, len(chunks))
	return nil
}

// acquireText 按任务类型获取纯文本内容。
func (p *Processor) acquireText(ctx context.Context, task tasks.IngestionTask) (string, error) {
	if task.RawText != "" {
		return task.RawText, nil
	}

	log.Infof("[Processor] 从 MinIO 下载原始对象, Bucket: %s, Object: %s", p.minioCfg.BucketName, task.ObjectName)
	object, err := p.fetchObject(ctx, p.minioCfg.BucketName, task.ObjectName)
	if err != nil {
		return "", fmt.Errorf("从 MinIO 下载文件失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		return "", fmt.Errorf("读取 MinIO 对象流失败: %w", err)
	}
	if size == 0 {
		return "", fmt.Errorf("对象 '%s' 内容为空", task.ObjectName)
	}

	log.Infof("[Processor] 使用 Tika 提取文本, FileName: %s, 大小: %d 字节", task.FileName, size)
	text, err := p.extractor.ExtractText(bytes.NewReader(buf.Bytes()), task.FileName)
	if err != nil {
		return "", fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	return text, nil
}

// assess 生成摘要与保留建议。LLM 失败时退化为启发式评估，摄取不因此中断。
func (p *Processor) assess(ctx context.Context, title, text string, wordCount int) (string, string) {
	summary, err := p.llmClient.Summarize(ctx, text)
	if err == nil {
		return summary.Summary, summary.Recommendation
	}
	log.Warnf("[Processor] LLM 摘要失败, 使用启发式评估: %v", err)

	recommendation := "keep"
	if wordCount < 20 {
		// 过短的内容大概率是误传
		recommendation = "discard"
	}
	return fmt.Sprintf("文档 '%s' 包含 %d 个词。", title, wordCount), recommendation
}

// fail 将任务置为 failed 并透传错误（供 Kafka 重试计数）。
func (p *Processor) fail(jobID string, err error) error {
	log.Errorf("[Processor] 摄取失败, JobID: %s, Error: %v", jobID, err)
	if markErr := p.jobRepo.MarkFailed(jobID, err.Error()); markErr != nil {
		log.Errorf("[Processor] 标记任务失败时出错: %v", markErr)
	}
	return err
}

// removeRawObject 清理 MinIO 中的原始对象（若存在）。
func (p *Processor) removeRawObject(ctx context.Context, doc *model.Document) {
	if doc.SourceRef == "" {
		return
	}
	if err := storage.RemoveObject(ctx, p.minioCfg.BucketName, doc.SourceRef); err != nil {
		log.Warnf("[Processor] 清理原始对象失败 (object=%s): %v", doc.SourceRef, err)
	}
}
