package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/pkg/llm"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
	"github.com/teamloophr/voiceloop-knowledge/pkg/tasks"
)

func TestMain(m *testing.M) {
	log.Init("error", "console", "")
	m.Run()
}

type fakeDocRepo struct {
	repository.DocumentRepository

	docs            map[string]*model.Document
	committedByHash *model.Document
	jobs            *fakeJobRepo

	stagedChunks     []*model.Chunk
	stagedEmbeddings []*model.Embedding
	deleted          []string

	metaHash           string
	metaWordCount      int
	metaSummary        string
	metaRecommendation string
}

func (f *fakeDocRepo) FindByDocumentID(documentID string) (*model.Document, error) {
	doc, ok := f.docs[documentID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return doc, nil
}

func (f *fakeDocRepo) FindCommittedByHash(userID, contentHash string) (*model.Document, error) {
	if f.committedByHash == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return f.committedByHash, nil
}

func (f *fakeDocRepo) UpdateIngestMeta(documentID, contentHash string, wordCount int, summary, recommendation string) error {
	f.metaHash = contentHash
	f.metaWordCount = wordCount
	f.metaSummary = summary
	f.metaRecommendation = recommendation
	return nil
}

func (f *fakeDocRepo) Stage(documentID string, chunks []*model.Chunk, embeddings []*model.Embedding) error {
	f.stagedChunks = chunks
	f.stagedEmbeddings = embeddings
	return nil
}

// DeleteCascade 模拟真实实现的级联语义: 文档行连同任务行一起删除。
func (f *fakeDocRepo) DeleteCascade(documentID string) error {
	f.deleted = append(f.deleted, documentID)
	if f.jobs != nil {
		f.jobs.removed = true
	}
	return nil
}

func (f *fakeDocRepo) DeleteCascadeKeepJob(documentID string) error {
	f.deleted = append(f.deleted, documentID)
	return nil
}

type fakeJobRepo struct {
	repository.JobRepository

	removed     bool // 任务行已被级联删除
	status      string
	stage       string
	progress    int
	firstError  string
	duplicateOf string
	attempts    int
}

func (f *fakeJobRepo) IncrementAttempts(jobID string) error {
	f.attempts++
	return nil
}

func (f *fakeJobRepo) UpdateProgress(jobID, status, stage string, progress int) error {
	f.status = status
	f.stage = stage
	f.progress = progress
	return nil
}

func (f *fakeJobRepo) MarkFailed(jobID, errMsg string) error {
	f.status = model.JobStatusFailed
	if f.firstError == "" {
		f.firstError = errMsg
	}
	return nil
}

func (f *fakeJobRepo) MarkCompleted(jobID string) error {
	f.status = model.JobStatusCompleted
	f.stage = model.JobStageStaged
	f.progress = 100
	return nil
}

func (f *fakeJobRepo) MarkDuplicate(jobID, duplicateOf string) error {
	if f.removed {
		// 与 gorm 一致: UPDATE 匹配零行时静默成功
		return nil
	}
	f.status = model.JobStatusCompleted
	f.duplicateOf = duplicateOf
	return nil
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{float32(i), float32(i) + 0.5}
	}
	return vectors, nil
}

func (f *fakeEmbedder) Close() {}

type fakeLLM struct {
	summary *llm.Summary
	err     error
}

func (f *fakeLLM) Summarize(ctx context.Context, text string) (*llm.Summary, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

func (f *fakeLLM) Synthesize(ctx context.Context, query string, passages []llm.Passage) (string, error) {
	return "", errors.New("not used")
}

func (f *fakeLLM) StreamChat(ctx context.Context, messages []llm.Message, writer llm.MessageWriter) error {
	return nil
}

type fakeExtractor struct {
	text string
}

func (f *fakeExtractor) ExtractText(fileReader io.Reader, fileName string) (string, error) {
	return f.text, nil
}

func newTestProcessor(docRepo *fakeDocRepo, jobRepo *fakeJobRepo, embedder *fakeEmbedder, llmClient *fakeLLM) *Processor {
	return NewProcessor(
		&fakeExtractor{},
		embedder,
		llmClient,
		config.MinIOConfig{BucketName: "test-bucket"},
		config.EmbeddingConfig{Model: "test-model"},
		config.IngestConfig{ChunkSize: 5, ChunkOverlap: 1},
		docRepo,
		jobRepo,
	)
}

func stagedDoc(documentID, userID string) *model.Document {
	return &model.Document{
		DocumentID: documentID,
		UserID:     userID,
		Title:      "测试文档",
		SourceType: model.SourceTypeText,
		Status:     model.DocStatusStaged,
	}
}

func TestProcessor_SuccessStagesChunks(t *testing.T) {
	docRepo := &fakeDocRepo{docs: map[string]*model.Document{
		"doc-1": stagedDoc("doc-1", "user-1"),
	}}
	jobRepo := &fakeJobRepo{}
	embedder := &fakeEmbedder{}
	llmClient := &fakeLLM{summary: &llm.Summary{Summary: "一份测试摘要", Recommendation: "keep", Confidence: 0.9}}
	p := newTestProcessor(docRepo, jobRepo, embedder, llmClient)

	// 12 词, 窗口 5, 重叠 1 → 步长 4 → 3 个分块
	text := strings.Join(makeWords(12), " ")
	err := p.Process(context.Background(), tasks.IngestionTask{
		JobID:      "job-1",
		DocumentID: "doc-1",
		UserID:     "user-1",
		RawText:    text,
	})
	require.NoError(t, err)

	assert.Equal(t, model.JobStatusCompleted, jobRepo.status)
	assert.Equal(t, model.JobStageStaged, jobRepo.stage)
	assert.Equal(t, 100, jobRepo.progress)
	assert.Equal(t, 1, jobRepo.attempts)
	assert.Empty(t, jobRepo.firstError)

	require.Len(t, docRepo.stagedChunks, 3)
	require.Len(t, docRepo.stagedEmbeddings, 3)
	assert.Equal(t, "doc-1_0", docRepo.stagedChunks[0].ChunkID)
	assert.Equal(t, "doc-1_2", docRepo.stagedChunks[2].ChunkID)
	assert.Equal(t, 0, docRepo.stagedChunks[0].StartWord)
	assert.Equal(t, 12, docRepo.stagedChunks[2].EndWord)
	assert.Equal(t, "测试文档", docRepo.stagedChunks[0].DocumentTitle)
	assert.Equal(t, "test-model", docRepo.stagedEmbeddings[0].ModelVersion)
	assert.Equal(t, 2, docRepo.stagedEmbeddings[0].Dimensions)
	assert.True(t, docRepo.stagedEmbeddings[0].IsActive)

	assert.Equal(t, 12, docRepo.metaWordCount)
	assert.NotEmpty(t, docRepo.metaHash)
	assert.Equal(t, "一份测试摘要", docRepo.metaSummary)
	assert.Equal(t, "keep", docRepo.metaRecommendation)
}

func TestProcessor_EmbedFailureMarksJobFailed(t *testing.T) {
	docRepo := &fakeDocRepo{docs: map[string]*model.Document{
		"doc-1": stagedDoc("doc-1", "user-1"),
	}}
	jobRepo := &fakeJobRepo{}
	embedder := &fakeEmbedder{err: errors.New("embedding api exhausted retries")}
	p := newTestProcessor(docRepo, jobRepo, embedder, &fakeLLM{err: errors.New("llm down")})

	err := p.Process(context.Background(), tasks.IngestionTask{
		JobID:      "job-1",
		DocumentID: "doc-1",
		UserID:     "user-1",
		RawText:    strings.Join(makeWords(30), " "),
	})
	require.Error(t, err)

	assert.Equal(t, model.JobStatusFailed, jobRepo.status)
	assert.Contains(t, jobRepo.firstError, "批量向量化失败")
	assert.Empty(t, docRepo.stagedChunks)
}

func TestProcessor_LLMFailureFallsBackToHeuristic(t *testing.T) {
	docRepo := &fakeDocRepo{docs: map[string]*model.Document{
		"doc-1": stagedDoc("doc-1", "user-1"),
	}}
	jobRepo := &fakeJobRepo{}
	p := newTestProcessor(docRepo, jobRepo, &fakeEmbedder{}, &fakeLLM{err: errors.New("llm down")})

	err := p.Process(context.Background(), tasks.IngestionTask{
		JobID:      "job-1",
		DocumentID: "doc-1",
		UserID:     "user-1",
		RawText:    strings.Join(makeWords(30), " "),
	})
	require.NoError(t, err)

	// LLM 不可用时摄取继续, 启发式给出建议
	assert.Equal(t, model.JobStatusCompleted, jobRepo.status)
	assert.Equal(t, "keep", docRepo.metaRecommendation)
}

func TestProcessor_DuplicateShortCircuits(t *testing.T) {
	jobRepo := &fakeJobRepo{}
	docRepo := &fakeDocRepo{
		docs: map[string]*model.Document{
			"doc-2": stagedDoc("doc-2", "user-1"),
		},
		committedByHash: &model.Document{DocumentID: "doc-1", Status: model.DocStatusCommitted},
		jobs:            jobRepo,
	}
	embedder := &fakeEmbedder{}
	p := newTestProcessor(docRepo, jobRepo, embedder, &fakeLLM{})

	err := p.Process(context.Background(), tasks.IngestionTask{
		JobID:      "job-2",
		DocumentID: "doc-2",
		UserID:     "user-1",
		RawText:    strings.Join(makeWords(30), " "),
	})
	require.NoError(t, err)

	// 去重短路：清理暂存文档, 任务以"已入库"完成, 不再分块与向量化
	assert.Equal(t, []string{"doc-2"}, docRepo.deleted)
	// 任务行必须在清理后仍然存在, 否则用户查询任务只会得到 404
	assert.False(t, jobRepo.removed)
	assert.Equal(t, model.JobStatusCompleted, jobRepo.status)
	assert.Equal(t, "doc-1", jobRepo.duplicateOf)
	assert.Zero(t, embedder.calls)
	assert.Empty(t, docRepo.stagedChunks)
}

func TestProcessor_SkipsNonStagedDocument(t *testing.T) {
	committed := stagedDoc("doc-1", "user-1")
	committed.Status = model.DocStatusCommitted
	docRepo := &fakeDocRepo{docs: map[string]*model.Document{"doc-1": committed}}
	jobRepo := &fakeJobRepo{}
	p := newTestProcessor(docRepo, jobRepo, &fakeEmbedder{}, &fakeLLM{})

	err := p.Process(context.Background(), tasks.IngestionTask{
		JobID:      "job-1",
		DocumentID: "doc-1",
		UserID:     "user-1",
		RawText:    "hello world",
	})
	require.NoError(t, err)
	assert.Zero(t, jobRepo.attempts)
	assert.Empty(t, jobRepo.status)
}

func TestProcessor_MissingDocumentFailsJob(t *testing.T) {
	docRepo := &fakeDocRepo{docs: map[string]*model.Document{}}
	jobRepo := &fakeJobRepo{}
	p := newTestProcessor(docRepo, jobRepo, &fakeEmbedder{}, &fakeLLM{})

	err := p.Process(context.Background(), tasks.IngestionTask{
		JobID:      "job-1",
		DocumentID: "doc-missing",
		UserID:     "user-1",
		RawText:    "hello world",
	})
	require.Error(t, err)
	assert.Equal(t, model.JobStatusFailed, jobRepo.status)
}
