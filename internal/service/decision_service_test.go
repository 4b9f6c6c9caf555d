package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
)

func seedStagedDocument(docRepo *stubDocRepo, jobRepo *stubJobRepo, documentID, userID string) {
	docRepo.docs[documentID] = &model.Document{
		DocumentID: documentID,
		UserID:     userID,
		Title:      "员工手册",
		SourceType: model.SourceTypeFile,
		SourceRef:  "raw/" + documentID + "/handbook.pdf",
		Status:     model.DocStatusStaged,
	}
	docRepo.chunks[documentID] = []*model.Chunk{
		{ChunkID: documentID + "_0", DocumentID: documentID, ChunkIndex: 0, TextContent: "第一段", DocumentTitle: "员工手册", SourceType: model.SourceTypeFile},
		{ChunkID: documentID + "_1", DocumentID: documentID, ChunkIndex: 1, TextContent: "第二段", DocumentTitle: "员工手册", SourceType: model.SourceTypeFile},
	}
	docRepo.embeddings[documentID] = []*model.Embedding{
		{ChunkID: documentID + "_0", DocumentID: documentID, Vector: "[0.1,0.2]", ModelVersion: "m1", Dimensions: 2, IsActive: true},
		{ChunkID: documentID + "_1", DocumentID: documentID, Vector: "[0.3,0.4]", ModelVersion: "m1", Dimensions: 2, IsActive: true},
	}
	jobRepo.jobs[documentID] = &model.ProcessingJob{
		JobID: "job-" + documentID, DocumentID: documentID, UserID: userID,
		Status: model.JobStatusCompleted, Stage: model.JobStageStaged,
	}
}

func newTestDecisionService(docRepo *stubDocRepo, jobRepo *stubJobRepo, lock *fakeLock, indexer *fakeIndexer) (DecisionService, *[]string) {
	removed := []string{}
	svc := NewDecisionService(docRepo, jobRepo, lock, indexer,
		func(ctx context.Context, objectName string) error {
			removed = append(removed, objectName)
			return nil
		},
		config.IngestConfig{StagingTTLHours: 24},
	)
	return svc, &removed
}

func TestDecide_CommitIndexesAndFlipsStatus(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	indexer := &fakeIndexer{}
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), indexer)

	status, err := svc.Decide(context.Background(), "user-1", "doc-1", "commit")
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusCommitted, status)

	// 全部分块经单次 bulk 写入, 向量从 JSON 还原
	require.Len(t, indexer.bulks, 1)
	require.Len(t, indexer.bulks[0], 2)
	assert.Equal(t, "doc-1_0", indexer.bulks[0][0].ChunkID)
	assert.Equal(t, "user-1", indexer.bulks[0][0].UserID)
	assert.Equal(t, []float32{0.1, 0.2}, indexer.bulks[0][0].Vector)

	assert.Equal(t, []string{"doc-1"}, docRepo.committed)
}

func TestDecide_CommitIsIdempotent(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	docRepo.docs["doc-1"].Status = model.DocStatusCommitted
	indexer := &fakeIndexer{}
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), indexer)

	status, err := svc.Decide(context.Background(), "user-1", "doc-1", "commit")
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusCommitted, status)
	assert.Empty(t, indexer.bulks)
	assert.Empty(t, docRepo.committed)
}

func TestDecide_CommitBeforeIngestFinishes(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	jobRepo.jobs["doc-1"].Status = model.JobStatusProcessing
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "commit")
	assert.ErrorIs(t, err, ErrIngestNotFinished)
}

func TestDecide_CommitAfterIngestFailure(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	jobRepo.jobs["doc-1"].Status = model.JobStatusFailed
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "commit")
	assert.ErrorIs(t, err, ErrIngestFailed)
}

func TestDecide_CommitMissingDocument(t *testing.T) {
	svc, _ := newTestDecisionService(newStubDocRepo(), newStubJobRepo(), newFakeLock(), &fakeIndexer{})
	_, err := svc.Decide(context.Background(), "user-1", "doc-gone", "commit")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDecide_CommitBulkFailureKeepsStaged(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	indexer := &fakeIndexer{bulkErr: assert.AnError}
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), indexer)

	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "commit")
	require.Error(t, err)
	// bulk 失败时状态不翻转, 文档保持 staged 可重试
	assert.Empty(t, docRepo.committed)
	assert.Equal(t, model.DocStatusStaged, docRepo.docs["doc-1"].Status)
}

func TestDecide_DiscardDeletesEverything(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	svc, removed := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	status, err := svc.Decide(context.Background(), "user-1", "doc-1", "discard")
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusDiscarded, status)
	assert.Equal(t, []string{"doc-1"}, docRepo.deleted)
	assert.Equal(t, []string{"raw/doc-1/handbook.pdf"}, *removed)
}

func TestDecide_DiscardTwiceIsNoop(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "discard")
	require.NoError(t, err)

	// 第二次 discard：文档已不存在, 返回 discarded 而非错误
	status, err := svc.Decide(context.Background(), "user-1", "doc-1", "discard")
	require.NoError(t, err)
	assert.Equal(t, model.DocStatusDiscarded, status)
	assert.Equal(t, []string{"doc-1"}, docRepo.deleted)
}

func TestDecide_DiscardCommittedRejected(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	docRepo.docs["doc-1"].Status = model.DocStatusCommitted
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "discard")
	assert.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestDecide_OtherUsersDocumentInvisible(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	svc, _ := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	_, err := svc.Decide(context.Background(), "user-2", "doc-1", "commit")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestDecide_InvalidAction(t *testing.T) {
	svc, _ := newTestDecisionService(newStubDocRepo(), newStubJobRepo(), newFakeLock(), &fakeIndexer{})
	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "archive")
	assert.ErrorIs(t, err, ErrInvalidAction)
}

func TestDecide_LockContention(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-1", "user-1")
	lock := newFakeLock()
	lock.held["doc-1"] = true
	svc, _ := newTestDecisionService(docRepo, jobRepo, lock, &fakeIndexer{})

	_, err := svc.Decide(context.Background(), "user-1", "doc-1", "commit")
	assert.ErrorIs(t, err, ErrDecisionInFlight)
}

func TestReapExpired_DiscardsStaleDocuments(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	seedStagedDocument(docRepo, jobRepo, "doc-old", "user-1")
	docRepo.staged = []model.Document{
		{DocumentID: "doc-old", UserID: "user-1", SourceRef: "raw/doc-old/a.pdf", Status: model.DocStatusStaged, CreatedAt: time.Now().Add(-48 * time.Hour)},
	}
	svc, removed := newTestDecisionService(docRepo, jobRepo, newFakeLock(), &fakeIndexer{})

	n, err := svc.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"doc-old"}, docRepo.deleted)
	assert.Equal(t, []string{"raw/doc-old/a.pdf"}, *removed)
}

func TestReapExpired_SkipsLockedDocuments(t *testing.T) {
	docRepo, jobRepo := newStubDocRepo(), newStubJobRepo()
	docRepo.staged = []model.Document{{DocumentID: "doc-busy", UserID: "user-1", Status: model.DocStatusStaged}}
	lock := newFakeLock()
	lock.held["doc-busy"] = true
	svc, _ := newTestDecisionService(docRepo, jobRepo, lock, &fakeIndexer{})

	n, err := svc.ReapExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, docRepo.deleted)
}
