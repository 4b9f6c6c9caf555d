// Package service 实现了应用的核心业务逻辑。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/pkg/embedding"
	"github.com/teamloophr/voiceloop-knowledge/pkg/es"
	"github.com/teamloophr/voiceloop-knowledge/pkg/llm"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
)

// SearchRequest 是搜索接口的请求体。
type SearchRequest struct {
	Query          string `json:"query" binding:"required"`
	SearchType     string `json:"searchType"`
	TopK           int    `json:"topK"`
	EnhanceResults bool   `json:"enhanceResults"`
}

// SearchService 定义了混合检索的业务接口。
// 检索失败不向上抛错：返回空结果集并置位 Error 标志，由调用方降级展示。
type SearchService interface {
	Search(ctx context.Context, userID string, req SearchRequest) *model.SearchResponseDTO
	// History 返回用户最近的搜索审计记录。
	History(userID string, limit int) ([]model.SearchQuery, error)
}

type searchService struct {
	searcher        ChunkSearcher
	embeddingClient embedding.Client
	llmClient       llm.Client
	docRepo         repository.DocumentRepository
	queryRepo       repository.SearchQueryRepository
	cfg             config.SearchConfig
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(
	searcher ChunkSearcher,
	embeddingClient embedding.Client,
	llmClient llm.Client,
	docRepo repository.DocumentRepository,
	queryRepo repository.SearchQueryRepository,
	cfg config.SearchConfig,
) SearchService {
	return &searchService{
		searcher:        searcher,
		embeddingClient: embeddingClient,
		llmClient:       llmClient,
		docRepo:         docRepo,
		queryRepo:       queryRepo,
		cfg:             cfg,
	}
}

// rankedChunk 是融合打分后的一条候选结果。
type rankedChunk struct {
	Chunk    model.EsChunk
	Semantic float64 // 余弦相似度, [-1, 1]
	Keyword  float64 // 归一化 BM25 得分, [0, 1]
	Combined float64 // 最终排序得分
}

// Search 执行一次语义/关键词/混合检索。
func (s *searchService) Search(ctx context.Context, userID string, req SearchRequest) *model.SearchResponseDTO {
	start := time.Now()

	searchType := req.SearchType
	if searchType == "" {
		searchType = model.SearchTypeHybrid
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	if s.cfg.MaxTopK > 0 && topK > s.cfg.MaxTopK {
		topK = s.cfg.MaxTopK
	}

	audit := &model.SearchQuery{
		QueryID:    uuid.NewString(),
		UserID:     userID,
		QueryText:  req.Query,
		SearchType: searchType,
	}

	ranked, queryVector, err := s.retrieve(ctx, userID, req.Query, searchType, topK)
	if err != nil {
		log.Errorf("[Search] 检索失败, user: %s, type: %s, error: %v", userID, searchType, err)
		latency := time.Since(start).Milliseconds()
		audit.Failed = true
		audit.LatencyMs = latency
		s.writeAudit(audit, queryVector)
		return &model.SearchResponseDTO{
			Results:   []model.SearchResultDTO{},
			LatencyMs: latency,
			Error:     true,
		}
	}

	// 只有 committed 文档对搜索可见。索引写入与状态翻转之间存在窗口，
	// 以 MySQL 状态为准核对一遍，窗口期内的分块在此被挡下。
	ranked = s.filterCommitted(ranked)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	results := make([]model.SearchResultDTO, 0, len(ranked))
	for _, rc := range ranked {
		results = append(results, model.SearchResultDTO{
			ChunkID:       rc.Chunk.ChunkID,
			DocumentID:    rc.Chunk.DocumentID,
			ChunkIndex:    rc.Chunk.ChunkIndex,
			TextContent:   rc.Chunk.TextContent,
			Score:         rc.Combined,
			DocumentTitle: rc.Chunk.DocumentTitle,
			SourceType:    rc.Chunk.SourceType,
		})
	}

	// 增强是尽力而为的：LLM 超时或出错时静默退回原始结果
	var narrative string
	if req.EnhanceResults && len(results) > 0 {
		narrative = s.enhance(ctx, req.Query, results)
	}

	latency := time.Since(start).Milliseconds()
	audit.ResultCount = len(results)
	audit.LatencyMs = latency
	audit.Enhanced = narrative != ""
	s.writeAudit(audit, queryVector)

	log.Infof("[Search] 检索完成, user: %s, type: %s, 命中: %d, 耗时: %dms", userID, searchType, len(results), latency)
	return &model.SearchResponseDTO{
		Results:   results,
		Narrative: narrative,
		LatencyMs: latency,
	}
}

// defaultHistoryLimit 是搜索历史的默认与最大返回条数。
const defaultHistoryLimit = 20

// History 返回用户最近的搜索记录, 按时间倒序。
func (s *searchService) History(userID string, limit int) ([]model.SearchQuery, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultHistoryLimit
	}
	return s.queryRepo.FindRecentByUser(userID, limit)
}

// retrieve 按检索模式取回候选分块并完成打分排序。
func (s *searchService) retrieve(ctx context.Context, userID, query, searchType string, topK int) ([]rankedChunk, []float32, error) {
	switch searchType {
	case model.SearchTypeSemantic:
		vector, err := s.embeddingClient.CreateEmbedding(ctx, query)
		if err != nil {
			return nil, nil, fmt.Errorf("查询向量化失败: %w", err)
		}
		hits, err := s.searcher.Knn(ctx, userID, vector, topK)
		if err != nil {
			return nil, vector, err
		}
		return rankSemantic(hits, s.cfg.SimilarityThreshold), vector, nil

	case model.SearchTypeKeyword:
		hits, err := s.searcher.Match(ctx, userID, query, topK)
		if err != nil {
			return nil, nil, err
		}
		return rankKeyword(hits), nil, nil

	case model.SearchTypeHybrid:
		vector, err := s.embeddingClient.CreateEmbedding(ctx, query)
		if err != nil {
			return nil, nil, fmt.Errorf("查询向量化失败: %w", err)
		}
		semHits, err := s.searcher.Knn(ctx, userID, vector, topK)
		if err != nil {
			return nil, vector, err
		}
		kwHits, err := s.searcher.Match(ctx, userID, query, topK)
		if err != nil {
			return nil, vector, err
		}
		return mergeHybrid(semHits, kwHits, s.cfg.SimilarityThreshold, s.cfg.SemanticWeight, s.cfg.KeywordWeight), vector, nil

	default:
		return nil, nil, fmt.Errorf("不支持的检索类型: %s", searchType)
	}
}

// cosineFromKnnScore 把 Elasticsearch cosine knn 的 _score 还原为余弦相似度。
// ES 对 cosine 相似度的打分为 (1 + cos) / 2。
func cosineFromKnnScore(score float64) float64 {
	return 2*score - 1
}

// rankSemantic 过滤低于相似度阈值的命中并按余弦相似度排序。
func rankSemantic(hits []es.Hit, threshold float64) []rankedChunk {
	ranked := make([]rankedChunk, 0, len(hits))
	for _, h := range hits {
		cos := cosineFromKnnScore(h.Score)
		if cos < threshold {
			continue
		}
		ranked = append(ranked, rankedChunk{Chunk: h.Source, Semantic: cos, Combined: cos})
	}
	sortRanked(ranked)
	return ranked
}

// rankKeyword 把 BM25 得分按本次结果集的最大值归一化到 [0, 1]。
func rankKeyword(hits []es.Hit) []rankedChunk {
	maxScore := maxHitScore(hits)
	ranked := make([]rankedChunk, 0, len(hits))
	for _, h := range hits {
		norm := 0.0
		if maxScore > 0 {
			norm = h.Score / maxScore
		}
		ranked = append(ranked, rankedChunk{Chunk: h.Source, Keyword: norm, Combined: norm})
	}
	sortRanked(ranked)
	return ranked
}

// mergeHybrid 融合语义与关键词两路召回。
// 两路得分各自按最大值归一化到 [0, 1] 后加权求和；只出现在一路中的分块
// 另一路得分计 0。语义侧低于相似度阈值的命中在融合前剔除。
func mergeHybrid(semHits, kwHits []es.Hit, threshold, semWeight, kwWeight float64) []rankedChunk {
	byChunk := make(map[string]*rankedChunk)

	var maxSem float64
	type semHit struct {
		hit es.Hit
		cos float64
	}
	kept := make([]semHit, 0, len(semHits))
	for _, h := range semHits {
		cos := cosineFromKnnScore(h.Score)
		if cos < threshold {
			continue
		}
		kept = append(kept, semHit{hit: h, cos: cos})
		if cos > maxSem {
			maxSem = cos
		}
	}
	for _, sh := range kept {
		norm := 0.0
		if maxSem > 0 {
			norm = sh.cos / maxSem
		}
		byChunk[sh.hit.Source.ChunkID] = &rankedChunk{Chunk: sh.hit.Source, Semantic: norm}
	}

	maxKw := maxHitScore(kwHits)
	for _, h := range kwHits {
		norm := 0.0
		if maxKw > 0 {
			norm = h.Score / maxKw
		}
		if rc, ok := byChunk[h.Source.ChunkID]; ok {
			rc.Keyword = norm
		} else {
			byChunk[h.Source.ChunkID] = &rankedChunk{Chunk: h.Source, Keyword: norm}
		}
	}

	ranked := make([]rankedChunk, 0, len(byChunk))
	for _, rc := range byChunk {
		rc.Combined = semWeight*rc.Semantic + kwWeight*rc.Keyword
		ranked = append(ranked, *rc)
	}
	sortRanked(ranked)
	return ranked
}

// sortRanked 按融合得分降序排序；得分相同时语义得分高者优先，
// 再以 chunk_id 兜底保证排序确定性。
func sortRanked(ranked []rankedChunk) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Combined != ranked[j].Combined {
			return ranked[i].Combined > ranked[j].Combined
		}
		if ranked[i].Semantic != ranked[j].Semantic {
			return ranked[i].Semantic > ranked[j].Semantic
		}
		return ranked[i].Chunk.ChunkID < ranked[j].Chunk.ChunkID
	})
}

func maxHitScore(hits []es.Hit) float64 {
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	return max
}

// filterCommitted 回查 MySQL, 剔除所属文档已非 committed 状态的分块。
func (s *searchService) filterCommitted(ranked []rankedChunk) []rankedChunk {
	if len(ranked) == 0 {
		return ranked
	}

	seen := make(map[string]bool)
	docIDs := make([]string, 0, len(ranked))
	for _, rc := range ranked {
		if !seen[rc.Chunk.DocumentID] {
			seen[rc.Chunk.DocumentID] = true
			docIDs = append(docIDs, rc.Chunk.DocumentID)
		}
	}

	docs, err := s.docRepo.FindBatchByDocumentIDs(docIDs)
	if err != nil {
		log.Warnf("[Search] 批量核对文档状态失败, 保守起见丢弃全部结果: %v", err)
		return nil
	}
	committed := make(map[string]bool, len(docs))
	for _, d := range docs {
		if d.Status == model.DocStatusCommitted {
			committed[d.DocumentID] = true
		}
	}

	filtered := ranked[:0]
	for _, rc := range ranked {
		if committed[rc.Chunk.DocumentID] {
			filtered = append(filtered, rc)
		}
	}
	return filtered
}

// enhance 调用 LLM 基于检索结果合成叙述性回答，失败时返回空串。
func (s *searchService) enhance(ctx context.Context, query string, results []model.SearchResultDTO) string {
	timeout := time.Duration(s.cfg.EnhanceTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	enhanceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	passages := make([]llm.Passage, 0, len(results))
	for _, r := range results {
		passages = append(passages, llm.Passage{Label: r.ChunkID, Text: r.TextContent})
	}

	narrative, err := s.llmClient.Synthesize(enhanceCtx, query, passages)
	if err != nil {
		log.Warnf("[Search] 结果增强失败, 退回原始结果: %v", err)
		return ""
	}
	return narrative
}

// writeAudit 写入搜索审计记录。审计失败只记日志，不影响检索结果。
func (s *searchService) writeAudit(audit *model.SearchQuery, queryVector []float32) {
	if len(queryVector) > 0 {
		if b, err := json.Marshal(queryVector); err == nil {
			audit.QueryVector = string(b)
		}
	}
	if err := s.queryRepo.Create(audit); err != nil {
		log.Warnf("[Search] 写入搜索审计记录失败: %v", err)
	}
}
