// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/teamloophr/voiceloop-knowledge/internal/config"
	"github.com/teamloophr/voiceloop-knowledge/internal/handler"
	"github.com/teamloophr/voiceloop-knowledge/internal/middleware"
	"github.com/teamloophr/voiceloop-knowledge/internal/model"
	"github.com/teamloophr/voiceloop-knowledge/internal/pipeline"
	"github.com/teamloophr/voiceloop-knowledge/internal/repository"
	"github.com/teamloophr/voiceloop-knowledge/internal/service"
	"github.com/teamloophr/voiceloop-knowledge/pkg/database"
	"github.com/teamloophr/voiceloop-knowledge/pkg/embedding"
	"github.com/teamloophr/voiceloop-knowledge/pkg/es"
	"github.com/teamloophr/voiceloop-knowledge/pkg/kafka"
	"github.com/teamloophr/voiceloop-knowledge/pkg/llm"
	"github.com/teamloophr/voiceloop-knowledge/pkg/log"
	"github.com/teamloophr/voiceloop-knowledge/pkg/storage"
	"github.com/teamloophr/voiceloop-knowledge/pkg/tika"
	"github.com/teamloophr/voiceloop-knowledge/pkg/token"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储、搜索索引与消息队列
	database.InitMySQL(cfg.Database.MySQL.DSN)
	if err := database.DB.AutoMigrate(
		&model.Document{},
		&model.Chunk{},
		&model.Embedding{},
		&model.ProcessingJob{},
		&model.SearchQuery{},
	); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
		log.Fatalf("es 初始化失败: %v", err)
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	docRepo := repository.NewDocumentRepository(database.DB)
	jobRepo := repository.NewJobRepository(database.DB)
	queryRepo := repository.NewSearchQueryRepository(database.DB)
	lockRepo := repository.NewLockRepository(database.RDB)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret)
	tikaClient := tika.NewClient(cfg.Tika)
	embeddingClient, err := embedding.NewClient(cfg.Embedding)
	if err != nil {
		log.Fatalf("embedding 客户端初始化失败: %v", err)
	}
	defer embeddingClient.Close()
	llmClient := llm.NewClient(cfg.LLM)

	chunkIndex := service.NewESChunkIndex(cfg.Elasticsearch.IndexName)
	removeObject := func(ctx context.Context, objectName string) error {
		return storage.RemoveObject(ctx, cfg.MinIO.BucketName, objectName)
	}
	putObject := func(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
		return storage.PutRawObject(ctx, cfg.MinIO.BucketName, objectName, reader, size, contentType)
	}

	ingestService := service.NewIngestService(docRepo, jobRepo, cfg.Ingest, kafka.ProduceIngestionTask, putObject)
	decisionService := service.NewDecisionService(docRepo, jobRepo, lockRepo, chunkIndex, removeObject, cfg.Ingest)
	searchService := service.NewSearchService(chunkIndex, embeddingClient, llmClient, docRepo, queryRepo, cfg.Search)
	documentService := service.NewDocumentService(docRepo, jobRepo, lockRepo, chunkIndex, removeObject)
	askService := service.NewAskService(searchService, llmClient)

	// 6. 初始化摄取管道 (Processor)
	processor := pipeline.NewProcessor(
		tikaClient,
		embeddingClient,
		llmClient,
		cfg.MinIO,
		cfg.Embedding,
		cfg.Ingest,
		docRepo,
		jobRepo,
	)

	// 7. 启动后台 Kafka 消费者与暂存回收器
	go kafka.StartConsumer(cfg.Kafka, processor)

	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	defer cancelReaper()
	go decisionService.StartReaper(reaperCtx)

	// 8. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 9. 注册路由
	apiV1 := r.Group("/api/v1")
	{
		// Document 路由组，需要认证
		documents := apiV1.Group("/documents")
		documents.Use(middleware.AuthMiddleware(jwtManager))
		{
			documents.POST("/upload", handler.NewUploadHandler(ingestService).Upload)
			documents.POST("/decision", handler.NewDecisionHandler(decisionService).Decide)
			documents.GET("", handler.NewDocumentHandler(documentService).List)
			documents.DELETE("/:id", handler.NewDocumentHandler(documentService).Delete)
		}

		// Job 路由组，需要认证
		jobs := apiV1.Group("/jobs")
		jobs.Use(middleware.AuthMiddleware(jwtManager))
		{
			jobs.GET("/:id", handler.NewJobHandler(documentService).Get)
		}

		// Search 路由组，需要认证
		search := apiV1.Group("/search")
		search.Use(middleware.AuthMiddleware(jwtManager))
		{
			searchHandler := handler.NewSearchHandler(searchService)
			search.POST("", searchHandler.Search)
			search.GET("/history", searchHandler.History)
		}

		// Ask 路由 (WebSocket)，token 经查询参数校验
		apiV1.GET("/ask", handler.NewAskHandler(askService, jwtManager).Handle)
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	// Kafka 消费循环会随进程退出自然结束，无需单独关闭。
	log.Info("服务已优雅关闭")
}
