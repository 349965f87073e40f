package server

import (
	"context"
	"net/http"

	"wallfetch/app/auth"
	"wallfetch/app/config"
	"wallfetch/app/database"
	"wallfetch/app/filewatcher"
	"wallfetch/app/handler"
	"wallfetch/app/logger"
	"wallfetch/app/middleware"
	"wallfetch/app/service"
	"wallfetch/app/utils/downloader"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	engine  *downloader.Engine
	queue   *service.DownloadQueueService
	loader  *service.ImageLoader
	janitor *service.CacheJanitor
	watcher *filewatcher.CacheWatcher
	jwt     *auth.JWTService
}

// New 创建一个新的 Server 实例；database.Init 未调用时任务不持久化
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	router := gin.Default()

	opts := downloader.DefaultOptions(cfg.Cache.Root)
	opts.ChunkSize = cfg.Download.ChunkSize
	opts.UserAgent = cfg.Download.UserAgent
	opts.Timeout = cfg.Download.Timeout
	opts.IndexTTL = cfg.Cache.IndexTTL
	opts.ProgressBuffer = cfg.Download.ProgressBuffer
	engine := downloader.NewEngine(opts, log.Named("downloader").Logger)

	var store service.TaskStore
	if db := database.GetDB(); db != nil {
		store = service.NewGormTaskStore(db)
	}

	queue := service.NewDownloadQueueService(log.Named("queue"), engine, store, service.QueueConfig{
		MaxConcurrent:  cfg.Download.MaxConcurrent,
		DefaultDir:     cfg.Download.DefaultDir,
		ProgressBuffer: cfg.Download.ProgressBuffer,
	})

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:  cfg,
		Logger:  log,
		engine:  engine,
		queue:   queue,
		loader:  service.NewImageLoader(engine, log.Named("thumbnail"), cfg.Thumbnail.Quality),
		janitor: service.NewCacheJanitor(cfg.Cache.Root, cfg.Cache.PartialMaxAge, queue, engine, log.Named("janitor")),
		jwt:     auth.NewJWTService(cfg.JWT),
	}

	if cfg.Cache.Watch {
		watcher, err := filewatcher.NewCacheWatcher(cfg.Cache.Root, engine.Index(), log.Named("watcher"))
		if err != nil {
			engine.Close()
			return nil, err
		}
		s.watcher = watcher
	}

	// 设置路由
	if err := s.setupRoutes(); err != nil {
		s.closeResources()
		return nil, err
	}

	return s, nil
}

// Handler 返回路由，测试用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// StartServices 启动下载队列、缓存清理和缓存监控
func (s *Server) StartServices() error {
	if err := s.queue.Start(); err != nil {
		return err
	}
	if err := s.janitor.Start(s.Config.Cache.JanitorSpec); err != nil {
		s.queue.Stop()
		return err
	}
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.Logger.Warnf("缓存监控启动失败，外部删除的缓存文件将在索引过期后才被发现: %v", err)
		}
	}
	return nil
}

// Start 启动后台服务和 HTTP 服务器
func (s *Server) Start() error {
	if err := s.StartServices(); err != nil {
		return err
	}

	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// 先停止队列，关闭事件流，SSE 连接随之结束
	s.queue.Stop()
	err := s.http.Shutdown(ctx)
	s.closeResources()

	// 关闭数据库连接
	if dbErr := database.Close(); dbErr != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", dbErr)
	}
	return err
}

func (s *Server) closeResources() {
	s.janitor.Stop()
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.Logger.Errorf("停止缓存监控失败: %v", err)
		}
	}
	s.engine.Close()
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() error {
	// 创建处理器实例
	authHandler, err := handler.NewAuthHandler(s.Config.Server, s.jwt)
	if err != nil {
		return err
	}
	taskHandler := handler.NewDownloadTaskHandler(s.queue, s.Config.Download.ProgressBuffer)
	thumbnailHandler := handler.NewThumbnailHandler(s.loader, s.Config.Thumbnail, s.Logger)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	api.POST("/auth/login", authHandler.Login)

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.jwt))
	{
		tasks := protected.Group("/tasks")
		{
			tasks.GET("", taskHandler.ListTasks)
			tasks.POST("", taskHandler.CreateTask)
			tasks.GET("/events", taskHandler.Events)
			tasks.POST("/batch", taskHandler.Batch)
			tasks.POST("/clear-completed", taskHandler.ClearCompleted)
			tasks.GET("/:id", taskHandler.GetTask)
			tasks.DELETE("/:id", taskHandler.DeleteTask)
			tasks.POST("/:id/pause", taskHandler.PauseTask)
			tasks.POST("/:id/resume", taskHandler.ResumeTask)
			tasks.POST("/:id/retry", taskHandler.RetryTask)
			tasks.POST("/:id/cancel", taskHandler.CancelTask)
		}

		queue := protected.Group("/queue")
		{
			queue.GET("/status", taskHandler.QueueStatus)
			queue.PUT("/concurrency", taskHandler.SetConcurrency)
		}

		protected.GET("/cache/thumbnail", thumbnailHandler.GetThumbnail)
	}
	return nil
}
