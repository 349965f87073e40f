package service

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"wallfetch/app/logger"
	"wallfetch/app/model"
	"wallfetch/app/utils/downloader"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ErrTaskNotFound 查询的任务不存在
var ErrTaskNotFound = errors.New("download task not found")

// ErrQueueStopped 队列服务已停止
var ErrQueueStopped = errors.New("download queue stopped")

// EventKind 任务事件类型
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// TaskEvent 传输结束通知
type TaskEvent struct {
	TaskID    uint64    `json:"task_id"`
	Kind      EventKind `json:"kind"`
	FinalSize int64     `json:"final_size"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// QueueConfig 下载队列配置
type QueueConfig struct {
	MaxConcurrent  int    // 最大并发下载数
	DefaultDir     string // 未指定保存路径时的默认目录
	ProgressBuffer int    // 内部进度订阅的缓冲区
}

// DownloadQueueService 下载队列服务。
// 注册表只在 loop 协程中访问，所有修改都通过 actions 通道串行执行。
type DownloadQueueService struct {
	logger   *logger.Logger
	engine   *downloader.Engine
	store    TaskStore
	config   QueueConfig
	registry *Registry
	events   *downloader.Broadcaster[TaskEvent]

	actions chan func()
	results chan downloader.Result
	saves   chan []model.DownloadTask

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	transfers sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewDownloadQueueService 创建下载队列服务，store 可以为 nil
func NewDownloadQueueService(log *logger.Logger, engine *downloader.Engine, store TaskStore, cfg QueueConfig) *DownloadQueueService {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3 // 默认 3 个并发
	}
	if cfg.ProgressBuffer <= 0 {
		cfg.ProgressBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &DownloadQueueService{
		logger:  log,
		engine:  engine,
		store:   store,
		config:  cfg,
		events:  downloader.NewBroadcaster[TaskEvent](),
		actions: make(chan func()),
		results: make(chan downloader.Result, cfg.MaxConcurrent),
		saves:   make(chan []model.DownloadTask, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.registry = NewRegistry(cfg.MaxConcurrent, queueRunner{s})
	return s
}

// Start 加载持久化的任务并启动事件循环
func (s *DownloadQueueService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Warn("下载队列已经在运行中")
		return nil
	}

	if s.store != nil {
		tasks, err := s.store.Load()
		if err != nil {
			return err
		}
		s.registry.Seed(tasks)
		s.logger.Infof("恢复了 %d 个下载任务", len(tasks))
	}

	progress := s.engine.Progress().Subscribe(s.config.ProgressBuffer)

	s.isRunning = true
	s.wg.Add(2)
	go s.loop(progress)
	go s.persistLoop()

	s.logger.Infof("下载队列已启动，最大并发数: %d", s.config.MaxConcurrent)
	return nil
}

// Stop 停止事件循环，取消正在进行的传输并保存任务列表
func (s *DownloadQueueService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("正在停止下载队列...")
	s.cancel()
	s.wg.Wait()
	s.transfers.Wait()

	if s.store != nil {
		if err := s.store.Save(s.registry.Snapshot()); err != nil {
			s.logger.Errorf("保存下载任务失败: %v", err)
		}
	}
	s.events.Close()
	s.isRunning = false
	s.logger.Info("下载队列已停止")
}

// loop 事件循环：用户操作、传输结果、进度更新
func (s *DownloadQueueService) loop(progress *downloader.Subscription[downloader.Progress]) {
	defer s.wg.Done()
	defer progress.Close()

	// 引擎关闭后进度通道随之关闭，不再从中读取
	updates := progress.C
	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.actions:
			fn()
		case res := <-s.results:
			s.handleResult(res)
		case p, ok := <-updates:
			if !ok {
				s.logger.Warn("进度通道已关闭，停止接收进度")
				updates = nil
				continue
			}
			s.registry.UpdateProgress(p)
		}
		s.flush()
	}
}

// flush 有状态变化时把当前任务列表交给持久化协程，只保留最新一份
func (s *DownloadQueueService) flush() {
	if s.store == nil || !s.registry.TakeDirty() {
		return
	}
	snapshot := s.registry.Snapshot()
	select {
	case s.saves <- snapshot:
	default:
		select {
		case <-s.saves:
		default:
		}
		s.saves <- snapshot
	}
}

// persistLoop 在独立协程中写入持久化存储，避免阻塞事件循环
func (s *DownloadQueueService) persistLoop() {
	defer s.wg.Done()
	if s.store == nil {
		<-s.ctx.Done()
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case tasks := <-s.saves:
			if err := s.store.Save(tasks); err != nil {
				s.logger.Errorf("保存下载任务失败: %v", err)
			}
		}
	}
}

func (s *DownloadQueueService) handleResult(res downloader.Result) {
	s.registry.Finish(res)

	event := TaskEvent{TaskID: res.TaskID, FinalSize: res.Downloaded, At: time.Now()}
	switch res.Outcome() {
	case downloader.OutcomeCompleted:
		event.Kind = EventCompleted
	case downloader.OutcomeCancelled:
		event.Kind = EventCancelled
	default:
		event.Kind = EventFailed
		event.Error = downloader.FailReason(res.Err)
		s.logger.WithTask(res.TaskID).Warn("下载失败", zap.Error(res.Err))
	}
	s.events.Publish(event)
}

// startTransfer 在事件循环中被调用，传输在独立协程中执行
func (s *DownloadQueueService) startTransfer(task model.DownloadTask, flag *downloader.CancelFlag) {
	req := downloader.Request{
		TaskID:       task.ID,
		URL:          task.URL,
		Destination:  s.destination(task),
		Proxy:        task.Proxy,
		ExpectedSize: task.ExpectedSize,
		Cancel:       flag,
	}

	s.logger.WithTask(task.ID).Info("开始下载",
		zap.String("url", task.URL),
		zap.String("downloaded", humanize.IBytes(uint64(task.DownloadedSize))))

	s.transfers.Add(1)
	go func() {
		defer s.transfers.Done()
		res := s.engine.Run(s.ctx, req)
		select {
		case s.results <- res:
		case <-s.ctx.Done():
		}
	}()
}

// destination 计算任务的保存路径
func (s *DownloadQueueService) destination(task model.DownloadTask) string {
	if task.SavePath != "" {
		return task.SavePath
	}
	if s.config.DefaultDir == "" {
		return ""
	}
	name := task.FileName
	if name == "" {
		name = strconv.FormatUint(task.ID, 10)
		if task.FileType != "" {
			name += "." + task.FileType
		}
	}
	return filepath.Join(s.config.DefaultDir, name)
}

// do 在事件循环中执行 fn 并等待其完成
func (s *DownloadQueueService) do(fn func(r *Registry)) error {
	done := make(chan struct{})
	select {
	case s.actions <- func() { fn(s.registry); close(done) }:
	case <-s.ctx.Done():
		return ErrQueueStopped
	}
	<-done
	return nil
}

// Events 返回任务结束事件的广播器
func (s *DownloadQueueService) Events() *downloader.Broadcaster[TaskEvent] {
	return s.events
}

// Progress 返回进度广播器
func (s *DownloadQueueService) Progress() *downloader.Broadcaster[downloader.Progress] {
	return s.engine.Progress()
}

// AddTask 添加下载任务
func (s *DownloadQueueService) AddTask(req AddTaskRequest) (uint64, error) {
	var id uint64
	err := s.do(func(r *Registry) { id = r.AddTask(req) })
	if err == nil {
		s.logger.Infof("添加下载任务: ID=%d, URL=%s", id, req.URL)
	}
	return id, err
}

// Pause 暂停任务
func (s *DownloadQueueService) Pause(ids ...uint64) error {
	return s.do(func(r *Registry) { r.BatchPause(ids) })
}

// Resume 继续任务
func (s *DownloadQueueService) Resume(ids ...uint64) error {
	return s.do(func(r *Registry) { r.BatchStart(ids) })
}

// Retry 重新下载任务
func (s *DownloadQueueService) Retry(ids ...uint64) error {
	return s.do(func(r *Registry) { r.BatchRetry(ids) })
}

// Cancel 取消任务
func (s *DownloadQueueService) Cancel(ids ...uint64) error {
	return s.do(func(r *Registry) { r.BatchCancel(ids) })
}

// Delete 删除任务记录
func (s *DownloadQueueService) Delete(ids ...uint64) error {
	return s.do(func(r *Registry) { r.BatchDelete(ids) })
}

// ClearCompleted 清除已完成的任务
func (s *DownloadQueueService) ClearCompleted() (int, error) {
	var n int
	err := s.do(func(r *Registry) { n = r.ClearCompleted() })
	if err == nil && n > 0 {
		s.logger.Infof("清除了 %d 个已完成的任务", n)
	}
	return n, err
}

// SetMaxConcurrent 更新并发数
func (s *DownloadQueueService) SetMaxConcurrent(n int) error {
	return s.do(func(r *Registry) {
		r.SetMaxConcurrent(n)
		s.logger.Infof("更新最大并发数为: %d", r.MaxConcurrent())
	})
}

// Tasks 返回所有任务，最新添加的在前
func (s *DownloadQueueService) Tasks() ([]model.DownloadTask, error) {
	var tasks []model.DownloadTask
	err := s.do(func(r *Registry) { tasks = r.Snapshot() })
	return tasks, err
}

// Task 返回单个任务
func (s *DownloadQueueService) Task(id uint64) (model.DownloadTask, error) {
	var (
		task model.DownloadTask
		ok   bool
	)
	if err := s.do(func(r *Registry) { task, ok = r.Get(id) }); err != nil {
		return task, err
	}
	if !ok {
		return task, ErrTaskNotFound
	}
	return task, nil
}

// QueueStatus 队列状态统计
type QueueStatus struct {
	Counts           map[model.TaskStatus]int `json:"counts"`
	DownloadingCount int                      `json:"downloading_count"`
	MaxConcurrent    int                      `json:"max_concurrent"`
	Waiting          []uint64                 `json:"waiting"`
}

// Status 返回队列状态
func (s *DownloadQueueService) Status() (QueueStatus, error) {
	var st QueueStatus
	err := s.do(func(r *Registry) {
		st = QueueStatus{
			Counts:           r.StatusCounts(),
			DownloadingCount: r.DownloadingCount(),
			MaxConcurrent:    r.MaxConcurrent(),
			Waiting:          r.WaitingOrder(),
		}
	})
	return st, err
}

// ReferencedKeys 返回未完成任务引用的缓存键
func (s *DownloadQueueService) ReferencedKeys() (map[string]bool, error) {
	var keys map[string]bool
	err := s.do(func(r *Registry) { keys = r.ReferencedKeys() })
	return keys, err
}

// queueRunner 把注册表的回调转交给服务
type queueRunner struct{ s *DownloadQueueService }

func (q queueRunner) Start(task model.DownloadTask, flag *downloader.CancelFlag) {
	q.s.startTransfer(task, flag)
}

func (q queueRunner) Purge(task model.DownloadTask, includeCache bool) {
	err := q.s.engine.Purge(task.URL, task.ExpectedSize, q.s.destination(task), includeCache)
	if err != nil {
		q.s.logger.WithTask(task.ID).Warn("清理下载文件失败", zap.Error(err))
	}
}
