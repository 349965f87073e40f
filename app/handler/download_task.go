package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"wallfetch/app/model"
	"wallfetch/app/service"
	"wallfetch/app/utils/downloader"

	"github.com/gin-gonic/gin"
)

// TaskQueue 下载任务处理器依赖的队列操作
type TaskQueue interface {
	AddTask(req service.AddTaskRequest) (uint64, error)
	Pause(ids ...uint64) error
	Resume(ids ...uint64) error
	Retry(ids ...uint64) error
	Cancel(ids ...uint64) error
	Delete(ids ...uint64) error
	ClearCompleted() (int, error)
	SetMaxConcurrent(n int) error
	Tasks() ([]model.DownloadTask, error)
	Task(id uint64) (model.DownloadTask, error)
	Status() (service.QueueStatus, error)
	Progress() *downloader.Broadcaster[downloader.Progress]
	Events() *downloader.Broadcaster[service.TaskEvent]
}

// DownloadTaskHandler 下载任务处理器
type DownloadTaskHandler struct {
	queue        TaskQueue
	streamBuffer int
}

// NewDownloadTaskHandler 创建下载任务处理器
func NewDownloadTaskHandler(queue TaskQueue, streamBuffer int) *DownloadTaskHandler {
	if streamBuffer <= 0 {
		streamBuffer = 256
	}
	return &DownloadTaskHandler{queue: queue, streamBuffer: streamBuffer}
}

// TaskView 任务及其下载进度
type TaskView struct {
	model.DownloadTask
	Progress float64 `json:"progress"` // 0~1
}

func newTaskView(t model.DownloadTask) TaskView {
	return TaskView{DownloadTask: t, Progress: t.Progress()}
}

// BatchRequest 批量操作请求
type BatchRequest struct {
	Action string   `json:"action" binding:"required,oneof=start pause retry cancel delete"`
	IDs    []uint64 `json:"ids" binding:"required"`
}

// ConcurrencyRequest 修改并发数请求
type ConcurrencyRequest struct {
	MaxConcurrent int `json:"max_concurrent" binding:"required,min=1"`
}

// ListTasks 获取所有任务，最新添加的在前
func (h *DownloadTaskHandler) ListTasks(c *gin.Context) {
	tasks, err := h.queue.Tasks()
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	// 按状态过滤
	status := c.Query("status")
	list := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		if status == "" || string(t.Status) == status {
			list = append(list, newTaskView(t))
		}
	}

	success(c, gin.H{
		"list":  list,
		"total": len(list),
	}, "获取任务列表成功")
}

// GetTask 获取单个任务
func (h *DownloadTaskHandler) GetTask(c *gin.Context) {
	id, ok := h.taskID(c)
	if !ok {
		return
	}

	task, err := h.queue.Task(id)
	if errors.Is(err, service.ErrTaskNotFound) {
		fail(c, http.StatusNotFound, "任务不存在")
		return
	}
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, newTaskView(task), "获取任务成功")
}

// CreateTask 添加下载任务
func (h *DownloadTaskHandler) CreateTask(c *gin.Context) {
	var req service.AddTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if req.ExpectedSize < 0 {
		fail(c, http.StatusBadRequest, "expected_size 不能为负数")
		return
	}

	id, err := h.queue.AddTask(req)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, gin.H{"id": id}, "添加任务成功")
}

// PauseTask 暂停任务
func (h *DownloadTaskHandler) PauseTask(c *gin.Context) {
	h.apply(c, h.queue.Pause, "暂停任务成功")
}

// ResumeTask 继续任务
func (h *DownloadTaskHandler) ResumeTask(c *gin.Context) {
	h.apply(c, h.queue.Resume, "继续任务成功")
}

// RetryTask 重新下载任务
func (h *DownloadTaskHandler) RetryTask(c *gin.Context) {
	h.apply(c, h.queue.Retry, "重新下载任务成功")
}

// CancelTask 取消任务
func (h *DownloadTaskHandler) CancelTask(c *gin.Context) {
	h.apply(c, h.queue.Cancel, "取消任务成功")
}

// DeleteTask 删除任务记录
func (h *DownloadTaskHandler) DeleteTask(c *gin.Context) {
	h.apply(c, h.queue.Delete, "删除任务成功")
}

// Batch 批量操作
func (h *DownloadTaskHandler) Batch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	actions := map[string]func(...uint64) error{
		"start":  h.queue.Resume,
		"pause":  h.queue.Pause,
		"retry":  h.queue.Retry,
		"cancel": h.queue.Cancel,
		"delete": h.queue.Delete,
	}
	if err := actions[req.Action](req.IDs...); err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, gin.H{"action": req.Action, "count": len(req.IDs)}, "批量操作成功")
}

// ClearCompleted 清除已完成的任务
func (h *DownloadTaskHandler) ClearCompleted(c *gin.Context) {
	n, err := h.queue.ClearCompleted()
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, gin.H{"removed": n}, "清除已完成任务成功")
}

// QueueStatus 获取队列状态
func (h *DownloadTaskHandler) QueueStatus(c *gin.Context) {
	st, err := h.queue.Status()
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, st, "获取队列状态成功")
}

// SetConcurrency 修改最大并发数
func (h *DownloadTaskHandler) SetConcurrency(c *gin.Context) {
	var req ConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}
	if err := h.queue.SetMaxConcurrent(req.MaxConcurrent); err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, req, "修改并发数成功")
}

// Events 以 SSE 推送进度和任务结束事件
func (h *DownloadTaskHandler) Events(c *gin.Context) {
	progress := h.queue.Progress().Subscribe(h.streamBuffer)
	defer progress.Close()
	events := h.queue.Events().Subscribe(h.streamBuffer)
	defer events.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case p, ok := <-progress.C:
			if !ok {
				return false
			}
			c.SSEvent("progress", gin.H{
				"task_id":    p.TaskID,
				"downloaded": p.Downloaded,
				"total":      p.Total,
				"speed":      p.Speed,
			})
		case ev, ok := <-events.C:
			if !ok {
				return false
			}
			c.SSEvent("task", ev)
		}
		return true
	})
}

// apply 对路径中的任务执行单个操作；不符合条件的任务保持不变
func (h *DownloadTaskHandler) apply(c *gin.Context, op func(...uint64) error, message string) {
	id, ok := h.taskID(c)
	if !ok {
		return
	}
	if err := op(id); err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}

	task, err := h.queue.Task(id)
	if errors.Is(err, service.ErrTaskNotFound) {
		success(c, nil, message)
		return
	}
	if err != nil {
		fail(c, http.StatusServiceUnavailable, err.Error())
		return
	}
	success(c, newTaskView(task), message)
}

func (h *DownloadTaskHandler) taskID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "无效的任务ID")
		return 0, false
	}
	return id, true
}
