package service

import (
	"sort"
	"time"

	"wallfetch/app/model"
	"wallfetch/app/utils/downloader"
)

// TransferRunner 由注册表调用的传输执行方
type TransferRunner interface {
	// Start 异步启动一次传输，结束后通过 Registry.Finish 回报
	Start(task model.DownloadTask, flag *downloader.CancelFlag)
	// Purge 删除目标文件，includeCache 时同时删除缓存文件
	Purge(task model.DownloadTask, includeCache bool)
}

// AddTaskRequest 添加任务的参数
type AddTaskRequest struct {
	URL          string `json:"url" binding:"required"`
	SavePath     string `json:"save_path"`
	FileName     string `json:"file_name"`
	Proxy        string `json:"proxy"`
	FileType     string `json:"file_type"`
	ExpectedSize int64  `json:"expected_size"`
}

// ProgressUpdate 注册表消费的进度更新
type ProgressUpdate = downloader.Progress

// taskEntry 任务记录及其运行时状态
type taskEntry struct {
	task model.DownloadTask
	flag *downloader.CancelFlag

	live           bool      // 是否有传输仍在运行
	restartPending bool      // 旧传输退出后再启动
	resetPending   bool      // 启动前需要清理旧文件（重试）
	cleanupPending bool      // 旧传输退出后清理文件（取消）
	progressAt     time.Time // 最后一次应用的进度时间戳
}

// Registry 任务注册表：所有任务记录、并发槽位和排队顺序的唯一来源。
// 不加锁，只能在队列服务的事件循环中调用。
type Registry struct {
	entries          map[uint64]*taskEntry
	order            []uint64 // 展示顺序，最新的在前
	nextID           uint64
	nextQueueOrder   int64
	downloadingCount int
	maxConcurrent    int
	runner           TransferRunner
	now              func() time.Time
	dirty            bool
}

// NewRegistry 创建注册表
func NewRegistry(maxConcurrent int, runner TransferRunner) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	return &Registry{
		entries:       make(map[uint64]*taskEntry),
		nextID:        1,
		maxConcurrent: maxConcurrent,
		runner:        runner,
		now:           time.Now,
	}
}

// Seed 用持久化的任务列表初始化注册表，列表按展示顺序排列。
// 上次退出时仍在下载或等待的任务恢复为暂停，需要用户重新开始。
func (r *Registry) Seed(tasks []model.DownloadTask) {
	for _, t := range tasks {
		if _, exists := r.entries[t.ID]; exists || t.ID == 0 {
			continue
		}
		if t.Status.IsActive() {
			t.Status = model.TaskStatusPaused
			t.StartTime = nil
		}
		t.Speed = 0
		r.entries[t.ID] = &taskEntry{task: t, flag: downloader.NewCancelFlag()}
		r.order = append(r.order, t.ID)
		if t.ID >= r.nextID {
			r.nextID = t.ID + 1
		}
		if t.QueueOrder >= r.nextQueueOrder {
			r.nextQueueOrder = t.QueueOrder + 1
		}
	}
}

// AddTask 创建等待中的任务并尝试启动
func (r *Registry) AddTask(req AddTaskRequest) uint64 {
	id := r.nextID
	r.nextID++

	t := model.DownloadTask{
		ID:           id,
		URL:          req.URL,
		SavePath:     req.SavePath,
		FileName:     model.NormalizeFileName(req.FileName),
		Proxy:        req.Proxy,
		FileType:     req.FileType,
		ExpectedSize: req.ExpectedSize,
		Status:       model.TaskStatusWaiting,
		CreatedAt:    r.now(),
		QueueOrder:   r.takeQueueOrder(),
	}
	r.entries[id] = &taskEntry{task: t, flag: downloader.NewCancelFlag()}
	r.order = append([]uint64{id}, r.order...)
	r.dirty = true

	r.PromoteNextWaiting()
	return id
}

// CanStart 是否还有空闲的并发槽位
func (r *Registry) CanStart() bool {
	return r.downloadingCount < r.maxConcurrent
}

// SetMaxConcurrent 修改并发上限；已在下载的任务不受影响
func (r *Registry) SetMaxConcurrent(n int) {
	if n <= 0 {
		n = 1
	}
	r.maxConcurrent = n
	r.PromoteNextWaiting()
}

// MaxConcurrent 并发上限
func (r *Registry) MaxConcurrent() int {
	return r.maxConcurrent
}

// DownloadingCount 当前占用的槽位数
func (r *Registry) DownloadingCount() int {
	return r.downloadingCount
}

// PromoteNextWaiting 在有空闲槽位时，按排队顺序启动等待中的任务
func (r *Registry) PromoteNextWaiting() {
	for r.CanStart() {
		e := r.nextWaiting()
		if e == nil {
			return
		}
		r.setStatus(e, model.TaskStatusDownloading)
		r.launch(e)
	}
}

// nextWaiting 选出排队顺序最靠前的等待任务，与展示位置无关
func (r *Registry) nextWaiting() *taskEntry {
	var best *taskEntry
	for _, e := range r.entries {
		if e.task.Status != model.TaskStatusWaiting {
			continue
		}
		if best == nil || before(&e.task, &best.task) {
			best = e
		}
	}
	return best
}

func before(a, b *model.DownloadTask) bool {
	if a.QueueOrder != b.QueueOrder {
		return a.QueueOrder < b.QueueOrder
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// launch 为已进入下载状态的任务启动传输；旧传输未退出时延后启动
func (r *Registry) launch(e *taskEntry) {
	if e.live {
		e.restartPending = true
		return
	}
	if e.resetPending {
		r.purge(e)
		e.resetPending = false
	}
	e.flag.Clear()
	e.live = true
	e.restartPending = false
	now := r.now()
	e.task.StartTime = &now
	e.task.Speed = 0
	// 上一次传输遗留的进度早于本次启动，一律丢弃
	e.progressAt = now
	r.runner.Start(e.task, e.flag)
}

// setStatus 修改状态并同步下载计数
func (r *Registry) setStatus(e *taskEntry, status model.TaskStatus) {
	from := e.task.Status
	if from == status {
		return
	}
	if from == model.TaskStatusDownloading {
		r.downloadingCount--
	}
	if status == model.TaskStatusDownloading {
		r.downloadingCount++
	}
	if status != model.TaskStatusFailed {
		e.task.FailReason = ""
	}
	e.task.Status = status
	r.dirty = true
}

// UpdateProgress 应用一条进度更新；比已应用的更旧的更新被忽略
func (r *Registry) UpdateProgress(p ProgressUpdate) {
	e, ok := r.entries[p.TaskID]
	if !ok || e.task.Status != model.TaskStatusDownloading {
		return
	}
	if !p.Timestamp.IsZero() && p.Timestamp.Before(e.progressAt) {
		return
	}
	e.progressAt = p.Timestamp
	e.task.DownloadedSize = p.Downloaded
	if p.Total > 0 {
		e.task.TotalSize = p.Total
	}
	e.task.Speed = p.Speed
}

// Finish 处理传输结果
func (r *Registry) Finish(res downloader.Result) {
	e, ok := r.entries[res.TaskID]
	if !ok {
		return
	}
	e.live = false
	e.task.Speed = 0
	r.dirty = true

	if !e.resetPending {
		e.task.DownloadedSize = res.Downloaded
		if res.Total > 0 {
			e.task.TotalSize = res.Total
		}
	}

	switch e.task.Status {
	case model.TaskStatusDownloading:
		if e.restartPending {
			r.launch(e)
			return
		}
		switch res.Outcome() {
		case downloader.OutcomeCompleted:
			r.setStatus(e, model.TaskStatusCompleted)
			e.task.DownloadedSize = res.Downloaded
			e.task.TotalSize = res.Downloaded
		case downloader.OutcomeCancelled:
			// 标记被置位但状态未变（例如服务关闭），视为暂停
			r.setStatus(e, model.TaskStatusPaused)
			e.task.StartTime = nil
		default:
			r.setStatus(e, model.TaskStatusFailed)
			e.task.FailReason = downloader.FailReason(res.Err)
		}
		r.PromoteNextWaiting()
	case model.TaskStatusCancelled:
		if e.cleanupPending {
			e.cleanupPending = false
			r.purge(e)
		}
	}
}

// Pause 暂停单个任务
func (r *Registry) Pause(id uint64) {
	r.BatchPause([]uint64{id})
}

// Resume 继续单个暂停的任务
func (r *Registry) Resume(id uint64) {
	r.BatchStart([]uint64{id})
}

// Retry 重新下载单个任务
func (r *Registry) Retry(id uint64) {
	r.BatchRetry([]uint64{id})
}

// Cancel 取消单个任务
func (r *Registry) Cancel(id uint64) {
	r.BatchCancel([]uint64{id})
}

// Delete 删除单个任务
func (r *Registry) Delete(id uint64) {
	r.BatchDelete([]uint64{id})
}

// BatchStart 继续暂停的任务，按传入顺序排队
func (r *Registry) BatchStart(ids []uint64) {
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok || !e.task.Status.CanStart() {
			continue
		}
		e.task.QueueOrder = r.takeQueueOrder()
		r.setStatus(e, model.TaskStatusWaiting)
	}
	r.PromoteNextWaiting()
}

// BatchPause 暂停等待中或下载中的任务，保留已下载的部分
func (r *Registry) BatchPause(ids []uint64) {
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok || !e.task.Status.CanPause() {
			continue
		}
		e.flag.Set()
		e.restartPending = false
		r.setStatus(e, model.TaskStatusPaused)
		e.task.StartTime = nil
		e.task.Speed = 0
	}
	r.PromoteNextWaiting()
}

// BatchRetry 从头重新下载暂停、失败或取消的任务
func (r *Registry) BatchRetry(ids []uint64) {
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok || !e.task.Status.CanRetry() {
			continue
		}
		e.flag.Set()
		e.task.DownloadedSize = 0
		e.task.TotalSize = 0
		e.task.Speed = 0
		e.task.StartTime = nil
		e.cleanupPending = false
		e.resetPending = true
		if !e.live {
			r.purge(e)
			e.resetPending = false
		}
		e.task.QueueOrder = r.takeQueueOrder()
		r.setStatus(e, model.TaskStatusWaiting)
	}
	r.PromoteNextWaiting()
}

// BatchCancel 取消任务并删除目标文件和缓存文件
func (r *Registry) BatchCancel(ids []uint64) {
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok || !e.task.Status.CanCancel() {
			continue
		}
		e.flag.Set()
		e.restartPending = false
		e.resetPending = false
		r.setStatus(e, model.TaskStatusCancelled)
		e.task.StartTime = nil
		e.task.Speed = 0
		if e.live {
			e.cleanupPending = true
		} else {
			r.purge(e)
		}
	}
	r.PromoteNextWaiting()
}

// BatchDelete 移除任务记录，不删除任何文件；仍在运行的传输会被停止
func (r *Registry) BatchDelete(ids []uint64) {
	removed := make(map[uint64]bool, len(ids))
	for _, id := range ids {
		e, ok := r.entries[id]
		if !ok {
			continue
		}
		e.flag.Set()
		r.setStatus(e, model.TaskStatusCancelled)
		delete(r.entries, id)
		removed[id] = true
	}
	r.removeFromOrder(removed)
	r.PromoteNextWaiting()
}

// ClearCompleted 移除所有已完成的任务，返回移除数量
func (r *Registry) ClearCompleted() int {
	removed := make(map[uint64]bool)
	for id, e := range r.entries {
		if e.task.Status == model.TaskStatusCompleted {
			delete(r.entries, id)
			removed[id] = true
		}
	}
	r.removeFromOrder(removed)
	return len(removed)
}

func (r *Registry) removeFromOrder(removed map[uint64]bool) {
	if len(removed) == 0 {
		return
	}
	kept := r.order[:0]
	for _, id := range r.order {
		if !removed[id] {
			kept = append(kept, id)
		}
	}
	r.order = kept
	r.dirty = true
}

// purge 删除任务的目标文件；没有其他任务正在传输同一缓存文件时也删除缓存文件
func (r *Registry) purge(e *taskEntry) {
	r.runner.Purge(e.task, !r.sharedLive(e))
}

// sharedLive 是否有其他任务正在传输同一个缓存文件
func (r *Registry) sharedLive(e *taskEntry) bool {
	for id, other := range r.entries {
		if id == e.task.ID || !other.live {
			continue
		}
		if other.task.URL == e.task.URL && other.task.ExpectedSize == e.task.ExpectedSize {
			return true
		}
	}
	return false
}

// Get 返回任务副本
func (r *Registry) Get(id uint64) (model.DownloadTask, bool) {
	e, ok := r.entries[id]
	if !ok {
		return model.DownloadTask{}, false
	}
	return e.task, true
}

// Snapshot 按展示顺序返回所有任务的副本
func (r *Registry) Snapshot() []model.DownloadTask {
	tasks := make([]model.DownloadTask, 0, len(r.order))
	for _, id := range r.order {
		if e, ok := r.entries[id]; ok {
			tasks = append(tasks, e.task)
		}
	}
	return tasks
}

// WaitingOrder 返回等待中的任务 ID，按启动顺序排列
func (r *Registry) WaitingOrder() []uint64 {
	var waiting []*model.DownloadTask
	for _, e := range r.entries {
		if e.task.Status == model.TaskStatusWaiting {
			waiting = append(waiting, &e.task)
		}
	}
	sort.Slice(waiting, func(i, j int) bool { return before(waiting[i], waiting[j]) })
	ids := make([]uint64, len(waiting))
	for i, t := range waiting {
		ids[i] = t.ID
	}
	return ids
}

// StatusCounts 按状态统计任务数量
func (r *Registry) StatusCounts() map[model.TaskStatus]int {
	counts := make(map[model.TaskStatus]int)
	for _, e := range r.entries {
		counts[e.task.Status]++
	}
	return counts
}

// ReferencedKeys 返回所有未完成任务引用的缓存键
func (r *Registry) ReferencedKeys() map[string]bool {
	keys := make(map[string]bool)
	for _, e := range r.entries {
		if e.task.Status == model.TaskStatusCompleted {
			continue
		}
		keys[downloader.CacheKey(e.task.URL, e.task.ExpectedSize)] = true
	}
	return keys
}

// TakeDirty 返回自上次调用以来是否有需要持久化的变化
func (r *Registry) TakeDirty() bool {
	d := r.dirty
	r.dirty = false
	return d
}

func (r *Registry) takeQueueOrder() int64 {
	o := r.nextQueueOrder
	r.nextQueueOrder++
	return o
}
