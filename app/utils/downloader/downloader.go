package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options 传输引擎配置
type Options struct {
	CacheRoot      string        // 缓存根目录
	ChunkSize      int           // 每次读取的块大小
	UserAgent      string        // User-Agent
	Timeout        time.Duration // HTTP 超时，0 表示不限制
	IndexTTL       time.Duration // 缓存索引过期时间
	SpeedInterval  time.Duration // 速度重新计算的最小间隔
	ProgressBuffer int           // 默认订阅缓冲
}

// DefaultOptions 默认配置
func DefaultOptions(cacheRoot string) Options {
	return Options{
		CacheRoot:      cacheRoot,
		ChunkSize:      64 * 1024,
		UserAgent:      "wallfetch/1.0",
		IndexTTL:       10 * time.Minute,
		SpeedInterval:  500 * time.Millisecond,
		ProgressBuffer: 256,
	}
}

// Request 一次传输的参数
type Request struct {
	TaskID       uint64
	URL          string
	Destination  string // 为空时只填充缓存
	Proxy        string
	ExpectedSize int64 // 期望大小，参与缓存键；0 表示未知
	Cancel       *CancelFlag
}

// Result 传输结束后的报告
type Result struct {
	TaskID     uint64
	Downloaded int64
	Total      int64
	CachePath  string
	CacheHit   bool
	Err        error
}

// Outcome 结果类型
func (r Result) Outcome() Outcome {
	return OutcomeOf(r.Err)
}

// Progress 进度更新
type Progress struct {
	TaskID     uint64
	Downloaded int64
	Total      int64
	Speed      float64 // 字节/秒
	Timestamp  time.Time
}

// Engine 传输引擎：缓存命中、断点续传、取消与进度广播
type Engine struct {
	opts     Options
	log      *zap.Logger
	clients  *clientPool
	locks    *keyLocks
	index    *CacheIndex
	progress *Broadcaster[Progress]
}

// NewEngine 创建传输引擎
func NewEngine(opts Options, log *zap.Logger) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.SpeedInterval <= 0 {
		opts.SpeedInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		opts:     opts,
		log:      log,
		clients:  newClientPool(opts.UserAgent, opts.Timeout),
		locks:    newKeyLocks(),
		index:    NewCacheIndex(opts.CacheRoot, opts.IndexTTL),
		progress: NewBroadcaster[Progress](),
	}
}

// Progress 返回进度广播器
func (e *Engine) Progress() *Broadcaster[Progress] {
	return e.progress
}

// Index 返回缓存索引
func (e *Engine) Index() *CacheIndex {
	return e.index
}

// CacheRoot 缓存根目录
func (e *Engine) CacheRoot() string {
	return e.opts.CacheRoot
}

// Close 释放 HTTP 客户端并关闭进度广播
func (e *Engine) Close() {
	e.clients.close()
	e.progress.Close()
}

// Cached 返回已完成缓存文件路径
func (e *Engine) Cached(url string, size int64) (string, bool) {
	if _, ok := e.index.Lookup(url, size); !ok {
		return "", false
	}
	return CachePath(e.opts.CacheRoot, url, size), true
}

// Busy 是否有传输正在使用该缓存文件
func (e *Engine) Busy(url string, size int64) bool {
	return e.locks.held(CacheKey(url, size))
}

// WithKeyLock 缓存键空闲时持锁执行 fn；有传输正在使用时返回 false
func (e *Engine) WithKeyLock(key string, fn func()) bool {
	if !e.locks.tryAcquire(key) {
		return false
	}
	defer e.locks.release(key)
	fn()
	return true
}

// Purge 删除目标文件，includeCache 时同时删除已完成和未完成的缓存文件。
// 缓存文件正被其他传输使用时保留缓存，只删除目标文件
func (e *Engine) Purge(url string, size int64, destination string, includeCache bool) error {
	var errs []error
	if destination != "" {
		errs = append(errs, removeIfExists(destination))
	}
	if includeCache {
		key := CacheKey(url, size)
		locked := e.WithKeyLock(key, func() {
			errs = append(errs,
				removeIfExists(CachePath(e.opts.CacheRoot, url, size)),
				removeIfExists(PartialPath(e.opts.CacheRoot, url, size)),
			)
			e.index.Invalidate(key)
		})
		if !locked {
			e.log.Debug("缓存文件正在使用，跳过删除", zap.String("url", url))
		}
	}
	return errors.Join(errs...)
}

// Run 执行一次传输，阻塞直到完成、失败或被取消
func (e *Engine) Run(ctx context.Context, req Request) Result {
	res := Result{TaskID: req.TaskID}
	if req.Cancel == nil {
		req.Cancel = NewCancelFlag()
	}

	// 启动前已置位：不做任何 I/O
	if req.Cancel.IsSet() {
		res.Err = &TransferError{Kind: ErrCancelled, Op: "start"}
		return res
	}

	key := CacheKey(req.URL, req.ExpectedSize)
	if err := e.locks.acquire(ctx, key, req.Cancel); err != nil {
		res.Err = err
		return res
	}
	defer e.locks.release(key)

	// 标记置位时中断阻塞中的网络读取
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-req.Cancel.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	e.transfer(runCtx, req, &res)
	return res
}

func (e *Engine) transfer(ctx context.Context, req Request, res *Result) {
	log := e.log.With(zap.Uint64("task_id", req.TaskID), zap.String("url", req.URL))
	finalPath := CachePath(e.opts.CacheRoot, req.URL, req.ExpectedSize)
	partialPath := finalPath + PartialSuffix
	res.CachePath = finalPath

	// 缓存命中：直接复制，不发网络请求
	if size, ok := e.index.Lookup(req.URL, req.ExpectedSize); ok {
		if req.ExpectedSize <= 0 || size == req.ExpectedSize {
			if err := copyFile(finalPath, req.Destination); err == nil {
				log.Debug("缓存命中", zap.String("size", humanize.IBytes(uint64(size))))
				res.Downloaded, res.Total, res.CacheHit = size, size, true
				return
			} else if !errors.Is(err, os.ErrNotExist) {
				res.Err = err
				return
			}
		}
		// 索引过期或大小不符，丢弃旧文件重新下载
		e.index.Invalidate(CacheKey(req.URL, req.ExpectedSize))
		_ = removeIfExists(finalPath)
	}

	if err := os.MkdirAll(filepath.Dir(partialPath), 0755); err != nil {
		res.Err = fsError("create cache dir", err)
		return
	}

	offset := fileSize(partialPath)
	if req.ExpectedSize > 0 && offset > req.ExpectedSize {
		log.Warn("未完成文件大于期望大小，重新下载", zap.Int64("offset", offset))
		_ = os.Remove(partialPath)
		offset = 0
	}

	if req.ExpectedSize > 0 && offset == req.ExpectedSize {
		e.finalize(req, partialPath, finalPath, offset, res)
		return
	}

	resp, err := e.clients.get(ctx, req.URL, req.Proxy, offset)
	if err != nil {
		if req.Cancel.IsSet() {
			res.Downloaded = offset
			res.Err = &TransferError{Kind: ErrCancelled, Op: "request"}
			return
		}
		var rangeErr *RangeError
		if errors.As(err, &rangeErr) {
			// 未完成文件其实已经完整，只是还没改名
			if rangeErr.Total > 0 && rangeErr.Total == offset {
				log.Debug("未完成文件已完整，直接完成", zap.Int64("size", offset))
				e.finalize(req, partialPath, finalPath, offset, res)
				return
			}
			// 服务端无法满足续传，丢弃未完成文件，下次从头开始
			_ = os.Remove(partialPath)
		}
		res.Downloaded = offset
		res.Err = err
		return
	}
	defer resp.Body.Close()

	if resp.Start != offset && resp.Start != 0 {
		res.Downloaded = offset
		res.Err = networkError("range", fmt.Errorf("requested offset %d, server sent %d", offset, resp.Start))
		return
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if resp.Start != offset {
		// 服务端忽略了 Range，从头写
		log.Debug("服务端不支持续传，从头下载", zap.Int64("offset", offset), zap.Int64("start", resp.Start))
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		offset = resp.Start
	}

	total := resp.Total
	if total < 0 && req.ExpectedSize > 0 {
		total = req.ExpectedSize
	}
	if total < 0 {
		total = 0
	}
	res.Total = total

	f, err := os.OpenFile(partialPath, flags, 0644)
	if err != nil {
		res.Downloaded = offset
		res.Err = fsError("open partial", err)
		return
	}

	downloaded, err := e.stream(ctx, req, f, resp.Body, offset, total)
	closeErr := f.Close()
	res.Downloaded = downloaded
	if err != nil {
		res.Err = err
		return
	}
	if closeErr != nil {
		res.Err = fsError("close partial", closeErr)
		return
	}

	log.Debug("传输结束", zap.String("downloaded", humanize.IBytes(uint64(downloaded))))
	e.finalize(req, partialPath, finalPath, total, res)
}

// stream 分块写入未完成文件，每块之后检查取消标记并广播进度
func (e *Engine) stream(ctx context.Context, req Request, w *os.File, r io.Reader, offset, total int64) (int64, error) {
	buf := make([]byte, e.opts.ChunkSize)
	downloaded := offset

	var (
		speed       float64
		sampleAt    = time.Now()
		sampleBytes = downloaded
	)

	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return downloaded, fsError("write partial", err)
			}
			downloaded += int64(n)
		}

		if req.Cancel.IsSet() {
			return downloaded, &TransferError{Kind: ErrCancelled, Op: "stream"}
		}

		if n > 0 {
			now := time.Now()
			if elapsed := now.Sub(sampleAt); elapsed >= e.opts.SpeedInterval {
				speed = float64(downloaded-sampleBytes) / elapsed.Seconds()
				sampleAt, sampleBytes = now, downloaded
			}
			e.progress.Publish(Progress{
				TaskID:     req.TaskID,
				Downloaded: downloaded,
				Total:      total,
				Speed:      speed,
				Timestamp:  now,
			})
		}

		if readErr == io.EOF {
			if err := w.Sync(); err != nil {
				return downloaded, fsError("sync partial", err)
			}
			return downloaded, nil
		}
		if readErr != nil {
			if req.Cancel.IsSet() {
				return downloaded, &TransferError{Kind: ErrCancelled, Op: "stream"}
			}
			if ctx.Err() != nil {
				return downloaded, &TransferError{Kind: ErrCancelled, Op: "stream", Err: ctx.Err()}
			}
			return downloaded, networkError("read body", readErr)
		}
	}
}

// finalize 校验大小后将未完成文件改名为最终文件，再复制到目标路径
func (e *Engine) finalize(req Request, partialPath, finalPath string, total int64, res *Result) {
	size := fileSize(partialPath)
	res.Downloaded = size

	want := req.ExpectedSize
	if want <= 0 {
		want = total
	}
	if want > 0 && size != want {
		// 保留未完成文件以便之后续传
		res.Err = sizeMismatch(want, size)
		return
	}

	if err := os.Rename(partialPath, finalPath); err != nil {
		res.Err = fsError("rename partial", err)
		return
	}
	e.index.Store(req.URL, req.ExpectedSize, size)

	if err := copyFile(finalPath, req.Destination); err != nil {
		res.Err = err
		return
	}

	res.Total = size
	e.log.Info("下载完成",
		zap.Uint64("task_id", req.TaskID),
		zap.String("size", humanize.IBytes(uint64(size))),
		zap.String("path", finalPath))
}

// copyFile 通过临时文件原子地复制到目标路径，dst 为空时跳过
func copyFile(src, dst string) error {
	if dst == "" {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fsError("open cache", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fsError("create destination dir", err)
	}

	tmp := fmt.Sprintf("%s.%s.tmp", dst, uuid.New().String())
	out, err := os.Create(tmp)
	if err != nil {
		return fsError("create destination", err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fsError("copy to destination", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fsError("close destination", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fsError("rename destination", err)
	}
	return nil
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fsError("remove", err)
	}
	return nil
}
