package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"wallfetch/app/logger"
	"wallfetch/app/utils/downloader"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

// KeySource 提供仍被任务引用的缓存键
type KeySource interface {
	ReferencedKeys() (map[string]bool, error)
}

// KeyLocker 在缓存键空闲时持锁执行操作，键正被传输使用时返回 false
type KeyLocker interface {
	WithKeyLock(key string, fn func()) bool
}

// CacheJanitor 定时清理无人引用的过期未完成文件
type CacheJanitor struct {
	root   string
	maxAge time.Duration
	keys   KeySource
	locker KeyLocker
	logger *logger.Logger
	cron   *cron.Cron
	now    func() time.Time

	mu        sync.Mutex
	isRunning bool
}

// NewCacheJanitor 创建清理服务
func NewCacheJanitor(cacheRoot string, maxAge time.Duration, keys KeySource, locker KeyLocker, log *logger.Logger) *CacheJanitor {
	if maxAge <= 0 {
		maxAge = 7 * 24 * time.Hour
	}
	return &CacheJanitor{
		root:   cacheRoot,
		maxAge: maxAge,
		keys:   keys,
		locker: locker,
		logger: log,
		cron:   cron.New(),
		now:    time.Now,
	}
}

// Start 按 cron 表达式定时执行清理
func (j *CacheJanitor) Start(spec string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.isRunning {
		return nil
	}
	if _, err := j.cron.AddFunc(spec, j.run); err != nil {
		return fmt.Errorf("无效的清理计划 %q: %w", spec, err)
	}
	j.cron.Start()
	j.isRunning = true
	j.logger.Infof("缓存清理任务已启动，计划: %s", spec)
	return nil
}

// Stop 停止定时任务并等待正在执行的清理结束
func (j *CacheJanitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.isRunning {
		return
	}
	<-j.cron.Stop().Done()
	j.isRunning = false
}

func (j *CacheJanitor) run() {
	removed, freed, err := j.Sweep()
	if err != nil {
		j.logger.Errorf("清理缓存失败: %v", err)
		return
	}
	if removed > 0 {
		j.logger.Infof("清理了 %d 个过期的未完成文件，释放 %s", removed, humanize.IBytes(uint64(freed)))
	}
}

// Sweep 执行一次清理，返回删除的文件数和释放的字节数
func (j *CacheJanitor) Sweep() (int, int64, error) {
	referenced, err := j.keys.ReferencedKeys()
	if err != nil {
		return 0, 0, err
	}

	dir := filepath.Join(j.root, downloader.OnlineDir)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("读取缓存目录失败: %w", err)
	}

	cutoff := j.now().Add(-j.maxAge)
	var (
		removed int
		freed   int64
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, partial := downloader.KeyFromPath(entry.Name())
		if !partial || referenced[key] {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		var removeErr error
		if !j.locker.WithKeyLock(key, func() {
			removeErr = os.Remove(filepath.Join(dir, entry.Name()))
		}) {
			// 正在下载中，留给下一轮
			continue
		}
		if removeErr != nil {
			j.logger.Warnf("删除未完成文件失败: %s, 错误: %v", entry.Name(), removeErr)
			continue
		}
		removed++
		freed += info.Size()
	}
	return removed, freed, nil
}
