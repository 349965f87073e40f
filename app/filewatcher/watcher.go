package filewatcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"wallfetch/app/logger"
	"wallfetch/app/utils/downloader"

	"github.com/fsnotify/fsnotify"
)

// Invalidator 缓存索引失效接口
type Invalidator interface {
	Invalidate(key string)
}

// CacheWatcher 监控缓存目录，文件被外部删除或移走时让索引失效
type CacheWatcher struct {
	dir      string
	index    Invalidator
	watcher  *fsnotify.Watcher
	logger   *logger.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.Mutex

	// onEvent 处理完一个事件后调用，测试用
	onEvent func(key string)
}

// NewCacheWatcher 创建缓存目录监控器
func NewCacheWatcher(cacheRoot string, index Invalidator, log *logger.Logger) (*CacheWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &CacheWatcher{
		dir:     filepath.Join(cacheRoot, downloader.OnlineDir),
		index:   index,
		watcher: watcher,
		logger:  log,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start 启动监控，缓存目录不存在时先创建
func (cw *CacheWatcher) Start() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.watching {
		return fmt.Errorf("缓存监控器已经在运行")
	}

	if err := os.MkdirAll(cw.dir, 0755); err != nil {
		return fmt.Errorf("创建缓存目录失败: %w", err)
	}
	if err := cw.watcher.Add(cw.dir); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	cw.watching = true
	cw.wg.Add(1)
	go cw.watchLoop()

	cw.logger.Infof("缓存监控器已启动，监控目录: %s", cw.dir)
	return nil
}

// Stop 停止监控
func (cw *CacheWatcher) Stop() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.watching {
		return cw.watcher.Close()
	}

	close(cw.stopCh)
	err := cw.watcher.Close()
	cw.wg.Wait()
	cw.watching = false

	cw.logger.Info("缓存监控器已停止")
	return err
}

// watchLoop 监控事件循环
func (cw *CacheWatcher) watchLoop() {
	defer cw.wg.Done()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			cw.handleEvent(event)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Errorf("缓存监控器错误: %v", err)

		case <-cw.stopCh:
			return
		}
	}
}

// handleEvent 只关心已完成缓存文件的删除和重命名
func (cw *CacheWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	key, partial := downloader.KeyFromPath(event.Name)
	if partial {
		return
	}

	cw.index.Invalidate(key)
	cw.logger.Debugf("缓存文件已移除，索引失效: %s", key)

	if cw.onEvent != nil {
		cw.onEvent(key)
	}
}
