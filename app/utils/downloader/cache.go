package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// OnlineDir 缓存根目录下存放远程图片的子目录
	OnlineDir = "online"
	// PartialSuffix 未完成文件的后缀
	PartialSuffix = ".part"
)

// CacheKey 由 URL 和期望大小生成缓存键
func CacheKey(url string, size int64) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s|%d", url, size)))
	return hex.EncodeToString(hash[:])
}

// CachePath 返回已完成缓存文件的路径
func CachePath(root, url string, size int64) string {
	return filepath.Join(root, OnlineDir, CacheKey(url, size))
}

// PartialPath 返回未完成缓存文件的路径
func PartialPath(root, url string, size int64) string {
	return CachePath(root, url, size) + PartialSuffix
}

// KeyFromPath 从缓存目录中的文件名取出缓存键，partial 表示是否为未完成文件
func KeyFromPath(path string) (key string, partial bool) {
	name := filepath.Base(path)
	if strings.HasSuffix(name, PartialSuffix) {
		return strings.TrimSuffix(name, PartialSuffix), true
	}
	return name, false
}

// CacheIndex 已完成缓存文件的内存索引，避免每次命中检查都访问磁盘。
// 只缓存存在的结果；文件被外部删除时由 Invalidate 移除。
type CacheIndex struct {
	root  string
	items *cache.Cache
}

// NewCacheIndex 创建缓存索引
func NewCacheIndex(root string, ttl time.Duration) *CacheIndex {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CacheIndex{
		root:  root,
		items: cache.New(ttl, 2*ttl),
	}
}

// Lookup 返回已完成缓存文件的大小；不存在时 ok 为 false
func (c *CacheIndex) Lookup(url string, size int64) (int64, bool) {
	key := CacheKey(url, size)
	if v, found := c.items.Get(key); found {
		return v.(int64), true
	}

	info, err := os.Stat(filepath.Join(c.root, OnlineDir, key))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	c.items.Set(key, info.Size(), cache.DefaultExpiration)
	return info.Size(), true
}

// Store 记录一个刚完成的缓存文件
func (c *CacheIndex) Store(url string, size, actual int64) {
	c.items.Set(CacheKey(url, size), actual, cache.DefaultExpiration)
}

// Invalidate 按缓存键移除索引项
func (c *CacheIndex) Invalidate(key string) {
	c.items.Delete(key)
}

// Len 索引项数量
func (c *CacheIndex) Len() int {
	return c.items.ItemCount()
}

// keyLocks 每个缓存键一把互斥锁，同一缓存文件同时只有一个写入者
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// acquire 获取缓存键的锁，等待期间取消标记置位或 ctx 结束则放弃
func (k *keyLocks) acquire(ctx context.Context, key string, flag *CancelFlag) error {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	var done <-chan struct{}
	if flag != nil {
		done = flag.Done()
	}

	select {
	case l.ch <- struct{}{}:
		return nil
	case <-done:
		k.unref(key, l)
		return &TransferError{Kind: ErrCancelled, Op: "wait cache lock"}
	case <-ctx.Done():
		k.unref(key, l)
		return &TransferError{Kind: ErrCancelled, Op: "wait cache lock", Err: ctx.Err()}
	}
}

// tryAcquire 不等待地获取缓存键的锁
func (k *keyLocks) tryAcquire(key string) bool {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return true
	default:
		k.unref(key, l)
		return false
	}
}

// release 释放缓存键的锁
func (k *keyLocks) release(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	k.mu.Unlock()
	if !ok {
		return
	}
	<-l.ch
	k.unref(key, l)
}

func (k *keyLocks) unref(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// held 当前是否有传输持有或等待该缓存键
func (k *keyLocks) held(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.locks[key]
	return ok
}
