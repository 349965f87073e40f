package downloader

import (
	"sync"
	"sync/atomic"
)

// CancelFlag 任务记录与传输过程共享的取消标记。
// 读取无锁；Set 可以在任何时候调用，即使当前没有传输在读取它。
type CancelFlag struct {
	mu   sync.Mutex
	set  atomic.Bool
	done chan struct{}
}

// NewCancelFlag 创建未置位的取消标记
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{done: make(chan struct{})}
}

// Set 置位，重复调用无副作用
func (f *CancelFlag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set.Load() {
		f.set.Store(true)
		close(f.done)
	}
}

// IsSet 是否已置位
func (f *CancelFlag) IsSet() bool {
	return f.set.Load()
}

// Clear 复位，之后的 Done 返回新的通道
func (f *CancelFlag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set.Load() {
		f.done = make(chan struct{})
		f.set.Store(false)
	}
}

// Done 返回在置位时关闭的通道
func (f *CancelFlag) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}
