package downloader

import "sync"

// Broadcaster 多订阅者广播。Publish 从不阻塞：
// 没有订阅者或订阅者缓冲区已满时消息直接丢弃。
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// Subscription 一个订阅，C 在取消订阅或广播关闭后被关闭
type Subscription[T any] struct {
	C      <-chan T
	ch     chan T
	parent *Broadcaster[T]
	once   sync.Once
}

// NewBroadcaster 创建广播器
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe 注册新的订阅者，buffer 为其缓冲区大小
func (b *Broadcaster[T]) Subscribe(buffer int) *Subscription[T] {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, ch: ch, parent: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish 向所有订阅者投递消息，返回成功投递的数量
func (b *Broadcaster[T]) Publish(msg T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
			delivered++
		default:
		}
	}
	return delivered
}

// Len 当前订阅者数量
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close 关闭广播器及所有订阅
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Close 取消订阅
func (s *Subscription[T]) Close() {
	b := s.parent
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
	}
	s.once.Do(func() { close(s.ch) })
}
