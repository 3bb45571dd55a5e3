package task

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer 是每个订阅者的默认缓冲事件数。
const DefaultSubscriberBuffer = 1000

// Event 是一次任务状态变化的通知，Task 为发布时刻的快照。
type Event struct {
	TaskID string `json:"task_id"`
	Task   Task   `json:"task"`
}

func newEvent(task *Task) Event {
	snapshot := cloneTask(task)
	return Event{TaskID: snapshot.ID, Task: *snapshot}
}

// Bus 将任务事件广播给所有在线订阅者。
// Publish 从不阻塞：订阅者缓冲区满时丢弃其最旧的事件。
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	buffer  int
	dropped atomic.Uint64
	closed  bool
}

// NewBus 创建事件总线，buffer 为每个订阅者的缓冲大小。
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{subs: make(map[*Subscription]struct{}), buffer: buffer}
}

// Subscription 是一个订阅者的接收端。
type Subscription struct {
	bus     *Bus
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	dropped atomic.Uint64
}

// Subscribe 注册新的订阅者，只会收到注册之后发布的事件。
// 总线已关闭时返回一个已关闭的订阅。
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{bus: b, ch: make(chan Event, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish 将事件投递给当前全部订阅者，没有订阅者时为空操作。
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.offer(event) {
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount 返回在线订阅者数量。
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped 返回因订阅者过慢而丢弃的事件总数。
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close 关闭总线及其全部订阅。
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.closed = true
	b.mu.Unlock()
	for sub := range subs {
		sub.close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// C 返回事件通道。订阅关闭后通道被关闭。
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped 返回该订阅者被丢弃的事件数。
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close 取消订阅。可重复调用。
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// offer 非阻塞地写入事件，缓冲区满时先丢弃最旧的一条。返回是否发生丢弃。
func (s *Subscription) offer(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- event:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
			s.dropped.Add(1)
		default:
		}
	}
}
