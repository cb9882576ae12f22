// Package event 实现流程生命周期事件的发布订阅。
// 每个订阅者持有独立的缓冲通道，事件顺序与背压策略因此是显式的，
// 不依赖监听器注册顺序。
package event

import (
	"sync"
	"time"
)

// Topic 标识一类生命周期事件。
type Topic string

const (
	TopicFlowCreated           Topic = "flow:created"
	TopicConfirmationNeeded    Topic = "confirmation:needed"
	TopicConfirmationRequested Topic = "confirmation:requested"
	TopicFlowStatusChanged     Topic = "flow:status:changed"
	TopicFlowCompleted         Topic = "flow:completed"
	TopicFlowFailed            Topic = "flow:failed"
	TopicFlowCancelled         Topic = "flow:cancelled"
	TopicStatisticsUpdated     Topic = "statistics:updated"
	TopicWalletConnected       Topic = "wallet:connected"
)

// Event 是投递给订阅者的载荷。Fields 携带主题相关的附加数据，
// 例如 flow:failed 附带错误码、flow:completed 附带回执哈希。
type Event struct {
	Topic      Topic          `json:"topic"`
	FlowID     string         `json:"flow_id,omitempty"`
	Status     string         `json:"status,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Subscription 是单个订阅者的接收端。
type Subscription struct {
	ch     chan Event
	topics map[Topic]struct{}
	cancel func()
	once   sync.Once
}

// C 返回事件接收通道。总线关闭或退订后该通道被关闭。
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe 取消订阅并关闭通道。可以重复调用。
func (s *Subscription) Unsubscribe() {
	s.once.Do(s.cancel)
}

func (s *Subscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus 在进程内广播事件。
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewBus 创建事件总线。buffer 是每个订阅者的通道容量。
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe 注册订阅者。不传主题表示接收全部事件。
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{ch: make(chan Event, b.buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[Topic]struct{}, len(topics))
		for _, topic := range topics {
			sub.topics[topic] = struct{}{}
		}
	}
	sub.cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Publish 将事件广播给所有匹配的订阅者。
// 订阅者跟不上时丢弃其最旧的事件为新事件腾位，慢消费者不会阻塞流程。
func (b *Bus) Publish(evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if !sub.wants(evt.Topic) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Close 关闭总线并断开所有订阅者。
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
