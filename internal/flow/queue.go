package flow

import (
	"context"
	"sync"
)

// Queue 是等待批处理的交易请求的有界 FIFO 缓冲。
// 容量用尽时 Enqueue 返回 QUEUE_FULL，绝不静默丢弃请求。
type Queue interface {
	Enqueue(ctx context.Context, req *TransactionRequest) error
	Dequeue(ctx context.Context) (*TransactionRequest, error)
	Peek(ctx context.Context) (*TransactionRequest, error)
	Remove(ctx context.Context, id string) (bool, error)
	Size(ctx context.Context) (int, error)
	Close() error
}

// MemoryQueue 以内存实现有界请求队列，入队出队均摊 O(1)。
type MemoryQueue struct {
	mu      sync.Mutex
	items   []*TransactionRequest
	ids     map[string]struct{}
	maxSize int
	closed  bool
}

// NewMemoryQueue 创建容量为 maxSize 的内存队列。
func NewMemoryQueue(maxSize int) *MemoryQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &MemoryQueue{
		ids:     make(map[string]struct{}),
		maxSize: maxSize,
	}
}

// Enqueue 将请求加入队尾。
func (q *MemoryQueue) Enqueue(_ context.Context, req *TransactionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrFlowConflict
	}
	if len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, req)
	q.ids[req.ID] = struct{}{}
	return nil
}

// Dequeue 取出队首请求。
func (q *MemoryQueue) Dequeue(_ context.Context) (*TransactionRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, ErrQueueEmpty
	}
	req := q.items[0]
	q.items = q.items[1:]
	delete(q.ids, req.ID)
	return req, nil
}

// Peek 返回队首请求但不移除。
func (q *MemoryQueue) Peek(_ context.Context) (*TransactionRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, ErrQueueEmpty
	}
	return q.items[0], nil
}

// Remove 按请求 ID 移除等待中的请求，返回是否命中。
func (q *MemoryQueue) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.ids[id]; !ok {
		return false, nil
	}
	for i, req := range q.items {
		if req.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	delete(q.ids, id)
	return true, nil
}

// Size 返回当前排队数量，供管理器做背压决策。
func (q *MemoryQueue) Size(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close 关闭队列，之后的 Enqueue 将失败。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
