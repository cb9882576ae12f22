package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"TxFlow-Chain/internal/flow"
)

// QueueConfig 描述 Redis 队列的连接参数。
type QueueConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
	MaxSize  int
}

// Queue 使用 Redis list 实现请求队列，供多实例部署共享待处理请求。
// 请求序列化为 JSON 存储，队首在 list 尾部（LPUSH 入队、RPOP 出队）。
type Queue struct {
	client  *goredis.Client
	key     string
	maxSize int
}

// NewQueue 创建 Redis 队列实例。
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "txflow:requests"
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 100
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Queue{client: client, key: key, maxSize: maxSize}, nil
}

// Enqueue 将请求写入队列。容量检查与写入不是原子的，
// 多实例并发下队列可能短暂超出容量一个请求，上限语义仍然成立。
func (q *Queue) Enqueue(ctx context.Context, req *flow.TransactionRequest) error {
	size, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return fmt.Errorf("查询队列长度失败: %w", err)
	}
	if int(size) >= q.maxSize {
		return flow.ErrQueueFull
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("Redis 入队失败: %w", err)
	}
	return nil
}

// Dequeue 取出队首请求。
func (q *Queue) Dequeue(ctx context.Context) (*flow.TransactionRequest, error) {
	payload, err := q.client.RPop(ctx, q.key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, flow.ErrQueueEmpty
		}
		return nil, fmt.Errorf("Redis 出队失败: %w", err)
	}
	return decodeRequest(payload)
}

// Peek 返回队首请求但不移除。
func (q *Queue) Peek(ctx context.Context) (*flow.TransactionRequest, error) {
	payload, err := q.client.LIndex(ctx, q.key, -1).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, flow.ErrQueueEmpty
		}
		return nil, fmt.Errorf("Redis 查询队首失败: %w", err)
	}
	return decodeRequest(payload)
}

// Remove 按请求 ID 移除等待中的请求。
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	values, err := q.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("Redis 遍历队列失败: %w", err)
	}
	for _, value := range values {
		req, decodeErr := decodeRequest(value)
		if decodeErr != nil {
			continue
		}
		if req.ID == id {
			removed, remErr := q.client.LRem(ctx, q.key, 1, value).Result()
			if remErr != nil {
				return false, fmt.Errorf("Redis 移除请求失败: %w", remErr)
			}
			return removed > 0, nil
		}
	}
	return false, nil
}

// Size 返回当前排队数量。
func (q *Queue) Size(ctx context.Context) (int, error) {
	size, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("查询队列长度失败: %w", err)
	}
	return int(size), nil
}

// Close 关闭 Redis 连接。
func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

func decodeRequest(payload string) (*flow.TransactionRequest, error) {
	var req flow.TransactionRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return nil, fmt.Errorf("解析排队请求失败: %w", err)
	}
	return &req, nil
}

var _ flow.Queue = (*Queue)(nil)
