package flow

import "context"

// Store 抽象了流程聚合的持久化接口。主键是流程 ID，
// 另外维护按状态、按用户（metadata.user_id）的二级索引。
type Store interface {
	Save(ctx context.Context, f *Flow) error
	Get(ctx context.Context, id string) (*Flow, error)
	Update(ctx context.Context, f *Flow) error
	Delete(ctx context.Context, id string) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Flow, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Flow, error)
	Close() error
}
