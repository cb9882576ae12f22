package flow

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "TxFlow-Chain/internal/errors"
)

// MemoryStore 以内存方式保存流程，同时在每次写入时增量维护
// 按状态、按用户的二级索引，避免查询时全表扫描。
type MemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]*Flow
	byStatus map[Status]map[string]struct{}
	byUser   map[string]map[string]struct{}
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		flows:    make(map[string]*Flow),
		byStatus: make(map[Status]map[string]struct{}),
		byUser:   make(map[string]map[string]struct{}),
	}
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func dropIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func (m *MemoryStore) indexStatus(status Status, id string) {
	set, ok := m.byStatus[status]
	if !ok {
		set = make(map[string]struct{})
		m.byStatus[status] = set
	}
	set[id] = struct{}{}
}

func (m *MemoryStore) unindexStatus(status Status, id string) {
	if set, ok := m.byStatus[status]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m.byStatus, status)
		}
	}
}

// Save 插入新的流程记录，ID 冲突时返回 CONFLICT。
func (m *MemoryStore) Save(_ context.Context, f *Flow) error {
	if f == nil || f.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "flow 及其 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[f.ID]; ok {
		return ErrFlowConflict
	}
	now := time.Now().Unix()
	if f.CreatedAt == 0 {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	clone := f.Clone()
	m.flows[f.ID] = clone
	m.indexStatus(clone.Status, clone.ID)
	addIndex(m.byUser, clone.Request.Metadata.UserID, clone.ID)
	return nil
}

// Get 返回流程的拷贝。
func (m *MemoryStore) Get(_ context.Context, id string) (*Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, ErrFlowNotFound
	}
	return f.Clone(), nil
}

// Update 以全量记录覆盖已有流程，并同步二级索引。
func (m *MemoryStore) Update(_ context.Context, f *Flow) error {
	if f == nil || f.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "flow 及其 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.flows[f.ID]
	if !ok {
		return ErrFlowNotFound
	}
	if existing.Status != f.Status {
		m.unindexStatus(existing.Status, f.ID)
		m.indexStatus(f.Status, f.ID)
	}
	f.UpdatedAt = time.Now().Unix()
	m.flows[f.ID] = f.Clone()
	return nil
}

// EvictTerminal 删除已到达终态的流程，非终态或不存在时不做任何事。
// 管理器在宽限期后调用它，限制常驻内存的规模。
func (m *MemoryStore) EvictTerminal(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil
	}
	if !f.Status.IsTerminal() {
		return nil
	}
	m.unindexStatus(f.Status, id)
	dropIndex(m.byUser, f.Request.Metadata.UserID, id)
	delete(m.flows, id)
	return nil
}

// Delete 删除流程并清理索引。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return ErrFlowNotFound
	}
	m.unindexStatus(f.Status, id)
	dropIndex(m.byUser, f.Request.Metadata.UserID, id)
	delete(m.flows, id)
	return nil
}

func (m *MemoryStore) collect(ids map[string]struct{}, limit int) []*Flow {
	results := make([]*Flow, 0, len(ids))
	for id := range ids {
		if f, ok := m.flows[id]; ok {
			results = append(results, f.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

// ListByStatus 返回指定状态的流程，按更新时间倒序。
func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byStatus[status], limit), nil
}

// ListByUser 返回指定用户的流程，按更新时间倒序。
func (m *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byUser[userID], limit), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
