package flow

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func storedFlow(id, userID string, status Status) *Flow {
	req := transferRequest()
	req.ID = id
	req.Metadata.UserID = userID
	return &Flow{
		ID:      id,
		Request: *req,
		Status:  status,
	}
}

func TestMemoryStoreSaveConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Save(ctx, storedFlow("f1", "u1", StatusPreparing)); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if err := store.Save(ctx, storedFlow("f1", "u1", StatusPreparing)); !errors.Is(err, ErrFlowConflict) {
		t.Fatalf("重复 ID 应返回冲突: %v", err)
	}
}

func TestMemoryStoreGetReturnsIsolatedCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, storedFlow("f1", "u1", StatusPreparing))

	got, err := store.Get(ctx, "f1")
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	got.Status = StatusCompleted

	again, _ := store.Get(ctx, "f1")
	if again.Status != StatusPreparing {
		t.Fatal("外部修改不得影响存储内部状态")
	}
}

func TestMemoryStoreStatusIndexFollowsUpdates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	f := storedFlow("f1", "u1", StatusPreparing)
	_ = store.Save(ctx, f)

	f.Status = StatusCompleted
	if err := store.Update(ctx, f); err != nil {
		t.Fatalf("更新失败: %v", err)
	}

	preparing, _ := store.ListByStatus(ctx, StatusPreparing, 10)
	if len(preparing) != 0 {
		t.Fatalf("旧状态索引未清理: %d", len(preparing))
	}
	completed, _ := store.ListByStatus(ctx, StatusCompleted, 10)
	if len(completed) != 1 || completed[0].ID != "f1" {
		t.Fatalf("新状态索引缺失: %v", completed)
	}
}

func TestMemoryStoreListByUserOrdersByUpdatedAt(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f := storedFlow(fmt.Sprintf("f%d", i), "u1", StatusPreparing)
		f.UpdatedAt = int64(100 + i)
		if err := store.Save(ctx, f); err != nil {
			t.Fatalf("保存失败: %v", err)
		}
	}
	_ = store.Save(ctx, storedFlow("other", "u2", StatusPreparing))

	flows, err := store.ListByUser(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("limit 未生效: %d", len(flows))
	}
	if flows[0].UpdatedAt < flows[1].UpdatedAt {
		t.Fatal("结果应按更新时间倒序")
	}
	for _, f := range flows {
		if f.Request.Metadata.UserID != "u1" {
			t.Fatalf("串入了其他用户的流程: %s", f.ID)
		}
	}
}

func TestMemoryStoreEvictTerminalSkipsActiveFlows(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, storedFlow("active", "u1", StatusConfirming))
	_ = store.Save(ctx, storedFlow("done", "u1", StatusCompleted))

	if err := store.EvictTerminal(ctx, "active"); err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if _, err := store.Get(ctx, "active"); err != nil {
		t.Fatalf("非终态流程不得被清理: %v", err)
	}

	if err := store.EvictTerminal(ctx, "done"); err != nil {
		t.Fatalf("清理失败: %v", err)
	}
	if _, err := store.Get(ctx, "done"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("终态流程应被清理: %v", err)
	}
	if err := store.EvictTerminal(ctx, "missing"); err != nil {
		t.Fatalf("不存在的流程清理应为空操作: %v", err)
	}
}

func TestMemoryStoreDeleteCleansIndices(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Save(ctx, storedFlow("f1", "u1", StatusFailed))

	if err := store.Delete(ctx, "f1"); err != nil {
		t.Fatalf("删除失败: %v", err)
	}
	if _, err := store.Get(ctx, "f1"); !errors.Is(err, ErrFlowNotFound) {
		t.Fatalf("删除后应返回未找到: %v", err)
	}
	failed, _ := store.ListByStatus(ctx, StatusFailed, 10)
	if len(failed) != 0 {
		t.Fatal("删除后索引应清空")
	}
}
