package flow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/event"
)

func testManager(t *testing.T, client *fakeClient, cfg ManagerConfig) (*Manager, *fakeWallet) {
	t.Helper()
	builder := NewBuilder(client, NewProtocolRegistry())
	broadcaster := NewBroadcaster(client, BroadcasterConfig{
		PollInterval:   10 * time.Millisecond,
		ReceiptTimeout: time.Second,
	})
	// 默认把自动重试的退避拉长，显式驱动的用例不受定时器干扰。
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Minute
	}
	m := NewManager(cfg, NewMemoryStore(), NewMemoryQueue(100), builder, broadcaster, event.NewBus(16), nil)
	t.Cleanup(m.Close)

	w := newFakeWallet(1329)
	if err := m.AttachWallet(context.Background(), w); err != nil {
		t.Fatalf("绑定钱包失败: %v", err)
	}
	return m, w
}

func transferRequest() *TransactionRequest {
	to := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	return &TransactionRequest{
		Type:    TypeTransfer,
		From:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		To:      &to,
		Value:   big.NewInt(1_000_000),
		ChainID: 1329,
		Metadata: RequestMetadata{
			UserID: "user-1",
		},
	}
}

func TestCreateFlowCompletesTransfer(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{})

	f, err := m.CreateFlow(context.Background(), transferRequest())
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}
	if f.Status != StatusCompleted {
		t.Fatalf("期望 completed，得到 %s（last_error=%+v）", f.Status, f.LastError)
	}
	if f.Receipt == nil || !f.Receipt.Success {
		t.Fatalf("完成的流程必须携带成功回执: %+v", f.Receipt)
	}
	if f.Prepared == nil || f.Signed == nil {
		t.Fatal("完成的流程必须保留 prepared 与 signed 产物")
	}

	wantOrder := []Status{StatusPreparing, StatusSigning, StatusBroadcasting, StatusConfirming, StatusCompleted}
	if len(f.History) != len(wantOrder) {
		t.Fatalf("历史条目数不符: %d", len(f.History))
	}
	for i, entry := range f.History {
		if entry.Status != wantOrder[i] {
			t.Fatalf("历史第 %d 条期望 %s，得到 %s", i, wantOrder[i], entry.Status)
		}
	}
}

func TestCreateFlowStopsForConfirmation(t *testing.T) {
	client := newFakeClient()
	m, w := testManager(t, client, ManagerConfig{})

	req := transferRequest()
	req.Metadata.RequiresConfirmation = true
	f, err := m.CreateFlow(context.Background(), req)
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}
	if f.Status != StatusAwaitingConfirmation {
		t.Fatalf("期望 awaiting_confirmation，得到 %s", f.Status)
	}
	if w.signCalls != 0 {
		t.Fatal("确认前不得调用钱包签名")
	}

	confirmation, err := m.RequestConfirmation(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("生成确认摘要失败: %v", err)
	}
	wantCost := new(big.Int).SetUint64(confirmation.Prepared.GasLimit)
	wantCost.Mul(wantCost, confirmation.Prepared.FeeCeiling())
	wantCost.Add(wantCost, req.Value)
	if confirmation.EstimatedCost.Cmp(wantCost) != 0 {
		t.Fatalf("成本估算不符: got %s want %s", confirmation.EstimatedCost, wantCost)
	}

	if err := m.HandleConfirmation(context.Background(), &ConfirmationResponse{FlowID: f.ID, Approved: true}); err != nil {
		t.Fatalf("处理确认失败: %v", err)
	}
	final, err := m.GetFlowStatus(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("查询流程失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("确认后期望 completed，得到 %s", final.Status)
	}
	if w.signCalls != 1 {
		t.Fatalf("期望恰好一次签名，得到 %d", w.signCalls)
	}
}

func TestConfirmationRejectCancelsFlow(t *testing.T) {
	client := newFakeClient()
	m, w := testManager(t, client, ManagerConfig{})

	req := transferRequest()
	req.Metadata.RequiresConfirmation = true
	f, err := m.CreateFlow(context.Background(), req)
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}

	resp := &ConfirmationResponse{FlowID: f.ID, Approved: false, Reason: "金额过大"}
	if err := m.HandleConfirmation(context.Background(), resp); err != nil {
		t.Fatalf("处理拒绝失败: %v", err)
	}
	final, _ := m.GetFlowStatus(context.Background(), f.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("拒绝后期望 cancelled，得到 %s", final.Status)
	}
	if final.LastError == nil || final.LastError.Code != CodeCancelled {
		t.Fatalf("取消原因缺失: %+v", final.LastError)
	}
	if final.LastError.Message != "金额过大" {
		t.Fatalf("取消原因不符: %s", final.LastError.Message)
	}
	if w.signCalls != 0 {
		t.Fatal("拒绝的流程不得触发签名")
	}
}

func TestConfirmationWithSignedPayloadSkipsWallet(t *testing.T) {
	client := newFakeClient()
	m, w := testManager(t, client, ManagerConfig{})

	req := transferRequest()
	req.Metadata.RequiresConfirmation = true
	f, err := m.CreateFlow(context.Background(), req)
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}

	resp := &ConfirmationResponse{
		FlowID:   f.ID,
		Approved: true,
		SignedTransaction: &SignedTransaction{
			Raw:   []byte{0x02, 0xfe},
			Hash:  common.HexToHash("0xdef456"),
			From:  f.Prepared.From,
			Nonce: f.Prepared.Nonce,
		},
	}
	if err := m.HandleConfirmation(context.Background(), resp); err != nil {
		t.Fatalf("处理带签名的确认失败: %v", err)
	}
	final, err := m.GetFlowStatus(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("查询流程失败: %v", err)
	}
	if final.Status != StatusCompleted {
		t.Fatalf("期望 completed，得到 %s", final.Status)
	}
	if w.signCalls != 0 {
		t.Fatalf("外部签名产物不得触发钱包签名，得到 %d 次调用", w.signCalls)
	}
	client.mu.Lock()
	sends := client.sendCalls
	client.mu.Unlock()
	if sends != 1 {
		t.Fatalf("期望恰好一次广播，得到 %d", sends)
	}
	if final.Signed == nil || final.Signed.Hash != resp.SignedTransaction.Hash {
		t.Fatalf("流程应保留外部签名产物: %+v", final.Signed)
	}
}

func TestConfirmationRejectsForeignSignature(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{})

	req := transferRequest()
	req.Metadata.RequiresConfirmation = true
	f, err := m.CreateFlow(context.Background(), req)
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}

	resp := &ConfirmationResponse{
		FlowID:   f.ID,
		Approved: true,
		SignedTransaction: &SignedTransaction{
			Raw:   []byte{0x02, 0xfe},
			From:  f.Prepared.From,
			Nonce: f.Prepared.Nonce + 1,
		},
	}
	err = m.HandleConfirmation(context.Background(), resp)
	if xerrors.CodeOf(err) != CodeValidationFailed {
		t.Fatalf("nonce 不一致的签名产物应返回 VALIDATION_FAILED，得到 %v", err)
	}
	current, _ := m.GetFlowStatus(context.Background(), f.ID)
	if current.Status != StatusAwaitingConfirmation {
		t.Fatalf("校验失败后流程应停留在 awaiting_confirmation，得到 %s", current.Status)
	}
}

func TestConfirmationTimeoutAutoCancels(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{ConfirmationTimeout: 30 * time.Millisecond})

	req := transferRequest()
	req.Metadata.RequiresConfirmation = true
	f, err := m.CreateFlow(context.Background(), req)
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		current, err := m.GetFlowStatus(context.Background(), f.ID)
		if err != nil {
			t.Fatalf("查询流程失败: %v", err)
		}
		if current.Status == StatusCancelled {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("确认超时后流程未被取消，当前状态 %s", current.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancelRejectedForTerminalFlow(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{})

	f, err := m.CreateFlow(context.Background(), transferRequest())
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}
	err = m.CancelFlow(context.Background(), f.ID, "")
	if xerrors.CodeOf(err) != CodeInvalidState {
		t.Fatalf("终态流程取消应返回 INVALID_STATE，得到 %v", err)
	}
}

func TestCancelBroadcastingFlowBestEffort(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{})

	// 模拟进程重启后停在 broadcasting 的孤儿流程。
	req := transferRequest()
	req.ID = "stuck-broadcast-1"
	now := time.Now().Unix()
	f := &Flow{
		ID:        req.ID,
		Request:   *req,
		Status:    StatusBroadcasting,
		Attempts:  1,
		History:   []FlowEvent{{Status: StatusBroadcasting, Message: "广播交易", Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(context.Background(), f); err != nil {
		t.Fatalf("写入流程失败: %v", err)
	}

	if err := m.CancelFlow(context.Background(), f.ID, "节点切换后放弃跟踪"); err != nil {
		t.Fatalf("非终态流程取消不应失败: %v", err)
	}
	final, err := m.GetFlowStatus(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("查询流程失败: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("期望 cancelled，得到 %s", final.Status)
	}
	if final.LastError == nil || final.LastError.Code != CodeCancelled {
		t.Fatalf("取消原因缺失: %+v", final.LastError)
	}
}

func TestCancelDuringSigningPreventsBroadcast(t *testing.T) {
	client := newFakeClient()
	m, w := testManager(t, client, ManagerConfig{})
	started := make(chan struct{})
	gate := make(chan struct{})
	w.blockSigning(started, gate)

	req := transferRequest()
	req.ID = "cancel-during-sign-1"
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.CreateFlow(context.Background(), req)
	}()

	<-started
	if err := m.CancelFlow(context.Background(), req.ID, "改签更高费用"); err != nil {
		t.Fatalf("签名中的流程取消应被受理: %v", err)
	}
	close(gate)
	<-done

	final, err := m.GetFlowStatus(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("查询流程失败: %v", err)
	}
	if final.Status != StatusCancelled {
		t.Fatalf("期望 cancelled，得到 %s", final.Status)
	}
	client.mu.Lock()
	sends := client.sendCalls
	client.mu.Unlock()
	if sends != 0 {
		t.Fatalf("取消生效后不得广播，得到 %d 次发送", sends)
	}
}

func TestRetryAfterBroadcastFailure(t *testing.T) {
	client := newFakeClient()
	client.setSendErr(errors.New("connection refused"))
	m, _ := testManager(t, client, ManagerConfig{})

	f, createErr := m.CreateFlow(context.Background(), transferRequest())
	if createErr == nil {
		t.Fatal("广播失败时 CreateFlow 应返回错误")
	}
	if f.Status != StatusFailed {
		t.Fatalf("期望 failed，得到 %s", f.Status)
	}
	if f.LastError.Code != CodeBroadcastFailed || !f.LastError.Retryable {
		t.Fatalf("期望可重试的 BROADCAST_FAILED: %+v", f.LastError)
	}

	client.setSendErr(nil)
	retried, err := m.RetryTransaction(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("重试失败: %v", err)
	}
	if retried.Status != StatusCompleted {
		t.Fatalf("重试后期望 completed，得到 %s", retried.Status)
	}
	if retried.Attempts != 2 {
		t.Fatalf("期望 attempts=2，得到 %d", retried.Attempts)
	}
}

func TestAutoRetryRecoversRetryableFailure(t *testing.T) {
	client := newFakeClient()
	client.setSendErr(errors.New("connection refused"))
	m, _ := testManager(t, client, ManagerConfig{RetryBaseDelay: 25 * time.Millisecond})

	f, createErr := m.CreateFlow(context.Background(), transferRequest())
	if createErr == nil {
		t.Fatal("广播失败时 CreateFlow 应返回错误")
	}
	if f.Status != StatusFailed {
		t.Fatalf("期望 failed，得到 %s", f.Status)
	}
	client.setSendErr(nil)

	deadline := time.After(2 * time.Second)
	for {
		current, err := m.GetFlowStatus(context.Background(), f.ID)
		if err != nil {
			t.Fatalf("查询流程失败: %v", err)
		}
		if current.Status == StatusCompleted {
			if current.Attempts != 2 {
				t.Fatalf("期望 attempts=2，得到 %d", current.Attempts)
			}
			if current.LastError != nil {
				t.Fatalf("重试成功后不应残留错误: %+v", current.LastError)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("可重试的失败未被自动重试，当前状态 %s", current.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	stats := m.GetStatistics()
	if stats.TotalFlows != 1 || stats.SuccessfulFlows != 1 || stats.FailedFlows != 0 {
		t.Fatalf("重试成功的流程应只按最终结局计数: %+v", stats)
	}
}

func TestExplicitRetryDisarmsScheduledRetry(t *testing.T) {
	client := newFakeClient()
	client.setSendErr(errors.New("connection refused"))
	m, _ := testManager(t, client, ManagerConfig{RetryBaseDelay: 40 * time.Millisecond, MaxAttempts: 5})

	f, _ := m.CreateFlow(context.Background(), transferRequest())
	client.setSendErr(nil)

	retried, err := m.RetryTransaction(context.Background(), f.ID)
	if err != nil {
		t.Fatalf("显式重试失败: %v", err)
	}
	if retried.Status != StatusCompleted || retried.Attempts != 2 {
		t.Fatalf("期望 completed/attempts=2，得到 %s/%d", retried.Status, retried.Attempts)
	}

	// 自动重试定时器若未被撤销，到期后会对已完成的流程再次计数。
	time.Sleep(100 * time.Millisecond)
	final, _ := m.GetFlowStatus(context.Background(), f.ID)
	if final.Attempts != 2 {
		t.Fatalf("撤销定时器后尝试次数不应再增长，得到 %d", final.Attempts)
	}
	stats := m.GetStatistics()
	if stats.TotalFlows != 1 {
		t.Fatalf("期望 1 个流程，得到 %d", stats.TotalFlows)
	}
}

func TestRetryRejectedForNonRetryable(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{})

	req := transferRequest()
	req.To = nil
	f, createErr := m.CreateFlow(context.Background(), req)
	if createErr == nil {
		t.Fatal("缺少 to 地址的转账应校验失败")
	}
	if f.LastError == nil || f.LastError.Code != CodeValidationFailed {
		t.Fatalf("期望 VALIDATION_FAILED: %+v", f.LastError)
	}

	if _, err := m.RetryTransaction(context.Background(), f.ID); xerrors.CodeOf(err) != CodeInvalidState {
		t.Fatalf("不可重试的失败应拒绝重试，得到 %v", err)
	}
}

func TestRetryAttemptCap(t *testing.T) {
	client := newFakeClient()
	client.setSendErr(errors.New("connection refused"))
	m, _ := testManager(t, client, ManagerConfig{MaxAttempts: 2})

	f, _ := m.CreateFlow(context.Background(), transferRequest())
	if _, err := m.RetryTransaction(context.Background(), f.ID); err == nil {
		t.Fatal("第二次尝试仍应失败")
	}
	if _, err := m.RetryTransaction(context.Background(), f.ID); xerrors.CodeOf(err) != CodeInvalidState {
		t.Fatalf("超出尝试上限应返回 INVALID_STATE，得到 %v", err)
	}
}

func TestTransitionTableRejectsIllegalMoves(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{StatusCompleted, StatusPreparing},
		{StatusCancelled, StatusSigning},
		{StatusPreparing, StatusConfirming},
		{StatusConfirming, StatusSigning},
		{StatusCompleted, StatusCancelled},
	}
	for _, tc := range illegal {
		if canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s 不应合法", tc.from, tc.to)
		}
	}
	legal := []struct{ from, to Status }{
		{StatusPreparing, StatusAwaitingConfirmation},
		{StatusAwaitingConfirmation, StatusBroadcasting},
		{StatusFailed, StatusPreparing},
		{StatusConfirming, StatusCompleted},
		{StatusBroadcasting, StatusCancelled},
		{StatusConfirming, StatusCancelled},
	}
	for _, tc := range legal {
		if !canTransition(tc.from, tc.to) {
			t.Errorf("%s -> %s 应当合法", tc.from, tc.to)
		}
	}
}

func TestQueueTransactionRespectsCapacity(t *testing.T) {
	client := newFakeClient()
	builder := NewBuilder(client, NewProtocolRegistry())
	broadcaster := NewBroadcaster(client, BroadcasterConfig{})
	m := NewManager(ManagerConfig{}, NewMemoryStore(), NewMemoryQueue(2), builder, broadcaster, event.NewBus(4), nil)
	t.Cleanup(m.Close)

	for i := 0; i < 2; i++ {
		if err := m.QueueTransaction(context.Background(), transferRequest()); err != nil {
			t.Fatalf("入队第 %d 个请求失败: %v", i+1, err)
		}
	}
	err := m.QueueTransaction(context.Background(), transferRequest())
	if xerrors.CodeOf(err) != CodeQueueFull {
		t.Fatalf("满队入队应返回 QUEUE_FULL，得到 %v", err)
	}
}

func TestDrainLoopProcessesQueuedRequests(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{DrainInterval: 10 * time.Millisecond})

	req := transferRequest()
	if err := m.QueueTransaction(context.Background(), req); err != nil {
		t.Fatalf("入队失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	deadline := time.After(2 * time.Second)
	for {
		f, err := m.GetFlowStatus(context.Background(), req.ID)
		if err == nil && f.Status == StatusCompleted {
			return
		}
		select {
		case <-deadline:
			t.Fatal("队列请求未在期限内完成")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestWalletChainMismatchFailsBeforeSigning(t *testing.T) {
	client := newFakeClient()
	m, w := testManager(t, client, ManagerConfig{})
	w.chainID = 1

	f, err := m.CreateFlow(context.Background(), transferRequest())
	if err == nil {
		t.Fatal("链不匹配时应失败")
	}
	if f.LastError == nil || f.LastError.Code != CodeSigningFailed {
		t.Fatalf("期望 SIGNING_FAILED: %+v", f.LastError)
	}
	if w.signCalls != 0 {
		t.Fatal("链不匹配时不得调用签名")
	}
}

func TestStatisticsTrackTerminalStates(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{})

	if _, err := m.CreateFlow(context.Background(), transferRequest()); err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}
	client.setSendErr(errors.New("connection refused"))
	_, _ = m.CreateFlow(context.Background(), transferRequest())

	stats := m.GetStatistics()
	if stats.SuccessfulFlows != 1 {
		t.Fatalf("期望 1 个成功流程，得到 %d", stats.SuccessfulFlows)
	}
	if stats.FailedFlows != 1 {
		t.Fatalf("期望 1 个失败流程，得到 %d", stats.FailedFlows)
	}
	if stats.ByType[TypeTransfer] != 2 {
		t.Fatalf("按类型计数不符: %+v", stats.ByType)
	}
}

func TestStatisticsCountRetriedFlowOnce(t *testing.T) {
	client := newFakeClient()
	client.setSendErr(errors.New("connection refused"))
	m, _ := testManager(t, client, ManagerConfig{})

	f, _ := m.CreateFlow(context.Background(), transferRequest())
	client.setSendErr(nil)
	if _, err := m.RetryTransaction(context.Background(), f.ID); err != nil {
		t.Fatalf("重试失败: %v", err)
	}

	stats := m.GetStatistics()
	if stats.TotalFlows != 1 {
		t.Fatalf("失败后重试成功的流程只应计 1 次，得到 %d", stats.TotalFlows)
	}
	if stats.SuccessfulFlows != 1 || stats.FailedFlows != 0 {
		t.Fatalf("终局计数不符: %+v", stats)
	}
	if stats.ByType[TypeTransfer] != 1 {
		t.Fatalf("按类型计数不符: %+v", stats.ByType)
	}
}

func TestTerminalFlowEvictedAfterGrace(t *testing.T) {
	client := newFakeClient()
	m, _ := testManager(t, client, ManagerConfig{EvictionGrace: 20 * time.Millisecond})

	f, err := m.CreateFlow(context.Background(), transferRequest())
	if err != nil {
		t.Fatalf("创建流程失败: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		_, err := m.GetFlowStatus(context.Background(), f.ID)
		if xerrors.CodeOf(err) == xerrors.CodeNotFound {
			return
		}
		select {
		case <-deadline:
			t.Fatal("终态流程未在宽限期后被移出热区")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
