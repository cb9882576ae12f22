package flow

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "TxFlow-Chain/internal/errors"
	"TxFlow-Chain/internal/event"
	"TxFlow-Chain/internal/observability/alerting"
	"TxFlow-Chain/pkg/logger"
)

// ManagerConfig 控制流程管理器的运行参数。零值字段回落到默认值。
type ManagerConfig struct {
	// ConfirmationTimeout 是等待外部确认的最长时间，超时自动取消。
	ConfirmationTimeout time.Duration
	// MaxAttempts 限制单个流程的总尝试次数（含首次执行）。
	MaxAttempts int
	// RetryBaseDelay 是重试退避的基准间隔，按尝试次数指数放大。
	RetryBaseDelay time.Duration
	// RetryMaxDelay 是退避间隔的上限。
	RetryMaxDelay time.Duration
	// DrainInterval 是队列消费循环的轮询间隔。
	DrainInterval time.Duration
	// EvictionGrace 决定终态流程在热索引中保留多久。
	EvictionGrace time.Duration
	// BroadcastViaWallet 为 true 时由钱包后端代为广播，
	// 适用于远程钱包自带节点的场景。
	BroadcastViaWallet bool
}

func (c *ManagerConfig) applyDefaults() {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 3 * time.Second
	}
	if c.EvictionGrace <= 0 {
		c.EvictionGrace = 10 * time.Minute
	}
}

// ConfirmationRequest 是提交给外部确认方（用户或策略引擎）的摘要。
// EstimatedCost 为最坏情况成本：gasLimit * 费用上限 + 转账金额。
type ConfirmationRequest struct {
	FlowID        string              `json:"flow_id"`
	Request       TransactionRequest  `json:"request"`
	Prepared      PreparedTransaction `json:"prepared"`
	EstimatedCost *big.Int            `json:"estimated_cost"`
	ExpiresAt     time.Time           `json:"expires_at"`
}

// ConfirmationResponse 是外部确认方的裁决。确认方可以随批准附带
// 在其他渠道（硬件钱包、多签服务）完成的签名产物，流程随即跳过
// 钱包签名阶段直接广播。
type ConfirmationResponse struct {
	FlowID            string             `json:"flow_id"`
	Approved          bool               `json:"approved"`
	Reason            string             `json:"reason,omitempty"`
	SignedTransaction *SignedTransaction `json:"signed_transaction,omitempty"`
}

// transitions 定义合法的状态迁移。failed 到 preparing 的边
// 只允许通过 Retry 触达。broadcasting/confirming 到 cancelled 的边
// 只停止本系统的推进，已提交网络的交易无法撤回。
var transitions = map[Status][]Status{
	StatusPreparing:            {StatusAwaitingConfirmation, StatusSigning, StatusFailed, StatusCancelled},
	StatusAwaitingConfirmation: {StatusSigning, StatusBroadcasting, StatusFailed, StatusCancelled},
	StatusSigning:              {StatusBroadcasting, StatusFailed, StatusCancelled},
	StatusBroadcasting:         {StatusConfirming, StatusFailed, StatusCancelled},
	StatusConfirming:           {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:               {StatusPreparing},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Manager 是交易流程的编排核心：驱动状态机、持有钱包引用、
// 消费队列、维护统计并对外发布生命周期事件。
//
// 并发模型：每个流程同一时刻至多被一个 goroutine 驱动，
// inFlight 集合充当互斥标记；队列消费串行进行。
type Manager struct {
	cfg         ManagerConfig
	store       Store
	queue       Queue
	builder     *Builder
	broadcaster *Broadcaster
	bus         *event.Bus
	alerts      alerting.Dispatcher
	stats       *statsTracker
	log         *slog.Logger

	mu            sync.Mutex
	wallet        Wallet
	inFlight      map[string]struct{}
	timers        map[string]*time.Timer
	pendingCancel map[string]string

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewManager 组装管理器。alerts 可以为 nil，此时不投递告警。
func NewManager(cfg ManagerConfig, store Store, queue Queue, builder *Builder,
	broadcaster *Broadcaster, bus *event.Bus, alerts alerting.Dispatcher) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:           cfg,
		store:         store,
		queue:         queue,
		builder:       builder,
		broadcaster:   broadcaster,
		bus:           bus,
		alerts:        alerts,
		stats:         newStatsTracker(),
		log:           logger.Named("flow.manager"),
		inFlight:      make(map[string]struct{}),
		timers:        make(map[string]*time.Timer),
		pendingCancel: make(map[string]string),
		done:          make(chan struct{}),
	}
}

// AttachWallet 绑定钱包后端。流程执行期间可以热切换，
// 正在签名的流程不受影响。
func (m *Manager) AttachWallet(ctx context.Context, w Wallet) error {
	if w == nil {
		return xerrors.New(CodeNoWallet, "钱包不能为空")
	}
	addr, err := w.Address(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.wallet = w
	m.mu.Unlock()
	m.emit(event.TopicWalletConnected, "", "", map[string]any{"address": addr.Hex()})
	m.log.Info("钱包已绑定", slog.String("address", addr.Hex()))
	return nil
}

func (m *Manager) currentWallet() (Wallet, error) {
	m.mu.Lock()
	w := m.wallet
	m.mu.Unlock()
	if w == nil {
		return nil, xerrors.New(CodeNoWallet, "没有绑定钱包后端")
	}
	if !w.IsConnected() {
		return nil, xerrors.New(CodeNotConnected, "钱包未连接")
	}
	return w, nil
}

// Start 启动队列消费循环。
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.drainLoop(ctx)
}

// Close 停止后台循环并等待在途流程收尾。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
	close(m.done)
	m.wg.Wait()
}

// CreateFlow 创建并推进一个流程：校验请求，构建待签交易，
// 然后根据元数据决定停在 awaiting_confirmation 还是直接执行。
func (m *Manager) CreateFlow(ctx context.Context, req *TransactionRequest) (*Flow, error) {
	if req == nil {
		return nil, xerrors.New(CodeValidationFailed, "请求不能为空")
	}
	if req.Expired(time.Now()) {
		return nil, xerrors.New(CodeValidationFailed, "请求已过期")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	now := time.Now().Unix()
	f := &Flow{
		ID:        req.ID,
		Request:   *req,
		Status:    StatusPreparing,
		Attempts:  1,
		History:   []FlowEvent{{Status: StatusPreparing, Message: "流程已创建", Timestamp: now}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(ctx, f); err != nil {
		return nil, err
	}
	m.emit(event.TopicFlowCreated, f.ID, string(f.Status), map[string]any{"type": string(req.Type)})
	m.markInFlight(f.ID)

	if err := m.prepare(ctx, f); err != nil {
		m.fail(ctx, f, err)
		m.clearInFlight(f.ID)
		return f.Clone(), err
	}

	if f.Request.Metadata.RequiresConfirmation {
		if err := m.transition(ctx, f, StatusAwaitingConfirmation, "等待外部确认"); err != nil {
			m.clearInFlight(f.ID)
			return nil, err
		}
		m.armConfirmationTimer(f.ID)
		m.emit(event.TopicConfirmationNeeded, f.ID, string(f.Status), nil)
		m.clearInFlight(f.ID)
		return f.Clone(), nil
	}

	m.execute(ctx, f)
	m.clearInFlight(f.ID)
	return f.Clone(), nil
}

// prepare 执行构建阶段，产物写入 f.Prepared 但不做状态迁移。
func (m *Manager) prepare(ctx context.Context, f *Flow) error {
	prepared, err := m.builder.Build(ctx, &f.Request)
	if err != nil {
		return err
	}
	if err := ValidateTransaction(prepared); err != nil {
		m.builder.ReleaseNonce(prepared.From, prepared.Nonce)
		return err
	}
	f.Prepared = prepared
	return nil
}

// RequestConfirmation 为等待确认的流程生成确认摘要。
func (m *Manager) RequestConfirmation(ctx context.Context, flowID string) (*ConfirmationRequest, error) {
	f, err := m.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f.Status != StatusAwaitingConfirmation {
		return nil, xerrors.New(CodeInvalidState,
			"流程处于 "+string(f.Status)+" 状态，无法请求确认")
	}
	if f.Prepared == nil {
		return nil, xerrors.New(CodeNoPreparedTx, "流程缺少待签交易")
	}

	cost := new(big.Int).Mul(new(big.Int).SetUint64(f.Prepared.GasLimit), f.Prepared.FeeCeiling())
	if f.Prepared.Value != nil {
		cost.Add(cost, f.Prepared.Value)
	}
	m.emit(event.TopicConfirmationRequested, f.ID, string(f.Status), nil)
	return &ConfirmationRequest{
		FlowID:        f.ID,
		Request:       f.Request,
		Prepared:      *f.Prepared,
		EstimatedCost: cost,
		ExpiresAt:     time.Now().Add(m.cfg.ConfirmationTimeout),
	}, nil
}

// HandleConfirmation 处理确认结果。拒绝会取消流程；
// 同意后若已有签名产物则直接广播，否则先签名。
func (m *Manager) HandleConfirmation(ctx context.Context, resp *ConfirmationResponse) error {
	if resp == nil {
		return xerrors.New(CodeValidationFailed, "确认响应不能为空")
	}
	f, err := m.store.Get(ctx, resp.FlowID)
	if err != nil {
		return err
	}
	if f.Status != StatusAwaitingConfirmation {
		return xerrors.New(CodeInvalidState,
			"流程处于 "+string(f.Status)+" 状态，确认无效")
	}
	if !m.markInFlight(f.ID) {
		return xerrors.New(CodeInvalidState, "流程正在被其他操作驱动")
	}
	defer m.clearInFlight(f.ID)
	m.disarmConfirmationTimer(f.ID)

	if !resp.Approved {
		reason := resp.Reason
		if reason == "" {
			reason = "用户拒绝"
		}
		return m.cancelLocked(ctx, f, reason)
	}

	if resp.SignedTransaction != nil {
		if err := m.attachSignature(ctx, f, resp.SignedTransaction); err != nil {
			return err
		}
	}
	if f.Signed != nil {
		m.executeFromBroadcast(ctx, f)
		return nil
	}
	m.execute(ctx, f)
	return nil
}

// attachSignature 校验确认方随批准提交的签名产物并写入流程。
// 产物必须与待签交易的发送方和 nonce 一致，防止挂错流程。
func (m *Manager) attachSignature(ctx context.Context, f *Flow, signed *SignedTransaction) error {
	if len(signed.Raw) == 0 {
		return xerrors.New(CodeNoSignedTx, "签名产物缺少原始交易字节")
	}
	if f.Prepared != nil {
		if signed.From != f.Prepared.From {
			return xerrors.New(CodeValidationFailed, "签名产物的发送方与待签交易不一致")
		}
		if signed.Nonce != f.Prepared.Nonce {
			return xerrors.New(CodeValidationFailed, "签名产物的 nonce 与待签交易不一致")
		}
	}
	clone := *signed
	f.Signed = &clone
	return m.store.Update(ctx, f)
}

// CancelFlow 取消任何尚未到达终态的流程。已提交网络的交易无法撤回，
// 对 broadcasting/confirming 的取消只停止本系统的推进，交易仍可能上链。
// 流程正被其他 goroutine 驱动时登记待取消标记，在下一个阶段边界生效。
func (m *Manager) CancelFlow(ctx context.Context, flowID, reason string) error {
	f, err := m.store.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if f.Status.IsTerminal() {
		return xerrors.New(CodeInvalidState,
			"流程处于 "+string(f.Status)+" 终态，无法取消")
	}
	if reason == "" {
		reason = "调用方取消"
	}
	if !m.markInFlight(f.ID) {
		m.registerPendingCancel(f.ID, reason)
		return nil
	}
	defer m.clearInFlight(f.ID)
	m.disarmConfirmationTimer(f.ID)
	return m.cancelLocked(ctx, f, reason)
}

func (m *Manager) registerPendingCancel(flowID, reason string) {
	m.mu.Lock()
	m.pendingCancel[flowID] = reason
	m.mu.Unlock()
}

func (m *Manager) consumePendingCancel(flowID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.pendingCancel[flowID]
	if ok {
		delete(m.pendingCancel, flowID)
	}
	return reason, ok
}

func (m *Manager) dropPendingCancel(flowID string) {
	m.mu.Lock()
	delete(m.pendingCancel, flowID)
	m.mu.Unlock()
}

// cancelLocked 执行取消收尾：归还 nonce、出队、记录统计并发事件。
// 调用方必须已持有流程的 inFlight 标记。
func (m *Manager) cancelLocked(ctx context.Context, f *Flow, reason string) error {
	if f.Prepared != nil && f.Signed == nil {
		m.builder.ReleaseNonce(f.Prepared.From, f.Prepared.Nonce)
	}
	if m.queue != nil {
		if _, err := m.queue.Remove(ctx, f.Request.ID); err != nil {
			m.log.Warn("从队列移除请求失败", slog.String("flow_id", f.ID), slog.Any("error", err))
		}
	}
	f.LastError = &FlowError{Code: CodeCancelled, Message: reason, Retryable: false}
	if err := m.transition(ctx, f, StatusCancelled, reason); err != nil {
		return err
	}
	m.stats.recordCancelled(f.Request.Type)
	m.emit(event.TopicStatisticsUpdated, "", "", nil)
	return nil
}

// RetryTransaction 立即重试一个失败且可重试的流程，并撤销已安排的
// 自动重试。重试重建待签交易（nonce 与费用都会刷新）。
func (m *Manager) RetryTransaction(ctx context.Context, flowID string) (*Flow, error) {
	f, err := m.store.Get(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !f.CanRetry() {
		return nil, xerrors.New(CodeInvalidState, "流程不满足重试条件")
	}
	if f.Attempts >= m.cfg.MaxAttempts {
		return nil, xerrors.New(CodeInvalidState, "流程已达最大尝试次数")
	}
	if !m.markInFlight(f.ID) {
		return nil, xerrors.New(CodeInvalidState, "流程正在被其他操作驱动")
	}
	defer m.clearInFlight(f.ID)
	return m.retryLocked(ctx, f)
}

// retryLocked 执行一次重试。调用方必须已持有流程的 inFlight 标记。
func (m *Manager) retryLocked(ctx context.Context, f *Flow) (*Flow, error) {
	m.disarmTimer("retry:" + f.ID)
	m.disarmTimer("evict:" + f.ID)
	if f.LastError != nil && f.LastError.Code == CodeNonceTooLow {
		m.builder.ForgetNonce(f.Request.From)
	}
	m.stats.recordRetried(f.Request.Type)
	f.Attempts++
	f.Prepared = nil
	f.Signed = nil
	f.LastError = nil
	m.log.Info("流程重试",
		slog.String("flow_id", f.ID),
		slog.Int("attempt", f.Attempts))
	if err := m.transition(ctx, f, StatusPreparing, "重试开始"); err != nil {
		return nil, err
	}
	if err := m.prepare(ctx, f); err != nil {
		m.fail(ctx, f, err)
		return f.Clone(), err
	}
	m.execute(ctx, f)
	return f.Clone(), nil
}

// scheduleRetry 为可恢复的失败安排一次自动重试，退避间隔按尝试次数
// 指数放大并受上限约束。显式 RetryTransaction 会先撤销该定时器。
func (m *Manager) scheduleRetry(flowID string, attempts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if timer, ok := m.timers["retry:"+flowID]; ok {
		timer.Stop()
	}
	delay := m.backoff(attempts)
	m.timers["retry:"+flowID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, "retry:"+flowID)
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := m.retryOnTimer(ctx, flowID); err != nil {
			m.log.Warn("自动重试失败", slog.String("flow_id", flowID), slog.Any("error", err))
		}
	})
}

// retryOnTimer 是自动重试定时器的回调。流程状态在等待期间可能已被
// 显式操作改变，重试前重新校验条件，正被驱动的流程直接让位。
func (m *Manager) retryOnTimer(ctx context.Context, flowID string) error {
	f, err := m.store.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if !f.CanRetry() || f.Attempts >= m.cfg.MaxAttempts {
		return nil
	}
	if !m.markInFlight(f.ID) {
		return nil
	}
	defer m.clearInFlight(f.ID)
	_, err = m.retryLocked(ctx, f)
	return err
}

// backoff 计算第 attempts 次之后的退避间隔。
func (m *Manager) backoff(attempts int) time.Duration {
	delay := m.cfg.RetryBaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= m.cfg.RetryMaxDelay {
			return m.cfg.RetryMaxDelay
		}
	}
	if delay > m.cfg.RetryMaxDelay {
		delay = m.cfg.RetryMaxDelay
	}
	return delay
}

// QueueTransaction 把请求放入有界队列，由后台循环逐个处理。
func (m *Manager) QueueTransaction(ctx context.Context, req *TransactionRequest) error {
	if req == nil {
		return xerrors.New(CodeValidationFailed, "请求不能为空")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := m.queue.Enqueue(ctx, req); err != nil {
		return err
	}
	m.log.Info("请求已入队", slog.String("request_id", req.ID), slog.String("type", string(req.Type)))
	return nil
}

// drainLoop 周期性地从队列取出请求并驱动完整流程。
// 串行消费保证 nonce 与钱包交互的顺序性。
func (m *Manager) drainLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.drainOne(ctx)
		}
	}
}

func (m *Manager) drainOne(ctx context.Context) {
	req, err := m.queue.Dequeue(ctx)
	if err != nil {
		if err != ErrQueueEmpty {
			m.log.Warn("出队失败", slog.Any("error", err))
		}
		return
	}
	if _, err := m.CreateFlow(ctx, req); err != nil {
		m.log.Warn("队列流程执行失败",
			slog.String("request_id", req.ID),
			slog.Any("error", err))
	}
}

// execute 从签名阶段开始推进流程到终态。
func (m *Manager) execute(ctx context.Context, f *Flow) {
	if reason, ok := m.consumePendingCancel(f.ID); ok {
		if err := m.cancelLocked(ctx, f, reason); err != nil {
			m.log.Warn("取消流程失败", slog.String("flow_id", f.ID), slog.Any("error", err))
		}
		return
	}
	if err := m.sign(ctx, f); err != nil {
		if f.Prepared != nil {
			m.builder.ReleaseNonce(f.Prepared.From, f.Prepared.Nonce)
		}
		m.fail(ctx, f, err)
		return
	}
	m.executeFromBroadcast(ctx, f)
}

// executeFromBroadcast 推进已有签名产物的流程。广播是待取消标记的
// 最后一个生效点，之后交易已离开本系统控制。
func (m *Manager) executeFromBroadcast(ctx context.Context, f *Flow) {
	if reason, ok := m.consumePendingCancel(f.ID); ok {
		if f.Prepared != nil && f.Signed != nil {
			m.builder.ReleaseNonce(f.Prepared.From, f.Prepared.Nonce)
		}
		if err := m.cancelLocked(ctx, f, reason); err != nil {
			m.log.Warn("取消流程失败", slog.String("flow_id", f.ID), slog.Any("error", err))
		}
		return
	}
	hash, err := m.broadcast(ctx, f)
	if err != nil {
		m.fail(ctx, f, err)
		return
	}
	if err := m.confirm(ctx, f, hash); err != nil {
		m.fail(ctx, f, err)
		return
	}
	m.complete(ctx, f)
}

// sign 调用钱包后端签名。链 ID 不匹配在签名前就失败，
// 避免把错链交易交给钱包。
func (m *Manager) sign(ctx context.Context, f *Flow) error {
	if f.Prepared == nil {
		return xerrors.New(CodeNoPreparedTx, "流程缺少待签交易")
	}
	if err := m.transition(ctx, f, StatusSigning, "提交钱包签名"); err != nil {
		return err
	}
	w, err := m.currentWallet()
	if err != nil {
		return err
	}
	chainID, err := w.ChainID(ctx)
	if err != nil {
		return err
	}
	if chainID != f.Prepared.ChainID {
		return xerrors.New(CodeSigningFailed,
			"钱包所在链与交易目标链不一致",
			xerrors.WithMetadata("wallet_chain", uitoa(chainID)),
			xerrors.WithMetadata("tx_chain", uitoa(f.Prepared.ChainID)))
	}
	signed, err := w.SignTransaction(ctx, f.Prepared)
	if err != nil {
		if _, typed := xerrors.From(err); typed {
			return err
		}
		return xerrors.Wrap(CodeSigningFailed, err, "钱包签名失败")
	}
	f.Signed = signed
	return m.store.Update(ctx, f)
}

// broadcast 把签名交易提交到网络。
func (m *Manager) broadcast(ctx context.Context, f *Flow) (hash common.Hash, err error) {
	if f.Signed == nil {
		return hash, xerrors.New(CodeNoSignedTx, "流程缺少签名交易")
	}
	if err = m.transition(ctx, f, StatusBroadcasting, "广播交易"); err != nil {
		return hash, err
	}
	if m.cfg.BroadcastViaWallet {
		w, werr := m.currentWallet()
		if werr != nil {
			return hash, werr
		}
		return w.SendTransaction(ctx, f.Signed)
	}
	return m.broadcaster.Broadcast(ctx, f.Signed)
}

// confirm 轮询回执。链上回滚按不可重试的失败处理。
func (m *Manager) confirm(ctx context.Context, f *Flow, hash common.Hash) error {
	if err := m.transition(ctx, f, StatusConfirming, "等待链上确认"); err != nil {
		return err
	}
	receipt, err := m.broadcaster.WaitForReceipt(ctx, hash)
	if err != nil {
		return err
	}
	f.Receipt = receipt
	if !receipt.Success {
		return xerrors.New(CodeReceiptFailed, "交易在链上回滚",
			xerrors.WithRetryable(false),
			xerrors.WithMetadata("tx_hash", receipt.TxHash.Hex()))
	}
	return nil
}

func (m *Manager) complete(ctx context.Context, f *Flow) {
	if err := m.transition(ctx, f, StatusCompleted, "交易已上链"); err != nil {
		m.log.Error("流程收尾失败", slog.String("flow_id", f.ID), slog.Any("error", err))
		return
	}
	latencyMS := (time.Now().Unix() - f.CreatedAt) * 1000
	m.stats.recordCompleted(f.Request.Type, f.Receipt, latencyMS)
	m.emit(event.TopicStatisticsUpdated, "", "", nil)
	m.log.Info("流程完成",
		slog.String("flow_id", f.ID),
		slog.String("tx_hash", f.Receipt.TxHash.Hex()),
		slog.Uint64("gas_used", f.Receipt.GasUsed))
}

// fail 统一处理失败收尾：记录错误、迁移状态、更新统计并按需告警。
// 可恢复的失败在尝试次数未耗尽时自动安排重试。
func (m *Manager) fail(ctx context.Context, f *Flow, cause error) {
	f.LastError = errorOf(cause)
	if err := m.transition(ctx, f, StatusFailed, f.LastError.Message); err != nil {
		m.log.Error("失败状态写入失败", slog.String("flow_id", f.ID), slog.Any("error", err))
	}
	m.stats.recordFailed(f.Request.Type)
	m.emit(event.TopicStatisticsUpdated, "", "", nil)
	m.log.Warn("流程失败",
		slog.String("flow_id", f.ID),
		slog.String("code", string(f.LastError.Code)),
		slog.Bool("retryable", f.LastError.Retryable),
		slog.String("message", f.LastError.Message))

	if f.LastError.Retryable && f.Attempts < m.cfg.MaxAttempts {
		m.scheduleRetry(f.ID, f.Attempts)
	}

	if m.alerts != nil && xerrors.ShouldAlert(cause) {
		alertEvt := alerting.Event{
			Code:       f.LastError.Code,
			Message:    f.LastError.Message,
			Severity:   xerrors.SeverityOf(cause),
			FlowID:     f.ID,
			Attempts:   f.Attempts,
			MaxRetries: m.cfg.MaxAttempts,
			Metadata:   f.LastError.Details,
			OccurredAt: time.Now(),
		}
		if err := m.alerts.Notify(ctx, alertEvt); err != nil {
			m.log.Warn("告警投递失败", slog.Any("error", err))
		}
	}
}

// transition 执行一次状态迁移：校验合法性、追加历史、持久化并发事件。
func (m *Manager) transition(ctx context.Context, f *Flow, to Status, message string) error {
	if !canTransition(f.Status, to) {
		return xerrors.New(CodeInvalidState,
			"非法状态迁移 "+string(f.Status)+" -> "+string(to))
	}
	now := time.Now().Unix()
	f.Status = to
	f.UpdatedAt = now
	f.History = append(f.History, FlowEvent{Status: to, Message: message, Timestamp: now})
	if err := m.store.Update(ctx, f); err != nil {
		return err
	}

	m.emit(event.TopicFlowStatusChanged, f.ID, string(to), nil)
	switch to {
	case StatusCompleted:
		fields := map[string]any{}
		if f.Receipt != nil {
			fields["tx_hash"] = f.Receipt.TxHash.Hex()
		}
		m.emit(event.TopicFlowCompleted, f.ID, string(to), fields)
	case StatusFailed:
		fields := map[string]any{}
		if f.LastError != nil {
			fields["code"] = string(f.LastError.Code)
			fields["retryable"] = f.LastError.Retryable
		}
		m.emit(event.TopicFlowFailed, f.ID, string(to), fields)
	case StatusCancelled:
		m.emit(event.TopicFlowCancelled, f.ID, string(to), nil)
	}
	if to.IsTerminal() {
		m.dropPendingCancel(f.ID)
		m.scheduleEviction(f.ID)
	}
	return nil
}

// terminalEvicter 由支持热区清理的存储实现。保留完整历史的持久化
// 存储（MySQL）不实现该接口，终态流程不会被删除。
type terminalEvicter interface {
	EvictTerminal(ctx context.Context, id string) error
}

// scheduleEviction 在宽限期后把终态流程移出存储热区，限制常驻内存。
// 宽限期内流程仍可查询，失败流程仍可通过 Retry 复活并撤销清理。
func (m *Manager) scheduleEviction(flowID string) {
	ev, ok := m.store.(terminalEvicter)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if timer, ok := m.timers["evict:"+flowID]; ok {
		timer.Stop()
	}
	m.timers["evict:"+flowID] = time.AfterFunc(m.cfg.EvictionGrace, func() {
		m.mu.Lock()
		delete(m.timers, "evict:"+flowID)
		m.mu.Unlock()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ev.EvictTerminal(ctx, flowID); err != nil {
			m.log.Warn("终态流程清理失败", slog.String("flow_id", flowID), slog.Any("error", err))
		}
	})
}

// armConfirmationTimer 启动确认超时定时器，超时自动取消流程。
func (m *Manager) armConfirmationTimer(flowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.timers[flowID] = time.AfterFunc(m.cfg.ConfirmationTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.cancelOnTimeout(ctx, flowID); err != nil {
			m.log.Warn("确认超时取消失败", slog.String("flow_id", flowID), slog.Any("error", err))
		}
	})
}

func (m *Manager) disarmConfirmationTimer(flowID string) {
	m.disarmTimer(flowID)
}

func (m *Manager) disarmTimer(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[key]; ok {
		timer.Stop()
		delete(m.timers, key)
	}
}

func (m *Manager) cancelOnTimeout(ctx context.Context, flowID string) error {
	f, err := m.store.Get(ctx, flowID)
	if err != nil {
		return err
	}
	if f.Status != StatusAwaitingConfirmation {
		return nil
	}
	if !m.markInFlight(f.ID) {
		return nil
	}
	defer m.clearInFlight(f.ID)
	m.disarmConfirmationTimer(flowID)
	return m.cancelLocked(ctx, f, "确认超时")
}

// GetFlowStatus 查询单个流程的当前快照。
func (m *Manager) GetFlowStatus(ctx context.Context, flowID string) (*Flow, error) {
	return m.store.Get(ctx, flowID)
}

// GetUserFlows 按用户查询流程，按更新时间倒序。
func (m *Manager) GetUserFlows(ctx context.Context, userID string, limit int) ([]*Flow, error) {
	return m.store.ListByUser(ctx, userID, limit)
}

// GetStatistics 返回聚合统计快照。
func (m *Manager) GetStatistics() Statistics {
	return m.stats.snapshot()
}

func (m *Manager) markInFlight(flowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inFlight[flowID]; busy {
		return false
	}
	m.inFlight[flowID] = struct{}{}
	return true
}

func (m *Manager) clearInFlight(flowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, flowID)
}

func (m *Manager) emit(topic event.Topic, flowID, status string, fields map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event.Event{
		Topic:      topic,
		FlowID:     flowID,
		Status:     status,
		Fields:     fields,
		OccurredAt: time.Now(),
	})
}

func uitoa(v uint64) string {
	return strconv.FormatUint(v, 10)
}
