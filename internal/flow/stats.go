package flow

import (
	"math/big"
	"sync"
)

// Statistics 是只读的滚动聚合快照，供仪表盘与观测工具消费。
type Statistics struct {
	TotalFlows            int64                 `json:"total_flows"`
	SuccessfulFlows       int64                 `json:"successful_flows"`
	FailedFlows           int64                 `json:"failed_flows"`
	CancelledFlows        int64                 `json:"cancelled_flows"`
	ByType                map[RequestType]int64 `json:"by_type"`
	AverageGasUsed        float64               `json:"average_gas_used"`
	AverageConfirmationMS float64               `json:"average_confirmation_ms"`
	TotalGasSpent         *big.Int              `json:"total_gas_spent"`
}

// statsTracker 以增量计数维护统计，避免全表扫描。
// 只有管理器在终态转换时写入。
type statsTracker struct {
	mu sync.Mutex

	total     int64
	succeeded int64
	failed    int64
	cancelled int64
	byType    map[RequestType]int64

	gasUsedSum   uint64
	gasUsedCount int64
	latencySumMS int64
	latencyCount int64
	gasSpent     *big.Int
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		byType:   make(map[RequestType]int64),
		gasSpent: big.NewInt(0),
	}
}

// recordCompleted 记录一次成功完成。latencyMS 是从创建到确认的耗时。
func (t *statsTracker) recordCompleted(reqType RequestType, receipt *Receipt, latencyMS int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.succeeded++
	t.byType[reqType]++
	if receipt != nil {
		t.gasUsedSum += receipt.GasUsed
		t.gasUsedCount++
		if receipt.EffectiveGasPrice != nil {
			spent := new(big.Int).Mul(receipt.EffectiveGasPrice, new(big.Int).SetUint64(receipt.GasUsed))
			t.gasSpent.Add(t.gasSpent, spent)
		}
	}
	if latencyMS >= 0 {
		t.latencySumMS += latencyMS
		t.latencyCount++
	}
}

// recordFailed 记录一次终局失败。
func (t *statsTracker) recordFailed(reqType RequestType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.failed++
	t.byType[reqType]++
}

// recordRetried 在重试开始时回冲此前按失败计入的一次终局，
// 保证每个流程只按最终结局计数一次。
func (t *statsTracker) recordRetried(reqType RequestType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failed == 0 {
		return
	}
	t.total--
	t.failed--
	t.byType[reqType]--
}

// recordCancelled 记录一次取消。
func (t *statsTracker) recordCancelled(reqType RequestType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total++
	t.cancelled++
	t.byType[reqType]++
}

// snapshot 返回当前统计的拷贝。
func (t *statsTracker) snapshot() Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()

	byType := make(map[RequestType]int64, len(t.byType))
	for reqType, count := range t.byType {
		byType[reqType] = count
	}
	stats := Statistics{
		TotalFlows:      t.total,
		SuccessfulFlows: t.succeeded,
		FailedFlows:     t.failed,
		CancelledFlows:  t.cancelled,
		ByType:          byType,
		TotalGasSpent:   new(big.Int).Set(t.gasSpent),
	}
	if t.gasUsedCount > 0 {
		stats.AverageGasUsed = float64(t.gasUsedSum) / float64(t.gasUsedCount)
	}
	if t.latencyCount > 0 {
		stats.AverageConfirmationMS = float64(t.latencySumMS) / float64(t.latencyCount)
	}
	return stats
}
