package server

import (
	"sync/atomic"
)

// Metrics 记录服务运行期的关键指标（用于监控与调试）。
// 由 Tick 线程写入、HTTP 协程读取，全部使用原子操作
type Metrics struct {
	TickCount           int64 // 统计的 Tick 次数
	TotalTickNs         int64 // Tick 累计耗时（纳秒）
	CurrentTick         int64
	Entities            int64 // 当前实体数
	ClientsConnected    int64
	ClientsDisconnected int64
	CommandsAccepted    int64 // 被接受的移动指令
	CommandsDiscarded   int64 // 非权威模式下直接丢弃的指令
	StaleDropped        int64 // 找不到所属实体的指令
	RateLimited         int64 // 因限流被拒绝的指令
	Malformed           int64 // 无法解析的指令
	UpdatesSent         int64 // 发出的复制消息（按客户端计）
	SnapshotsSent       int64 // 其中的完整快照
	SendFailures        int64
}

func (m *Metrics) IncConnected() { atomic.AddInt64(&m.ClientsConnected, 1) }
func (m *Metrics) IncDisconnected() { atomic.AddInt64(&m.ClientsDisconnected, 1) }
func (m *Metrics) IncAccepted() { atomic.AddInt64(&m.CommandsAccepted, 1) }
func (m *Metrics) AddDiscarded(n int) { atomic.AddInt64(&m.CommandsDiscarded, int64(n)) }
func (m *Metrics) IncStale() { atomic.AddInt64(&m.StaleDropped, 1) }
func (m *Metrics) IncRateLimited() { atomic.AddInt64(&m.RateLimited, 1) }
func (m *Metrics) IncMalformed() { atomic.AddInt64(&m.Malformed, 1) }
func (m *Metrics) IncSendFailure() { atomic.AddInt64(&m.SendFailures, 1) }
func (m *Metrics) SetEntities(n int) { atomic.StoreInt64(&m.Entities, int64(n)) }
func (m *Metrics) SetTick(tick uint64) { atomic.StoreInt64(&m.CurrentTick, int64(tick)) }

func (m *Metrics) IncUpdate(full bool) {
	atomic.AddInt64(&m.UpdatesSent, 1)
	if full {
		atomic.AddInt64(&m.SnapshotsSent, 1)
	}
}

func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":           tick,
		"current_tick":         atomic.LoadInt64(&m.CurrentTick),
		"entities":             atomic.LoadInt64(&m.Entities),
		"clients_connected":    atomic.LoadInt64(&m.ClientsConnected),
		"clients_disconnected": atomic.LoadInt64(&m.ClientsDisconnected),
		"commands_accepted":    atomic.LoadInt64(&m.CommandsAccepted),
		"commands_discarded":   atomic.LoadInt64(&m.CommandsDiscarded),
		"stale_dropped":        atomic.LoadInt64(&m.StaleDropped),
		"rate_limited":         atomic.LoadInt64(&m.RateLimited),
		"malformed":            atomic.LoadInt64(&m.Malformed),
		"updates_sent":         atomic.LoadInt64(&m.UpdatesSent),
		"snapshots_sent":       atomic.LoadInt64(&m.SnapshotsSent),
		"send_failures":        atomic.LoadInt64(&m.SendFailures),
		"avg_tick_ms":          avgMs,
	}
}
