package server

import (
	"sort"

	"mmonode/protocol"
)

// Sender 复制器需要的传输层能力。Broadcast 返回发送失败的客户端
type Sender interface {
	Send(id protocol.ClientID, ch protocol.Channel, payload []byte) error
	Broadcast(ch protocol.Channel, payload []byte) map[protocol.ClientID]error
}

// 单条复制消息的条目上限：编码后不超过 protocol.MaxPacketSize，
// 与传输方式无关
const (
	maxEntitiesPerUpdate = 16
	maxRemovedPerUpdate  = 96
)

// clientView 某客户端已确认到的 tick；full 表示下一次需要完整快照
type clientView struct {
	acked uint64
	full  bool
}

// Replicator 每个 tick 为每个客户端计算自上次确认以来的变化并发送。
// 更新走传输层的可靠有序通道：交给通道即视为确认，重传与顺序由传输层负责
type Replicator struct {
	channel protocol.Channel
	metrics *Metrics
	views   map[protocol.ClientID]*clientView
}

func NewReplicator(metrics *Metrics) *Replicator {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Replicator{
		channel: protocol.ChannelReliableOrdered,
		metrics: metrics,
		views:   make(map[protocol.ClientID]*clientView),
	}
}

func (r *Replicator) clientJoined(id protocol.ClientID) {
	r.views[id] = &clientView{full: true}
}

func (r *Replicator) clientLeft(id protocol.ClientID) {
	delete(r.views, id)
}

// Broadcast 发送本 tick 的快照/增量。单个客户端发送失败不影响其他客户端，
// 该客户端的确认点不前移，下个 tick 从旧确认点重新计算增量
func (r *Replicator) Broadcast(w *World, sender Sender) {
	tick := w.Tick()
	ids := r.sortedClients()

	if shared, ok := r.sharedBaseline(ids); ok {
		r.broadcastShared(w, sender, ids, shared, tick)
	} else {
		for _, id := range ids {
			r.sendTo(w, sender, id, tick)
		}
	}
	r.prune(w)
}

// sharedBaseline 所有客户端都在同一确认点且不需要快照时，增量对所有人相同
func (r *Replicator) sharedBaseline(ids []protocol.ClientID) (uint64, bool) {
	if len(ids) < 2 {
		return 0, false
	}
	base := r.views[ids[0]].acked
	for _, id := range ids {
		v := r.views[id]
		if v.full || v.acked != base {
			return 0, false
		}
	}
	return base, true
}

func (r *Replicator) broadcastShared(w *World, sender Sender, ids []protocol.ClientID, base, tick uint64) {
	update := protocol.Update{
		Tick:     tick,
		Entities: w.changedSince(base, false),
		Removed:  w.removedSince(base),
	}
	failed := make(map[protocol.ClientID]bool)
	if !update.Empty() {
		payloads, err := encodeUpdate(update)
		if err != nil {
			Log.Errorf("encode shared update: %v", err)
			return
		}
		for _, payload := range payloads {
			for id, err := range sender.Broadcast(r.channel, payload) {
				if !failed[id] {
					failed[id] = true
					r.metrics.IncSendFailure()
					Log.Warnf("replicate to client %d failed: %v", id, err)
				}
			}
		}
		for _, id := range ids {
			if !failed[id] {
				for range payloads {
					r.metrics.IncUpdate(false)
				}
			}
		}
	}
	// 发送失败的客户端保留旧确认点，之后单独补发
	for _, id := range ids {
		if !failed[id] {
			r.views[id].acked = tick
		}
	}
}

func (r *Replicator) sendTo(w *World, sender Sender, id protocol.ClientID, tick uint64) {
	v := r.views[id]
	update := r.buildUpdate(w, id, v, tick)
	if update.Empty() {
		v.acked = tick
		return
	}
	payloads, err := encodeUpdate(update)
	if err != nil {
		Log.Errorf("encode update for client %d: %v", id, err)
		return
	}
	for i, payload := range payloads {
		if err := sender.Send(id, r.channel, payload); err != nil {
			r.metrics.IncSendFailure()
			Log.Warnf("replicate to client %d failed: %v", id, err)
			return
		}
		r.metrics.IncUpdate(update.Full && i == 0)
	}
	v.acked = tick
	v.full = false
}

// splitUpdate 把一个 tick 的更新拆成多条：先移除，后实体。
// 只有第一条带 Full/You，除最后一条外 More 为真
func splitUpdate(u protocol.Update) []protocol.Update {
	if len(u.Entities) <= maxEntitiesPerUpdate && len(u.Removed) <= maxRemovedPerUpdate &&
		(len(u.Entities) == 0 || len(u.Removed) == 0) {
		return []protocol.Update{u}
	}
	var out []protocol.Update
	for removed := u.Removed; len(removed) > 0; {
		n := min(len(removed), maxRemovedPerUpdate)
		out = append(out, protocol.Update{Tick: u.Tick, Removed: removed[:n]})
		removed = removed[n:]
	}
	for entities := u.Entities; len(entities) > 0; {
		n := min(len(entities), maxEntitiesPerUpdate)
		out = append(out, protocol.Update{Tick: u.Tick, Entities: entities[:n]})
		entities = entities[n:]
	}
	if len(out) == 0 {
		out = append(out, protocol.Update{Tick: u.Tick})
	}
	out[0].Full, out[0].You = u.Full, u.You
	for i := range out[:len(out)-1] {
		out[i].More = true
	}
	return out
}

func encodeUpdate(u protocol.Update) ([][]byte, error) {
	parts := splitUpdate(u)
	payloads := make([][]byte, 0, len(parts))
	for _, part := range parts {
		b, err := protocol.Encode(protocol.MsgUpdate, part)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, b)
	}
	return payloads, nil
}

func (r *Replicator) buildUpdate(w *World, id protocol.ClientID, v *clientView, tick uint64) protocol.Update {
	if v.full {
		you, _ := w.EntityOf(id)
		return protocol.Update{Tick: tick, Full: true, You: you, Entities: w.snapshot()}
	}
	return protocol.Update{
		Tick:     tick,
		Entities: w.changedSince(v.acked, false),
		Removed:  w.removedSince(v.acked),
	}
}

// prune 清理所有客户端都已确认的移除记录；需要快照的客户端不依赖移除日志
func (r *Replicator) prune(w *World) {
	low := w.Tick()
	for _, v := range r.views {
		if !v.full && v.acked < low {
			low = v.acked
		}
	}
	w.pruneRemovals(low)
}

func (r *Replicator) sortedClients() []protocol.ClientID {
	ids := make([]protocol.ClientID, 0, len(r.views))
	for id := range r.views {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
