package server

import (
	"sort"

	"mmonode/protocol"
)

// Vec2 二维向量（单精度足够）
type Vec2 struct {
	X float32
	Y float32
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }
func (v Vec2) Scale(f float32) Vec2 { return Vec2{X: v.X * f, Y: v.Y * f} }
func (v Vec2) IsZero() bool { return v.X == 0 && v.Y == 0 }

// Color RGB，各分量在 [0,1]
type Color struct {
	R float32
	G float32
	B float32
}

// PlayerEntity 一个已连接玩家的权威状态。Owner 在实体生命周期内不可变
type PlayerEntity struct {
	ID       protocol.EntityID
	Owner    protocol.ClientID
	Position Vec2
	Color    Color

	spawnedAt uint64
	changedAt uint64 // 复制字段最后一次变化所在的 tick
}

// State 拷贝出需要复制给客户端的字段
func (e *PlayerEntity) State() protocol.EntityState {
	return protocol.EntityState{
		ID: e.ID,
		X:  e.Position.X,
		Y:  e.Position.Y,
		R:  e.Color.R,
		G:  e.Color.G,
		B:  e.Color.B,
	}
}

type removal struct {
	entity protocol.EntityID
	tick   uint64
}

// World 世界存储：按 ClientID 索引的玩家实体表。只允许 Tick 线程访问
type World struct {
	entities   map[protocol.ClientID]*PlayerEntity
	nextEntity protocol.EntityID
	tick       uint64
	removals   []removal
}

func NewWorld() *World {
	return &World{entities: make(map[protocol.ClientID]*PlayerEntity)}
}

// Tick 当前 tick 序号（首个 tick 为 1）
func (w *World) Tick() uint64 { return w.tick }

func (w *World) advance() uint64 {
	w.tick++
	return w.tick
}

func (w *World) Len() int { return len(w.entities) }

// Spawn 为 owner 创建实体（原点）；已存在时返回 false 且不做任何修改
func (w *World) Spawn(owner protocol.ClientID, color Color) (protocol.EntityID, bool) {
	if e, ok := w.entities[owner]; ok {
		return e.ID, false
	}
	w.nextEntity++
	w.entities[owner] = &PlayerEntity{
		ID:        w.nextEntity,
		Owner:     owner,
		Color:     color,
		spawnedAt: w.tick,
		changedAt: w.tick,
	}
	return w.nextEntity, true
}

// Despawn 移除 owner 的实体，并记入移除日志以便复制给客户端
func (w *World) Despawn(owner protocol.ClientID) (protocol.EntityID, bool) {
	e, ok := w.entities[owner]
	if !ok {
		return 0, false
	}
	delete(w.entities, owner)
	w.removals = append(w.removals, removal{entity: e.ID, tick: w.tick})
	return e.ID, true
}

// Get 返回 owner 实体的副本
func (w *World) Get(owner protocol.ClientID) (PlayerEntity, bool) {
	e, ok := w.entities[owner]
	if !ok {
		return PlayerEntity{}, false
	}
	return *e, true
}

// EntityOf 返回 owner 拥有的实体编号
func (w *World) EntityOf(owner protocol.ClientID) (protocol.EntityID, bool) {
	e, ok := w.entities[owner]
	if !ok {
		return 0, false
	}
	return e.ID, true
}

// translate 平移 owner 的实体；entity 不匹配（已被替换）时不做修改
func (w *World) translate(owner protocol.ClientID, entity protocol.EntityID, delta Vec2) bool {
	e, ok := w.entities[owner]
	if !ok || e.ID != entity {
		return false
	}
	if delta.IsZero() {
		return true
	}
	e.Position = e.Position.Add(delta)
	e.changedAt = w.tick
	return true
}

// Entities 按实体编号排序的副本列表
func (w *World) Entities() []PlayerEntity {
	out := make([]PlayerEntity, 0, len(w.entities))
	for _, e := range w.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// snapshot 所有实体的复制字段
func (w *World) snapshot() []protocol.EntityState {
	return w.changedSince(0, true)
}

// changedSince 复制字段在 tick 之后发生变化（含新建）的实体
func (w *World) changedSince(tick uint64, all bool) []protocol.EntityState {
	var out []protocol.EntityState
	for _, e := range w.entities {
		if all || e.changedAt > tick {
			out = append(out, e.State())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// removedSince tick 之后被移除的实体
func (w *World) removedSince(tick uint64) []protocol.EntityID {
	var out []protocol.EntityID
	for _, r := range w.removals {
		if r.tick > tick {
			out = append(out, r.entity)
		}
	}
	return out
}

// pruneRemovals 丢弃所有客户端都已确认过的移除记录
func (w *World) pruneRemovals(acked uint64) {
	keep := w.removals[:0]
	for _, r := range w.removals {
		if r.tick > acked {
			keep = append(keep, r)
		}
	}
	w.removals = keep
}
