package protocol

import "github.com/vmihailenco/msgpack/v5"

const (
	MsgMove   = "move"   // 客户端 -> 服务端：移动方向
	MsgUpdate = "update" // 服务端 -> 客户端：复制快照/增量
)

// Envelope 消息外壳：t 为类型，p 为原始载荷
type Envelope struct {
	T string             `msgpack:"t"`
	P msgpack.RawMessage `msgpack:"p"`
}

// MoveDirection 客户端提交的移动意图（每轴语义上在 [-1,1]）
type MoveDirection struct {
	X float32 `msgpack:"x"`
	Y float32 `msgpack:"y"`
}

// EntityState 被复制的组件集合：位置与颜色。所有者不作为可写字段下发
type EntityState struct {
	ID EntityID `msgpack:"id"`
	X  float32  `msgpack:"x"`
	Y  float32  `msgpack:"y"`
	R  float32  `msgpack:"r"`
	G  float32  `msgpack:"g"`
	B  float32  `msgpack:"b"`
}

// Update 发给单个客户端的复制消息。Full 为完整快照，否则为自上次确认以来的增量。
// 一个 tick 的内容可能拆成多条发送：同一 Tick，只有第一条带 Full/You，
// 除最后一条外 More 为真
type Update struct {
	Tick     uint64        `msgpack:"tick"`
	Full     bool          `msgpack:"full,omitempty"`
	More     bool          `msgpack:"more,omitempty"`
	You      EntityID      `msgpack:"you,omitempty"`
	Entities []EntityState `msgpack:"entities,omitempty"`
	Removed  []EntityID    `msgpack:"removed,omitempty"`
}

// Empty 增量中没有任何变化
func (u Update) Empty() bool {
	return !u.Full && len(u.Entities) == 0 && len(u.Removed) == 0
}
