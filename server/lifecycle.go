package server

import (
	"github.com/rotisserie/eris"

	"mmonode/protocol"
)

var ErrInvalidTransition = eris.New("invalid connection state transition")

// ConnState 单个连接的状态机：Connecting → Connected → Disconnecting → Closed
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transition 校验状态迁移；Closed 是终态
func (s ConnState) transition(to ConnState) (ConnState, error) {
	ok := false
	switch s {
	case StateConnecting:
		ok = to == StateConnected || to == StateDisconnecting
	case StateConnected:
		ok = to == StateDisconnecting
	case StateDisconnecting:
		ok = to == StateClosed
	}
	if !ok {
		return s, eris.Wrapf(ErrInvalidTransition, "%s -> %s", s, to)
	}
	return to, nil
}

// sessionObserver 关心客户端加入/离开的组件（复制器、指令入口）
type sessionObserver interface {
	clientJoined(id protocol.ClientID)
	clientLeft(id protocol.ClientID)
}

// Lifecycle 消费传输层的连接事件，创建/移除玩家实体
type Lifecycle struct {
	world     *World
	metrics   *Metrics
	observers []sessionObserver
	sessions  map[protocol.ClientID]ConnState
}

func NewLifecycle(world *World, metrics *Metrics, observers ...sessionObserver) *Lifecycle {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Lifecycle{
		world:     world,
		metrics:   metrics,
		observers: observers,
		sessions:  make(map[protocol.ClientID]ConnState),
	}
}

// State 返回连接当前状态；未知连接视为已关闭
func (l *Lifecycle) State(id protocol.ClientID) ConnState {
	if s, ok := l.sessions[id]; ok {
		return s
	}
	return StateClosed
}

// Apply 按顺序处理一批事件，结果对同一 tick 后续阶段立即可见
func (l *Lifecycle) Apply(events []protocol.ConnectionEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case protocol.EventConnected:
			l.connect(ev.Client)
		case protocol.EventDisconnected:
			l.disconnect(ev.Client, ev.Reason)
		default:
			Log.Warnf("unknown connection event kind %d for client %d", ev.Kind, ev.Client)
		}
	}
}

func (l *Lifecycle) connect(id protocol.ClientID) {
	if _, ok := l.sessions[id]; ok {
		Log.Debugf("client %d: duplicate connect ignored", id)
		return
	}
	// 握手由传输层完成，这里从 Connecting 直接进入 Connected
	state, err := StateConnecting.transition(StateConnected)
	if err != nil {
		Log.Errorf("client %d: %v", id, err)
		return
	}
	l.sessions[id] = state

	entity, created := l.world.Spawn(id, ColorFor(id))
	if !created {
		// 会话照常登记，断开时仍会移除该实体
		Log.Warnf("client %d already owns entity %d, join skipped", id, entity)
		return
	}
	for _, o := range l.observers {
		o.clientJoined(id)
	}
	l.metrics.IncConnected()
	Log.Infof("client %d connected, spawned entity %d", id, entity)
}

func (l *Lifecycle) disconnect(id protocol.ClientID, reason string) {
	state, ok := l.sessions[id]
	if !ok {
		// 重复或迟到的断开事件
		Log.Debugf("client %d: disconnect for unknown client ignored (%s)", id, reason)
		return
	}
	state, err := state.transition(StateDisconnecting)
	if err != nil {
		Log.Errorf("client %d: %v", id, err)
		return
	}
	l.sessions[id] = state

	entity, removed := l.world.Despawn(id)
	for _, o := range l.observers {
		o.clientLeft(id)
	}
	if _, err := state.transition(StateClosed); err != nil {
		Log.Errorf("client %d: %v", id, err)
	}
	delete(l.sessions, id)
	l.metrics.IncDisconnected()
	if removed {
		Log.Infof("client %d disconnected: %s (removed entity %d)", id, reason, entity)
	} else {
		Log.Infof("client %d disconnected: %s", id, reason)
	}
}
