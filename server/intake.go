package server

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"mmonode/protocol"
)

var ErrMalformedCommand = eris.New("malformed command")

// MoveCommand 客户端提交的一次移动意图。Owner 取自传输层报告的发送方，
// 不信任客户端自带的任何身份字段
type MoveCommand struct {
	Owner     protocol.ClientID
	Direction Vec2
}

// TaggedMove 通过所有权校验、交给移动积分器的指令
type TaggedMove struct {
	Entity protocol.EntityID
	MoveCommand
}

// disconnector 用于把单个客户端的坏包升级为断开连接
type disconnector interface {
	Disconnect(id protocol.ClientID, reason string)
}

// CommandIntake 解码并校验入站指令：所有权、限流、格式
type CommandIntake struct {
	world    *World
	metrics  *Metrics
	kick     disconnector
	limit    rate.Limit
	burst    int
	limiters map[protocol.ClientID]*rate.Limiter
}

func NewCommandIntake(world *World, metrics *Metrics, kick disconnector, perSecond float64, burst int) *CommandIntake {
	if metrics == nil {
		metrics = &Metrics{}
	}
	c := &CommandIntake{
		world:    world,
		metrics:  metrics,
		kick:     kick,
		limiters: make(map[protocol.ClientID]*rate.Limiter),
	}
	c.SetRate(perSecond, burst)
	return c
}

// SetRate 调整每客户端的限流参数；perSecond <= 0 表示不限流
func (c *CommandIntake) SetRate(perSecond float64, burst int) {
	if perSecond <= 0 {
		c.limit = rate.Inf
	} else {
		c.limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	c.burst = burst
	for _, l := range c.limiters {
		l.SetLimit(c.limit)
		l.SetBurst(c.burst)
	}
}

func (c *CommandIntake) clientJoined(id protocol.ClientID) {
	c.limiters[id] = rate.NewLimiter(c.limit, c.burst)
}

func (c *CommandIntake) clientLeft(id protocol.ClientID) {
	delete(c.limiters, id)
}

// Accept 处理有序通道上本 tick 的全部消息，保持每个客户端的提交顺序。
// 找不到所属实体的指令静默丢弃；坏包会让对应客户端被断开
func (c *CommandIntake) Accept(msgs []protocol.ClientMessage, now time.Time) []TaggedMove {
	var out []TaggedMove
	for _, msg := range msgs {
		entity, ok := c.world.EntityOf(msg.Client)
		if !ok {
			c.metrics.IncStale()
			Log.Debugf("dropped stale command from client %d", msg.Client)
			continue
		}
		dir, err := DecodeMove(msg.Payload)
		if err != nil {
			c.metrics.IncMalformed()
			Log.Warnf("client %d sent malformed command: %v", msg.Client, err)
			if c.kick != nil {
				c.kick.Disconnect(msg.Client, protocol.ReasonMalformed)
			}
			continue
		}
		if l, ok := c.limiters[msg.Client]; ok && !l.AllowN(now, 1) {
			c.metrics.IncRateLimited()
			continue
		}
		c.metrics.IncAccepted()
		out = append(out, TaggedMove{Entity: entity, MoveCommand: MoveCommand{Owner: msg.Client, Direction: dir}})
	}
	return out
}

// DecodeMove 解析移动指令载荷，并把每个轴限制在 [-1,1]
func DecodeMove(payload []byte) (Vec2, error) {
	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return Vec2{}, eris.Wrap(ErrMalformedCommand, err.Error())
	}
	if env.T != protocol.MsgMove {
		return Vec2{}, eris.Wrapf(ErrMalformedCommand, "unexpected message type %q", env.T)
	}
	mv, err := protocol.DecodePayload[protocol.MoveDirection](env)
	if err != nil {
		return Vec2{}, eris.Wrap(ErrMalformedCommand, err.Error())
	}
	if !finite(mv.X) || !finite(mv.Y) {
		return Vec2{}, eris.Wrapf(ErrMalformedCommand, "non-finite direction (%v, %v)", mv.X, mv.Y)
	}
	return Vec2{X: clampUnit(mv.X), Y: clampUnit(mv.Y)}, nil
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func clampUnit(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
