package server

import (
	"sync"
	"time"

	"mmonode/protocol"
)

// Transport 核心依赖的传输层边界。所有调用都必须是非阻塞的轮询/入队操作
type Transport interface {
	PollConnectionEvents() []protocol.ConnectionEvent
	PollClientMessages(ch protocol.Channel) []protocol.ClientMessage
	Send(id protocol.ClientID, ch protocol.Channel, payload []byte) error
	Broadcast(ch protocol.Channel, payload []byte) map[protocol.ClientID]error
	Disconnect(id protocol.ClientID, reason string)
}

// CommandChannel 客户端移动指令使用的通道（有序）
const CommandChannel = protocol.ChannelReliableOrdered

// Options 服务参数
type Options struct {
	TickRate      int     // 每秒 tick 数
	MoveSpeed     float32 // 每秒移动单位
	CommandRate   float64 // 每客户端每秒允许的指令数，<=0 不限（默认）
	CommandBurst  int
	Authoritative bool // 为 false 时跳过指令处理与移动积分
}

func DefaultOptions() Options {
	return Options{
		TickRate:      30,
		MoveSpeed:     DefaultMoveSpeed,
		CommandRate:   0,
		CommandBurst:  60,
		Authoritative: true,
	}
}

// Server 权威世界：状态只在内存中，由单个 Tick 线程推进。
// 每个 tick 的阶段严格有序：连接事件 → 指令校验 → 移动积分 → 复制广播
type Server struct {
	transport Transport
	world     *World
	lifecycle *Lifecycle
	intake    *CommandIntake
	movement  *MovementIntegrator
	repl      *Replicator
	metrics   *Metrics

	authoritative bool
	tickInterval  time.Duration

	// 管理接口的配置修改经由通道交给 Tick 线程，在 tick 边界生效
	tuning     chan Tuning
	tuningMu   sync.RWMutex
	tuningView Tuning
}

func New(t Transport, opts Options) *Server {
	if opts.TickRate <= 0 {
		opts.TickRate = DefaultOptions().TickRate
	}
	metrics := &Metrics{}
	world := NewWorld()
	repl := NewReplicator(metrics)
	intake := NewCommandIntake(world, metrics, t, opts.CommandRate, opts.CommandBurst)
	s := &Server{
		transport:     t,
		world:         world,
		intake:        intake,
		movement:      NewMovementIntegrator(world, opts.MoveSpeed),
		repl:          repl,
		metrics:       metrics,
		authoritative: opts.Authoritative,
		tickInterval:  time.Second / time.Duration(opts.TickRate),
		tuning:        make(chan Tuning, 16),
	}
	s.lifecycle = NewLifecycle(world, metrics, repl, intake)
	s.tuningView = Tuning{
		MoveSpeed:     opts.MoveSpeed,
		CommandRate:   opts.CommandRate,
		CommandBurst:  intake.burst,
		Authoritative: opts.Authoritative,
	}
	return s
}

func (s *Server) World() *World { return s.world }
func (s *Server) Metrics() *Metrics { return s.metrics }
func (s *Server) Lifecycle() *Lifecycle { return s.lifecycle }

// Tick 执行一次完整的模拟步。elapsed 为距上一 tick 的单调时间差，首个 tick 可为 0
func (s *Server) Tick(now time.Time, elapsed time.Duration) {
	tick := s.world.advance()
	s.applyTuning()

	s.lifecycle.Apply(s.transport.PollConnectionEvents())

	msgs := s.transport.PollClientMessages(CommandChannel)
	if s.authoritative {
		moves := s.intake.Accept(msgs, now)
		s.movement.Apply(moves, float32(elapsed.Seconds()))
	} else if len(msgs) > 0 {
		s.metrics.AddDiscarded(len(msgs))
	}

	s.repl.Broadcast(s.world, s.transport)

	s.metrics.SetTick(tick)
	s.metrics.SetEntities(s.world.Len())
}
