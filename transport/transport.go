package transport

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"mmonode/protocol"
)

var (
	ErrUnknownClient = eris.New("unknown client")
	ErrClosed        = eris.New("transport closed")
	ErrDenied        = eris.New("connection denied")
)

// Authenticator 握手策略钩子；返回错误即拒绝连接。nil 表示开放握手
type Authenticator func(addr net.Addr, req protocol.Packet) error

// Config 传输层参数
type Config struct {
	ProtocolID       uint64
	MaxClients       int
	MessageQueueSize int           // 每个通道入站队列上限，满则丢最旧
	SendQueueSize    int           // 每个客户端的出站缓冲，满则断开该客户端
	Timeout          time.Duration // 多久收不到任何包视为超时
	KeepAlive        time.Duration
	TLS              *tls.Config // 为空时服务端使用自签名证书，客户端不校验证书
	Authenticator    Authenticator
	Logger           *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.MaxClients <= 0 {
		c.MaxClients = 10
	}
	if c.MessageQueueSize <= 0 {
		c.MessageQueueSize = 1024
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// checkSize 发送前的大小检查：不可靠通道受单个数据报限制，可靠通道受消息上限限制
func checkSize(ch protocol.Channel, payload []byte) error {
	if !ch.Valid() {
		return eris.Errorf("unknown channel %d", ch)
	}
	limit := protocol.MaxMessageSize
	if !ch.Reliable() {
		limit = protocol.MaxPacketSize
	}
	if len(payload) > limit {
		return eris.Wrapf(protocol.ErrMessageTooLarge, "%s: %d > %d bytes", ch, len(payload), limit)
	}
	return nil
}

// inbox 网络协程与 Tick 线程之间的交接点。
// 连接事件从不丢弃；消息队列有界，溢出丢最旧。
type inbox struct {
	events   *Queue[protocol.ConnectionEvent]
	messages [protocol.NumChannels]*Queue[protocol.ClientMessage]
}

func newInbox(limit int) inbox {
	b := inbox{events: NewQueue[protocol.ConnectionEvent](0)}
	for i := range b.messages {
		b.messages[i] = NewQueue[protocol.ClientMessage](limit)
	}
	return b
}

// PollConnectionEvents 取走自上次调用以来的连接/断开事件
func (b *inbox) PollConnectionEvents() []protocol.ConnectionEvent {
	return b.events.Drain()
}

// PollClientMessages 取走某通道上排队的客户端消息（同一客户端内保持顺序）
func (b *inbox) PollClientMessages(ch protocol.Channel) []protocol.ClientMessage {
	if !ch.Valid() {
		return nil
	}
	return b.messages[ch].Drain()
}

// DroppedMessages 各通道因溢出丢弃的消息总数
func (b *inbox) DroppedMessages() uint64 {
	var n uint64
	for _, q := range b.messages {
		n += q.Dropped()
	}
	return n
}

func (b *inbox) pushMessage(msg protocol.ClientMessage) bool {
	return b.messages[msg.Channel].Push(msg)
}
