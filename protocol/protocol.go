package protocol

// DefaultProtocolID 握手时交换的协议版本号，两端必须一致
const DefaultProtocolID uint64 = 0

// MaxPacketSize 不可靠通道单个数据报的上限（字节），不分片，超过则拒绝发送。
// 复制消息也按这个大小切分
const MaxPacketSize = 1200

// MaxMessageSize 可靠通道单条消息的上限，对端超过即视为坏包
const MaxMessageSize = 64 << 10

// ClientID 由传输层在握手成功时分配；连接存活期间唯一
type ClientID uint64

// EntityID 服务端分配的实体编号，单调递增且不复用
type EntityID uint64

// Channel 传输层的逻辑子通道，各自有独立的可靠性/顺序保证
type Channel uint8

const (
	ChannelReliableOrdered Channel = iota
	ChannelReliableUnordered
	ChannelUnreliable

	NumChannels = 3
)

func (c Channel) Valid() bool { return c < NumChannels }
func (c Channel) Reliable() bool { return c == ChannelReliableOrdered || c == ChannelReliableUnordered }
func (c Channel) Ordered() bool { return c == ChannelReliableOrdered }

func (c Channel) String() string {
	switch c {
	case ChannelReliableOrdered:
		return "reliable_ordered"
	case ChannelReliableUnordered:
		return "reliable_unordered"
	case ChannelUnreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// 断开原因（仅用于日志与观测）
const (
	ReasonTimeout        = "timeout"
	ReasonClientLeft     = "disconnected by client"
	ReasonMalformed      = "malformed packet"
	ReasonServerShutdown = "server shutdown"
	ReasonSendOverflow   = "send queue overflow"
	ReasonKicked         = "kicked"
)

// ConnectionEventKind 连接事件类型
type ConnectionEventKind uint8

const (
	EventConnected ConnectionEventKind = iota + 1
	EventDisconnected
)

// ConnectionEvent 传输层上报的连接/断开事件
type ConnectionEvent struct {
	Kind   ConnectionEventKind
	Client ClientID
	Reason string
}

func Connected(id ClientID) ConnectionEvent {
	return ConnectionEvent{Kind: EventConnected, Client: id}
}

func Disconnected(id ClientID, reason string) ConnectionEvent {
	return ConnectionEvent{Kind: EventDisconnected, Client: id, Reason: reason}
}

// ClientMessage 某客户端在某通道上送达的一条消息
type ClientMessage struct {
	Client  ClientID
	Channel Channel
	Payload []byte
}
