package protocol

import (
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

// PacketKind 传输层数据报类型
type PacketKind uint8

const (
	PacketConnectRequest PacketKind = iota + 1
	PacketConnectAccepted
	PacketConnectDenied
	PacketPayload
	PacketDisconnect
)

func (k PacketKind) String() string {
	switch k {
	case PacketConnectRequest:
		return "connect_request"
	case PacketConnectAccepted:
		return "connect_accepted"
	case PacketConnectDenied:
		return "connect_denied"
	case PacketPayload:
		return "payload"
	case PacketDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Packet 控制流上的一帧：握手、载荷或断开通知
type Packet struct {
	Kind       PacketKind `msgpack:"k"`
	ProtocolID uint64     `msgpack:"pid,omitempty"`
	Client     ClientID   `msgpack:"c,omitempty"`
	Channel    Channel    `msgpack:"ch,omitempty"`
	Payload    []byte     `msgpack:"p,omitempty"`
	Reason     string     `msgpack:"r,omitempty"`
}

var (
	ErrMalformedPacket = eris.New("malformed packet")
	ErrMessageTooLarge = eris.New("message too large")
)

// MarshalPacket 编码前先检查载荷大小，超限时不产生任何输出
func MarshalPacket(p Packet) ([]byte, error) {
	if len(p.Payload) > MaxMessageSize {
		return nil, eris.Wrapf(ErrMessageTooLarge, "%d > %d bytes", len(p.Payload), MaxMessageSize)
	}
	b, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, eris.Wrapf(err, "encode %s packet", p.Kind)
	}
	return b, nil
}

func UnmarshalPacket(b []byte) (Packet, error) {
	var p Packet
	if len(b) == 0 {
		return p, eris.Wrap(ErrMalformedPacket, "empty frame")
	}
	if err := msgpack.Unmarshal(b, &p); err != nil {
		return p, eris.Wrap(ErrMalformedPacket, err.Error())
	}
	if p.Kind < PacketConnectRequest || p.Kind > PacketDisconnect {
		return p, eris.Wrapf(ErrMalformedPacket, "unknown kind %d", p.Kind)
	}
	if !p.Channel.Valid() {
		return p, eris.Wrapf(ErrMalformedPacket, "unknown channel %d", p.Channel)
	}
	return p, nil
}
