package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"mmonode/protocol"
)

// QUICClient 客户端一侧的 QUIC 传输，供联调工具与测试使用
type QUICClient struct {
	cfg     Config
	log     *zap.SugaredLogger
	conn    quic.Connection
	control quic.Stream
	reader  *bufio.Reader
	id      protocol.ClientID

	mu      sync.Mutex // 保护控制流写入与 reason
	reason  string
	inbound [protocol.NumChannels]*Queue[[]byte]

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// DialQUIC 建立 QUIC 连接并完成握手；被拒绝时返回 ErrDenied（附带原因）
func DialQUIC(ctx context.Context, addr string, cfg Config) (*QUICClient, error) {
	cfg = cfg.withDefaults()
	conn, err := quic.DialAddr(ctx, addr, clientTLS(cfg.TLS), quicConfig(cfg))
	if err != nil {
		return nil, eris.Wrapf(err, "dial quic %s", addr)
	}
	c := &QUICClient{
		cfg:  cfg,
		log:  cfg.Logger,
		conn: conn,
		done: make(chan struct{}),
	}
	for i := range c.inbound {
		c.inbound[i] = NewQueue[[]byte](cfg.MessageQueueSize)
	}
	if err := c.handshake(ctx); err != nil {
		_ = conn.CloseWithError(closeNormal, "handshake failed")
		return nil, err
	}
	c.wg.Add(3)
	go c.readControl()
	go c.readStreams()
	go c.readDatagrams()
	return c, nil
}

func (c *QUICClient) handshake(ctx context.Context) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return handshakeError(err)
	}
	c.control = stream
	c.reader = bufio.NewReader(stream)
	if err := writePacket(stream, protocol.Packet{Kind: protocol.PacketConnectRequest, ProtocolID: c.cfg.ProtocolID}); err != nil {
		return handshakeError(err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.Timeout)
	}
	_ = stream.SetReadDeadline(deadline)
	reply, err := readPacket(c.reader)
	if err != nil {
		return handshakeError(err)
	}
	_ = stream.SetReadDeadline(time.Time{})

	switch reply.Kind {
	case protocol.PacketConnectAccepted:
		c.id = reply.Client
		return nil
	case protocol.PacketConnectDenied:
		return eris.Wrap(ErrDenied, reply.Reason)
	default:
		return eris.Wrapf(protocol.ErrMalformedPacket, "unexpected %s during handshake", reply.Kind)
	}
}

// handshakeError 服务端以关闭码拒绝时转换为 ErrDenied
func handshakeError(err error) error {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == closeDenied {
		return eris.Wrap(ErrDenied, appErr.ErrorMessage)
	}
	return eris.Wrap(err, "handshake")
}

func (c *QUICClient) ID() protocol.ClientID { return c.id }

// Done 连接结束（本端关闭、服务端断开或超时）时关闭
func (c *QUICClient) Done() <-chan struct{} { return c.done }

// Reason 连接结束的原因
func (c *QUICClient) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *QUICClient) Send(ch protocol.Channel, payload []byte) error {
	out, err := encodeOutbound(ch, payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != "" {
		return ErrClosed
	}
	if err := writeOutbound(c.conn, c.control, out); err != nil {
		return eris.Wrapf(err, "send on %s", ch)
	}
	return nil
}

// Poll 取走某通道上已到达的消息
func (c *QUICClient) Poll(ch protocol.Channel) [][]byte {
	if !ch.Valid() {
		return nil
	}
	return c.inbound[ch].Drain()
}

// Close 通知服务端后关闭
func (c *QUICClient) Close() error {
	c.finish(protocol.ReasonClientLeft)
	c.wg.Wait()
	return nil
}

func (c *QUICClient) finish(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.reason == "" {
			c.reason = reason
		}
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.CloseWithError(closeNormal, protocol.ReasonClientLeft)
	})
}

func (c *QUICClient) readControl() {
	defer c.wg.Done()
	for {
		pkt, err := readPacket(c.reader)
		if err != nil {
			c.finish(closeReason(err))
			return
		}
		switch pkt.Kind {
		case protocol.PacketPayload:
			c.inbound[protocol.ChannelReliableOrdered].Push(pkt.Payload)
		case protocol.PacketDisconnect:
			c.finish(pkt.Reason)
			return
		default:
			c.log.Debugf("client %d ignored %s packet", c.id, pkt.Kind)
		}
	}
}

func (c *QUICClient) readStreams() {
	defer c.wg.Done()
	ctx := c.conn.Context()
	for {
		str, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		_ = str.SetReadDeadline(time.Now().Add(c.cfg.Timeout))
		b, err := io.ReadAll(io.LimitReader(str, protocol.MaxMessageSize+1))
		if err != nil || len(b) > protocol.MaxMessageSize {
			str.CancelRead(0)
			continue
		}
		c.inbound[protocol.ChannelReliableUnordered].Push(b)
	}
}

func (c *QUICClient) readDatagrams() {
	defer c.wg.Done()
	ctx := c.conn.Context()
	for {
		b, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		c.inbound[protocol.ChannelUnreliable].Push(b)
	}
}
