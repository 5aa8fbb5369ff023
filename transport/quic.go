package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"mmonode/protocol"
)

// QUIC 连接关闭码；断开原因随关闭帧送达对端
const (
	closeNormal quic.ApplicationErrorCode = iota
	closeDenied
	closeDropped
)

const writeWait = 5 * time.Second

// 通道到 QUIC 的映射：
//   - 可靠有序：握手时客户端打开的双向控制流，一帧一个 Packet
//   - 可靠无序：每条消息一个单向流
//   - 不可靠：QUIC 数据报（不分片，受 MaxPacketSize 限制）
type outbound struct {
	ch   protocol.Channel
	data []byte // 有序通道为编码好的 Packet，其余为原始载荷
}

type quicClient struct {
	id      protocol.ClientID
	conn    quic.Connection
	control quic.Stream
	send    chan outbound

	// 由 removeLocked 写入，写协程退出时用于关闭连接
	code   quic.ApplicationErrorCode
	reason string
}

// QUICServer 基于 QUIC（UDP）的服务端传输。每个连接一个写协程、三个读协程，
// 收到的事件交给 inbox，等待 Tick 线程轮询；Send/Broadcast 只做非阻塞入队。
type QUICServer struct {
	inbox

	cfg Config
	log *zap.SugaredLogger
	ln  *quic.Listener

	mu      sync.Mutex
	clients map[protocol.ClientID]*quicClient
	nextID  protocol.ClientID
	closed  bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func quicConfig(cfg Config) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: cfg.Timeout,
		MaxIdleTimeout:       cfg.Timeout,
		KeepAlivePeriod:      cfg.KeepAlive,
		EnableDatagrams:      true,
	}
}

// ListenQUIC 绑定 UDP 地址并开始接受连接。绑定失败属于不可恢复错误
func ListenQUIC(addr string, cfg Config) (*QUICServer, error) {
	cfg = cfg.withDefaults()
	tlsConf, err := serverTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, eris.Wrapf(err, "bind udp %s", addr)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &QUICServer{
		inbox:   newInbox(cfg.MessageQueueSize),
		cfg:     cfg,
		log:     cfg.Logger,
		ln:      ln,
		clients: make(map[protocol.ClientID]*quicClient),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go s.acceptLoop()
	s.log.Infof("quic transport listening on %s (protocol=%d max_clients=%d)", ln.Addr(), cfg.ProtocolID, cfg.MaxClients)
	return s, nil
}

func (s *QUICServer) Addr() net.Addr { return s.ln.Addr() }

// NumClients 当前已握手的客户端数量
func (s *QUICServer) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Send 发送到指定客户端（非阻塞）。超限的载荷在入队前被拒绝，不影响后续消息
func (s *QUICServer) Send(id protocol.ClientID, ch protocol.Channel, payload []byte) error {
	out, err := encodeOutbound(ch, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	c, ok := s.clients[id]
	if !ok {
		return eris.Wrapf(ErrUnknownClient, "client %d", id)
	}
	return s.enqueueLocked(c, out)
}

// Broadcast 发送到所有客户端，返回发送失败的客户端及原因；全部成功时为 nil
func (s *QUICServer) Broadcast(ch protocol.Channel, payload []byte) map[protocol.ClientID]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	clients := s.sortedClientsLocked()
	out, err := encodeOutbound(ch, payload)
	var failed map[protocol.ClientID]error
	for _, c := range clients {
		sendErr := err
		if sendErr == nil {
			sendErr = s.enqueueLocked(c, out)
		}
		if sendErr != nil {
			if failed == nil {
				failed = make(map[protocol.ClientID]error)
			}
			failed[c.id] = sendErr
			s.log.Warnf("broadcast to client %d failed: %v", c.id, sendErr)
		}
	}
	return failed
}

// Disconnect 主动断开客户端；之后会产生一个 Disconnected 事件
func (s *QUICServer) Disconnect(id protocol.ClientID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok {
		s.removeLocked(c, reason)
	}
}

// Close 断开所有客户端并释放套接字
func (s *QUICServer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		for _, c := range s.sortedClientsLocked() {
			s.removeLocked(c, protocol.ReasonServerShutdown)
		}
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		err = s.ln.Close()
	})
	return err
}

func encodeOutbound(ch protocol.Channel, payload []byte) (outbound, error) {
	if err := checkSize(ch, payload); err != nil {
		return outbound{}, err
	}
	if ch != protocol.ChannelReliableOrdered {
		return outbound{ch: ch, data: payload}, nil
	}
	b, err := protocol.MarshalPacket(protocol.Packet{Kind: protocol.PacketPayload, Channel: ch, Payload: payload})
	if err != nil {
		return outbound{}, err
	}
	return outbound{ch: ch, data: b}, nil
}

// enqueueLocked 非阻塞写入发送队列。队列满说明客户端跟不上，
// 丢弃消息会破坏有序可靠语义，所以直接断开该连接
func (s *QUICServer) enqueueLocked(c *quicClient, out outbound) error {
	select {
	case c.send <- out:
		return nil
	default:
		s.removeLocked(c, protocol.ReasonSendOverflow)
		return eris.Errorf("client %d: %s", c.id, protocol.ReasonSendOverflow)
	}
}

// removeLocked 注销客户端、关闭发送队列（写协程随之关闭连接），上报断开事件
func (s *QUICServer) removeLocked(c *quicClient, reason string) {
	if cur, ok := s.clients[c.id]; !ok || cur != c {
		return
	}
	delete(s.clients, c.id)
	c.code, c.reason = closeDropped, reason
	close(c.send)
	s.events.Push(protocol.Disconnected(c.id, reason))
	s.log.Infof("client %d disconnected: %s", c.id, reason)
}

func (s *QUICServer) drop(c *quicClient, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c, reason)
}

func (s *QUICServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept(s.ctx)
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(conn)
		}()
	}
}

// serve 完成握手后在当前协程读取控制流，直到连接结束
func (s *QUICServer) serve(conn quic.Connection) {
	c, r, ok := s.handshake(conn)
	if !ok {
		return
	}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.writeLoop(c)
	}()
	go func() {
		defer wg.Done()
		s.readStreams(c)
	}()
	go func() {
		defer wg.Done()
		s.readDatagrams(c)
	}()
	s.readControl(c, r)
	wg.Wait()
}

func (s *QUICServer) handshake(conn quic.Connection) (*quicClient, *bufio.Reader, bool) {
	deny := func(reason string) {
		s.log.Infof("connect from %s denied: %s", conn.RemoteAddr(), reason)
		_ = conn.CloseWithError(closeDenied, reason)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.Timeout)
	defer cancel()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		deny("no handshake")
		return nil, nil, false
	}
	_ = stream.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	r := bufio.NewReader(stream)
	req, err := readPacket(r)
	if err != nil || req.Kind != protocol.PacketConnectRequest {
		deny("expected connect request")
		return nil, nil, false
	}
	_ = stream.SetReadDeadline(time.Time{})

	if req.ProtocolID != s.cfg.ProtocolID {
		deny("protocol mismatch")
		return nil, nil, false
	}
	if s.cfg.Authenticator != nil {
		if err := s.cfg.Authenticator(conn.RemoteAddr(), req); err != nil {
			deny(err.Error())
			return nil, nil, false
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		deny(protocol.ReasonServerShutdown)
		return nil, nil, false
	}
	if len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		deny("server full")
		return nil, nil, false
	}
	s.nextID++
	c := &quicClient{
		id:      s.nextID,
		conn:    conn,
		control: stream,
		send:    make(chan outbound, s.cfg.SendQueueSize),
	}
	accept, _ := protocol.MarshalPacket(protocol.Packet{Kind: protocol.PacketConnectAccepted, Client: c.id})
	c.send <- outbound{ch: protocol.ChannelReliableOrdered, data: accept}
	s.clients[c.id] = c
	s.events.Push(protocol.Connected(c.id))
	s.mu.Unlock()

	s.log.Infof("client %d connected from %s", c.id, conn.RemoteAddr())
	return c, r, true
}

func (s *QUICServer) push(c *quicClient, ch protocol.Channel, payload []byte) {
	if s.pushMessage(protocol.ClientMessage{Client: c.id, Channel: ch, Payload: payload}) {
		s.log.Debugf("inbound %s queue full, dropped oldest", ch)
	}
}

func (s *QUICServer) readControl(c *quicClient, r *bufio.Reader) {
	for {
		pkt, err := readPacket(r)
		if err != nil {
			s.drop(c, closeReason(err))
			return
		}
		switch pkt.Kind {
		case protocol.PacketPayload:
			s.push(c, protocol.ChannelReliableOrdered, pkt.Payload)
		case protocol.PacketDisconnect:
			s.drop(c, protocol.ReasonClientLeft)
			return
		default:
			s.log.Warnf("client %d sent unexpected %s packet", c.id, pkt.Kind)
			s.drop(c, protocol.ReasonMalformed)
			return
		}
	}
}

// readStreams 可靠无序通道：每个单向流是一条完整消息
func (s *QUICServer) readStreams(c *quicClient) {
	ctx := c.conn.Context()
	for {
		str, err := c.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		_ = str.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		b, err := io.ReadAll(io.LimitReader(str, protocol.MaxMessageSize+1))
		if err != nil {
			str.CancelRead(0)
			continue
		}
		if len(b) > protocol.MaxMessageSize {
			s.log.Warnf("client %d sent an oversized message", c.id)
			s.drop(c, protocol.ReasonMalformed)
			return
		}
		s.push(c, protocol.ChannelReliableUnordered, b)
	}
}

func (s *QUICServer) readDatagrams(c *quicClient) {
	ctx := c.conn.Context()
	for {
		b, err := c.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(b) > protocol.MaxPacketSize {
			s.log.Warnf("client %d sent an oversized datagram", c.id)
			s.drop(c, protocol.ReasonMalformed)
			return
		}
		s.push(c, protocol.ChannelUnreliable, b)
	}
}

// writeLoop 独立协程，把发送队列写到连接上；队列关闭后关闭连接
func (s *QUICServer) writeLoop(c *quicClient) {
	defer func() {
		s.mu.Lock()
		code, reason := c.code, c.reason
		s.mu.Unlock()
		_ = c.conn.CloseWithError(code, reason)
	}()
	broken := false
	for out := range c.send {
		if broken {
			continue
		}
		if err := s.write(c, out); err != nil {
			broken = true
			s.log.Debugf("write to client %d: %v", c.id, err)
			s.drop(c, closeReason(err))
		}
	}
}

func (s *QUICServer) write(c *quicClient, out outbound) error {
	return writeOutbound(c.conn, c.control, out)
}

func writeOutbound(conn quic.Connection, control quic.Stream, out outbound) error {
	switch out.ch {
	case protocol.ChannelReliableOrdered:
		_ = control.SetWriteDeadline(time.Now().Add(writeWait))
		return writeFrame(control, out.data)
	case protocol.ChannelReliableUnordered:
		ctx, cancel := context.WithTimeout(conn.Context(), writeWait)
		defer cancel()
		str, err := conn.OpenUniStreamSync(ctx)
		if err != nil {
			return err
		}
		_ = str.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := str.Write(out.data); err != nil {
			return err
		}
		return str.Close()
	default:
		// 数据报丢了就丢了，不影响连接
		_ = conn.SendDatagram(out.data)
		return nil
	}
}

// closeReason 把连接/流上的错误归类为断开原因
func closeReason(err error) string {
	var appErr *quic.ApplicationError
	var idle *quic.IdleTimeoutError
	switch {
	case eris.Is(err, protocol.ErrMalformedPacket):
		return protocol.ReasonMalformed
	case errors.As(err, &idle):
		return protocol.ReasonTimeout
	case errors.As(err, &appErr):
		if appErr.ErrorMessage != "" {
			return appErr.ErrorMessage
		}
		return protocol.ReasonClientLeft
	case errors.Is(err, io.EOF):
		return protocol.ReasonClientLeft
	default:
		return err.Error()
	}
}

func (s *QUICServer) sortedClientsLocked() []*quicClient {
	out := make([]*quicClient, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
