package transport

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"mmonode/protocol"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 25 * time.Second
	wsReadLimit  = maxFrameSize
)

// wsClient 负责发送（写）数据到客户端的轻量包装
type wsClient struct {
	id   protocol.ClientID
	ws   *websocket.Conn
	send chan []byte
}

// WSServer 以 WebSocket 作为承载的传输层，供浏览器客户端接入。
// TCP 本身可靠有序，所以各通道只是逻辑区分；与 QUICServer 暴露相同的轮询接口。
type WSServer struct {
	inbox

	cfg      Config
	log      *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[protocol.ClientID]*wsClient
	nextID  protocol.ClientID
	closed  bool
}

func NewWSServer(cfg Config) *WSServer {
	cfg = cfg.withDefaults()
	return &WSServer{
		inbox: newInbox(cfg.MessageQueueSize),
		cfg:   cfg,
		log:   cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 演示环境：允许所有来源（生产环境需严格限制）
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[protocol.ClientID]*wsClient),
	}
}

func (s *WSServer) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// ServeHTTP 升级为 WebSocket，首条二进制消息必须是握手请求
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade error: %v", err)
		return
	}
	ws.SetReadLimit(wsReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	_, first, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	req, err := protocol.UnmarshalPacket(first)
	if err != nil || req.Kind != protocol.PacketConnectRequest {
		s.deny(ws, "expected connect request")
		return
	}
	if req.ProtocolID != s.cfg.ProtocolID {
		s.deny(ws, "protocol mismatch")
		return
	}
	if s.cfg.Authenticator != nil {
		if err := s.cfg.Authenticator(ws.RemoteAddr(), req); err != nil {
			s.deny(ws, err.Error())
			return
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.deny(ws, protocol.ReasonServerShutdown)
		return
	}
	if len(s.clients) >= s.cfg.MaxClients {
		s.mu.Unlock()
		s.deny(ws, "server full")
		return
	}
	s.nextID++
	c := &wsClient{id: s.nextID, ws: ws, send: make(chan []byte, s.cfg.SendQueueSize)}
	s.clients[c.id] = c
	s.events.Push(protocol.Connected(c.id))
	accept, _ := protocol.MarshalPacket(protocol.Packet{Kind: protocol.PacketConnectAccepted, Client: c.id})
	c.send <- accept
	s.mu.Unlock()

	s.log.Infof("client %d connected from %s (ws)", c.id, ws.RemoteAddr())
	go s.writePump(c)
	go s.readPump(c)
}

func (s *WSServer) deny(ws *websocket.Conn, reason string) {
	s.log.Infof("connect from %s denied: %s", ws.RemoteAddr(), reason)
	if b, err := protocol.MarshalPacket(protocol.Packet{Kind: protocol.PacketConnectDenied, Reason: reason}); err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = ws.WriteMessage(websocket.BinaryMessage, b)
	}
	_ = ws.Close()
}

func (s *WSServer) Send(id protocol.ClientID, ch protocol.Channel, payload []byte) error {
	b, err := encodeWS(ch, payload)
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
	return s.enqueueLocked(c, b)
}

// Broadcast 发送到所有客户端，返回发送失败的客户端及原因；全部成功时为 nil
func (s *WSServer) Broadcast(ch protocol.Channel, payload []byte) map[protocol.ClientID]error {
	b, encErr := encodeWS(ch, payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	ids := make([]protocol.ClientID, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var failed map[protocol.ClientID]error
	for _, id := range ids {
		err := encErr
		if err == nil {
			err = s.enqueueLocked(s.clients[id], b)
		}
		if err != nil {
			if failed == nil {
				failed = make(map[protocol.ClientID]error)
			}
			failed[id] = err
			s.log.Warnf("broadcast to client %d failed: %v", id, err)
		}
	}
	return failed
}

// encodeWS 与 QUIC 一致的大小检查，之后封装为 Payload 包
func encodeWS(ch protocol.Channel, payload []byte) ([]byte, error) {
	if err := checkSize(ch, payload); err != nil {
		return nil, err
	}
	return protocol.MarshalPacket(protocol.Packet{Kind: protocol.PacketPayload, Channel: ch, Payload: payload})
}

// enqueueLocked 非阻塞写入发送队列。队列满说明客户端跟不上，
// 丢包会破坏有序可靠语义，所以直接断开该连接
func (s *WSServer) enqueueLocked(c *wsClient, b []byte) error {
	select {
	case c.send <- b:
		return nil
	default:
		s.removeLocked(c, protocol.ReasonSendOverflow)
		return eris.Errorf("client %d: %s", c.id, protocol.ReasonSendOverflow)
	}
}

func (s *WSServer) Disconnect(id protocol.ClientID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[id]; ok {
		s.removeLocked(c, reason)
	}
}

func (s *WSServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, c := range s.clients {
		s.removeLocked(c, protocol.ReasonServerShutdown)
	}
	return nil
}

// removeLocked 关闭发送队列（写协程随之发送断开通知并关闭连接），上报断开事件
func (s *WSServer) removeLocked(c *wsClient, reason string) {
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	delete(s.clients, c.id)
	if bye, err := protocol.MarshalPacket(protocol.Packet{Kind: protocol.PacketDisconnect, Reason: reason}); err == nil {
		select {
		case c.send <- bye:
		default:
		}
	}
	close(c.send)
	s.events.Push(protocol.Disconnected(c.id, reason))
	s.log.Infof("client %d disconnected: %s", c.id, reason)
}

// writePump 独立协程，负责从 send 队列写出到 WS，并定期 ping
func (s *WSServer) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.Disconnect(c.id, err.Error())
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Disconnect(c.id, err.Error())
				return
			}
		}
	}
}

// readPump 读取客户端数据包，交给 inbox 等待 Tick 线程处理
func (s *WSServer) readPump(c *wsClient) {
	reason := protocol.ReasonTimeout
	// 读泵退出时，由 Tick 线程通过断开事件移除该玩家
	defer func() { s.Disconnect(c.id, reason) }()
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = protocol.ReasonClientLeft
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
		pkt, err := protocol.UnmarshalPacket(data)
		if err != nil {
			reason = protocol.ReasonMalformed
			return
		}
		switch pkt.Kind {
		case protocol.PacketPayload:
			s.pushMessage(protocol.ClientMessage{Client: c.id, Channel: pkt.Channel, Payload: pkt.Payload})
		case protocol.PacketDisconnect:
			reason = protocol.ReasonClientLeft
			return
		}
	}
}
