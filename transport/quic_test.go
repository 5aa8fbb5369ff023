package transport

import (
	"context"
	"encoding/binary"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmonode/protocol"
)

func testConfig() Config {
	return Config{
		ProtocolID: 7,
		MaxClients: 2,
		Timeout:    time.Second,
		KeepAlive:  100 * time.Millisecond,
	}
}

func listen(t *testing.T, cfg Config) *QUICServer {
	t.Helper()
	s, err := ListenQUIC("127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dialAddr(t *testing.T, addr string, cfg Config) (*QUICClient, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c, err := DialQUIC(ctx, addr, cfg)
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, err
}

func dial(t *testing.T, s *QUICServer, cfg Config) *QUICClient {
	t.Helper()
	c, err := dialAddr(t, s.Addr().String(), cfg)
	require.NoError(t, err)
	return c
}

func waitEvents(t *testing.T, s *QUICServer, n int) []protocol.ConnectionEvent {
	t.Helper()
	var got []protocol.ConnectionEvent
	require.Eventually(t, func() bool {
		got = append(got, s.PollConnectionEvents()...)
		return len(got) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func collect(t *testing.T, c *QUICClient, ch protocol.Channel, n int) [][]byte {
	t.Helper()
	var got [][]byte
	require.Eventually(t, func() bool {
		got = append(got, c.Poll(ch)...)
		return len(got) >= n
	}, 3*time.Second, 5*time.Millisecond)
	return got
}

func waitDone(t *testing.T, c *QUICClient) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection did not end")
	}
}

func TestQUICHandshakeAssignsFreshIDs(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)

	a := dial(t, s, cfg)
	b := dial(t, s, cfg)
	assert.NotEqual(t, a.ID(), b.ID())

	events := waitEvents(t, s, 2)
	assert.Equal(t, protocol.Connected(a.ID()), events[0])
	assert.Equal(t, protocol.Connected(b.ID()), events[1])
	assert.Equal(t, 2, s.NumClients())
}

func TestQUICHandshakeDenied(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)

	wrong := cfg
	wrong.ProtocolID = 8
	_, err := dialAddr(t, s.Addr().String(), wrong)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDenied))
	assert.Contains(t, err.Error(), "protocol mismatch")

	dial(t, s, cfg)
	dial(t, s, cfg)
	_, err = dialAddr(t, s.Addr().String(), cfg)
	assert.True(t, eris.Is(err, ErrDenied), "third client must be refused: %v", err)
	assert.Contains(t, err.Error(), "server full")
}

func TestQUICAuthenticatorHook(t *testing.T) {
	cfg := testConfig()
	cfg.Authenticator = func(net.Addr, protocol.Packet) error { return eris.New("closed beta") }
	s := listen(t, cfg)

	_, err := dialAddr(t, s.Addr().String(), cfg)
	assert.True(t, eris.Is(err, ErrDenied))
	assert.Equal(t, 0, s.NumClients())
}

func TestQUICOrderedMessagesArriveInOrder(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	c := dial(t, s, cfg)

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Send(protocol.ChannelReliableOrdered, []byte{byte(i)}))
	}

	var got []protocol.ClientMessage
	require.Eventually(t, func() bool {
		got = append(got, s.PollClientMessages(protocol.ChannelReliableOrdered)...)
		return len(got) >= 50
	}, 3*time.Second, 5*time.Millisecond)
	for i, m := range got {
		assert.Equal(t, c.ID(), m.Client)
		assert.Equal(t, []byte{byte(i)}, m.Payload)
	}
}

func TestQUICOtherChannels(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	c := dial(t, s, cfg)

	require.NoError(t, c.Send(protocol.ChannelReliableUnordered, []byte("once")))
	var got []protocol.ClientMessage
	require.Eventually(t, func() bool {
		got = append(got, s.PollClientMessages(protocol.ChannelReliableUnordered)...)
		return len(got) == 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.ClientMessage{Client: c.ID(), Channel: protocol.ChannelReliableUnordered, Payload: []byte("once")}, got[0])

	// 数据报可能丢失，重复发送直到收到
	require.Eventually(t, func() bool {
		_ = c.Send(protocol.ChannelUnreliable, []byte("ping"))
		time.Sleep(5 * time.Millisecond)
		return len(s.PollClientMessages(protocol.ChannelUnreliable)) > 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestQUICServerSendAndBroadcast(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	a := dial(t, s, cfg)
	b := dial(t, s, cfg)
	waitEvents(t, s, 2)

	require.NoError(t, s.Send(a.ID(), protocol.ChannelReliableOrdered, []byte("only-a")))
	assert.Nil(t, s.Broadcast(protocol.ChannelReliableOrdered, []byte("all")))

	assert.Equal(t, [][]byte{[]byte("only-a"), []byte("all")}, collect(t, a, protocol.ChannelReliableOrdered, 2))
	assert.Equal(t, [][]byte{[]byte("all")}, collect(t, b, protocol.ChannelReliableOrdered, 1))

	err := s.Send(99, protocol.ChannelReliableOrdered, []byte("x"))
	assert.True(t, eris.Is(err, ErrUnknownClient))
}

// 超限载荷在入队前被拒绝，之后的有序消息照常送达
func TestQUICOversizeSendDoesNotStallChannel(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	c := dial(t, s, cfg)
	waitEvents(t, s, 1)

	err := s.Send(c.ID(), protocol.ChannelReliableOrdered, make([]byte, protocol.MaxMessageSize+1))
	assert.True(t, eris.Is(err, protocol.ErrMessageTooLarge))
	err = s.Send(c.ID(), protocol.ChannelUnreliable, make([]byte, protocol.MaxPacketSize+1))
	assert.True(t, eris.Is(err, protocol.ErrMessageTooLarge))
	failed := s.Broadcast(protocol.ChannelReliableOrdered, make([]byte, protocol.MaxMessageSize+1))
	assert.True(t, eris.Is(failed[c.ID()], protocol.ErrMessageTooLarge))

	big := []byte(strings.Repeat("x", 20*protocol.MaxPacketSize))
	require.NoError(t, s.Send(c.ID(), protocol.ChannelReliableOrdered, big))
	require.NoError(t, s.Send(c.ID(), protocol.ChannelReliableOrdered, []byte("hello")))

	got := collect(t, c, protocol.ChannelReliableOrdered, 2)
	assert.Equal(t, big, got[0])
	assert.Equal(t, []byte("hello"), got[1])
	assert.Equal(t, 1, s.NumClients())
}

func TestQUICBroadcastReportsOverflow(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)

	// 没有写协程的客户端，发送队列已满
	stuck := &quicClient{id: 42, send: make(chan outbound, 1)}
	stuck.send <- outbound{}
	s.mu.Lock()
	s.clients[stuck.id] = stuck
	s.mu.Unlock()

	failed := s.Broadcast(protocol.ChannelReliableOrdered, []byte("state"))
	require.Len(t, failed, 1)
	assert.Error(t, failed[42])
	assert.Equal(t, 0, s.NumClients())
	assert.Equal(t, []protocol.ConnectionEvent{protocol.Disconnected(42, protocol.ReasonSendOverflow)}, s.PollConnectionEvents())
}

func TestQUICClientCloseReportsDisconnect(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	c := dial(t, s, cfg)
	id := c.ID()
	require.NoError(t, c.Close())

	events := waitEvents(t, s, 2)
	assert.Equal(t, protocol.Disconnected(id, protocol.ReasonClientLeft), events[1])
	assert.Equal(t, 0, s.NumClients())
}

func TestQUICServerDisconnectNotifiesClient(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	c := dial(t, s, cfg)
	waitEvents(t, s, 1)

	s.Disconnect(c.ID(), protocol.ReasonKicked)
	waitDone(t, c)
	assert.Equal(t, protocol.ReasonKicked, c.Reason())
	events := waitEvents(t, s, 1)
	assert.Equal(t, protocol.Disconnected(c.ID(), protocol.ReasonKicked), events[0])
}

func TestQUICServerCloseNotifiesClients(t *testing.T) {
	cfg := testConfig()
	s, err := ListenQUIC("127.0.0.1:0", cfg)
	require.NoError(t, err)
	c := dial(t, s, cfg)

	require.NoError(t, s.Close())
	waitDone(t, c)
	assert.Equal(t, protocol.ReasonServerShutdown, c.Reason())
	assert.True(t, eris.Is(s.Send(c.ID(), protocol.ChannelReliableOrdered, []byte("x")), ErrClosed))
}

// udpRelay 在客户端与服务端之间转发数据报，cut 之后两个方向都丢弃
type udpRelay struct {
	pc     net.PacketConn
	target string
	mu     sync.Mutex
	peer   net.Addr
	cut    atomic.Bool
}

func startRelay(t *testing.T, target net.Addr) *udpRelay {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	r := &udpRelay{pc: pc, target: target.String()}
	t.Cleanup(func() { _ = pc.Close() })
	go r.loop(target)
	return r
}

func (r *udpRelay) loop(target net.Addr) {
	buf := make([]byte, 64<<10)
	for {
		n, addr, err := r.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		if r.cut.Load() {
			continue
		}
		if addr.String() == r.target {
			r.mu.Lock()
			peer := r.peer
			r.mu.Unlock()
			if peer != nil {
				_, _ = r.pc.WriteTo(buf[:n], peer)
			}
			continue
		}
		r.mu.Lock()
		r.peer = addr
		r.mu.Unlock()
		_, _ = r.pc.WriteTo(buf[:n], target)
	}
}

func TestQUICTimeout(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	relay := startRelay(t, s.Addr())
	c, err := dialAddr(t, relay.pc.LocalAddr().String(), cfg)
	require.NoError(t, err)
	waitEvents(t, s, 1)

	relay.cut.Store(true)
	events := waitEvents(t, s, 1)
	assert.Equal(t, protocol.Disconnected(c.ID(), protocol.ReasonTimeout), events[0])
	waitDone(t, c)
	assert.Equal(t, protocol.ReasonTimeout, c.Reason())
}

func TestQUICMalformedFrameDropsOnlyThatClient(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	good := dial(t, s, cfg)
	bad := dial(t, s, cfg)
	waitEvents(t, s, 2)

	bad.mu.Lock()
	require.NoError(t, writeFrame(bad.control, []byte{0xc1, 0xc1}))
	bad.mu.Unlock()

	events := waitEvents(t, s, 1)
	assert.Equal(t, protocol.Disconnected(bad.ID(), protocol.ReasonMalformed), events[0])
	assert.Equal(t, 1, s.NumClients())

	require.NoError(t, good.Send(protocol.ChannelReliableOrdered, []byte("still here")))
	require.Eventually(t, func() bool {
		return len(s.PollClientMessages(protocol.ChannelReliableOrdered)) == 1
	}, 3*time.Second, 5*time.Millisecond)
}

// 声明超大长度的帧在分配内存之前就被拒绝，发送方被断开
func TestQUICOversizedFrameRejectedBeforeRead(t *testing.T) {
	cfg := testConfig()
	s := listen(t, cfg)
	c := dial(t, s, cfg)
	waitEvents(t, s, 1)

	hdr := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(hdr, 1<<40)
	c.mu.Lock()
	_, err := c.control.Write(hdr[:n])
	c.mu.Unlock()
	require.NoError(t, err)

	events := waitEvents(t, s, 1)
	assert.Equal(t, protocol.Disconnected(c.ID(), protocol.ReasonMalformed), events[0])
	waitDone(t, c)
}

// 大量连续发送不会在服务端累积：入站队列有界，溢出丢最旧
func TestQUICFloodIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.MessageQueueSize = 16
	s := listen(t, cfg)
	c := dial(t, s, cfg)
	waitEvents(t, s, 1)

	for i := 0; i < 1000; i++ {
		require.NoError(t, c.Send(protocol.ChannelReliableOrdered, []byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		return s.DroppedMessages() >= 1000-16
	}, 5*time.Second, 10*time.Millisecond)

	got := s.PollClientMessages(protocol.ChannelReliableOrdered)
	require.Len(t, got, 16)
	assert.Equal(t, []byte{byte(999 % 256)}, got[15].Payload, "newest messages are kept")
}
