package server

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"mmonode/protocol"
)

type sent struct {
	client  protocol.ClientID
	channel protocol.Channel
	payload []byte
}

// fakeTransport 在内存中模拟传输层：测试直接塞入事件/消息，并记录发出的数据
type fakeTransport struct {
	events    []protocol.ConnectionEvent
	messages  map[protocol.Channel][]protocol.ClientMessage
	connected map[protocol.ClientID]bool
	outbox    map[protocol.ClientID][][]byte
	failing   map[protocol.ClientID]bool
	kicked    map[protocol.ClientID]string
	log       []sent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		messages:  make(map[protocol.Channel][]protocol.ClientMessage),
		connected: make(map[protocol.ClientID]bool),
		outbox:    make(map[protocol.ClientID][][]byte),
		failing:   make(map[protocol.ClientID]bool),
		kicked:    make(map[protocol.ClientID]string),
	}
}

func (f *fakeTransport) connect(id protocol.ClientID) {
	f.connected[id] = true
	f.events = append(f.events, protocol.Connected(id))
}

func (f *fakeTransport) disconnect(id protocol.ClientID, reason string) {
	delete(f.connected, id)
	f.events = append(f.events, protocol.Disconnected(id, reason))
}

func (f *fakeTransport) command(t *testing.T, id protocol.ClientID, x, y float32) {
	t.Helper()
	b, err := protocol.Encode(protocol.MsgMove, protocol.MoveDirection{X: x, Y: y})
	require.NoError(t, err)
	f.raw(id, b)
}

func (f *fakeTransport) raw(id protocol.ClientID, payload []byte) {
	ch := protocol.ChannelReliableOrdered
	f.messages[ch] = append(f.messages[ch], protocol.ClientMessage{Client: id, Channel: ch, Payload: payload})
}

func (f *fakeTransport) PollConnectionEvents() []protocol.ConnectionEvent {
	out := f.events
	f.events = nil
	return out
}

func (f *fakeTransport) PollClientMessages(ch protocol.Channel) []protocol.ClientMessage {
	out := f.messages[ch]
	delete(f.messages, ch)
	return out
}

func (f *fakeTransport) Send(id protocol.ClientID, ch protocol.Channel, payload []byte) error {
	if f.failing[id] {
		return eris.New("link down")
	}
	if !f.connected[id] {
		return eris.Errorf("client %d not connected", id)
	}
	f.outbox[id] = append(f.outbox[id], payload)
	f.log = append(f.log, sent{client: id, channel: ch, payload: payload})
	return nil
}

func (f *fakeTransport) Broadcast(ch protocol.Channel, payload []byte) map[protocol.ClientID]error {
	var failed map[protocol.ClientID]error
	for id := range f.connected {
		if err := f.Send(id, ch, payload); err != nil {
			if failed == nil {
				failed = make(map[protocol.ClientID]error)
			}
			failed[id] = err
		}
	}
	return failed
}

func (f *fakeTransport) Disconnect(id protocol.ClientID, reason string) {
	if !f.connected[id] {
		return
	}
	f.kicked[id] = reason
	f.disconnect(id, reason)
}

// updates 取走发给某客户端的复制消息并解码
func (f *fakeTransport) updates(t *testing.T, id protocol.ClientID) []protocol.Update {
	t.Helper()
	var out []protocol.Update
	for _, b := range f.outbox[id] {
		env, err := protocol.DecodeEnvelope(b)
		require.NoError(t, err)
		require.Equal(t, protocol.MsgUpdate, env.T)
		u, err := protocol.DecodePayload[protocol.Update](env)
		require.NoError(t, err)
		out = append(out, u)
	}
	delete(f.outbox, id)
	return out
}

// replica 客户端视角：按顺序应用收到的更新
type replica struct {
	tick     uint64
	more     bool
	you      protocol.EntityID
	entities map[protocol.EntityID]protocol.EntityState
}

func newReplica() *replica {
	return &replica{entities: make(map[protocol.EntityID]protocol.EntityState)}
}

func (r *replica) apply(t *testing.T, updates []protocol.Update) {
	t.Helper()
	for _, u := range updates {
		require.GreaterOrEqual(t, u.Tick, r.tick, "updates must never go backwards")
		if r.more {
			require.Equal(t, r.tick, u.Tick, "continuation must carry the same tick")
			require.False(t, u.Full, "only the first part of a tick is a snapshot")
		}
		r.tick = u.Tick
		r.more = u.More
		if u.Full {
			r.entities = make(map[protocol.EntityID]protocol.EntityState)
			r.you = u.You
		}
		for _, e := range u.Entities {
			r.entities[e.ID] = e
		}
		for _, id := range u.Removed {
			delete(r.entities, id)
		}
	}
}
