package server

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmonode/protocol"
)

type recordingObserver struct {
	joined []protocol.ClientID
	left   []protocol.ClientID
}

func (r *recordingObserver) clientJoined(id protocol.ClientID) { r.joined = append(r.joined, id) }
func (r *recordingObserver) clientLeft(id protocol.ClientID) { r.left = append(r.left, id) }

func TestConnStateTransitions(t *testing.T) {
	testCases := []struct {
		from, to ConnState
		ok       bool
	}{
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnecting, true},
		{StateConnected, StateDisconnecting, true},
		{StateDisconnecting, StateClosed, true},
		{StateConnected, StateClosed, false},
		{StateConnected, StateConnecting, false},
		{StateClosed, StateConnecting, false},
		{StateClosed, StateConnected, false},
	}
	for _, tc := range testCases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			got, err := tc.from.transition(tc.to)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, got)
			} else {
				assert.True(t, eris.Is(err, ErrInvalidTransition))
				assert.Equal(t, tc.from, got)
			}
		})
	}
}

func TestLifecycleConnectSpawnsAtOriginWithDerivedColor(t *testing.T) {
	w := NewWorld()
	obs := &recordingObserver{}
	metrics := &Metrics{}
	l := NewLifecycle(w, metrics, obs)

	l.Apply([]protocol.ConnectionEvent{protocol.Connected(5)})

	e, ok := w.Get(5)
	require.True(t, ok)
	assert.Equal(t, Vec2{}, e.Position)
	assert.Equal(t, ColorFor(5), e.Color)
	assert.Equal(t, StateConnected, l.State(5))
	assert.Equal(t, []protocol.ClientID{5}, obs.joined)
	assert.Equal(t, int64(1), metrics.ClientsConnected)
}

func TestLifecycleDuplicateConnectIgnored(t *testing.T) {
	w := NewWorld()
	obs := &recordingObserver{}
	l := NewLifecycle(w, nil, obs)

	l.Apply([]protocol.ConnectionEvent{protocol.Connected(5), protocol.Connected(5)})
	assert.Equal(t, 1, w.Len())
	assert.Len(t, obs.joined, 1)
}

func TestLifecycleConnectWithExistingEntitySkipsJoin(t *testing.T) {
	w := NewWorld()
	pre, created := w.Spawn(5, ColorFor(5))
	require.True(t, created)
	obs := &recordingObserver{}
	metrics := &Metrics{}
	l := NewLifecycle(w, metrics, obs)

	l.Apply([]protocol.ConnectionEvent{protocol.Connected(5)})
	assert.Empty(t, obs.joined)
	assert.Zero(t, metrics.ClientsConnected)
	e, _ := w.EntityOf(5)
	assert.Equal(t, pre, e)
	assert.Equal(t, 1, w.Len())

	l.Apply([]protocol.ConnectionEvent{protocol.Disconnected(5, protocol.ReasonClientLeft)})
	assert.Equal(t, 0, w.Len())
}

func TestLifecycleDisconnect(t *testing.T) {
	w := NewWorld()
	obs := &recordingObserver{}
	l := NewLifecycle(w, nil, obs)

	l.Apply([]protocol.ConnectionEvent{protocol.Connected(1), protocol.Connected(2)})
	l.Apply([]protocol.ConnectionEvent{protocol.Disconnected(1, protocol.ReasonTimeout)})

	_, ok := w.Get(1)
	assert.False(t, ok)
	_, ok = w.Get(2)
	assert.True(t, ok)
	assert.Equal(t, StateClosed, l.State(1))
	assert.Equal(t, []protocol.ClientID{1}, obs.left)
}

func TestLifecycleUnknownDisconnectIsNoop(t *testing.T) {
	w := NewWorld()
	obs := &recordingObserver{}
	l := NewLifecycle(w, nil, obs)
	l.Apply([]protocol.ConnectionEvent{protocol.Connected(1)})

	l.Apply([]protocol.ConnectionEvent{
		protocol.Disconnected(9, "late"),
		protocol.Disconnected(1, "bye"),
		protocol.Disconnected(1, "duplicate"),
	})
	assert.Equal(t, 0, w.Len())
	assert.Equal(t, []protocol.ClientID{1}, obs.left)
}
