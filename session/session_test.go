package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myqtt/myqtt/encoding"
)

func TestFromConnect(t *testing.T) {
	s := New()
	assert.Equal(t, StateInitialAccept, s.State())

	s.FromConnect(&encoding.ConnectPacket{
		ClientID:     "c1",
		CleanSession: true,
		KeepAlive:    30,
		Username:     "aspl",
		WillFlag:     true,
		WillTopic:    "bye",
		WillPayload:  []byte("gone"),
		WillQoS:      encoding.QoS2,
		WillRetain:   true,
	})

	assert.Equal(t, "c1", s.ClientID)
	assert.True(t, s.CleanSession)
	assert.Equal(t, uint16(30), s.KeepAlive)
	assert.Equal(t, "aspl", s.Username)

	will := s.Will()
	require.NotNil(t, will)
	assert.Equal(t, "bye", will.Topic)
	assert.Equal(t, []byte("gone"), will.Payload)
	assert.Equal(t, encoding.QoS2, will.QoS)
	assert.True(t, will.Retain)
}

func TestTakeWillSingleShot(t *testing.T) {
	s := New()
	s.FromConnect(&encoding.ConnectPacket{
		ClientID:    "c1",
		WillFlag:    true,
		WillTopic:   "bye",
		WillPayload: []byte("gone"),
	})

	will := s.TakeWill()
	require.NotNil(t, will)
	assert.Nil(t, s.TakeWill(), "second take sees nothing")
}

func TestClearWill(t *testing.T) {
	s := New()
	s.FromConnect(&encoding.ConnectPacket{
		ClientID:  "c1",
		WillFlag:  true,
		WillTopic: "bye",
	})

	s.ClearWill()
	assert.Nil(t, s.Will())
	assert.Nil(t, s.TakeWill())
}

func TestSubscriptionBookkeeping(t *testing.T) {
	s := New()

	s.AddSubscription("a/b", encoding.QoS1)
	s.AddSubscription("c/#", encoding.QoS2)
	s.AddSubscription("a/b", encoding.QoS0)

	subs := s.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, encoding.QoS0, subs["a/b"])

	assert.True(t, s.RemoveSubscription("a/b"))
	assert.False(t, s.RemoveSubscription("a/b"))
	assert.Len(t, s.Subscriptions(), 1)
}

func TestStateTransitions(t *testing.T) {
	s := New()

	s.SetState(StateWaitConnect)
	assert.Equal(t, StateWaitConnect, s.State())

	s.SetState(StateConnected)
	assert.Equal(t, StateConnected, s.State())
	assert.True(t, s.DisconnectedAt.IsZero())

	s.SetState(StateDisconnecting)
	assert.False(t, s.DisconnectedAt.IsZero())
}

func TestRecordRoundTrip(t *testing.T) {
	s := New()
	s.FromConnect(&encoding.ConnectPacket{
		ClientID:     "c1",
		CleanSession: false,
		KeepAlive:    60,
		Username:     "u",
		WillFlag:     true,
		WillTopic:    "w",
		WillPayload:  []byte("p"),
		WillQoS:      encoding.QoS1,
	})
	s.AddSubscription("a/b", encoding.QoS1)

	record := RecordOf(s)
	restored := record.Restore()

	assert.Equal(t, "c1", restored.ClientID)
	assert.False(t, restored.CleanSession)
	assert.Equal(t, uint16(60), restored.KeepAlive)
	assert.Equal(t, "u", restored.Username)
	require.NotNil(t, restored.Will())
	assert.Equal(t, "w", restored.Will().Topic)
	assert.Equal(t, map[string]encoding.QoS{"a/b": encoding.QoS1}, restored.Subscriptions())
}
