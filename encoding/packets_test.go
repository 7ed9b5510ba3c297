package encoding

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeAndReparse runs one packet through its encoder and the full parse
// path, returning the reparsed packet.
func encodeAndReparse(t *testing.T, pkt Packet) Packet {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))

	fh, n, err := ParseFixedHeaderFromBytes(buf.Bytes())
	require.NoError(t, err)

	out, err := ParsePacket(fh, buf.Bytes()[n:])
	require.NoError(t, err)
	return out
}

func TestConnectRoundTrip(t *testing.T) {
	pkt := &ConnectPacket{
		ProtocolName:    ProtocolName311,
		ProtocolVersion: ProtocolVersion311,
		CleanSession:    true,
		WillFlag:        true,
		WillQoS:         QoS2,
		WillRetain:      true,
		UsernameFlag:    true,
		PasswordFlag:    true,
		KeepAlive:       30,
		ClientID:        "test-client",
		WillTopic:       "will/topic",
		WillPayload:     []byte("gone"),
		Username:        "aspl",
		Password:        []byte("test"),
	}

	out := encodeAndReparse(t, pkt).(*ConnectPacket)
	assert.Equal(t, pkt.ClientID, out.ClientID)
	assert.True(t, out.CleanSession)
	assert.True(t, out.WillFlag)
	assert.Equal(t, QoS2, out.WillQoS)
	assert.True(t, out.WillRetain)
	assert.Equal(t, "will/topic", out.WillTopic)
	assert.Equal(t, []byte("gone"), out.WillPayload)
	assert.Equal(t, "aspl", out.Username)
	assert.Equal(t, []byte("test"), out.Password)
	assert.Equal(t, uint16(30), out.KeepAlive)
	assert.True(t, out.Acceptable())
}

func TestConnectUnknownProtocolStillParses(t *testing.T) {
	// An unknown protocol name must reach the state machine so it can
	// answer CONNACK(1) rather than closing silently.
	pkt := &ConnectPacket{
		ProtocolName:    "MQIsdp",
		ProtocolVersion: 3,
		CleanSession:    true,
		ClientID:        "old-client",
	}

	out := encodeAndReparse(t, pkt).(*ConnectPacket)
	assert.False(t, out.Acceptable())
	assert.Equal(t, "old-client", out.ClientID)
}

func TestConnectMalformedFlags(t *testing.T) {
	base := func() *ConnectPacket {
		return &ConnectPacket{
			ProtocolName:    ProtocolName311,
			ProtocolVersion: ProtocolVersion311,
			ClientID:        "c",
		}
	}

	t.Run("reserved_bit", func(t *testing.T) {
		pkt := base()
		var buf bytes.Buffer
		require.NoError(t, pkt.Encode(&buf))
		raw := buf.Bytes()
		// Flags byte sits after fixed header (2) + protocol name (6) + level (1).
		raw[9] |= 0x01

		fh, n, err := ParseFixedHeaderFromBytes(raw)
		require.NoError(t, err)
		_, err = ParsePacket(fh, raw[n:])
		require.ErrorIs(t, err, ErrInvalidConnectFlags)
	})

	t.Run("will_qos_without_will_flag", func(t *testing.T) {
		pkt := base()
		var buf bytes.Buffer
		require.NoError(t, pkt.Encode(&buf))
		raw := buf.Bytes()
		raw[9] |= 0x08 // Will QoS 1 with Will flag clear

		fh, n, err := ParseFixedHeaderFromBytes(raw)
		require.NoError(t, err)
		_, err = ParsePacket(fh, raw[n:])
		require.ErrorIs(t, err, ErrWillFlagMismatch)
	})

	t.Run("password_without_username", func(t *testing.T) {
		pkt := base()
		var buf bytes.Buffer
		require.NoError(t, pkt.Encode(&buf))
		raw := buf.Bytes()
		raw[9] |= 0x40

		fh, n, err := ParseFixedHeaderFromBytes(raw)
		require.NoError(t, err)
		_, err = ParsePacket(fh, raw[n:])
		require.ErrorIs(t, err, ErrPasswordWithoutUser)
	})
}

func TestConnackRoundTrip(t *testing.T) {
	pkt := &ConnackPacket{SessionPresent: true, ReturnCode: ConnackIdentifierRejected}
	out := encodeAndReparse(t, pkt).(*ConnackPacket)
	assert.True(t, out.SessionPresent)
	assert.Equal(t, ConnackIdentifierRejected, out.ReturnCode)
}

func TestPublishRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *PublishPacket
	}{
		{
			name: "qos0",
			pkt: &PublishPacket{
				FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS0},
				TopicName:   "myqtt/test",
				Payload:     []byte("hello"),
			},
		},
		{
			name: "qos1_retain",
			pkt: &PublishPacket{
				FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS1, Retain: true},
				TopicName:   "a/b/c",
				PacketID:    42,
				Payload:     []byte("payload"),
			},
		},
		{
			name: "qos2_dup_empty_payload",
			pkt: &PublishPacket{
				FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS2, DUP: true},
				TopicName:   "t",
				PacketID:    65535,
				Payload:     []byte{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := encodeAndReparse(t, tt.pkt).(*PublishPacket)
			assert.Equal(t, tt.pkt.TopicName, out.TopicName)
			assert.Equal(t, tt.pkt.PacketID, out.PacketID)
			assert.Equal(t, tt.pkt.Payload, out.Payload)
			assert.Equal(t, tt.pkt.FixedHeader.QoS, out.FixedHeader.QoS)
			assert.Equal(t, tt.pkt.FixedHeader.Retain, out.FixedHeader.Retain)
			assert.Equal(t, tt.pkt.FixedHeader.DUP, out.FixedHeader.DUP)
		})
	}
}

func TestPublishRejectsWildcardTopic(t *testing.T) {
	for _, topic := range []string{"a/+/b", "a/#", "+", "#"} {
		pkt := &PublishPacket{
			FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS0},
			TopicName:   topic,
			Payload:     []byte("x"),
		}
		var buf bytes.Buffer
		require.NoError(t, pkt.Encode(&buf))

		fh, n, err := ParseFixedHeaderFromBytes(buf.Bytes())
		require.NoError(t, err)
		_, err = ParsePacket(fh, buf.Bytes()[n:])
		require.ErrorIs(t, err, ErrInvalidTopicName, "topic %q", topic)
	}
}

func TestPublishQoS1RequiresNonZeroPacketID(t *testing.T) {
	pkt := &PublishPacket{
		FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS1},
		TopicName:   "t",
		PacketID:    0,
		Payload:     []byte("x"),
	}
	var buf bytes.Buffer
	require.ErrorIs(t, pkt.Encode(&buf), ErrInvalidPacketIDZero)
}

func TestAckPacketsRoundTrip(t *testing.T) {
	acks := []Packet{
		&PubackPacket{PacketID: 7},
		&PubrecPacket{PacketID: 8},
		&PubrelPacket{PacketID: 9},
		&PubcompPacket{PacketID: 10},
		&UnsubackPacket{PacketID: 11},
	}

	for _, pkt := range acks {
		out := encodeAndReparse(t, pkt)
		assert.IsType(t, pkt, out)
	}
}

func TestAckRemainingLengthMustBeTwo(t *testing.T) {
	// PUBACK with remaining length 3
	raw := []byte{0x40, 0x03, 0x00, 0x07, 0x00}
	fh, n, err := ParseFixedHeaderFromBytes(raw)
	require.NoError(t, err)
	_, err = ParsePacket(fh, raw[n:])
	require.ErrorIs(t, err, ErrInvalidRemainingLength)
}

func TestSubscribeRoundTrip(t *testing.T) {
	pkt := &SubscribePacket{
		PacketID: 3,
		Subscriptions: []Subscription{
			{TopicFilter: "a/b", QoS: QoS0},
			{TopicFilter: "c/+/d", QoS: QoS1},
			{TopicFilter: "e/#", QoS: QoS2},
		},
	}

	out := encodeAndReparse(t, pkt).(*SubscribePacket)
	assert.Equal(t, pkt.PacketID, out.PacketID)
	require.Len(t, out.Subscriptions, 3)
	assert.Equal(t, pkt.Subscriptions, out.Subscriptions)
}

func TestSubscribeEmptyRejected(t *testing.T) {
	// SUBSCRIBE carrying only its packet id: zero topic filters.
	raw := []byte{0x82, 0x02, 0x00, 0x01}
	fh, n, err := ParseFixedHeaderFromBytes(raw)
	require.NoError(t, err)
	_, err = ParsePacket(fh, raw[n:])
	require.ErrorIs(t, err, ErrEmptySubscriptionList)
}

func TestSubackRoundTrip(t *testing.T) {
	pkt := &SubackPacket{
		PacketID:    9,
		ReturnCodes: []byte{0x00, 0x01, 0x02, SubackFailure},
	}
	out := encodeAndReparse(t, pkt).(*SubackPacket)
	assert.Equal(t, pkt.ReturnCodes, out.ReturnCodes)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	pkt := &UnsubscribePacket{
		PacketID:     4,
		TopicFilters: []string{"a/b", "c/#"},
	}
	out := encodeAndReparse(t, pkt).(*UnsubscribePacket)
	assert.Equal(t, pkt.TopicFilters, out.TopicFilters)
}

func TestZeroLengthPackets(t *testing.T) {
	for _, pkt := range []Packet{
		&PingreqPacket{},
		&PingrespPacket{},
		&DisconnectPacket{},
	} {
		var buf bytes.Buffer
		require.NoError(t, pkt.Encode(&buf))
		assert.Len(t, buf.Bytes(), 2)
		assert.Equal(t, byte(0x00), buf.Bytes()[1], "remaining length must be zero")

		out := encodeAndReparse(t, pkt)
		assert.IsType(t, pkt, out)
	}
}
