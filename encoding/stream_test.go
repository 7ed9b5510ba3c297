package encoding

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePacket(t *testing.T, pkt Packet) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, pkt.Encode(&buf))
	return buf.Bytes()
}

func TestStreamDecoderWholeFrame(t *testing.T) {
	d := NewStreamDecoder(nil)

	d.Feed(encodePacket(t, &PingreqPacket{}))

	pkt, err := d.Next()
	require.NoError(t, err)
	assert.IsType(t, &PingreqPacket{}, pkt)

	_, err = d.Next()
	require.ErrorIs(t, err, ErrNeedMore)
	assert.Equal(t, 0, d.Pending())
}

func TestStreamDecoderPartialFrame(t *testing.T) {
	raw := encodePacket(t, &PublishPacket{
		FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS1},
		TopicName:   "myqtt/test",
		PacketID:    5,
		Payload:     []byte("hello world"),
	})

	d := NewStreamDecoder(nil)

	// Feed one byte at a time; only the final byte completes the frame.
	for i := 0; i < len(raw)-1; i++ {
		d.Feed(raw[i : i+1])
		_, err := d.Next()
		require.ErrorIs(t, err, ErrNeedMore, "byte %d of %d", i+1, len(raw))
	}

	d.Feed(raw[len(raw)-1:])
	pkt, err := d.Next()
	require.NoError(t, err)

	publish := pkt.(*PublishPacket)
	assert.Equal(t, "myqtt/test", publish.TopicName)
	assert.Equal(t, []byte("hello world"), publish.Payload)
}

func TestStreamDecoderPipelinedFrames(t *testing.T) {
	var stream []byte
	stream = append(stream, encodePacket(t, &PingreqPacket{})...)
	stream = append(stream, encodePacket(t, &PubackPacket{PacketID: 3})...)
	stream = append(stream, encodePacket(t, &DisconnectPacket{})...)

	d := NewStreamDecoder(nil)
	d.Feed(stream)

	pkt1, err := d.Next()
	require.NoError(t, err)
	assert.IsType(t, &PingreqPacket{}, pkt1)

	pkt2, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, uint16(3), pkt2.(*PubackPacket).PacketID)

	pkt3, err := d.Next()
	require.NoError(t, err)
	assert.IsType(t, &DisconnectPacket{}, pkt3)

	_, err = d.Next()
	require.ErrorIs(t, err, ErrNeedMore)
}

func TestStreamDecoderHeaderPredicate(t *testing.T) {
	limit := errors.New("too big")
	d := NewStreamDecoder(func(fh *FixedHeader) error {
		if fh.RemainingLength > 16 {
			return limit
		}
		return nil
	})

	d.Feed(encodePacket(t, &PublishPacket{
		FixedHeader: FixedHeader{Type: PUBLISH, QoS: QoS0},
		TopicName:   "t",
		Payload:     bytes.Repeat([]byte{'x'}, 64),
	}))

	_, err := d.Next()
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNeedMore)
	require.ErrorIs(t, err, ErrFrameRejected)
}

func TestStreamDecoderMalformedHeader(t *testing.T) {
	d := NewStreamDecoder(nil)
	d.Feed([]byte{0x00, 0x00}) // reserved type

	_, err := d.Next()
	require.ErrorIs(t, err, ErrInvalidReservedType)
}

func TestStreamDecoderReset(t *testing.T) {
	d := NewStreamDecoder(nil)
	d.Feed([]byte{0xC0})
	assert.Equal(t, 1, d.Pending())

	d.Reset()
	assert.Equal(t, 0, d.Pending())
}
