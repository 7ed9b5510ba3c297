package message

import (
	"sync/atomic"
	"time"

	"github.com/myqtt/myqtt/encoding"
)

// nextID is the broker-wide monotonically increasing message id source.
var nextID atomic.Uint64

// Message is a decoded application message flowing through the delivery
// pipeline. One Message is shared read-only by every matching subscriber;
// per-subscriber deviations (QoS downgrade, DUP) are made on copies.
type Message struct {
	ID        uint64
	PacketID  uint16
	Topic     string
	Payload   []byte
	QoS       encoding.QoS
	Retain    bool
	DUP       bool
	ClientID  string // publishing client, empty for broker-originated messages
	CreatedAt time.Time

	LastAttemptAt time.Time
	AttemptCount  int
}

// New creates a message and assigns it the next broker-wide id.
func New(packetID uint16, topic string, payload []byte, qos encoding.QoS, retain bool) *Message {
	now := time.Now()
	return &Message{
		ID:            nextID.Add(1),
		PacketID:      packetID,
		Topic:         topic,
		Payload:       payload,
		QoS:           qos,
		Retain:        retain,
		CreatedAt:     now,
		LastAttemptAt: now,
	}
}

// FromPublish creates a message from a decoded PUBLISH packet.
func FromPublish(pkt *encoding.PublishPacket, clientID string) *Message {
	m := New(pkt.PacketID, pkt.TopicName, pkt.Payload, pkt.FixedHeader.QoS, pkt.FixedHeader.Retain)
	m.DUP = pkt.FixedHeader.DUP
	m.ClientID = clientID
	return m
}

// MarkAttempt records a delivery attempt. From the second attempt on the DUP
// flag is set for retransmission.
func (m *Message) MarkAttempt() {
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	if m.AttemptCount > 1 {
		m.DUP = true
	}
}

// CopyForSubscriber returns a shallow copy with the delivery QoS capped at
// the subscriber's granted QoS. The payload is shared, never copied.
func (m *Message) CopyForSubscriber(grantedQoS encoding.QoS) *Message {
	out := *m
	if out.QoS > grantedQoS {
		out.QoS = grantedQoS
	}
	out.PacketID = 0
	out.DUP = false
	return &out
}

// ToPublish converts the message back into a PUBLISH packet.
func (m *Message) ToPublish() *encoding.PublishPacket {
	return &encoding.PublishPacket{
		FixedHeader: encoding.FixedHeader{
			Type:   encoding.PUBLISH,
			QoS:    m.QoS,
			Retain: m.Retain,
			DUP:    m.DUP,
		},
		TopicName: m.Topic,
		PacketID:  m.PacketID,
		Payload:   m.Payload,
	}
}

// Size returns the application payload size in bytes.
func (m *Message) Size() int {
	return len(m.Payload)
}
