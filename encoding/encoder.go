package encoding

import (
	"io"
)

// MQTT 3.1.1 packet encoders. Each Encode computes the remaining length,
// writes the fixed header and then the variable header and payload.

// Encode encodes an MQTT 3.1.1 CONNECT packet
func (p *ConnectPacket) Encode(w io.Writer) error {
	// Protocol name + level + connect flags + keep alive
	varHeaderLen := 2 + len(p.ProtocolName) + 1 + 1 + 2

	payloadLen := 2 + len(p.ClientID)
	if p.WillFlag {
		payloadLen += 2 + len(p.WillTopic)
		payloadLen += 2 + len(p.WillPayload)
	}
	if p.UsernameFlag {
		payloadLen += 2 + len(p.Username)
	}
	if p.PasswordFlag {
		payloadLen += 2 + len(p.Password)
	}

	fh := FixedHeader{
		Type:            CONNECT,
		RemainingLength: uint32(varHeaderLen + payloadLen),
	}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ProtocolName); err != nil {
		return err
	}
	if err := writeByte(w, byte(p.ProtocolVersion)); err != nil {
		return err
	}

	var connectFlags byte
	if p.CleanSession {
		connectFlags |= 0x02
	}
	if p.WillFlag {
		connectFlags |= 0x04
		connectFlags |= byte(p.WillQoS) << 3
		if p.WillRetain {
			connectFlags |= 0x20
		}
	}
	if p.PasswordFlag {
		connectFlags |= 0x40
	}
	if p.UsernameFlag {
		connectFlags |= 0x80
	}
	if err := writeByte(w, connectFlags); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.KeepAlive); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.ClientID); err != nil {
		return err
	}
	if p.WillFlag {
		if err := writeUTF8String(w, p.WillTopic); err != nil {
			return err
		}
		if err := writeBinaryData(w, p.WillPayload); err != nil {
			return err
		}
	}
	if p.UsernameFlag {
		if err := writeUTF8String(w, p.Username); err != nil {
			return err
		}
	}
	if p.PasswordFlag {
		if err := writeBinaryData(w, p.Password); err != nil {
			return err
		}
	}

	return nil
}

// Encode encodes an MQTT 3.1.1 CONNACK packet
func (p *ConnackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: CONNACK, RemainingLength: 2}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	var ackFlags byte
	if p.SessionPresent {
		ackFlags = 0x01
	}
	if err := writeByte(w, ackFlags); err != nil {
		return err
	}
	return writeByte(w, byte(p.ReturnCode))
}

// Encode encodes an MQTT 3.1.1 PUBLISH packet
func (p *PublishPacket) Encode(w io.Writer) error {
	if !p.FixedHeader.QoS.IsValid() {
		return ErrInvalidQoS
	}

	remaining := 2 + len(p.TopicName) + len(p.Payload)
	if p.FixedHeader.QoS > QoS0 {
		if p.PacketID == 0 {
			return ErrInvalidPacketIDZero
		}
		remaining += 2
	}
	if uint64(remaining) > uint64(MaxRemainingLength) {
		return ErrRemainingLengthTooLarge
	}

	fh := p.FixedHeader
	fh.Type = PUBLISH
	fh.RemainingLength = uint32(remaining)
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeUTF8String(w, p.TopicName); err != nil {
		return err
	}
	if fh.QoS > QoS0 {
		if err := writeTwoByteInt(w, p.PacketID); err != nil {
			return err
		}
	}

	_, err := w.Write(p.Payload)
	return err
}

// encodePacketIDOnly writes the shared two-byte acknowledgement body.
func encodePacketIDOnly(w io.Writer, tp PacketType, packetID uint16) error {
	fh := FixedHeader{Type: tp, RemainingLength: 2}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	return writeTwoByteInt(w, packetID)
}

// Encode encodes an MQTT 3.1.1 PUBACK packet
func (p *PubackPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBACK, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PUBREC packet
func (p *PubrecPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBREC, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PUBREL packet
func (p *PubrelPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBREL, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PUBCOMP packet
func (p *PubcompPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, PUBCOMP, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 SUBSCRIBE packet
func (p *SubscribePacket) Encode(w io.Writer) error {
	if len(p.Subscriptions) == 0 {
		return ErrEmptySubscriptionList
	}

	remaining := 2
	for _, sub := range p.Subscriptions {
		if !sub.QoS.IsValid() {
			return ErrInvalidQoS
		}
		remaining += 2 + len(sub.TopicFilter) + 1
	}

	fh := FixedHeader{Type: SUBSCRIBE, RemainingLength: uint32(remaining)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	for _, sub := range p.Subscriptions {
		if err := writeUTF8String(w, sub.TopicFilter); err != nil {
			return err
		}
		if err := writeByte(w, byte(sub.QoS)); err != nil {
			return err
		}
	}
	return nil
}

// Encode encodes an MQTT 3.1.1 SUBACK packet
func (p *SubackPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: SUBACK, RemainingLength: uint32(2 + len(p.ReturnCodes))}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}
	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	_, err := w.Write(p.ReturnCodes)
	return err
}

// Encode encodes an MQTT 3.1.1 UNSUBSCRIBE packet
func (p *UnsubscribePacket) Encode(w io.Writer) error {
	if len(p.TopicFilters) == 0 {
		return ErrEmptyUnsubscribeList
	}

	remaining := 2
	for _, filter := range p.TopicFilters {
		remaining += 2 + len(filter)
	}

	fh := FixedHeader{Type: UNSUBSCRIBE, RemainingLength: uint32(remaining)}
	if err := fh.EncodeFixedHeader(w); err != nil {
		return err
	}

	if err := writeTwoByteInt(w, p.PacketID); err != nil {
		return err
	}
	for _, filter := range p.TopicFilters {
		if err := writeUTF8String(w, filter); err != nil {
			return err
		}
	}
	return nil
}

// Encode encodes an MQTT 3.1.1 UNSUBACK packet
func (p *UnsubackPacket) Encode(w io.Writer) error {
	return encodePacketIDOnly(w, UNSUBACK, p.PacketID)
}

// Encode encodes an MQTT 3.1.1 PINGREQ packet
func (p *PingreqPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGREQ}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes an MQTT 3.1.1 PINGRESP packet
func (p *PingrespPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: PINGRESP}
	return fh.EncodeFixedHeader(w)
}

// Encode encodes an MQTT 3.1.1 DISCONNECT packet
func (p *DisconnectPacket) Encode(w io.Writer) error {
	fh := FixedHeader{Type: DISCONNECT}
	return fh.EncodeFixedHeader(w)
}
