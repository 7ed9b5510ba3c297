package encoding

import (
	"errors"
)

// ErrNeedMore indicates the decoder holds only a partial frame; feed more
// bytes and call Next again.
var ErrNeedMore = errors.New("incomplete frame: need more data")

// HeaderPredicate inspects a parsed fixed header before the body is read.
// Returning an error rejects the frame and the connection carrying it; the
// broker uses this to enforce per-domain message-size limits.
type HeaderPredicate func(fh *FixedHeader) error

// StreamDecoder incrementally decodes MQTT 3.1.1 frames from a non-blocking
// byte stream. Bytes arriving between reactor wake-ups are stashed so a
// frame split across reads is reassembled transparently.
type StreamDecoder struct {
	buf       []byte
	predicate HeaderPredicate
}

// NewStreamDecoder creates a stream decoder. predicate may be nil.
func NewStreamDecoder(predicate HeaderPredicate) *StreamDecoder {
	return &StreamDecoder{predicate: predicate}
}

// SetPredicate installs or replaces the header predicate; the broker sets
// it once the connection's domain (and its message-size limit) is known.
func (d *StreamDecoder) SetPredicate(predicate HeaderPredicate) {
	d.predicate = predicate
}

// Feed appends bytes read from the transport to the decode buffer.
func (d *StreamDecoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Pending returns the number of stashed bytes awaiting a complete frame.
func (d *StreamDecoder) Pending() int {
	return len(d.buf)
}

// Next decodes and removes one complete frame from the buffer. It returns
// ErrNeedMore when only a partial frame is buffered. Any other error is a
// protocol error and the connection must be torn down; the buffer contents
// are undefined afterwards.
func (d *StreamDecoder) Next() (Packet, error) {
	fh, headerLen, err := ParseFixedHeaderFromBytes(d.buf)
	if err != nil {
		if errors.Is(err, ErrUnexpectedEOF) {
			return nil, ErrNeedMore
		}
		return nil, err
	}

	if d.predicate != nil {
		if perr := d.predicate(fh); perr != nil {
			return nil, NewProtocolError(ErrFrameRejected, perr.Error())
		}
	}

	total := headerLen + int(fh.RemainingLength)
	if len(d.buf) < total {
		return nil, ErrNeedMore
	}

	body := d.buf[headerLen:total]
	pkt, err := ParsePacket(fh, body)

	// Drop the consumed frame even on parse failure so the caller can decide
	// whether the error is fatal.
	rest := len(d.buf) - total
	copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]

	return pkt, err
}

// Reset discards all stashed bytes.
func (d *StreamDecoder) Reset() {
	d.buf = d.buf[:0]
}
