package storage

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/myqtt/myqtt/encoding"
)

// On-disk layout rooted at the domain's storage path:
//
//	<root>/
//	  retained/<bucket>/<hash>.topic        # topic text + qos
//	  retained/<bucket>/<hash>.msg          # payload companion
//	  <client_id>/
//	    subs/<bucket>/<hash>                # topic filter text + granted qos
//	    msgs/<id>-<size>-<qos>-<ts_s>-<ts_us>
//	    pkgids/<packet_id>                  # zero-byte lock files
//	    will/                               # reserved
//
// Bucket directories bound readdir fan-out; the bucket count is configurable
// and defaults to 4096. The hash is not part of any protocol.

// DefaultBuckets is the default hash bucket count.
const DefaultBuckets = 4096

func hashBucket(s string, buckets int) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return strconv.Itoa(int(h.Sum32()) % buckets)
}

func hashName(s string) string {
	h := fnv.New64a()
	h.Write([]byte(s))
	return strconv.FormatUint(h.Sum64(), 16)
}

// msgFileName encodes message metadata into the file name so it can be
// recovered without reading contents.
func msgFileName(packetID uint16, size int, qos encoding.QoS, ts time.Time) string {
	return fmt.Sprintf("%d-%d-%d-%d-%d", packetID, size, qos, ts.Unix(), ts.Nanosecond()/1000)
}

// QueuedMessage is the metadata recovered from one stored message file.
type QueuedMessage struct {
	PacketID uint16
	Size     int
	QoS      encoding.QoS
	Stamp    time.Time
	Path     string
}

// parseMsgFileName decodes a message file name back into its metadata.
func parseMsgFileName(name string) (QueuedMessage, error) {
	parts := strings.Split(name, "-")
	if len(parts) != 5 {
		return QueuedMessage{}, ErrBadMessageName
	}

	packetID, err := strconv.ParseUint(parts[0], 10, 16)
	if err != nil {
		return QueuedMessage{}, ErrBadMessageName
	}
	size, err := strconv.Atoi(parts[1])
	if err != nil || size < 0 {
		return QueuedMessage{}, ErrBadMessageName
	}
	qos, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil || qos > 2 {
		return QueuedMessage{}, ErrBadMessageName
	}
	sec, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return QueuedMessage{}, ErrBadMessageName
	}
	usec, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return QueuedMessage{}, ErrBadMessageName
	}

	return QueuedMessage{
		PacketID: uint16(packetID),
		Size:     size,
		QoS:      encoding.QoS(qos),
		Stamp:    time.Unix(sec, usec*1000),
	}, nil
}

// validClientID rejects identifiers that would escape the storage root when
// used as a directory name.
func validClientID(clientID string) error {
	if clientID == "" {
		return ErrEmptyClientID
	}
	if clientID == "." || clientID == ".." || clientID == "retained" {
		return ErrUnsafeClientID
	}
	if strings.ContainsAny(clientID, "/\\\x00") {
		return ErrUnsafeClientID
	}
	return nil
}

func (s *Store) clientDir(clientID string) string {
	return filepath.Join(s.root, clientID)
}

func (s *Store) msgsDir(clientID string) string {
	return filepath.Join(s.root, clientID, "msgs")
}

func (s *Store) subsDir(clientID string) string {
	return filepath.Join(s.root, clientID, "subs")
}

func (s *Store) pkgidsDir(clientID string) string {
	return filepath.Join(s.root, clientID, "pkgids")
}

func (s *Store) willDir(clientID string) string {
	return filepath.Join(s.root, clientID, "will")
}

func (s *Store) retainedDir() string {
	return filepath.Join(s.root, "retained")
}
