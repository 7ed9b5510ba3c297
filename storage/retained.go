package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/myqtt/myqtt/encoding"
)

// RetainedRecord is one on-disk retained message.
type RetainedRecord struct {
	Topic   string
	QoS     encoding.QoS
	Payload []byte
}

// StoreRetained upserts the retained message for a topic. The previous
// topic+payload file pair is removed first; a zero-length payload deletes
// without writing a replacement.
func (s *Store) StoreRetained(topic string, qos encoding.QoS, payload []byte) error {
	dir := filepath.Join(s.retainedDir(), hashBucket(topic, s.buckets))
	base := filepath.Join(dir, hashName(topic))

	os.Remove(base + ".topic")
	os.Remove(base + ".msg")

	if len(payload) == 0 {
		return nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("store retained: %w", err)
	}

	meta := fmt.Sprintf("%s\n%d\n", topic, qos)
	if err := os.WriteFile(base+".topic", []byte(meta), 0o600); err != nil {
		return fmt.Errorf("store retained: %w", err)
	}
	if err := os.WriteFile(base+".msg", payload, 0o600); err != nil {
		os.Remove(base + ".topic")
		return fmt.Errorf("store retained: %w", err)
	}
	return nil
}

// LoadRetained reads the retained message for an exact topic, or nil when
// none is stored.
func (s *Store) LoadRetained(topic string) (*RetainedRecord, error) {
	base := filepath.Join(s.retainedDir(), hashBucket(topic, s.buckets), hashName(topic))
	return readRetainedPair(base + ".topic")
}

// loadRetained enumerates every retained message under retained/. Companion
// .msg files and dot-files are skipped by the scanner; only .topic files
// drive the listing.
func (s *Store) loadRetained() ([]RetainedRecord, error) {
	root := s.retainedDir()
	buckets, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []RetainedRecord
	for _, bucket := range buckets {
		if !bucket.IsDir() || strings.HasPrefix(bucket.Name(), ".") {
			continue
		}
		files, err := os.ReadDir(filepath.Join(root, bucket.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			name := file.Name()
			if file.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".topic") {
				continue
			}
			rec, err := readRetainedPair(filepath.Join(root, bucket.Name(), name))
			if err != nil || rec == nil {
				continue
			}
			records = append(records, *rec)
		}
	}
	return records, nil
}

func readRetainedPair(topicPath string) (*RetainedRecord, error) {
	meta, err := os.ReadFile(topicPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	lines := strings.SplitN(strings.TrimRight(string(meta), "\n"), "\n", 2)
	if len(lines) != 2 {
		return nil, ErrBadMessageName
	}
	qos, err := strconv.ParseUint(lines[1], 10, 8)
	if err != nil || qos > 2 {
		return nil, ErrBadMessageName
	}

	payload, err := os.ReadFile(strings.TrimSuffix(topicPath, ".topic") + ".msg")
	if err != nil {
		return nil, err
	}

	return &RetainedRecord{
		Topic:   lines[0],
		QoS:     encoding.QoS(qos),
		Payload: payload,
	}, nil
}
