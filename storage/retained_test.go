package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myqtt/myqtt/encoding"
)

func TestRetainedUpsert(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StoreRetained("a/b", encoding.QoS1, []byte("one")))

	rec, err := s.LoadRetained("a/b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "a/b", rec.Topic)
	assert.Equal(t, encoding.QoS1, rec.QoS)
	assert.Equal(t, []byte("one"), rec.Payload)

	// Upsert replaces the previous pair.
	require.NoError(t, s.StoreRetained("a/b", encoding.QoS2, []byte("two")))
	rec, err = s.LoadRetained("a/b")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), rec.Payload)
	assert.Equal(t, encoding.QoS2, rec.QoS)
}

func TestRetainedZeroPayloadDeletes(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.StoreRetained("a/b", encoding.QoS1, []byte("data")))
	require.NoError(t, s.StoreRetained("a/b", encoding.QoS0, nil))

	rec, err := s.LoadRetained("a/b")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRetainedMissingTopic(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.LoadRetained("never/stored")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRetainedTopicsWithSlashes(t *testing.T) {
	s := newTestStore(t)

	topics := []string{"a", "a/b", "a/b/c", "$SYS/broker/load"}
	for _, topic := range topics {
		require.NoError(t, s.StoreRetained(topic, encoding.QoS0, []byte(topic)))
	}

	for _, topic := range topics {
		rec, err := s.LoadRetained(topic)
		require.NoError(t, err)
		require.NotNil(t, rec, topic)
		assert.Equal(t, topic, rec.Topic)
		assert.Equal(t, []byte(topic), rec.Payload)
	}
}
