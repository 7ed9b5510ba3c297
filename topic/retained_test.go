package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myqtt/myqtt/encoding"
	"github.com/myqtt/myqtt/types/message"
)

func retainedMsg(topic, payload string) *message.Message {
	return message.New(0, topic, []byte(payload), encoding.QoS1, true)
}

func TestRetainedSetGet(t *testing.T) {
	store := NewRetainedStore()

	require.NoError(t, store.Set(retainedMsg("a/b", "one")))
	require.NoError(t, store.Set(retainedMsg("a/c", "two")))

	msg := store.Get("a/b")
	require.NotNil(t, msg)
	assert.Equal(t, []byte("one"), msg.Payload)

	assert.Nil(t, store.Get("a/x"))
	assert.Equal(t, 2, store.Count())
}

func TestRetainedReplace(t *testing.T) {
	store := NewRetainedStore()

	require.NoError(t, store.Set(retainedMsg("a/b", "old")))
	require.NoError(t, store.Set(retainedMsg("a/b", "new")))

	assert.Equal(t, 1, store.Count(), "at most one retained message per topic")
	assert.Equal(t, []byte("new"), store.Get("a/b").Payload)
}

func TestRetainedEmptyPayloadClears(t *testing.T) {
	store := NewRetainedStore()

	require.NoError(t, store.Set(retainedMsg("a/b", "data")))
	require.NoError(t, store.Set(retainedMsg("a/b", "")))

	assert.Nil(t, store.Get("a/b"))
	assert.Equal(t, 0, store.Count())
}

func TestRetainedClearMissingTopic(t *testing.T) {
	store := NewRetainedStore()
	require.NoError(t, store.Set(retainedMsg("a/b", "")))
	assert.Equal(t, 0, store.Count())
}

func TestRetainedMatchFilter(t *testing.T) {
	store := NewRetainedStore()

	require.NoError(t, store.Set(retainedMsg("sport/tennis", "t")))
	require.NoError(t, store.Set(retainedMsg("sport/golf", "g")))
	require.NoError(t, store.Set(retainedMsg("news/today", "n")))

	matches := store.MatchFilter("sport/+")
	assert.Len(t, matches, 2)

	matches = store.MatchFilter("#")
	assert.Len(t, matches, 3)

	matches = store.MatchFilter("sport/tennis")
	require.Len(t, matches, 1)
	assert.Equal(t, []byte("t"), matches[0].Payload)

	assert.Empty(t, store.MatchFilter("weather/+"))
}

func TestRetainedSystemTopicsExcludedFromWildcards(t *testing.T) {
	store := NewRetainedStore()

	require.NoError(t, store.Set(retainedMsg("$SYS/broker/load", "x")))
	require.NoError(t, store.Set(retainedMsg("a/b", "y")))

	matches := store.MatchFilter("#")
	require.Len(t, matches, 1)
	assert.Equal(t, "a/b", matches[0].Topic)

	matches = store.MatchFilter("$SYS/#")
	require.Len(t, matches, 1)
	assert.Equal(t, "$SYS/broker/load", matches[0].Topic)
}

func TestRetainedDeletePrunesBranches(t *testing.T) {
	store := NewRetainedStore()

	require.NoError(t, store.Set(retainedMsg("a/b/c/d", "x")))
	store.Delete("a/b/c/d")

	assert.Equal(t, 0, store.Count())
	assert.Empty(t, store.MatchFilter("#"))
}
