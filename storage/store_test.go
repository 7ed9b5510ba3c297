package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myqtt/myqtt/encoding"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(t.TempDir(), 16)
}

func TestInitClientLayout(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InitClient("client-a"))
	require.NoError(t, s.InitClient("client-a"), "idempotent")

	for _, dir := range []string{"msgs", "subs", "pkgids", "will"} {
		info, err := os.Stat(filepath.Join(s.Root(), "client-a", dir))
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
	}

	assert.True(t, s.HasClient("client-a"))
	assert.False(t, s.HasClient("client-b"))
}

func TestInitClientRejectsUnsafeIDs(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", ".", "..", "a/b", "a\\b", "retained"} {
		require.Error(t, s.InitClient(id), "id %q", id)
	}
}

func TestStoreAndReleaseMessage(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))

	handle, err := s.StoreMessage("c1", 7, encoding.QoS1, []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	body, err := s.ReadMessage(handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), body)

	assert.Equal(t, int64(7), s.Quota("c1"))
	assert.Equal(t, 1, s.MessageCount("c1"))

	require.NoError(t, s.ReleaseMessage("c1", handle))
	assert.Equal(t, int64(0), s.Quota("c1"))
	assert.Equal(t, 0, s.MessageCount("c1"))

	// Missing file is idempotent success.
	require.NoError(t, s.ReleaseMessage("c1", handle))
}

func TestMessageFilenameSchema(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))

	handle, err := s.StoreMessage("c1", 300, encoding.QoS2, []byte("abcdef"))
	require.NoError(t, err)

	meta, err := parseMsgFileName(filepath.Base(handle))
	require.NoError(t, err)
	assert.Equal(t, uint16(300), meta.PacketID)
	assert.Equal(t, 6, meta.Size)
	assert.Equal(t, encoding.QoS2, meta.QoS)
	assert.False(t, meta.Stamp.IsZero())
}

func TestQueuedMessagesOrderedAndFiltered(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))

	_, err := s.StoreMessage("c1", 1, encoding.QoS1, []byte("first"))
	require.NoError(t, err)
	_, err = s.StoreMessage("c1", 2, encoding.QoS1, []byte("second"))
	require.NoError(t, err)

	// Dot-files and files outside the schema are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(s.msgsDir("c1"), ".hidden"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(s.msgsDir("c1"), "garbage"), []byte("x"), 0o600))

	msgs, err := s.QueuedMessages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint16(1), msgs[0].PacketID)
	assert.Equal(t, uint16(2), msgs[1].PacketID)
	assert.False(t, msgs[1].Stamp.Before(msgs[0].Stamp))
}

func TestQuotaRebuiltFromScan(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))

	_, err := s.StoreMessage("c1", 1, encoding.QoS1, []byte("12345"))
	require.NoError(t, err)
	_, err = s.StoreMessage("c1", 2, encoding.QoS1, []byte("123"))
	require.NoError(t, err)

	// A fresh store over the same root rebuilds the cache by scanning.
	s2 := New(s.Root(), 16)
	assert.Equal(t, int64(8), s2.Quota("c1"))
	assert.Equal(t, 2, s2.MessageCount("c1"))
}

func TestPacketIDLock(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))

	require.NoError(t, s.LockPacketID("c1", 9))
	require.ErrorIs(t, s.LockPacketID("c1", 9), ErrPacketIDInUse)

	// Lock files are zero-byte.
	info, err := os.Stat(filepath.Join(s.pkgidsDir("c1"), "9"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size())

	s.UnlockPacketID("c1", 9)
	require.NoError(t, s.LockPacketID("c1", 9))

	// Different clients do not contend.
	require.NoError(t, s.InitClient("c2"))
	require.NoError(t, s.LockPacketID("c2", 9))
}

func TestSubscriptionsPersist(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))

	require.NoError(t, s.RecordSubscription("c1", "a/b", encoding.QoS1))
	require.NoError(t, s.RecordSubscription("c1", "x/+/y", encoding.QoS2))
	require.NoError(t, s.RecordSubscription("c1", "a/b", encoding.QoS0), "idempotent upsert")

	subs, err := s.Subscriptions("c1")
	require.NoError(t, err)
	require.Len(t, subs, 2)

	byFilter := map[string]encoding.QoS{}
	for _, sub := range subs {
		byFilter[sub.Filter] = sub.QoS
	}
	assert.Equal(t, encoding.QoS0, byFilter["a/b"], "latest granted QoS wins")
	assert.Equal(t, encoding.QoS2, byFilter["x/+/y"])

	s.RemoveSubscription("c1", "a/b")
	subs, err = s.Subscriptions("c1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "x/+/y", subs[0].Filter)
}

func TestRemoveClient(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InitClient("c1"))
	_, err := s.StoreMessage("c1", 1, encoding.QoS1, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveClient("c1"))
	assert.False(t, s.HasClient("c1"))
	assert.Equal(t, int64(0), s.Quota("c1"))
}
