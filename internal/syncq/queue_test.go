package syncq

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type body struct {
	ToUserID string `json:"toUserId"`
	Quantity int64  `json:"quantity"`
}

func TestQueuePushDedupesByTradeID(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)

	empty, err := q.Load()
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, q.Push("t1", body{ToUserID: "B", Quantity: 1}))
	require.NoError(t, q.Push("t2", body{ToUserID: "C", Quantity: 2}))
	require.NoError(t, q.Push("t1", body{ToUserID: "B", Quantity: 5}))

	got, err := q.Load()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].TradeID)

	var b body
	require.NoError(t, json.Unmarshal(got[0].Body, &b))
	assert.EqualValues(t, 5, b.Quantity)
}

func TestQueueRemove(t *testing.T) {
	q, err := Open(t.TempDir())
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Push(id, body{}))
	}
	require.NoError(t, q.Remove("a", "c", "missing"))

	got, err := q.Load()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].TradeID)

	assert.Error(t, q.Push("", body{}))
}

func TestQueueCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.json"), []byte("{not json"), 0o600))
	q, err := Open(dir)
	require.NoError(t, err)
	_, err = q.Load()
	assert.Error(t, err)
}

func TestJSONFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")

	var v map[string]int
	found, err := ReadJSON(path, &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, os.WriteFile(path, nil, 0o600))
	found, err = ReadJSON(path, &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, WriteJSON(path, map[string]int{"a": 1}))
	found, err = ReadJSON(path, &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, map[string]int{"a": 1}, v)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(path, []byte("{"), 0o600))
	_, err = ReadJSON(path, &v)
	assert.Error(t, err)

	q, err := Open(filepath.Dir(path))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "queue.json"), []byte("not json"), 0o600))
	_, err = q.Load()
	assert.Error(t, err)
}
