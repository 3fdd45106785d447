package queue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nkkko/msgselect/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedFile(t *testing.T) {
	seed := `messages:
  - id: quota
    category_id: _other
    title: Storage almost full
    date: 2024-05-01T10:00:00Z
  - category_id: upload
    bookmark_id: bm-1
    sync_issue:
      record_id: 42
      level: error
    meta:
      path: /photos/a.jpg
  - id: done
    resolved: true
`
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seed), 0644))

	messages, err := LoadSeedFile(path)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, proto.MessageID("quota"), messages[0].Id)
	assert.Equal(t, proto.CategoryOther, messages[0].CategoryId)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), messages[0].Date.AsTime())

	assert.NotEmpty(t, messages[1].Id, "missing ids are generated")
	record, ok := messages[1].SyncRecordID()
	assert.True(t, ok)
	assert.Equal(t, proto.SyncRecordID(42), record)
	assert.Equal(t, "/photos/a.jpg", messages[1].Meta["path"])
	assert.NotNil(t, messages[1].Date)

	assert.True(t, messages[2].Resolved)

	q := New()
	require.NoError(t, q.Set(messages))
	assert.Equal(t, 3, q.Len())
}

func TestLoadSeedFileErrors(t *testing.T) {
	_, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("messages: {not: a list"), 0644))
	_, err = LoadSeedFile(path)
	assert.Error(t, err)
}
