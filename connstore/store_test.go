package connstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/smbproxy"
)

var _ smbproxy.ConnectionPersister = (*FileStore)(nil)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, KeySize)
}

func testConnection(id string) smbproxy.Connection {
	return smbproxy.Connection{
		ID:        id,
		Host:      "nas.local",
		Share:     "docs",
		User:      "alice",
		Password:  "s3cret",
		OpTimeout: 45 * time.Second,
	}
}

func TestNewFileStore_BadKey(t *testing.T) {
	_, err := NewFileStore(filepath.Join(t.TempDir(), "c.yaml"), []byte("short"))
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestFileStore_MissingFile(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "none.yaml"), nil)
	require.NoError(t, err)

	conns, err := s.LoadConnections()
	require.NoError(t, err)
	assert.Empty(t, conns)
}

func TestFileStore_SaveLoadDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "connections.yaml")
	s, err := NewFileStore(path, nil)
	require.NoError(t, err)

	require.NoError(t, s.SaveConnection(testConnection("a")))
	require.NoError(t, s.SaveConnection(testConnection("b")))

	replaced := testConnection("a")
	replaced.Share = "photos"
	require.NoError(t, s.SaveConnection(replaced))

	conns, err := s.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, "a", conns[0].ID)
	assert.Equal(t, "photos", conns[0].Share)
	assert.Equal(t, "s3cret", conns[0].Password)
	assert.Equal(t, 45*time.Second, conns[0].OpTimeout)
	assert.Equal(t, "b", conns[1].ID)

	require.NoError(t, s.DeleteConnection("a"))
	require.NoError(t, s.DeleteConnection("missing"))

	conns, err = s.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "b", conns[0].ID)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestFileStore_RequiresID(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "c.yaml"), nil)
	require.NoError(t, err)

	err = s.SaveConnection(testConnection(""))
	assert.ErrorIs(t, err, smbproxy.ErrInvalidConfig)
}

func TestFileStore_SealedPasswords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	s, err := NewFileStore(path, testKey())
	require.NoError(t, err)

	require.NoError(t, s.SaveConnection(testConnection("a")))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret")
	assert.Contains(t, string(raw), "sealed_password")

	conns, err := s.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "s3cret", conns[0].Password)

	t.Run("no key", func(t *testing.T) {
		plain, err := NewFileStore(path, nil)
		require.NoError(t, err)
		_, err = plain.LoadConnections()
		assert.Error(t, err)
	})

	t.Run("wrong key", func(t *testing.T) {
		other, err := NewFileStore(path, bytes.Repeat([]byte{0x07}, KeySize))
		require.NoError(t, err)
		_, err = other.LoadConnections()
		assert.Error(t, err)
	})

	t.Run("entry moved to another id", func(t *testing.T) {
		moved := bytes.Replace(raw, []byte("id: a"), []byte("id: z"), 1)
		movedPath := filepath.Join(t.TempDir(), "moved.yaml")
		require.NoError(t, os.WriteFile(movedPath, moved, 0600))

		ms, err := NewFileStore(movedPath, testKey())
		require.NoError(t, err)
		_, err = ms.LoadConnections()
		assert.Error(t, err)
	})
}

func TestFileStore_AssignsMissingIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	content := "connections:\n  - host: nas.local\n    share: docs\n    user: alice\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	s, err := NewFileStore(path, nil)
	require.NoError(t, err)

	conns, err := s.LoadConnections()
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.NotEmpty(t, conns[0].ID)

	again, err := s.LoadConnections()
	require.NoError(t, err)
	assert.Equal(t, conns[0].ID, again[0].ID, "assigned ID was not persisted")
}

func TestFileStore_WithConnectionList(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), "c.yaml"), testKey())
	require.NoError(t, err)

	list, err := smbproxy.LoadConnectionList(s)
	require.NoError(t, err)

	_, err = list.Put(testConnection(NewID()))
	require.NoError(t, err)

	reloaded, err := smbproxy.LoadConnectionList(s)
	require.NoError(t, err)
	assert.Len(t, reloaded.All(), 1)
	assert.Equal(t, 445, reloaded.All()[0].Port)
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}
