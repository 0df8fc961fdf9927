package mount

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/absfs/smbproxy"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFS serves connection "nas" over nas/docs holding a.txt (10 bytes)
// and sub/b.txt.
func newTestFS(t *testing.T) (*filesystem, *smbproxy.MockSMBBackend, *smbproxy.FileRepository) {
	t.Helper()

	dialer := smbproxy.NewMockDialer()
	backend := dialer.Backend("nas")
	backend.AddFile("/docs/a.txt", []byte("0123456789"), 0o644)
	backend.AddDir("/docs/sub", 0o755)
	backend.AddFile("/docs/sub/b.txt", []byte("nested"), 0o644)

	conns, err := smbproxy.NewConnectionList(nil, smbproxy.Connection{
		ID:       "nas",
		Host:     "nas",
		Share:    "docs",
		User:     "testuser",
		Password: "testpass",
	})
	require.NoError(t, err)

	repo, err := smbproxy.NewRepository(smbproxy.NewClient(dialer), conns, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &filesystem{repo: repo, logger: logger}, backend, repo
}

func TestURIFor(t *testing.T) {
	fsys, _, _ := newTestFS(t)

	tests := []struct {
		rel  string
		dir  bool
		want string
	}{
		{"nas", true, "smb://nas/docs/"},
		{"nas/a.txt", false, "smb://nas/docs/a.txt"},
		{"nas/sub", true, "smb://nas/docs/sub/"},
		{"nas/sub/b.txt", false, "smb://nas/docs/sub/b.txt"},
	}
	for _, tt := range tests {
		u, errno := fsys.uriFor(tt.rel, tt.dir)
		require.Zero(t, errno, tt.rel)
		assert.Equal(t, tt.want, u.String(), tt.rel)
	}

	_, errno := fsys.uriFor("ghost/a.txt", false)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestRootEntries(t *testing.T) {
	fsys, _, _ := newTestFS(t)

	entries := fsys.rootEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "nas", entries[0].Name)
	assert.Equal(t, uint32(syscall.S_IFDIR), entries[0].Mode)

	m, errno := fsys.lookupConnection(context.Background(), "nas")
	require.Zero(t, errno)
	assert.True(t, m.IsDirectory)

	_, errno = fsys.lookupConnection(context.Background(), "ghost")
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestLookupAndReaddir(t *testing.T) {
	fsys, _, _ := newTestFS(t)
	ctx := context.Background()
	root := smbproxy.MustParseURI("smb://nas/docs/")

	m, errno := fsys.lookup(ctx, root, "a.txt")
	require.Zero(t, errno)
	assert.Equal(t, int64(10), m.Size)
	assert.False(t, m.IsDirectory)

	m, errno = fsys.lookup(ctx, root, "sub")
	require.Zero(t, errno)
	assert.True(t, m.IsDirectory)
	assert.Equal(t, "smb://nas/docs/sub/", m.URI)

	_, errno = fsys.lookup(ctx, root, "missing")
	assert.Equal(t, syscall.ENOENT, errno)

	entries := fsys.readdir(ctx, root)
	modes := make(map[string]uint32)
	for _, e := range entries {
		modes[e.Name] = e.Mode
	}
	assert.Equal(t, map[string]uint32{
		"a.txt": syscall.S_IFREG,
		"sub":   syscall.S_IFDIR,
	}, modes)
}

func TestCreateAndRemove(t *testing.T) {
	fsys, backend, _ := newTestFS(t)
	ctx := context.Background()
	root := smbproxy.MustParseURI("smb://nas/docs/")

	m, errno := fsys.create(ctx, root, "new", true)
	require.Zero(t, errno)
	assert.True(t, m.IsDirectory)

	dir := root.Child("new", true)
	m, errno = fsys.create(ctx, dir, "c.txt", false)
	require.Zero(t, errno)
	assert.Equal(t, int64(0), m.Size)
	assert.True(t, backend.FileExists("/docs/new/c.txt"))

	assert.Equal(t, syscall.ENOTEMPTY, fsys.remove(ctx, root, "new", true))
	assert.Zero(t, fsys.remove(ctx, dir, "c.txt", false))
	assert.Zero(t, fsys.remove(ctx, root, "new", true))
	assert.False(t, backend.FileExists("/docs/new"))

	assert.Equal(t, syscall.ENOENT, fsys.remove(ctx, root, "missing.txt", false))
}

func TestRename(t *testing.T) {
	fsys, backend, _ := newTestFS(t)
	ctx := context.Background()
	root := smbproxy.MustParseURI("smb://nas/docs/")
	sub := root.Child("sub", true)

	require.Zero(t, fsys.rename(ctx, root, "a.txt", root, "c.txt"))
	assert.False(t, backend.FileExists("/docs/a.txt"))
	assert.True(t, backend.FileExists("/docs/c.txt"))

	require.Zero(t, fsys.rename(ctx, root, "c.txt", sub, "d.txt"))
	content, ok := backend.GetFile("/docs/sub/d.txt")
	require.True(t, ok)
	assert.Equal(t, "0123456789", string(content))

	assert.Equal(t, syscall.ENOENT, fsys.rename(ctx, root, "missing", root, "x"))
}

func TestOpenRead(t *testing.T) {
	fsys, _, _ := newTestFS(t)
	ctx := context.Background()

	fh, errno := fsys.open(ctx, smbproxy.MustParseURI("smb://nas/docs/a.txt"), syscall.O_RDONLY)
	require.Zero(t, errno)

	res, errno := fh.Read(ctx, make([]byte, 4), 2)
	require.Zero(t, errno)
	data, status := res.Bytes(nil)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "2345", string(data))

	res, errno = fh.Read(ctx, make([]byte, 8), 6)
	require.Zero(t, errno)
	data, _ = res.Bytes(nil)
	assert.Equal(t, "6789", string(data))

	assert.Zero(t, fh.Fsync(ctx, 0))
	assert.Zero(t, fh.Release(ctx))

	_, errno = fh.Read(ctx, make([]byte, 4), 0)
	assert.Equal(t, syscall.EBADF, errno)
	assert.Equal(t, syscall.EBADF, fh.Release(ctx))
}

func TestOpenErrors(t *testing.T) {
	fsys, _, _ := newTestFS(t)
	ctx := context.Background()
	file := smbproxy.MustParseURI("smb://nas/docs/a.txt")

	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_RDONLY | syscall.O_TRUNC} {
		_, errno := fsys.open(ctx, file, flags)
		assert.Equal(t, syscall.EROFS, errno, "flags %#x", flags)
	}

	_, errno := fsys.open(ctx, smbproxy.MustParseURI("smb://nas/docs/sub/"), syscall.O_RDONLY)
	assert.Equal(t, syscall.EISDIR, errno)

	_, errno = fsys.open(ctx, smbproxy.MustParseURI("smb://nas/docs/missing.txt"), syscall.O_RDONLY)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestFillAttr(t *testing.T) {
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var out fuse.Attr
	fillAttr(&smbproxy.FileMetadata{Name: "a.txt", Size: 1000, LastModified: mtime}, &out)
	assert.Equal(t, uint32(syscall.S_IFREG|0o444), out.Mode)
	assert.Equal(t, uint64(1000), out.Size)
	assert.Equal(t, uint64(2), out.Blocks)
	assert.Equal(t, uint64(mtime.Unix()), out.Mtime)

	out = fuse.Attr{}
	fillAttr(&smbproxy.FileMetadata{Name: "sub", Size: 4096, IsDirectory: true, LastModified: mtime}, &out)
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), out.Mode)
	assert.Zero(t, out.Size)
}

// fuseAvailable skips tests that need a real FUSE mount when /dev/fuse is
// absent.
func fuseAvailable(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/fuse"); err != nil {
		t.Skip("skipping: /dev/fuse not available")
	}
}

func TestMount(t *testing.T) {
	fuseAvailable(t)
	_, _, repo := newTestFS(t)

	mountpoint := filepath.Join(t.TempDir(), "mnt")
	server, err := Mount(Options{Mountpoint: mountpoint, Repository: repo})
	if err != nil {
		t.Skipf("mount unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Unmount(); err != nil {
			t.Errorf("Unmount: %v", err)
		}
	})

	entries, err := os.ReadDir(mountpoint)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nas", entries[0].Name())

	content, err := os.ReadFile(filepath.Join(mountpoint, "nas", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(content))

	err = os.WriteFile(filepath.Join(mountpoint, "nas", "a.txt"), []byte("x"), 0o644)
	assert.Error(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(mountpoint, "nas", "new"), 0o755))
	info, err := os.Stat(filepath.Join(mountpoint, "nas", "new"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestMountValidation(t *testing.T) {
	_, err := Mount(Options{})
	assert.Error(t, err)

	_, err = Mount(Options{Mountpoint: t.TempDir()})
	assert.Error(t, err)
}
