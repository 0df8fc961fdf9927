package mount

import (
	"context"
	"log/slog"
	"strings"
	"syscall"

	"github.com/absfs/smbproxy"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Repository is the subset of smbproxy.FileRepository the mount serves.
type Repository interface {
	Connections() []smbproxy.Connection
	GetConnectionFile(ctx context.Context, conn smbproxy.Connection) (*smbproxy.FileMetadata, error)
	GetFile(ctx context.Context, uri string) (*smbproxy.FileMetadata, error)
	GetFileChildren(ctx context.Context, uri string) []*smbproxy.FileMetadata
	CreateFile(ctx context.Context, uri string) (*smbproxy.FileMetadata, error)
	DeleteFile(ctx context.Context, uri string) (bool, error)
	RenameFile(ctx context.Context, uri, newName string) (*smbproxy.FileMetadata, error)
	MoveFile(ctx context.Context, src, dst string) (*smbproxy.FileMetadata, error)
	OpenProxy(ctx context.Context, uri string) (*smbproxy.ProxyFileCallback, error)
}

var _ Repository = (*smbproxy.FileRepository)(nil)

// filesystem translates mount paths of the form "<connection-id>/a/b" into
// repository URIs and repository failures into errno values.
type filesystem struct {
	repo   Repository
	logger *slog.Logger
}

// connection returns the configured connection with the given ID.
func (fsys *filesystem) connection(id string) (smbproxy.Connection, bool) {
	for _, c := range fsys.repo.Connections() {
		if c.ID == id {
			return c, true
		}
	}
	return smbproxy.Connection{}, false
}

// uriFor maps a path relative to the mount root onto the URI of the entry.
// The first segment names the connection; the rest is relative to the
// connection's start directory.
func (fsys *filesystem) uriFor(rel string, dir bool) (*smbproxy.URI, syscall.Errno) {
	segments := strings.Split(strings.Trim(rel, "/"), "/")
	conn, ok := fsys.connection(segments[0])
	if !ok {
		return nil, syscall.ENOENT
	}

	u := conn.RootURI()
	rest := segments[1:]
	for i, name := range rest {
		u = u.Child(name, dir || i < len(rest)-1)
	}
	return u, 0
}

// errno converts err and logs it. Expected conditions such as a missing
// entry are logged at debug level.
func (fsys *filesystem) errno(op, uri string, err error) syscall.Errno {
	errno := smbproxy.ToErrno(err)
	level := slog.LevelDebug
	if errno == syscall.EIO {
		level = slog.LevelError
	}
	fsys.logger.Log(context.Background(), level, "mount operation failed",
		"op", op,
		"uri", uri,
		"errno", errno.Error(),
		"error", err,
	)
	return errno
}

// rootEntries lists one directory per configured connection.
func (fsys *filesystem) rootEntries() []fuse.DirEntry {
	conns := fsys.repo.Connections()
	entries := make([]fuse.DirEntry, 0, len(conns))
	for _, c := range conns {
		entries = append(entries, fuse.DirEntry{Name: c.ID, Mode: syscall.S_IFDIR})
	}
	return entries
}

// lookupConnection returns the start directory metadata of connection id.
func (fsys *filesystem) lookupConnection(ctx context.Context, id string) (*smbproxy.FileMetadata, syscall.Errno) {
	conn, ok := fsys.connection(id)
	if !ok {
		return nil, syscall.ENOENT
	}
	m, err := fsys.repo.GetConnectionFile(ctx, conn)
	if err != nil {
		return nil, fsys.errno("lookup", conn.RootURI().String(), err)
	}
	if m == nil || !m.IsDirectory {
		return nil, syscall.ENOENT
	}
	return m, 0
}

// lookup returns the metadata of the entry name inside dir.
func (fsys *filesystem) lookup(ctx context.Context, dir *smbproxy.URI, name string) (*smbproxy.FileMetadata, syscall.Errno) {
	uri := dir.Child(name, false).String()
	m, err := fsys.repo.GetFile(ctx, uri)
	if err != nil {
		return nil, fsys.errno("lookup", uri, err)
	}
	if m == nil {
		return nil, syscall.ENOENT
	}
	return m, 0
}

// stat returns the metadata of the entry at uri.
func (fsys *filesystem) stat(ctx context.Context, uri *smbproxy.URI) (*smbproxy.FileMetadata, syscall.Errno) {
	m, err := fsys.repo.GetFile(ctx, uri.String())
	if err != nil {
		return nil, fsys.errno("getattr", uri.String(), err)
	}
	if m == nil {
		return nil, syscall.ENOENT
	}
	return m, 0
}

// readdir lists the directory at uri.
func (fsys *filesystem) readdir(ctx context.Context, dir *smbproxy.URI) []fuse.DirEntry {
	children := fsys.repo.GetFileChildren(ctx, dir.String())
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, m := range children {
		mode := uint32(syscall.S_IFREG)
		if m.IsDirectory {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: m.Name, Mode: mode})
	}
	return entries
}

// create makes an empty file or a directory called name inside dir.
func (fsys *filesystem) create(ctx context.Context, dir *smbproxy.URI, name string, isDir bool) (*smbproxy.FileMetadata, syscall.Errno) {
	uri := dir.Child(name, isDir).String()
	m, err := fsys.repo.CreateFile(ctx, uri)
	if err != nil {
		return nil, fsys.errno("create", uri, err)
	}
	return m, 0
}

// remove deletes the entry name inside dir. Directories must be empty.
func (fsys *filesystem) remove(ctx context.Context, dir *smbproxy.URI, name string, isDir bool) syscall.Errno {
	uri := dir.Child(name, isDir).String()
	if isDir && len(fsys.repo.GetFileChildren(ctx, uri)) > 0 {
		return syscall.ENOTEMPTY
	}

	deleted, err := fsys.repo.DeleteFile(ctx, uri)
	if err != nil {
		return fsys.errno("remove", uri, err)
	}
	if !deleted {
		return syscall.ENOENT
	}
	return 0
}

// rename moves name inside dir to newName inside newDir. A rename within one
// directory stays a rename; anything else goes through the repository move.
func (fsys *filesystem) rename(ctx context.Context, dir *smbproxy.URI, name string, newDir *smbproxy.URI, newName string) syscall.Errno {
	m, errno := fsys.lookup(ctx, dir, name)
	if errno != 0 {
		return errno
	}

	var err error
	if dir.String() == newDir.String() {
		_, err = fsys.repo.RenameFile(ctx, m.URI, newName)
	} else {
		_, err = fsys.repo.MoveFile(ctx, m.URI, newDir.Child(newName, m.IsDirectory).String())
	}
	if err != nil {
		return fsys.errno("rename", m.URI, err)
	}
	return 0
}

// open returns a read handle for the file at uri. Content is served
// read-only; any write access mode is refused.
func (fsys *filesystem) open(ctx context.Context, uri *smbproxy.URI, flags uint32) (*fileHandle, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, syscall.EROFS
	}

	cb, err := fsys.repo.OpenProxy(ctx, uri.String())
	if err != nil {
		return nil, fsys.errno("open", uri.String(), err)
	}
	fsys.logger.Debug("descriptor opened", "uri", uri.String())
	return &fileHandle{cb: cb, logger: fsys.logger}, 0
}

// fillAttr copies m into out. File content is never writable through the
// mount, so write bits are cleared on regular files.
func fillAttr(m *smbproxy.FileMetadata, out *fuse.Attr) {
	perm := uint32(m.Mode().Perm())
	if m.IsDirectory {
		out.Mode = syscall.S_IFDIR | perm
	} else {
		out.Mode = syscall.S_IFREG | perm&^0o222
		out.Size = uint64(m.Size)
		out.Blocks = (out.Size + 511) / 512
	}
	mtime := m.LastModified
	out.SetTimes(nil, &mtime, &mtime)
}
