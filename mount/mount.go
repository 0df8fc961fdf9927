package mount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/absfs/smbproxy"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted. It is
	// created if it does not exist.
	Mountpoint string

	// Repository serves every operation below the mount root.
	Repository Repository

	// EntryTimeout and AttrTimeout bound how long the kernel caches
	// lookups and attributes. Zero uses one second.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Debug logs every FUSE request.
	Debug bool

	// Logger receives diagnostic messages. If nil, errors go to stderr.
	Logger *slog.Logger
}

// Mount exposes every configured connection as a top-level directory named
// after its ID. The caller must call Unmount on the returned server.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if options.EntryTimeout == 0 {
		options.EntryTimeout = time.Second
	}
	if options.AttrTimeout == 0 {
		options.AttrTimeout = time.Second
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{fsys: &filesystem{repo: options.Repository, logger: options.Logger}}

	negativeTimeout := 100 * time.Millisecond
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &options.EntryTimeout,
		AttrTimeout:     &options.AttrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "smbproxy",
			Name:       "smbproxy",
			AllowOther: options.AllowOther,
			Debug:      options.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("smb proxy filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode lists the configured connections.
type rootNode struct {
	gofuse.Inode
	fsys *filesystem
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeGetattrer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	m, errno := r.fsys.lookupConnection(ctx, name)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(m, &out.Attr)
	child := r.NewInode(ctx, &dirNode{entry{fsys: r.fsys}}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	return gofuse.NewListDirStream(r.fsys.rootEntries()), 0
}

func (r *rootNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFDIR | 0o555
	return 0
}

// entry resolves the URI of a node from its current place in the tree, so
// renamed subtrees need no bookkeeping.
type entry struct {
	gofuse.Inode
	fsys *filesystem
}

func (e *entry) uri(dir bool) (*smbproxy.URI, syscall.Errno) {
	return e.fsys.uriFor(e.Path(nil), dir)
}

func (e *entry) getattr(ctx context.Context, dir bool, out *fuse.AttrOut) syscall.Errno {
	u, errno := e.uri(dir)
	if errno != 0 {
		return errno
	}
	m, errno := e.fsys.stat(ctx, u)
	if errno != 0 {
		return errno
	}
	fillAttr(m, &out.Attr)
	return 0
}

// dirNode is a directory on a remote share.
type dirNode struct {
	entry
}

var _ gofuse.InodeEmbedder = (*dirNode)(nil)
var _ gofuse.NodeLookuper = (*dirNode)(nil)
var _ gofuse.NodeReaddirer = (*dirNode)(nil)
var _ gofuse.NodeGetattrer = (*dirNode)(nil)
var _ gofuse.NodeMkdirer = (*dirNode)(nil)
var _ gofuse.NodeCreater = (*dirNode)(nil)
var _ gofuse.NodeUnlinker = (*dirNode)(nil)
var _ gofuse.NodeRmdirer = (*dirNode)(nil)
var _ gofuse.NodeRenamer = (*dirNode)(nil)

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	dir, errno := d.uri(true)
	if errno != 0 {
		return nil, errno
	}
	m, errno := d.fsys.lookup(ctx, dir, name)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(m, &out.Attr)
	return d.newChild(ctx, m), 0
}

func (d *dirNode) newChild(ctx context.Context, m *smbproxy.FileMetadata) *gofuse.Inode {
	if m.IsDirectory {
		return d.NewInode(ctx, &dirNode{entry{fsys: d.fsys}}, gofuse.StableAttr{Mode: syscall.S_IFDIR})
	}
	return d.NewInode(ctx, &fileNode{entry{fsys: d.fsys}}, gofuse.StableAttr{Mode: syscall.S_IFREG})
}

func (d *dirNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	dir, errno := d.uri(true)
	if errno != 0 {
		return nil, errno
	}
	return gofuse.NewListDirStream(d.fsys.readdir(ctx, dir)), 0
}

func (d *dirNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return d.getattr(ctx, true, out)
}

func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	dir, errno := d.uri(true)
	if errno != 0 {
		return nil, errno
	}
	m, errno := d.fsys.create(ctx, dir, name, true)
	if errno != 0 {
		return nil, errno
	}
	fillAttr(m, &out.Attr)
	return d.newChild(ctx, m), 0
}

// Create makes an empty remote file. No handle is returned, so writes to
// the new file fail.
func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	dir, errno := d.uri(true)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	m, errno := d.fsys.create(ctx, dir, name, false)
	if errno != 0 {
		return nil, nil, 0, errno
	}
	fillAttr(m, &out.Attr)
	return d.newChild(ctx, m), nil, 0, 0
}

func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	dir, errno := d.uri(true)
	if errno != 0 {
		return errno
	}
	return d.fsys.remove(ctx, dir, name, false)
}

func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	dir, errno := d.uri(true)
	if errno != 0 {
		return errno
	}
	return d.fsys.remove(ctx, dir, name, true)
}

func (d *dirNode) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags != 0 {
		return syscall.ENOTSUP
	}
	target, ok := newParent.(*dirNode)
	if !ok {
		return syscall.EXDEV
	}

	dir, errno := d.uri(true)
	if errno != 0 {
		return errno
	}
	newDir, errno := target.uri(true)
	if errno != 0 {
		return errno
	}
	return d.fsys.rename(ctx, dir, name, newDir, newName)
}

// fileNode is a regular file on a remote share.
type fileNode struct {
	entry
}

var _ gofuse.InodeEmbedder = (*fileNode)(nil)
var _ gofuse.NodeGetattrer = (*fileNode)(nil)
var _ gofuse.NodeSetattrer = (*fileNode)(nil)
var _ gofuse.NodeOpener = (*fileNode)(nil)

func (f *fileNode) Getattr(ctx context.Context, fh gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return f.getattr(ctx, false, out)
}

// Setattr accepts timestamp updates as no-ops so that touch succeeds, and
// rejects everything that would change content.
func (f *fileNode) Setattr(ctx context.Context, fh gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if _, ok := in.GetSize(); ok {
		return syscall.EROFS
	}
	return f.getattr(ctx, false, out)
}

func (f *fileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	u, errno := f.uri(false)
	if errno != 0 {
		return nil, 0, errno
	}
	fh, errno := f.fsys.open(ctx, u, flags)
	if errno != 0 {
		return nil, 0, errno
	}
	return fh, 0, 0
}

// fileHandle serves one open descriptor through a proxy callback.
type fileHandle struct {
	cb     *smbproxy.ProxyFileCallback
	logger *slog.Logger
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off < 0 {
		return nil, syscall.EINVAL
	}
	n, errno := fh.cb.ReadAt(ctx, dest, uint64(off))
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (fh *fileHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.cb.OnFsync()
}

func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	stats := fh.cb.Stats()
	fh.logger.Debug("descriptor released",
		"uri", fh.cb.URI(),
		"opens", stats.Opens,
		"reopens", stats.Reopens,
	)
	return fh.cb.OnRelease()
}
