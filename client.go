package smbproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
)

// RemoteSession is an authenticated session owned by a ContextCache entry.
type RemoteSession interface {
	// Close logs the session off. It is safe to call more than once.
	Close() error
}

// RemoteClient opens sessions and handles against remote shares.
type RemoteClient interface {
	OpenSession(ctx context.Context, conn *Connection) (RemoteSession, error)
	OpenHandle(ctx context.Context, s RemoteSession, uri *URI) (RemoteHandle, error)
}

// RemoteHandle references a remote file or directory by location. Opening a
// handle does not require the entry to exist.
type RemoteHandle interface {
	URI() string
	Stat(ctx context.Context) (fs.FileInfo, error)
	ListChildren(ctx context.Context) ([]RemoteHandle, error)
	Mkdir(ctx context.Context) error
	CreateFile(ctx context.Context) error
	Delete(ctx context.Context) error
	RenameTo(ctx context.Context, target RemoteHandle) error
	CopyTo(ctx context.Context, target RemoteHandle) error

	// OpenInputStream opens a read stream at byte 0. The stream keeps
	// using ctx for its reads, so ctx must outlive it.
	OpenInputStream(ctx context.Context) (io.ReadCloser, error)

	// Close releases the handle and any stream still open on it.
	Close() error
}

// Client implements RemoteClient over a SessionDialer.
type Client struct {
	dialer SessionDialer
}

// NewClient creates a RemoteClient that dials sessions with dialer.
func NewClient(dialer SessionDialer) *Client {
	return &Client{dialer: dialer}
}

// OpenSession dials and authenticates a session for conn.
func (c *Client) OpenSession(ctx context.Context, conn *Connection) (RemoteSession, error) {
	sess, err := c.dialer.DialSession(ctx, conn)
	if err != nil {
		return nil, err
	}
	return &smbSession{
		conn:   *conn,
		sess:   sess,
		shares: make(map[string]SMBShare),
	}, nil
}

// OpenHandle returns a handle for uri inside a session opened by this client.
func (c *Client) OpenHandle(ctx context.Context, s RemoteSession, uri *URI) (RemoteHandle, error) {
	ss, ok := s.(*smbSession)
	if !ok {
		return nil, fmt.Errorf("%w: foreign session %T", fs.ErrInvalid, s)
	}
	if uri.Share == "" {
		return nil, ErrInvalidURI
	}

	// Mount eagerly so a bad share name fails here rather than on first use
	if _, err := ss.share(ctx, uri.Share); err != nil {
		return nil, err
	}

	u := *uri
	return &smbHandle{session: ss, uri: &u}, nil
}

// smbSession is an SMBSession plus the shares mounted on it.
type smbSession struct {
	conn Connection
	sess SMBSession

	mu     sync.Mutex
	shares map[string]SMBShare
	closed bool
}

// share returns the mounted share, mounting it on first use.
func (s *smbSession) share(ctx context.Context, name string) (SMBShare, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrConnectionClosed
	}
	if sh, ok := s.shares[name]; ok {
		return sh, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	sh, err := s.sess.Mount(ctx, name)
	if err != nil {
		return nil, err
	}
	s.shares[name] = sh
	return sh, nil
}

// opContext bounds a metadata call by the connection's operation timeout.
func (s *smbSession) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.conn.OpTimeout > 0 {
		return context.WithTimeout(ctx, s.conn.OpTimeout)
	}
	return context.WithCancel(ctx)
}

// Close unmounts every share and logs off.
func (s *smbSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	shares := s.shares
	s.shares = nil
	s.mu.Unlock()

	var errs []error
	for _, sh := range shares {
		if err := sh.Umount(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.sess.Logoff(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// smbHandle is a RemoteHandle on one share of an smbSession.
type smbHandle struct {
	session *smbSession
	uri     *URI

	mu      sync.Mutex
	info    fs.FileInfo // from the parent's listing, served once
	streams map[*handleStream]struct{}
	closed  bool
}

func (h *smbHandle) URI() string { return h.uri.String() }

func (h *smbHandle) share(ctx context.Context) (SMBShare, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return nil, fs.ErrClosed
	}
	return h.session.share(ctx, h.uri.Share)
}

// Stat returns the entry's attributes. A handle produced by ListChildren
// answers its first Stat from the listing.
func (h *smbHandle) Stat(ctx context.Context) (fs.FileInfo, error) {
	h.mu.Lock()
	if info := h.info; info != nil && !h.closed {
		h.info = nil
		h.mu.Unlock()
		return info, nil
	}
	h.mu.Unlock()

	sh, err := h.share(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := h.session.opContext(ctx)
	defer cancel()
	return sh.Stat(ctx, h.uri.SharePath())
}

// ListChildren lists a directory. Child handles carry the listed attributes.
func (h *smbHandle) ListChildren(ctx context.Context) ([]RemoteHandle, error) {
	infos, err := h.readdir(ctx)
	if err != nil {
		return nil, err
	}

	children := make([]RemoteHandle, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." || name == "" {
			continue
		}
		children = append(children, &smbHandle{
			session: h.session,
			uri:     h.uri.Child(name, info.IsDir()),
			info:    info,
		})
	}
	return children, nil
}

func (h *smbHandle) readdir(ctx context.Context) ([]fs.FileInfo, error) {
	sh, err := h.share(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := h.session.opContext(ctx)
	defer cancel()

	dir, err := sh.OpenFile(ctx, h.uri.SharePath(), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	return dir.Readdir(-1)
}

// Mkdir creates the directory.
func (h *smbHandle) Mkdir(ctx context.Context) error {
	sh, err := h.share(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := h.session.opContext(ctx)
	defer cancel()
	return sh.Mkdir(ctx, h.uri.SharePath(), 0755)
}

// CreateFile creates the file empty, truncating an existing one.
func (h *smbHandle) CreateFile(ctx context.Context) error {
	sh, err := h.share(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := h.session.opContext(ctx)
	defer cancel()

	f, err := sh.OpenFile(ctx, h.uri.SharePath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Delete removes the entry. Directories are removed recursively.
func (h *smbHandle) Delete(ctx context.Context) error {
	sh, err := h.share(ctx)
	if err != nil {
		return err
	}
	return h.removeAll(ctx, sh, h.uri)
}

func (h *smbHandle) removeAll(ctx context.Context, sh SMBShare, u *URI) error {
	opCtx, cancel := h.session.opContext(ctx)
	info, err := sh.Stat(opCtx, u.SharePath())
	cancel()
	if err != nil {
		return err
	}

	if info.IsDir() {
		dir := u
		if !dir.IsDir() {
			dir = u.Parent().Child(u.Name(), true)
		}
		entries, err := (&smbHandle{session: h.session, uri: dir}).readdir(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name() == "." || e.Name() == ".." {
				continue
			}
			if err := h.removeAll(ctx, sh, dir.Child(e.Name(), e.IsDir())); err != nil {
				return err
			}
		}
	}

	opCtx, cancel = h.session.opContext(ctx)
	defer cancel()
	return sh.Remove(opCtx, u.SharePath())
}

// RenameTo renames the entry to target, which must be on the same share of
// the same session.
func (h *smbHandle) RenameTo(ctx context.Context, target RemoteHandle) error {
	t, ok := target.(*smbHandle)
	if !ok || t.session != h.session || t.uri.Share != h.uri.Share {
		return fmt.Errorf("%w: rename across shares", fs.ErrInvalid)
	}

	sh, err := h.share(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := h.session.opContext(ctx)
	defer cancel()
	return sh.Rename(ctx, h.uri.SharePath(), t.uri.SharePath())
}

// CopyTo copies the entry to target, which may live on another session.
// Directories are copied recursively.
func (h *smbHandle) CopyTo(ctx context.Context, target RemoteHandle) error {
	t, ok := target.(*smbHandle)
	if !ok {
		return fmt.Errorf("%w: foreign copy target %T", fs.ErrInvalid, target)
	}

	src, err := h.share(ctx)
	if err != nil {
		return err
	}
	dst, err := t.share(ctx)
	if err != nil {
		return err
	}
	return copyTree(ctx, h.session, src, h.uri, t.session, dst, t.uri)
}

func copyTree(ctx context.Context, ss *smbSession, src SMBShare, su *URI, ds *smbSession, dst SMBShare, du *URI) error {
	opCtx, cancel := ss.opContext(ctx)
	info, err := src.Stat(opCtx, su.SharePath())
	cancel()
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(ctx, src, su, dst, du)
	}

	opCtx, cancel = ds.opContext(ctx)
	err = dst.Mkdir(opCtx, du.SharePath(), 0755)
	cancel()
	if err != nil && !errors.Is(convertError(err), fs.ErrExist) {
		return err
	}

	if !su.IsDir() {
		su = su.Parent().Child(su.Name(), true)
	}
	if !du.IsDir() {
		du = du.Parent().Child(du.Name(), true)
	}

	entries, err := (&smbHandle{session: ss, uri: su}).readdir(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name() == "." || e.Name() == ".." {
			continue
		}
		if err := copyTree(ctx, ss, src, su.Child(e.Name(), e.IsDir()), ds, dst, du.Child(e.Name(), e.IsDir())); err != nil {
			return err
		}
	}
	return nil
}

// copyFile streams one file. The transfer is bounded by ctx only; per-call
// timeouts would cut off large files.
func copyFile(ctx context.Context, src SMBShare, su *URI, dst SMBShare, du *URI) error {
	in, err := src.OpenFile(ctx, su.SharePath(), os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := dst.OpenFile(ctx, du.SharePath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// OpenInputStream opens the file for reading at byte 0.
func (h *smbHandle) OpenInputStream(ctx context.Context) (io.ReadCloser, error) {
	sh, err := h.share(ctx)
	if err != nil {
		return nil, err
	}

	f, err := sh.OpenFile(ctx, h.uri.SharePath(), os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	st := &handleStream{SMBFile: f, owner: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		f.Close()
		return nil, fs.ErrClosed
	}
	if h.streams == nil {
		h.streams = make(map[*handleStream]struct{})
	}
	h.streams[st] = struct{}{}
	return st, nil
}

// Close closes any stream still open on the handle.
func (h *smbHandle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	streams := h.streams
	h.streams = nil
	h.info = nil
	h.mu.Unlock()

	var errs []error
	for st := range streams {
		if err := st.SMBFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleStream is a read stream registered with its handle. It exposes Seek
// so the buffered reader can reposition without reopening.
type handleStream struct {
	SMBFile
	owner *smbHandle
}

func (st *handleStream) Close() error {
	st.owner.mu.Lock()
	delete(st.owner.streams, st)
	st.owner.mu.Unlock()
	return st.SMBFile.Close()
}
