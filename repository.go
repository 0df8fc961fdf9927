package smbproxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// FileRepository is the file-operation API over the configured connections.
// It resolves URIs to connections, caches sessions, handles and metadata,
// and evicts cache entries for every URI a mutation touches.
type FileRepository struct {
	client RemoteClient
	conns  *ConnectionList
	config Config

	sessions *ContextCache
	handles  *HandleCache
	metadata *MetadataCache

	group  singleflight.Group
	closed atomic.Bool
}

// NewRepository creates a repository over client and conns. A nil config
// uses the defaults.
func NewRepository(client RemoteClient, conns *ConnectionList, config *Config) (*FileRepository, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: remote client is required", ErrInvalidConfig)
	}
	if conns == nil {
		var err error
		if conns, err = NewConnectionList(nil); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if config != nil {
		cfg = *config
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &FileRepository{
		client:   client,
		conns:    conns,
		config:   cfg,
		sessions: NewContextCache(cfg.Cache.MaxSessions, cfg.Metrics, cfg.Logger),
		handles:  NewHandleCache(cfg.Cache.MaxHandles, cfg.Metrics, cfg.Logger),
		metadata: NewMetadataCache(cfg.Cache.MaxMetadata, cfg.Metrics),
	}, nil
}

// resolve parses raw and finds the connection serving it.
func (r *FileRepository) resolve(raw string) (*URI, *Connection, error) {
	if r.closed.Load() {
		return nil, nil, ErrConnectionClosed
	}
	u, err := ParseURI(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", err, raw)
	}
	if u.Share == "" {
		return nil, nil, fmt.Errorf("%w: %q names no share", ErrInvalidURI, raw)
	}
	conn, err := r.conns.Resolve(u)
	if err != nil {
		return u, nil, err
	}
	return u, &conn, nil
}

// remote runs one call into the client and records it.
func (r *FileRepository) remote(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.config.Metrics.RemoteCall(op, time.Since(start), err)
	return err
}

// session returns the cached session for conn, opening one if needed.
// Concurrent opens for the same credentials share one dial.
func (r *FileRepository) session(ctx context.Context, conn *Connection) (RemoteSession, error) {
	key := conn.SessionKey()
	if s, ok := r.sessions.Get(key); ok {
		return s, nil
	}

	v, err, _ := r.group.Do("session\x00"+key, func() (interface{}, error) {
		if s, ok := r.sessions.Get(key); ok {
			return s, nil
		}

		var s RemoteSession
		err := withRetry(ctx, r.config.RetryPolicy, r.config.Logger, func() error {
			return r.remote("open_session", func() error {
				var err error
				s, err = r.client.OpenSession(ctx, conn)
				return err
			})
		})
		if err != nil {
			return nil, wrapRemoteError("connect", conn.RootURI().String(), err)
		}
		r.sessions.Put(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(RemoteSession), nil
}

// handle returns the cached handle for u, opening one if needed.
func (r *FileRepository) handle(ctx context.Context, u *URI, conn *Connection) (RemoteHandle, error) {
	key := u.String()
	if h, ok := r.handles.Get(key); ok {
		return h, nil
	}

	v, err, _ := r.group.Do("handle\x00"+key, func() (interface{}, error) {
		if h, ok := r.handles.Get(key); ok {
			return h, nil
		}

		s, err := r.session(ctx, conn)
		if err != nil {
			return nil, err
		}

		var h RemoteHandle
		err = r.remote("open_handle", func() error {
			var err error
			h, err = r.client.OpenHandle(ctx, s, u)
			return err
		})
		if err != nil {
			return nil, wrapRemoteError("open", key, err)
		}
		r.handles.Put(key, h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(RemoteHandle), nil
}

// withHandle runs fn on the handle for u. When the handle's session turns
// out to be gone, the stale entries are dropped and fn runs once more on a
// fresh handle.
func (r *FileRepository) withHandle(ctx context.Context, u *URI, conn *Connection, fn func(RemoteHandle) error) error {
	for attempt := 0; ; attempt++ {
		h, err := r.handle(ctx, u, conn)
		if err != nil {
			return err
		}
		err = fn(h)
		if err == nil || attempt > 0 || !errors.Is(convertError(err), ErrConnectionClosed) {
			return err
		}

		r.config.logf("session for %s lost, reconnecting: %v", u, err)
		r.handles.Remove(u.String())
		r.sessions.Remove(conn.SessionKey())
	}
}

// evict drops every cache entry for u, both spellings of its directory
// marker, and everything below it.
func (r *FileRepository) evict(uris ...*URI) {
	for _, u := range uris {
		if u == nil {
			continue
		}
		file, dir := *u, *u
		file.Path = strings.TrimSuffix(u.Path, "/")
		dir.Path = file.Path + "/"

		exact := file.String()
		below := dir.String()
		match := func(key string) bool {
			return key == exact || strings.HasPrefix(key, below)
		}
		r.handles.RemoveFunc(match)
		r.metadata.RemoveFunc(match)
	}
}

// GetConnectionFile returns metadata for the start directory of conn.
func (r *FileRepository) GetConnectionFile(ctx context.Context, conn Connection) (*FileMetadata, error) {
	if r.closed.Load() {
		return nil, ErrConnectionClosed
	}
	conn.setDefaults()
	if err := conn.Validate(); err != nil {
		return nil, err
	}
	return r.getFile(ctx, conn.RootURI(), &conn)
}

// GetFile returns metadata for the file or directory at uri, or nil when it
// does not exist.
func (r *FileRepository) GetFile(ctx context.Context, uri string) (*FileMetadata, error) {
	u, conn, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}
	return r.getFile(ctx, u, conn)
}

func (r *FileRepository) getFile(ctx context.Context, u *URI, conn *Connection) (*FileMetadata, error) {
	key := u.String()
	if m, ok := r.metadata.Get(key); ok {
		return m, nil
	}

	var info fs.FileInfo
	err := r.withHandle(ctx, u, conn, func(h RemoteHandle) error {
		return r.remote("stat", func() error {
			var err error
			info, err = h.Stat(ctx)
			return err
		})
	})
	if err != nil {
		err = wrapRemoteError("stat", key, err)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	m := newFileMetadata(u, info)
	r.metadata.Put(key, m)
	return m, nil
}

// GetFileChildren lists the directory at uri. Children that cannot be
// inspected are skipped; a listing that fails entirely yields an empty
// slice.
func (r *FileRepository) GetFileChildren(ctx context.Context, uri string) []*FileMetadata {
	u, conn, err := r.resolve(uri)
	if err != nil {
		r.config.logf("list %s: %v", uri, err)
		return []*FileMetadata{}
	}
	if !u.IsDir() {
		u = u.Parent().Child(u.Name(), true)
	}

	var children []RemoteHandle
	err = r.withHandle(ctx, u, conn, func(h RemoteHandle) error {
		return r.remote("list", func() error {
			var err error
			children, err = h.ListChildren(ctx)
			return err
		})
	})
	if err != nil {
		r.config.logf("list %s: %v", u, err)
		return []*FileMetadata{}
	}

	out := make([]*FileMetadata, 0, len(children))
	for _, child := range children {
		m, err := r.childMetadata(ctx, child)
		if err != nil {
			r.config.logf("list %s: skipping %s: %v", u, child.URI(), err)
			continue
		}
		out = append(out, m)
	}
	return out
}

// childMetadata inspects one listed child and caches it. A child that
// fails is evicted.
func (r *FileRepository) childMetadata(ctx context.Context, child RemoteHandle) (*FileMetadata, error) {
	cu, err := ParseURI(child.URI())
	if err != nil {
		child.Close()
		return nil, err
	}

	var info fs.FileInfo
	err = r.remote("stat", func() error {
		var err error
		info, err = child.Stat(ctx)
		return err
	})
	if err != nil {
		child.Close()
		r.evict(cu)
		return nil, wrapRemoteError("stat", cu.String(), err)
	}

	key := cu.String()
	if _, ok := r.handles.Get(key); ok {
		child.Close()
	} else {
		r.handles.Put(key, child)
	}

	m := newFileMetadata(cu, info)
	r.metadata.Put(key, m)
	return m, nil
}

// CreateFile creates a directory when uri ends in "/" and an empty file
// otherwise, and returns its metadata.
func (r *FileRepository) CreateFile(ctx context.Context, uri string) (*FileMetadata, error) {
	u, conn, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}

	err = func() error {
		defer r.evict(u)
		return r.withHandle(ctx, u, conn, func(h RemoteHandle) error {
			if u.IsDir() {
				return r.remote("mkdir", func() error { return h.Mkdir(ctx) })
			}
			return r.remote("create", func() error { return h.CreateFile(ctx) })
		})
	}()
	if err != nil {
		return nil, wrapRemoteError("create", u.String(), err)
	}
	return r.getFile(ctx, u, conn)
}

// DeleteFile deletes the entry at uri and reports whether anything was
// deleted. Directories are deleted with their contents.
func (r *FileRepository) DeleteFile(ctx context.Context, uri string) (bool, error) {
	u, conn, err := r.resolve(uri)
	if err != nil {
		return false, err
	}
	defer r.evict(u)

	err = r.withHandle(ctx, u, conn, func(h RemoteHandle) error {
		return r.remote("delete", func() error { return h.Delete(ctx) })
	})
	if err != nil {
		err = wrapRemoteError("delete", u.String(), err)
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RenameFile gives the entry at uri a new final path segment. A directory
// keeps its trailing "/".
func (r *FileRepository) RenameFile(ctx context.Context, uri, newName string) (*FileMetadata, error) {
	u, conn, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}
	if newName == "" || newName == "." || newName == ".." || strings.ContainsAny(newName, `/\`) {
		r.evict(u)
		return nil, fmt.Errorf("%w: bad name %q", ErrInvalidURI, newName)
	}
	if u.IsShareRoot() {
		r.evict(u)
		return nil, fmt.Errorf("%w: cannot rename share root", ErrInvalidURI)
	}

	return r.rename(ctx, u, u.WithName(newName), conn)
}

// rename renames u to target on the same connection.
func (r *FileRepository) rename(ctx context.Context, u, target *URI, conn *Connection) (*FileMetadata, error) {
	err := func() error {
		defer r.evict(u, target)

		src, err := r.handle(ctx, u, conn)
		if err != nil {
			return err
		}
		dst, err := r.handle(ctx, target, conn)
		if err != nil {
			return err
		}
		return r.remote("rename", func() error { return src.RenameTo(ctx, dst) })
	}()
	if err != nil {
		return nil, wrapRemoteError("rename", u.String(), err)
	}
	return r.getFile(ctx, target, conn)
}

// CopyFile copies src to dst, which may belong to another connection.
func (r *FileRepository) CopyFile(ctx context.Context, src, dst string) (*FileMetadata, error) {
	su, sconn, serr := r.resolve(src)
	du, dconn, derr := r.resolve(dst)
	if err := errors.Join(serr, derr); err != nil {
		r.evict(su, du)
		return nil, err
	}

	if err := r.copy(ctx, su, sconn, du, dconn); err != nil {
		return nil, err
	}
	return r.getFile(ctx, du, dconn)
}

func (r *FileRepository) copy(ctx context.Context, su *URI, sconn *Connection, du *URI, dconn *Connection) error {
	defer r.evict(su, du)

	sh, err := r.handle(ctx, su, sconn)
	if err != nil {
		return err
	}
	dh, err := r.handle(ctx, du, dconn)
	if err != nil {
		return err
	}
	err = r.remote("copy", func() error { return sh.CopyTo(ctx, dh) })
	return wrapRemoteError("copy", su.String(), err)
}

// MoveFile moves src to dst. Within one share of one connection this is a
// single remote rename; otherwise the entry is copied and the source
// deleted.
func (r *FileRepository) MoveFile(ctx context.Context, src, dst string) (*FileMetadata, error) {
	su, sconn, serr := r.resolve(src)
	du, dconn, derr := r.resolve(dst)
	if err := errors.Join(serr, derr); err != nil {
		r.evict(su, du)
		return nil, err
	}

	// The moved entry keeps its directory marker
	if su.IsDir() != du.IsDir() && !du.IsShareRoot() {
		du = du.Parent().Child(du.Name(), su.IsDir())
	}

	if sconn.ID == dconn.ID && strings.EqualFold(su.Share, du.Share) {
		return r.rename(ctx, su, du, sconn)
	}

	if err := r.copy(ctx, su, sconn, du, dconn); err != nil {
		return nil, err
	}

	err := func() error {
		defer r.evict(su)
		return r.withHandle(ctx, su, sconn, func(h RemoteHandle) error {
			return r.remote("delete", func() error { return h.Delete(ctx) })
		})
	}()
	if err != nil {
		return nil, wrapRemoteError("delete", su.String(), err)
	}
	return r.getFile(ctx, du, dconn)
}

// CheckConnection reports whether the start directory of conn can be
// reached. Failures are logged, never returned.
func (r *FileRepository) CheckConnection(ctx context.Context, conn Connection) bool {
	conn.setDefaults()
	if err := conn.Validate(); err != nil {
		r.config.logf("check %s: %v", conn.ID, err)
		return false
	}

	root := conn.RootURI()
	err := r.withHandle(ctx, root, &conn, func(h RemoteHandle) error {
		return r.remote("stat", func() error {
			_, err := h.Stat(ctx)
			return err
		})
	})
	if err != nil {
		r.config.logf("check %s (%s): %v", conn.ID, root, err)
		return false
	}
	return true
}

// OpenProxy opens a descriptor for reading the file at uri. The descriptor
// owns a dedicated handle, independent of the handle cache.
func (r *FileRepository) OpenProxy(ctx context.Context, uri string) (*ProxyFileCallback, error) {
	u, conn, err := r.resolve(uri)
	if err != nil {
		return nil, err
	}

	m, err := r.getFile(ctx, u, conn)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, &RemoteError{Op: "open", URI: u.String(), Err: fs.ErrNotExist}
	}
	if m.IsDirectory {
		return nil, &RemoteError{Op: "open", URI: u.String(), Err: ErrIsDirectory}
	}

	s, err := r.session(ctx, conn)
	if err != nil {
		return nil, err
	}

	var h RemoteHandle
	err = r.remote("open_handle", func() error {
		var err error
		h, err = r.client.OpenHandle(ctx, s, u)
		return err
	})
	if err != nil {
		return nil, wrapRemoteError("open", u.String(), err)
	}

	return newProxyFileCallback(h, m.Size, r.config.Reader, r.config.Metrics, r.config.Logger), nil
}

// Connections returns the configured connections in list order.
func (r *FileRepository) Connections() []Connection {
	return r.conns.All()
}

// SaveConnection adds or replaces a connection. When the address, share,
// start directory or credentials of an existing connection change, the
// cache entries derived from its old settings are evicted.
func (r *FileRepository) SaveConnection(ctx context.Context, conn Connection) error {
	prev, err := r.conns.Put(conn)
	if prev == nil {
		return err
	}
	if saved, ok := r.conns.Get(prev.ID); ok && !targetChanged(prev, &saved) {
		return err
	}
	r.evictConnection(prev)
	return err
}

// targetChanged reports whether b reaches different remote entries, or
// reaches them with different credentials, than a.
func targetChanged(a, b *Connection) bool {
	return a.SessionKey() != b.SessionKey() ||
		!strings.EqualFold(a.Share, b.Share) ||
		a.RootURI().String() != b.RootURI().String()
}

// DeleteConnection removes a connection and evicts every cache entry keyed
// by it or by a URI under it.
func (r *FileRepository) DeleteConnection(ctx context.Context, id string) error {
	removed, ok, err := r.conns.Delete(id)
	if ok {
		r.evictConnection(&removed)
	}
	return err
}

// evictConnection drops the cache entries of a connection that was removed
// or changed. Its session is closed only when no remaining connection
// authenticates with the same credentials, since open descriptors of those
// connections stream over it.
func (r *FileRepository) evictConnection(conn *Connection) {
	key := conn.SessionKey()
	shared := false
	for _, c := range r.conns.All() {
		if c.SessionKey() == key {
			shared = true
			break
		}
	}
	if !shared {
		r.sessions.Remove(key)
	}

	match := func(key string) bool {
		u, err := ParseURI(key)
		return err == nil && strings.EqualFold(u.Host, conn.Host) && strings.EqualFold(u.Share, conn.Share)
	}
	n := r.handles.RemoveFunc(match)
	n += r.metadata.RemoveFunc(match)
	r.config.logf("connection %s: evicted %d cache entries", conn.ID, n)
}

// CacheStats returns statistics for the session, handle and metadata caches.
func (r *FileRepository) CacheStats() []CacheStats {
	return []CacheStats{r.sessions.Stats(), r.handles.Stats(), r.metadata.Stats()}
}

// Close drops every cached handle and session. Descriptors still open fail
// on their next remote read and must still be released.
func (r *FileRepository) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.metadata.Clear()
	r.handles.Clear()
	r.sessions.Clear()
	return nil
}
