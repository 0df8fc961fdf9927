package smbproxy

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MockSMBBackend is an in-memory SMB server for tests. Paths are rooted at
// the share name: "/docs/a.txt" is a.txt in share docs. Share names compare
// case-insensitively, as on a real server.
//
// The backend counts the operations it serves and can be told to fail
// selected paths or operation types.
type MockSMBBackend struct {
	mu      sync.RWMutex
	entries map[string]*mockEntry
	shares  map[string]string // lower-cased name -> registered name

	failPath map[string]error
	failOp   map[string]error

	opMu sync.Mutex
	ops  map[string]int
}

type mockEntry struct {
	name    string
	content []byte
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
	attrs   uint32 // extra FILE_ATTRIBUTE_* bits
}

// NewMockSMBBackend creates a backend with no shares.
func NewMockSMBBackend() *MockSMBBackend {
	return &MockSMBBackend{
		entries:  map[string]*mockEntry{"/": newMockDir("/", 0755)},
		shares:   make(map[string]string),
		failPath: make(map[string]error),
		failOp:   make(map[string]error),
		ops:      make(map[string]int),
	}
}

func newMockDir(name string, perm fs.FileMode) *mockEntry {
	return &mockEntry{name: name, isDir: true, mode: fs.ModeDir | perm, modTime: time.Now()}
}

// AddShare adds an empty share.
func (m *MockSMBBackend) AddShare(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addParents(mockPath(name + "/x"))
}

// AddFile stores a file, creating its share and parent directories.
func (m *MockSMBBackend) AddFile(p string, content []byte, mode fs.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = mockPath(p)
	m.entries[p] = &mockEntry{name: path.Base(p), content: content, mode: mode, modTime: time.Now()}
	m.addParents(p)
}

// AddDir stores a directory, creating its share and parents.
func (m *MockSMBBackend) AddDir(p string, mode fs.FileMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = mockPath(p)
	m.entries[p] = newMockDir(path.Base(p), mode)
	m.addParents(p)
}

// addParents creates the missing ancestors of p. The top-level entry is
// registered as a share. Caller holds mu.
func (m *MockSMBBackend) addParents(p string) {
	for ; p != "/"; p = path.Dir(p) {
		dir := path.Dir(p)
		if dir == "/" {
			name := strings.TrimPrefix(p, "/")
			m.shares[strings.ToLower(name)] = name
			return
		}
		if _, ok := m.entries[dir]; !ok {
			m.entries[dir] = newMockDir(path.Base(dir), 0755)
		}
	}
}

// SetAttributes sets extra Windows attribute bits reported for p.
func (m *MockSMBBackend) SetAttributes(p string, attrs uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[mockPath(p)]; ok {
		e.attrs = attrs
	}
}

// SetError makes every operation on p fail with err.
func (m *MockSMBBackend) SetError(p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPath[mockPath(p)] = err
}

// SetOperationError makes every operation of type op fail with err.
// Operation types are mount, open, stat, mkdir, remove, rename, read, write
// and readdir.
func (m *MockSMBBackend) SetOperationError(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOp[op] = err
}

// ClearErrors removes all injected errors.
func (m *MockSMBBackend) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPath = make(map[string]error)
	m.failOp = make(map[string]error)
}

// CountOperations returns how many operations of type op were served.
func (m *MockSMBBackend) CountOperations(op string) int {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.ops[op]
}

// ClearOperations resets the operation counters.
func (m *MockSMBBackend) ClearOperations() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.ops = make(map[string]int)
}

// GetFile returns a copy of a file's content.
func (m *MockSMBBackend) GetFile(p string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[mockPath(p)]
	if !ok || e.isDir {
		return nil, false
	}
	return append([]byte(nil), e.content...), true
}

// FileExists reports whether a file or directory exists at p.
func (m *MockSMBBackend) FileExists(p string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[mockPath(p)]
	return ok
}

func (m *MockSMBBackend) count(op string) {
	m.opMu.Lock()
	m.ops[op]++
	m.opMu.Unlock()
}

// injected returns the error configured for op or p. Caller holds mu.
func (m *MockSMBBackend) injected(op, p string) error {
	if err, ok := m.failOp[op]; ok {
		return err
	}
	return m.failPath[p]
}

// children returns the direct children of dir, sorted by name. Caller
// holds mu.
func (m *MockSMBBackend) children(dir string) []string {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []string
	for p := range m.entries {
		if p != dir && strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func mockPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return path.Clean("/" + p)
}

// MockSMBSession is a session on a MockSMBBackend. After Logoff, every
// share and open file of the session fails with ErrConnectionClosed.
type MockSMBSession struct {
	backend   *MockSMBBackend
	loggedOff atomic.Bool
}

// NewMockSMBSession opens a session on backend.
func NewMockSMBSession(backend *MockSMBBackend) *MockSMBSession {
	return &MockSMBSession{backend: backend}
}

// Mount connects to a share.
func (s *MockSMBSession) Mount(ctx context.Context, name string) (SMBShare, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.loggedOff.Load() {
		return nil, ErrConnectionClosed
	}

	b := s.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("mount", name); err != nil {
		return nil, err
	}
	registered, ok := b.shares[strings.ToLower(name)]
	if !ok {
		return nil, fs.ErrNotExist
	}

	b.count("mount")
	return &MockSMBShare{session: s, name: registered}, nil
}

// Logoff ends the session.
func (s *MockSMBSession) Logoff() error {
	if s.loggedOff.CompareAndSwap(false, true) {
		s.backend.count("logoff")
	}
	return nil
}

// MockSMBShare is a mounted share of a MockSMBSession.
type MockSMBShare struct {
	session   *MockSMBSession
	name      string
	unmounted atomic.Bool
}

// begin checks that the share is usable and returns the backend path for
// name.
func (sh *MockSMBShare) begin(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if sh.unmounted.Load() || sh.session.loggedOff.Load() {
		return "", ErrConnectionClosed
	}
	return mockPath(sh.name + "/" + name), nil
}

// OpenFile opens or creates a file.
func (sh *MockSMBShare) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (SMBFile, error) {
	p, err := sh.begin(ctx, name)
	if err != nil {
		return nil, err
	}

	b := sh.session.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("open", p); err != nil {
		return nil, err
	}
	b.count("open")

	e, exists := b.entries[p]
	switch {
	case exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, fs.ErrExist
	case !exists && flag&os.O_CREATE == 0:
		return nil, fs.ErrNotExist
	case !exists:
		if parent, ok := b.entries[path.Dir(p)]; !ok || !parent.isDir {
			return nil, fs.ErrNotExist
		}
		e = &mockEntry{name: path.Base(p), mode: perm, modTime: time.Now()}
		b.entries[p] = e
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if e.isDir && writable {
		return nil, ErrIsDirectory
	}
	if flag&os.O_TRUNC != 0 && !e.isDir {
		e.content = nil
		e.modTime = time.Now()
	}
	return &MockSMBFile{share: sh, path: p, entry: e, writable: writable}, nil
}

// Stat describes the entry at name.
func (sh *MockSMBShare) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	p, err := sh.begin(ctx, name)
	if err != nil {
		return nil, err
	}

	b := sh.session.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("stat", p); err != nil {
		return nil, err
	}
	b.count("stat")

	e, ok := b.entries[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return e.info(), nil
}

// Mkdir creates a directory whose parent exists.
func (sh *MockSMBShare) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	p, err := sh.begin(ctx, name)
	if err != nil {
		return err
	}

	b := sh.session.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("mkdir", p); err != nil {
		return err
	}
	b.count("mkdir")

	if _, exists := b.entries[p]; exists {
		return fs.ErrExist
	}
	parent, ok := b.entries[path.Dir(p)]
	if !ok {
		return fs.ErrNotExist
	}
	if !parent.isDir {
		return ErrNotDirectory
	}
	b.entries[p] = newMockDir(path.Base(p), perm)
	return nil
}

// Remove deletes a file or an empty directory.
func (sh *MockSMBShare) Remove(ctx context.Context, name string) error {
	p, err := sh.begin(ctx, name)
	if err != nil {
		return err
	}

	b := sh.session.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("remove", p); err != nil {
		return err
	}
	b.count("remove")

	e, ok := b.entries[p]
	if !ok {
		return fs.ErrNotExist
	}
	if e.isDir && len(b.children(p)) > 0 {
		return errors.New("directory not empty")
	}
	delete(b.entries, p)
	return nil
}

// Rename moves an entry, and everything below it, to a free name.
func (sh *MockSMBShare) Rename(ctx context.Context, oldname, newname string) error {
	from, err := sh.begin(ctx, oldname)
	if err != nil {
		return err
	}
	to, _ := sh.begin(ctx, newname)

	b := sh.session.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("rename", from); err != nil {
		return err
	}
	b.count("rename")

	e, ok := b.entries[from]
	if !ok {
		return fs.ErrNotExist
	}
	if _, exists := b.entries[to]; exists {
		return fs.ErrExist
	}

	for p, child := range b.entries {
		if strings.HasPrefix(p, from+"/") {
			delete(b.entries, p)
			b.entries[to+strings.TrimPrefix(p, from)] = child
		}
	}
	delete(b.entries, from)
	e.name = path.Base(to)
	b.entries[to] = e
	return nil
}

// Umount disconnects the share.
func (sh *MockSMBShare) Umount() error {
	if sh.unmounted.CompareAndSwap(false, true) {
		sh.session.backend.count("umount")
	}
	return nil
}

// MockSMBFile is an open file or directory on a MockSMBShare.
type MockSMBFile struct {
	share    *MockSMBShare
	path     string
	entry    *mockEntry
	writable bool

	mu     sync.Mutex
	offset int64
	closed bool
}

// usable reports why the file cannot serve a request, if it cannot.
// Caller holds f.mu.
func (f *MockSMBFile) usable() error {
	if f.closed {
		return fs.ErrClosed
	}
	if f.share.session.loggedOff.Load() {
		return ErrConnectionClosed
	}
	return nil
}

// Read reads from the current offset.
func (f *MockSMBFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}

	b := f.share.session.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("read", f.path); err != nil {
		return 0, err
	}
	if f.entry.isDir {
		return 0, ErrIsDirectory
	}
	if f.offset >= int64(len(f.entry.content)) {
		return 0, io.EOF
	}
	n := copy(p, f.entry.content[f.offset:])
	f.offset += int64(n)
	return n, nil
}

// Write writes at the current offset, growing the file as needed.
func (f *MockSMBFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}
	if !f.writable {
		return 0, fs.ErrPermission
	}

	b := f.share.session.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.injected("write", f.path); err != nil {
		return 0, err
	}
	if end := f.offset + int64(len(p)); end > int64(len(f.entry.content)) {
		grown := make([]byte, end)
		copy(grown, f.entry.content)
		f.entry.content = grown
	}
	n := copy(f.entry.content[f.offset:], p)
	f.offset += int64(n)
	f.entry.modTime = time.Now()
	return n, nil
}

// Seek sets the offset for the next Read or Write.
func (f *MockSMBFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return 0, err
	}

	b := f.share.session.backend
	b.mu.RLock()
	size := int64(len(f.entry.content))
	b.mu.RUnlock()

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += size
	default:
		return 0, fs.ErrInvalid
	}
	if offset < 0 {
		return 0, fs.ErrInvalid
	}
	f.offset = offset
	return offset, nil
}

// Close closes the file. Closing twice is a no-op.
func (f *MockSMBFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.share.session.backend.count("close")
	}
	return nil
}

// Stat describes the open file.
func (f *MockSMBFile) Stat() (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}

	b := f.share.session.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.injected("stat", f.path); err != nil {
		return nil, err
	}
	return f.entry.info(), nil
}

// Readdir lists the directory, sorted by name. n <= 0 returns every entry.
func (f *MockSMBFile) Readdir(n int) ([]fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.usable(); err != nil {
		return nil, err
	}

	b := f.share.session.backend
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !f.entry.isDir {
		return nil, ErrNotDirectory
	}
	if err := b.injected("readdir", f.path); err != nil {
		return nil, err
	}
	b.count("readdir")

	paths := b.children(f.path)
	if n > 0 && n < len(paths) {
		paths = paths[:n]
	}
	infos := make([]fs.FileInfo, 0, len(paths))
	for _, p := range paths {
		infos = append(infos, b.entries[p].info())
	}
	return infos, nil
}

// info snapshots the entry. Caller holds the backend lock.
func (e *mockEntry) info() *mockFileInfo {
	return &mockFileInfo{
		name:    e.name,
		size:    int64(len(e.content)),
		mode:    e.mode,
		modTime: e.modTime,
		isDir:   e.isDir,
		attrs:   e.attrs,
	}
}

type mockFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
	isDir   bool
	attrs   uint32
}

func (fi *mockFileInfo) Name() string       { return fi.name }
func (fi *mockFileInfo) Size() int64        { return fi.size }
func (fi *mockFileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *mockFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *mockFileInfo) IsDir() bool        { return fi.isDir }
func (fi *mockFileInfo) Sys() interface{}   { return nil }

// FileAttributes reports the mode-derived attributes plus any injected bits.
func (fi *mockFileInfo) FileAttributes() uint32 {
	return modeToAttributes(fi.mode) | fi.attrs
}

// MockDialer implements SessionDialer over per-host mock backends.
type MockDialer struct {
	// DialError, when set, fails every DialSession.
	DialError error

	mu       sync.Mutex
	backends map[string]*MockSMBBackend
	dials    int
}

// NewMockDialer creates a dialer with no hosts.
func NewMockDialer() *MockDialer {
	return &MockDialer{backends: make(map[string]*MockSMBBackend)}
}

// Backend returns the backend serving host, creating it on first use.
func (d *MockDialer) Backend(host string) *MockSMBBackend {
	d.mu.Lock()
	defer d.mu.Unlock()

	host = strings.ToLower(host)
	b, ok := d.backends[host]
	if !ok {
		b = NewMockSMBBackend()
		d.backends[host] = b
	}
	return b
}

// DialSession opens a mock session against the backend for conn.Host.
func (d *MockDialer) DialSession(ctx context.Context, conn *Connection) (SMBSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.dials++
	dialErr := d.DialError
	b, ok := d.backends[strings.ToLower(conn.Host)]
	d.mu.Unlock()

	if dialErr != nil {
		return nil, dialErr
	}
	if !ok {
		return nil, &mockNetDialError{host: conn.Host}
	}
	return NewMockSMBSession(b), nil
}

// Dials returns the number of DialSession calls.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// mockNetDialError mimics a refused TCP connection.
type mockNetDialError struct {
	host string
}

func (e *mockNetDialError) Error() string   { return "dial tcp " + e.host + ":445: connection refused" }
func (e *mockNetDialError) Timeout() bool   { return false }
func (e *mockNetDialError) Temporary() bool { return false }
