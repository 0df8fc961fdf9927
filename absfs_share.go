package smbproxy

import (
	"context"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/absfs/absfs"
)

// FSDialer implements SessionDialer over local absfs filesystems, one per
// share name, compared case-insensitively. Every host and credential set reaches the same shares, which
// makes it a loopback for tests and demos.
type FSDialer struct {
	mu     sync.RWMutex
	shares map[string]absfs.FileSystem
}

// NewFSDialer creates a dialer serving the given shares.
func NewFSDialer(shares map[string]absfs.FileSystem) *FSDialer {
	d := &FSDialer{shares: make(map[string]absfs.FileSystem, len(shares))}
	for name, fsys := range shares {
		d.shares[strings.ToLower(name)] = fsys
	}
	return d
}

// AddShare registers fsys under name.
func (d *FSDialer) AddShare(name string, fsys absfs.FileSystem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shares[strings.ToLower(name)] = fsys
}

// DialSession returns a session over the registered shares.
func (d *FSDialer) DialSession(ctx context.Context, conn *Connection) (SMBSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &fsSession{dialer: d}, nil
}

type fsSession struct {
	dialer *FSDialer
}

func (s *fsSession) Mount(ctx context.Context, name string) (SMBShare, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.dialer.mu.RLock()
	fsys, ok := s.dialer.shares[strings.ToLower(name)]
	s.dialer.mu.RUnlock()
	if !ok {
		return nil, &fs.PathError{Op: "mount", Path: name, Err: fs.ErrNotExist}
	}
	return &fsShare{fs: fsys}, nil
}

func (s *fsSession) Logoff() error { return nil }

// fsShare adapts an absfs.FileSystem to SMBShare. SMB paths are relative
// and backslash separated; absfs paths are rooted.
type fsShare struct {
	fs absfs.FileSystem
}

func fsPath(name string) string {
	return path.Clean("/" + strings.ReplaceAll(name, `\`, "/"))
}

func (sh *fsShare) OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (SMBFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := sh.fs.OpenFile(fsPath(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return &fsFile{File: f}, nil
}

func (sh *fsShare) Stat(ctx context.Context, name string) (fs.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sh.fs.Stat(fsPath(name))
}

func (sh *fsShare) Mkdir(ctx context.Context, name string, perm fs.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sh.fs.Mkdir(fsPath(name), perm)
}

func (sh *fsShare) Remove(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sh.fs.Remove(fsPath(name))
}

func (sh *fsShare) Rename(ctx context.Context, oldname, newname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return sh.fs.Rename(fsPath(oldname), fsPath(newname))
}

func (sh *fsShare) Umount() error { return nil }

// fsFile adapts absfs.File to SMBFile.
type fsFile struct {
	absfs.File
}

// Readdir lists the directory through ReadDir, resolving each entry's info.
func (f *fsFile) Readdir(n int) ([]fs.FileInfo, error) {
	entries, err := f.File.ReadDir(n)
	if err != nil {
		return nil, err
	}

	infos := make([]fs.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}
