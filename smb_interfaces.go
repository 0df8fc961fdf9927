package smbproxy

import (
	"context"
	"io/fs"
)

// SMBSession abstracts an authenticated SMB session for testability.
// This interface wraps the go-smb2 Session type.
type SMBSession interface {
	// Mount mounts a share and returns an SMBShare interface.
	Mount(ctx context.Context, shareName string) (SMBShare, error)
	// Logoff ends the session.
	Logoff() error
}

// SMBShare abstracts an SMB share for testability.
// This interface wraps the go-smb2 Share type.
type SMBShare interface {
	// OpenFile opens a file with the specified flags and permissions.
	OpenFile(ctx context.Context, name string, flag int, perm fs.FileMode) (SMBFile, error)
	// Stat returns file info for the specified path.
	Stat(ctx context.Context, name string) (fs.FileInfo, error)
	// Mkdir creates a directory.
	Mkdir(ctx context.Context, name string, perm fs.FileMode) error
	// Remove removes a file or empty directory.
	Remove(ctx context.Context, name string) error
	// Rename renames a file or directory within the share.
	Rename(ctx context.Context, oldname, newname string) error
	// Umount unmounts the share.
	Umount() error
}

// SMBFile abstracts an SMB file handle for testability.
// This interface wraps the go-smb2 File type.
type SMBFile interface {
	// Read reads up to len(p) bytes into p.
	Read(p []byte) (n int, err error)
	// Write writes len(p) bytes from p to the file.
	Write(p []byte) (n int, err error)
	// Seek sets the offset for the next Read or Write.
	Seek(offset int64, whence int) (int64, error)
	// Close closes the file.
	Close() error
	// Stat returns file information.
	Stat() (fs.FileInfo, error)
	// Readdir reads the directory contents.
	Readdir(n int) ([]fs.FileInfo, error)
}

// SessionDialer establishes authenticated sessions for a Connection. It is
// the seam between the remote client and the SMB implementation in use.
type SessionDialer interface {
	DialSession(ctx context.Context, conn *Connection) (SMBSession, error)
}
