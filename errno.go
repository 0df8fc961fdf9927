package smbproxy

import (
	"context"
	"errors"
	"io/fs"
	"syscall"

	"github.com/hirochachacha/go-smb2"
)

// statusErrno maps NTSTATUS codes reported by the server to errno values.
var statusErrno = map[uint32]syscall.Errno{
	statusAccessDenied:          syscall.EACCES,
	statusLogonFailure:          syscall.EACCES,
	statusCannotDelete:          syscall.EACCES,
	statusSharingViolation:      syscall.EBUSY,
	statusObjectNameInvalid:     syscall.EINVAL,
	statusObjectNameNotFound:    syscall.ENOENT,
	statusObjectPathNotFound:    syscall.ENOENT,
	statusNoSuchFile:            syscall.ENOENT,
	statusBadNetworkName:        syscall.ENOENT,
	statusDeletePending:         syscall.ENOENT,
	statusObjectNameCollision:   syscall.EEXIST,
	statusDiskFull:              syscall.ENOSPC,
	statusFileIsADirectory:      syscall.EISDIR,
	statusNotADirectory:         syscall.ENOTDIR,
	statusDirectoryNotEmpty:     syscall.ENOTEMPTY,
	statusIOTimeout:             syscall.ETIMEDOUT,
	statusFileClosed:            syscall.EBADF,
	statusNetworkNameDeleted:    syscall.ECONNRESET,
	statusUserSessionDeleted:    syscall.ECONNRESET,
	statusInsufficientResources: syscall.ENOMEM,
}

// ToErrno translates an error into the errno reported to the OS. A code
// embedded in the cause wins: a syscall.Errno anywhere in the chain, then an
// NTSTATUS response from the server. Otherwise well-known sentinels are
// mapped and everything else becomes EIO.
//
// A read ended by CancelLoading or a canceled context reports EINTR, not
// EIO. A released descriptor reports EBADF, a missing entry ENOENT, and an
// expired deadline ETIMEDOUT.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}

	var re *smb2.ResponseError
	if errors.As(err, &re) {
		if e, ok := statusErrno[re.Code]; ok {
			return e
		}
		return syscall.EIO
	}

	switch {
	case errors.Is(err, ErrReleased), errors.Is(err, fs.ErrClosed):
		return syscall.EBADF
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled):
		return syscall.EINTR
	case errors.Is(err, context.DeadlineExceeded):
		return syscall.ETIMEDOUT
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrNoConnection):
		return syscall.ENOENT
	case errors.Is(err, fs.ErrExist):
		return syscall.EEXIST
	case errors.Is(err, fs.ErrPermission):
		return syscall.EACCES
	case errors.Is(err, ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, fs.ErrInvalid), errors.Is(err, ErrInvalidURI):
		return syscall.EINVAL
	}
	return syscall.EIO
}
