package smbproxy

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/hirochachacha/go-smb2"
)

var (
	// ErrInvalidConfig indicates the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidURI indicates a URI could not be parsed or is outside a share.
	ErrInvalidURI = errors.New("invalid uri")

	// ErrNoConnection indicates no configured connection matches a URI's host.
	ErrNoConnection = errors.New("no connection for host")

	// ErrCanceled indicates a buffered read was stopped by CancelLoading.
	ErrCanceled = errors.New("loading canceled")

	// ErrConnectionClosed indicates the session or repository has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrReleased indicates a proxy descriptor was used after release.
	ErrReleased = errors.New("descriptor released")

	// ErrNotDirectory indicates the handle is not a directory.
	ErrNotDirectory = errors.New("not a directory")

	// ErrIsDirectory indicates the handle is a directory.
	ErrIsDirectory = errors.New("is a directory")
)

// ResolutionError reports a URI whose host has no matching Connection.
type ResolutionError struct {
	URI  string
	Host string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: no connection for host %q", e.URI, e.Host)
}

func (e *ResolutionError) Is(target error) bool {
	return target == ErrNoConnection
}

// RemoteError records a failure reported by the remote client together with
// the operation and URI that caused it.
type RemoteError struct {
	Op  string
	URI string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URI, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// wrapRemoteError wraps an error with operation and URI information.
func wrapRemoteError(op, uri string, err error) error {
	if err == nil {
		return nil
	}

	// Already attributed to this URI, don't double-wrap
	var re *RemoteError
	if errors.As(err, &re) && re.URI == uri {
		return err
	}
	var res *ResolutionError
	if errors.As(err, &res) {
		return err
	}

	return &RemoteError{
		Op:  op,
		URI: uri,
		Err: convertError(err),
	}
}

// NTSTATUS values the proxy distinguishes.
const (
	statusAccessDenied          = 0xC0000022
	statusObjectNameInvalid     = 0xC0000033
	statusObjectNameNotFound    = 0xC0000034
	statusObjectNameCollision   = 0xC0000035
	statusObjectPathNotFound    = 0xC000003A
	statusSharingViolation      = 0xC0000043
	statusDeletePending         = 0xC0000056
	statusLogonFailure          = 0xC000006D
	statusDiskFull              = 0xC000007F
	statusFileIsADirectory      = 0xC00000BA
	statusBadNetworkName        = 0xC00000CC
	statusDirectoryNotEmpty     = 0xC0000101
	statusNotADirectory         = 0xC0000103
	statusNetworkNameDeleted    = 0xC00000C9
	statusUserSessionDeleted    = 0xC0000203
	statusIOTimeout             = 0xC00000B5
	statusFileClosed            = 0xC0000128
	statusCannotDelete          = 0xC0000121
	statusNoSuchFile            = 0xC000000F
	statusInsufficientResources = 0xC000009A
)

// convertError maps go-smb2 status responses to io/fs sentinels so callers
// can test them with errors.Is. The original error stays reachable through
// the returned wrapper.
func convertError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrInvalid) ||
		errors.Is(err, fs.ErrClosed) {
		return err
	}

	var re *smb2.ResponseError
	if !errors.As(err, &re) {
		return err
	}

	switch re.Code {
	case statusObjectNameNotFound, statusObjectPathNotFound, statusNoSuchFile, statusBadNetworkName:
		return &statusError{err: err, kind: fs.ErrNotExist}
	case statusObjectNameCollision:
		return &statusError{err: err, kind: fs.ErrExist}
	case statusAccessDenied, statusLogonFailure, statusCannotDelete, statusSharingViolation:
		return &statusError{err: err, kind: fs.ErrPermission}
	case statusObjectNameInvalid:
		return &statusError{err: err, kind: fs.ErrInvalid}
	case statusFileClosed, statusNetworkNameDeleted, statusUserSessionDeleted:
		return &statusError{err: err, kind: ErrConnectionClosed}
	}

	return err
}

// statusError pairs an NTSTATUS response with the fs sentinel it maps to.
type statusError struct {
	err  error
	kind error
}

func (e *statusError) Error() string { return e.err.Error() }

func (e *statusError) Unwrap() []error { return []error{e.err, e.kind} }

// netError interface for network errors.
type netError interface {
	Timeout() bool
	Temporary() bool
}

// isRetryable returns true if the error indicates a transient failure
// that might succeed if retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Authentication and resolution failures never heal by themselves
	if errors.Is(err, fs.ErrPermission) || errors.Is(err, ErrNoConnection) {
		return false
	}

	var netErr netError
	if errors.As(err, &netErr) {
		if netErr.Temporary() {
			return true
		}
		if netErr.Timeout() {
			return true
		}
	}

	if errors.Is(err, ErrConnectionClosed) {
		return true
	}

	var transportErr *smb2.TransportError
	return errors.As(err, &transportErr)
}
