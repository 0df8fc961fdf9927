package smbproxy

import (
	"context"
	"sync"
	"syscall"
)

// ProxyFileCallback serves one open descriptor of a remote file. It moves
// from created (handle open, no reader) to active on the first size or read
// call and to released on OnRelease; every call after release fails with
// EBADF. Failures cross this boundary only as syscall.Errno.
type ProxyFileCallback struct {
	handle  RemoteHandle
	opts    ReaderOptions
	metrics Metrics
	logger  Logger

	mu       sync.Mutex
	size     int64 // -1 until known
	reader   *BufferedReader
	released bool
}

// NewProxyFileCallback creates a descriptor over handle. size is the content
// length when already known, or -1 to stat the handle on first use. The
// callback owns handle and closes it on release.
func NewProxyFileCallback(handle RemoteHandle, size int64, opts ReaderOptions) *ProxyFileCallback {
	return newProxyFileCallback(handle, size, opts, nil, nil)
}

func newProxyFileCallback(handle RemoteHandle, size int64, opts ReaderOptions, metrics Metrics, logger Logger) *ProxyFileCallback {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if size < 0 {
		size = -1
	}
	return &ProxyFileCallback{
		handle:  handle,
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		size:    size,
	}
}

// URI returns the URI of the remote file.
func (c *ProxyFileCallback) URI() string { return c.handle.URI() }

// activate resolves the size and creates the reader on first use. Caller
// must hold c.mu.
func (c *ProxyFileCallback) activate(ctx context.Context) error {
	if c.size < 0 {
		info, err := c.handle.Stat(ctx)
		if err != nil {
			return wrapRemoteError("stat", c.handle.URI(), err)
		}
		if info.IsDir() {
			return ErrIsDirectory
		}
		c.size = info.Size()
	}
	if c.reader == nil {
		c.reader = newBufferedReader(c.size, c.handle.OpenInputStream, c.opts, c.metrics)
	}
	return nil
}

// OnGetSize returns the content length, resolving it remotely when unknown.
func (c *ProxyFileCallback) OnGetSize() (int64, syscall.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return 0, syscall.EBADF
	}
	if err := c.activate(context.Background()); err != nil {
		return 0, syscall.EIO
	}
	return c.size, 0
}

// OnRead returns up to size bytes starting at offset. Fewer bytes are
// returned at the end of the content.
func (c *ProxyFileCallback) OnRead(offset uint64, size uint32) ([]byte, syscall.Errno) {
	dest := make([]byte, size)
	n, errno := c.ReadAt(context.Background(), dest, offset)
	if errno != 0 {
		return nil, errno
	}
	return dest[:n], 0
}

// ReadAt reads into dest at offset, giving up when ctx is done. It is the
// allocation-free form of OnRead used by the mount.
func (c *ProxyFileCallback) ReadAt(ctx context.Context, dest []byte, offset uint64) (int, syscall.Errno) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return 0, syscall.EBADF
	}
	if err := c.activate(ctx); err != nil {
		c.mu.Unlock()
		return 0, ToErrno(err)
	}
	r := c.reader
	c.mu.Unlock()

	if offset > uint64(1<<63-1) {
		return 0, syscall.EINVAL
	}

	n, err := r.ReadBuffer(ctx, int64(offset), dest)
	if err != nil {
		return 0, ToErrno(err)
	}
	c.metrics.BytesServed(n)
	return n, 0
}

// OnWrite accepts no data. Writes are never sent to the share.
func (c *ProxyFileCallback) OnWrite(offset uint64, size uint32) (uint32, syscall.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return 0, syscall.EBADF
	}
	return 0, 0
}

// OnFsync has nothing to flush.
func (c *ProxyFileCallback) OnFsync() syscall.Errno {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return syscall.EBADF
	}
	return 0
}

// OnRelease stops loading, closes the remote handle and ends the descriptor.
// The descriptor is released even when closing the handle fails; the close
// error is reported as an errno.
func (c *ProxyFileCallback) OnRelease() syscall.Errno {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return syscall.EBADF
	}
	c.released = true
	r := c.reader
	c.reader = nil
	c.mu.Unlock()

	if r != nil {
		r.CancelLoading()
	}
	if err := c.handle.Close(); err != nil {
		if c.logger != nil {
			c.logger.Printf("closing %s: %v", c.handle.URI(), err)
		}
		return ToErrno(err)
	}
	return 0
}

// Stats returns the reader statistics, or zero values before the first read.
func (c *ProxyFileCallback) Stats() ReaderStats {
	c.mu.Lock()
	r := c.reader
	c.mu.Unlock()
	if r == nil {
		return ReaderStats{}
	}
	return r.Stats()
}
