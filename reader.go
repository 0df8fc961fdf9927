package smbproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// StreamOpener opens a fresh read stream positioned at byte 0. The stream
// must stay usable for as long as ctx is live.
type StreamOpener func(ctx context.Context) (io.ReadCloser, error)

// ReaderStats reports the state of a BufferedReader.
type ReaderStats struct {
	Opens       int   // streams opened, including the first
	Reopens     int   // streams opened to reposition
	WindowStart int64 // file offset of the first buffered byte
	Buffered    int   // bytes currently buffered
}

// BufferedReader serves random-access reads from a forward-only remote
// stream. A background goroutine keeps a window of the file buffered ahead
// of the highest requested offset; reads outside the window discard the
// stream and start a new one at the requested offset.
type BufferedReader struct {
	size    int64 // content length, negative when unknown
	open    StreamOpener
	opts    ReaderOptions
	metrics Metrics

	// ctx bounds every stream the reader opens
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte // bytes [start, start+len(buf)) of the file
	start    int64
	want     int64 // end of the furthest requested range
	gen      uint64
	stream   io.ReadCloser
	eof      bool
	err      error
	canceled bool
	running  bool

	opens   int
	reopens int
}

// NewBufferedReader creates a reader over a file of the given size. Nothing
// is fetched until the first ReadBuffer.
func NewBufferedReader(size int64, open StreamOpener, opts ReaderOptions) *BufferedReader {
	return newBufferedReader(size, open, opts, nil)
}

func newBufferedReader(size int64, open StreamOpener, opts ReaderOptions, metrics Metrics) *BufferedReader {
	opts.setDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &BufferedReader{
		size:    size,
		open:    open,
		opts:    opts,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Size returns the content length the reader was created with.
func (r *BufferedReader) Size() int64 { return r.size }

// ReadBuffer copies bytes starting at offset into dest and returns how many
// were copied. It blocks until the range is buffered, the stream ends, a
// stored error is reported, loading is canceled or ctx is done. Reads past
// the end of the content return a short count, possibly zero.
func (r *BufferedReader) ReadBuffer(ctx context.Context, offset int64, dest []byte) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", offset)
	}
	if len(dest) == 0 {
		return 0, nil
	}

	stop := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stop()

	need := offset + int64(len(dest))
	if r.size >= 0 && need > r.size {
		need = r.size
	}

	r.mu.Lock()
	for {
		if r.canceled {
			r.mu.Unlock()
			return 0, ErrCanceled
		}
		if r.err != nil {
			err := r.err
			r.mu.Unlock()
			return 0, err
		}
		if r.size >= 0 && offset >= r.size {
			r.mu.Unlock()
			return 0, nil
		}

		end := r.start + int64(len(r.buf))
		if offset < r.start || offset > end+r.opts.LookAhead {
			old := r.reset(offset)
			if old != nil {
				r.mu.Unlock()
				old.Close()
				r.mu.Lock()
				continue
			}
			end = r.start
		}

		if need > r.want {
			r.want = need
			r.cond.Broadcast()
		}
		if !r.running {
			r.running = true
			go r.fill()
		}

		if end >= need || (r.eof && offset >= r.start) {
			n := r.copyOut(offset, dest)
			r.trim(offset)
			r.mu.Unlock()
			return n, nil
		}

		if err := ctx.Err(); err != nil {
			r.mu.Unlock()
			return 0, err
		}
		r.cond.Wait()
	}
}

// copyOut copies buffered bytes at offset into dest. Caller must hold r.mu.
func (r *BufferedReader) copyOut(offset int64, dest []byte) int {
	end := r.start + int64(len(r.buf))
	if offset >= end {
		return 0
	}
	return copy(dest, r.buf[offset-r.start:])
}

// trim drops bytes more than Retain behind offset. Caller must hold r.mu.
func (r *BufferedReader) trim(offset int64) {
	keep := offset - r.opts.Retain
	if keep <= r.start {
		return
	}
	drop := keep - r.start
	if drop > int64(len(r.buf)) {
		drop = int64(len(r.buf))
	}
	r.buf = r.buf[drop:]
	r.start += drop
}

// reset empties the window and repositions it at offset. The current
// stream, if any, is returned for the caller to close without the lock.
// Caller must hold r.mu.
func (r *BufferedReader) reset(offset int64) io.ReadCloser {
	old := r.stream
	r.stream = nil
	r.gen++
	r.buf = nil
	r.start = offset
	r.want = offset
	r.eof = false
	r.cond.Broadcast()
	return old
}

// needMore reports whether the producer should fetch. Caller must hold r.mu.
func (r *BufferedReader) needMore() bool {
	if r.eof {
		return false
	}
	end := r.start + int64(len(r.buf))
	if r.size >= 0 && end >= r.size {
		return false
	}
	return end < r.want+r.opts.LookAhead
}

// fill is the producer loop. It runs until loading is canceled or the
// stream fails.
func (r *BufferedReader) fill() {
	chunk := make([]byte, r.opts.ChunkSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		for !r.canceled && r.err == nil && !r.needMore() {
			r.cond.Wait()
		}
		if r.canceled || r.err != nil {
			r.running = false
			if s := r.stream; s != nil {
				r.stream = nil
				r.mu.Unlock()
				s.Close()
				r.mu.Lock()
			}
			return
		}

		gen := r.gen
		pos := r.start + int64(len(r.buf))

		if r.stream == nil {
			reopen := r.opens > 0
			r.opens++
			if reopen {
				r.reopens++
			}
			r.mu.Unlock()
			r.metrics.StreamOpened(reopen)
			s, err := r.openAt(pos)
			r.mu.Lock()

			if gen != r.gen || r.canceled {
				if s != nil {
					r.mu.Unlock()
					s.Close()
					r.mu.Lock()
				}
				continue
			}
			if err != nil {
				r.err = err
				r.cond.Broadcast()
				continue
			}
			r.stream = s
		}

		s := r.stream
		r.mu.Unlock()
		n, err := s.Read(chunk)
		r.mu.Lock()

		// The window moved while reading; the bytes belong to a discarded stream
		if gen != r.gen || r.canceled {
			continue
		}

		r.buf = append(r.buf, chunk[:n]...)
		switch {
		case errors.Is(err, io.EOF):
			r.eof = true
		case err != nil:
			r.err = err
		}
		r.cond.Broadcast()
	}
}

// openAt opens a stream and positions it at offset, seeking when the stream
// supports it and discarding bytes otherwise.
func (r *BufferedReader) openAt(offset int64) (io.ReadCloser, error) {
	s, err := r.open(r.ctx)
	if err != nil {
		return nil, err
	}
	if offset == 0 {
		return s, nil
	}

	if seeker, ok := s.(io.Seeker); ok {
		if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	}

	if _, err := io.CopyN(io.Discard, s, offset); err != nil {
		s.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("skip to %d: %w", offset, io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	return s, nil
}

// CancelLoading stops the producer and fails blocked and later reads with
// ErrCanceled. It is safe to call more than once.
func (r *BufferedReader) CancelLoading() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	s := r.stream
	r.stream = nil
	r.gen++
	r.cond.Broadcast()
	r.mu.Unlock()

	r.cancel()
	if s != nil {
		s.Close()
	}
}

// Stats returns a snapshot of the reader state.
func (r *BufferedReader) Stats() ReaderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ReaderStats{
		Opens:       r.opens,
		Reopens:     r.reopens,
		WindowStart: r.start,
		Buffered:    len(r.buf),
	}
}
