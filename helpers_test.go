package smbproxy

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"sync"
	"time"
)

// recordingLogger collects formatted log lines.
type recordingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *recordingLogger) Printf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// recordingMetrics counts Metrics events.
type recordingMetrics struct {
	mu      sync.Mutex
	hits    map[string]int
	misses  map[string]int
	calls   map[string]int
	opens   int
	reopens int
	bytes   int
}

func (m *recordingMetrics) CacheHit(cache string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hits == nil {
		m.hits = make(map[string]int)
	}
	m.hits[cache]++
}

func (m *recordingMetrics) CacheMiss(cache string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.misses == nil {
		m.misses = make(map[string]int)
	}
	m.misses[cache]++
}

func (m *recordingMetrics) RemoteCall(op string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

func (m *recordingMetrics) StreamOpened(reopen bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	if reopen {
		m.reopens++
	}
}

func (m *recordingMetrics) BytesServed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytes += n
}

// countingClient wraps a RemoteClient and counts calls per handle operation.
type countingClient struct {
	RemoteClient

	mu     sync.Mutex
	counts map[string]int
	order  []string
}

func newCountingClient(inner RemoteClient) *countingClient {
	return &countingClient{RemoteClient: inner, counts: make(map[string]int)}
}

func (c *countingClient) record(op, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[op]++
	c.order = append(c.order, op+" "+uri)
}

// Count returns how many times op was called.
func (c *countingClient) Count(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

// Calls returns "op uri" for every call in order.
func (c *countingClient) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

// Reset forgets all counted calls.
func (c *countingClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
	c.order = nil
}

func (c *countingClient) OpenSession(ctx context.Context, conn *Connection) (RemoteSession, error) {
	c.record("open_session", conn.Host)
	return c.RemoteClient.OpenSession(ctx, conn)
}

func (c *countingClient) OpenHandle(ctx context.Context, s RemoteSession, uri *URI) (RemoteHandle, error) {
	c.record("open_handle", uri.String())
	h, err := c.RemoteClient.OpenHandle(ctx, s, uri)
	if err != nil {
		return nil, err
	}
	return &countingHandle{RemoteHandle: h, client: c}, nil
}

// countingHandle records every call before delegating.
type countingHandle struct {
	RemoteHandle
	client *countingClient
}

func (h *countingHandle) unwrap(t RemoteHandle) RemoteHandle {
	if ch, ok := t.(*countingHandle); ok {
		return ch.RemoteHandle
	}
	return t
}

func (h *countingHandle) Stat(ctx context.Context) (fs.FileInfo, error) {
	h.client.record("stat", h.URI())
	return h.RemoteHandle.Stat(ctx)
}

func (h *countingHandle) ListChildren(ctx context.Context) ([]RemoteHandle, error) {
	h.client.record("list", h.URI())
	children, err := h.RemoteHandle.ListChildren(ctx)
	if err != nil {
		return nil, err
	}
	for i, child := range children {
		children[i] = &countingHandle{RemoteHandle: child, client: h.client}
	}
	return children, nil
}

func (h *countingHandle) Mkdir(ctx context.Context) error {
	h.client.record("mkdir", h.URI())
	return h.RemoteHandle.Mkdir(ctx)
}

func (h *countingHandle) CreateFile(ctx context.Context) error {
	h.client.record("create", h.URI())
	return h.RemoteHandle.CreateFile(ctx)
}

func (h *countingHandle) Delete(ctx context.Context) error {
	h.client.record("delete", h.URI())
	return h.RemoteHandle.Delete(ctx)
}

func (h *countingHandle) RenameTo(ctx context.Context, target RemoteHandle) error {
	h.client.record("rename", h.URI())
	return h.RemoteHandle.RenameTo(ctx, h.unwrap(target))
}

func (h *countingHandle) CopyTo(ctx context.Context, target RemoteHandle) error {
	h.client.record("copy", h.URI())
	return h.RemoteHandle.CopyTo(ctx, h.unwrap(target))
}

func (h *countingHandle) OpenInputStream(ctx context.Context) (io.ReadCloser, error) {
	h.client.record("open_stream", h.URI())
	return h.RemoteHandle.OpenInputStream(ctx)
}

func (h *countingHandle) Close() error {
	h.client.record("close", h.URI())
	return h.RemoteHandle.Close()
}
