package smbproxy

import "time"

// Metrics receives repository and reader events. Implementations must be
// safe for concurrent use; see the prommetrics package for a Prometheus
// backed one.
type Metrics interface {
	CacheHit(cache string)
	CacheMiss(cache string)

	// RemoteCall records one call into the remote client.
	RemoteCall(op string, d time.Duration, err error)

	// StreamOpened records a remote stream open; reopen is true when the
	// reader discarded a previous stream to seek.
	StreamOpened(reopen bool)

	// BytesServed records bytes returned to the OS by a proxy descriptor.
	BytesServed(n int)
}

type noopMetrics struct{}

func (noopMetrics) CacheHit(string)                         {}
func (noopMetrics) CacheMiss(string)                        {}
func (noopMetrics) RemoteCall(string, time.Duration, error) {}
func (noopMetrics) StreamOpened(bool)                       {}
func (noopMetrics) BytesServed(int)                         {}
