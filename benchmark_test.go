package smbproxy

import (
	"context"
	"fmt"
	"testing"
)

// BenchmarkBufferedReader_Sequential measures sequential reads through the
// look-ahead window.
func BenchmarkBufferedReader_Sequential(b *testing.B) {
	content := testContent(4 * 1024 * 1024)
	src := &streamSource{content: content, seekable: true}
	buf := make([]byte, 128*1024)

	b.ResetTimer()
	b.SetBytes(int64(len(content)))

	for i := 0; i < b.N; i++ {
		r := NewBufferedReader(int64(len(content)), src.Open, ReaderOptions{})
		for off := int64(0); off < int64(len(content)); {
			n, err := r.ReadBuffer(context.Background(), off, buf)
			if err != nil {
				b.Fatalf("ReadBuffer failed: %v", err)
			}
			off += int64(n)
		}
		r.CancelLoading()
	}
}

// BenchmarkBufferedReader_Random measures reads that jump outside the
// window and reopen the stream.
func BenchmarkBufferedReader_Random(b *testing.B) {
	content := testContent(4 * 1024 * 1024)
	src := &streamSource{content: content, seekable: true}
	r := NewBufferedReader(int64(len(content)), src.Open, ReaderOptions{})
	defer r.CancelLoading()

	buf := make([]byte, 4096)
	offsets := []int64{0, 3 << 20, 1 << 20, 2 << 20, 512 << 10}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := r.ReadBuffer(context.Background(), offsets[i%len(offsets)], buf); err != nil {
			b.Fatalf("ReadBuffer failed: %v", err)
		}
	}
}

// BenchmarkRepository_GetFile measures cached metadata lookups.
func BenchmarkRepository_GetFile(b *testing.B) {
	dialer := NewMockDialer()
	dialer.Backend("nas").AddFile("/docs/a.txt", []byte("data"), 0644)

	conns, _ := NewConnectionList(nil, testConnection("nas", "nas", "docs"))
	repo, err := NewRepository(NewClient(dialer), conns, nil)
	if err != nil {
		b.Fatalf("NewRepository failed: %v", err)
	}
	defer repo.Close()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := repo.GetFile(context.Background(), "smb://nas/docs/a.txt"); err != nil {
				b.Fatalf("GetFile failed: %v", err)
			}
		}
	})
}

// BenchmarkRepository_GetFileChildren measures listing a directory of
// 100 entries.
func BenchmarkRepository_GetFileChildren(b *testing.B) {
	dialer := NewMockDialer()
	backend := dialer.Backend("nas")
	for i := 0; i < 100; i++ {
		backend.AddFile(fmt.Sprintf("/docs/dir/file_%03d.txt", i), []byte("x"), 0644)
	}

	conns, _ := NewConnectionList(nil, testConnection("nas", "nas", "docs"))
	repo, err := NewRepository(NewClient(dialer), conns, nil)
	if err != nil {
		b.Fatalf("NewRepository failed: %v", err)
	}
	defer repo.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if got := repo.GetFileChildren(context.Background(), "smb://nas/docs/dir/"); len(got) != 100 {
			b.Fatalf("GetFileChildren returned %d entries", len(got))
		}
	}
}
