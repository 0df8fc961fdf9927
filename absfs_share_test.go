package smbproxy

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newMemFS(t *testing.T) absfs.FileSystem {
	t.Helper()
	mfs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS() error = %v", err)
	}
	return mfs
}

func writeMemFile(t *testing.T, fsys absfs.FileSystem, name string, content []byte) {
	t.Helper()
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		t.Fatalf("OpenFile(%s) error = %v", name, err)
	}
	if _, err := f.Write(content); err != nil {
		t.Fatalf("Write(%s) error = %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%s) error = %v", name, err)
	}
}

func setupFSClient(t *testing.T) (*Client, RemoteSession, absfs.FileSystem) {
	t.Helper()

	docs := newMemFS(t)
	if err := docs.MkdirAll("/sub", 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	writeMemFile(t, docs, "/a.txt", []byte("0123456789"))
	writeMemFile(t, docs, "/sub/b.txt", []byte("nested"))

	client := NewClient(NewFSDialer(map[string]absfs.FileSystem{"docs": docs}))
	conn := testConnection("local", "localhost", "docs")
	sess, err := client.OpenSession(context.Background(), &conn)
	if err != nil {
		t.Fatalf("OpenSession() error = %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return client, sess, docs
}

func TestFSDialer_UnknownShare(t *testing.T) {
	client, sess, _ := setupFSClient(t)

	_, err := client.OpenHandle(context.Background(), sess, MustParseURI("smb://localhost/photos/x"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("OpenHandle() error = %v, want fs.ErrNotExist", err)
	}
}

func TestFSDialer_ShareNameCase(t *testing.T) {
	docs := newMemFS(t)
	writeMemFile(t, docs, "/a.txt", []byte("x"))
	dialer := NewFSDialer(map[string]absfs.FileSystem{"Docs": docs})

	sess, err := dialer.DialSession(context.Background(), &Connection{Host: "localhost"})
	if err != nil {
		t.Fatalf("DialSession() error = %v", err)
	}
	if _, err := sess.Mount(context.Background(), "DOCS"); err != nil {
		t.Errorf("Mount(DOCS) error = %v", err)
	}
}

func TestFSDialer_StatAndList(t *testing.T) {
	client, sess, _ := setupFSClient(t)
	ctx := context.Background()

	h := openHandle(t, client, sess, "smb://localhost/docs/a.txt")
	info, err := h.Stat(ctx)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 10 || info.IsDir() {
		t.Errorf("Stat() = size %d dir %v, want 10 false", info.Size(), info.IsDir())
	}

	root := openHandle(t, client, sess, "smb://localhost/docs/")
	children, err := root.ListChildren(ctx)
	if err != nil {
		t.Fatalf("ListChildren() error = %v", err)
	}

	got := make(map[string]bool)
	for _, c := range children {
		got[c.URI()] = true
	}
	for _, want := range []string{"smb://localhost/docs/a.txt", "smb://localhost/docs/sub/"} {
		if !got[want] {
			t.Errorf("ListChildren() missing %s, got %v", want, got)
		}
	}
}

func TestFSDialer_Mutations(t *testing.T) {
	client, sess, docs := setupFSClient(t)
	ctx := context.Background()

	dir := openHandle(t, client, sess, "smb://localhost/docs/new/")
	if err := dir.Mkdir(ctx); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	file := openHandle(t, client, sess, "smb://localhost/docs/new/c.txt")
	if err := file.CreateFile(ctx); err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	if _, err := docs.Stat("/new/c.txt"); err != nil {
		t.Errorf("created file missing: %v", err)
	}

	renamed := openHandle(t, client, sess, "smb://localhost/docs/new/d.txt")
	if err := file.RenameTo(ctx, renamed); err != nil {
		t.Fatalf("RenameTo() error = %v", err)
	}
	if _, err := docs.Stat("/new/d.txt"); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}

	if err := dir.Delete(ctx); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := docs.Stat("/new"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat(/new) after Delete() error = %v, want fs.ErrNotExist", err)
	}
}

func TestFSDialer_CopyAndStream(t *testing.T) {
	client, sess, docs := setupFSClient(t)
	ctx := context.Background()

	src := openHandle(t, client, sess, "smb://localhost/docs/sub/")
	dst := openHandle(t, client, sess, "smb://localhost/docs/copy/")
	if err := src.CopyTo(ctx, dst); err != nil {
		t.Fatalf("CopyTo() error = %v", err)
	}

	h := openHandle(t, client, sess, "smb://localhost/docs/copy/b.txt")
	st, err := h.OpenInputStream(ctx)
	if err != nil {
		t.Fatalf("OpenInputStream() error = %v", err)
	}
	defer st.Close()

	content, err := io.ReadAll(st)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(content) != "nested" {
		t.Errorf("copied content = %q, want nested", content)
	}

	if _, err := docs.Stat("/sub/b.txt"); err != nil {
		t.Errorf("CopyTo() removed the source: %v", err)
	}
}

func TestFSPath(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "/"},
		{`a.txt`, "/a.txt"},
		{`dir\sub\b.txt`, "/dir/sub/b.txt"},
		{`dir\`, "/dir"},
	}

	for _, tt := range tests {
		if got := fsPath(tt.name); got != tt.want {
			t.Errorf("fsPath(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
