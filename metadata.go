package smbproxy

import (
	"io/fs"
	"time"
)

// FileMetadata is an immutable snapshot of a remote file or directory.
type FileMetadata struct {
	Name         string
	Server       string
	URI          string
	Size         int64
	LastModified time.Time
	IsDirectory  bool
	Attributes   WindowsAttributes
}

// newFileMetadata derives metadata for uri from a remote stat result.
func newFileMetadata(uri *URI, info fs.FileInfo) *FileMetadata {
	isDir := info.IsDir()

	// Directory-ness observed remotely wins over the URI spelling
	u := *uri
	if isDir && !u.IsDir() {
		u.Path += "/"
	}

	m := &FileMetadata{
		Name:         u.Name(),
		Server:       u.Host,
		URI:          u.String(),
		LastModified: info.ModTime(),
		IsDirectory:  isDir,
		Attributes:   windowsAttributes(info),
	}
	if !isDir {
		m.Size = info.Size()
	}
	return m
}

// Hidden reports whether the entry carries the hidden attribute.
func (m *FileMetadata) Hidden() bool { return m.Attributes.IsHidden() }

// ReadOnly reports whether the entry carries the read-only attribute.
func (m *FileMetadata) ReadOnly() bool { return m.Attributes.IsReadOnly() }

// Mode returns a Unix mode approximating the remote attributes.
func (m *FileMetadata) Mode() fs.FileMode {
	return attributesToMode(m.Attributes, m.IsDirectory)
}

// Info adapts the snapshot to fs.FileInfo.
func (m *FileMetadata) Info() fs.FileInfo {
	return metadataInfo{m}
}

// metadataInfo implements fs.FileInfo over a FileMetadata.
type metadataInfo struct {
	m *FileMetadata
}

func (fi metadataInfo) Name() string       { return fi.m.Name }
func (fi metadataInfo) Size() int64        { return fi.m.Size }
func (fi metadataInfo) Mode() fs.FileMode  { return fi.m.Mode() }
func (fi metadataInfo) ModTime() time.Time { return fi.m.LastModified }
func (fi metadataInfo) IsDir() bool        { return fi.m.IsDirectory }
func (fi metadataInfo) Sys() any           { return fi.m }
