package smbproxy

import (
	"io/fs"
	"strings"

	"github.com/hirochachacha/go-smb2"
)

// Windows file attribute flags as defined in MS-FSCC.
const (
	FILE_ATTRIBUTE_READONLY      = 0x00000001
	FILE_ATTRIBUTE_HIDDEN        = 0x00000002
	FILE_ATTRIBUTE_SYSTEM        = 0x00000004
	FILE_ATTRIBUTE_DIRECTORY     = 0x00000010
	FILE_ATTRIBUTE_ARCHIVE       = 0x00000020
	FILE_ATTRIBUTE_NORMAL        = 0x00000080
	FILE_ATTRIBUTE_REPARSE_POINT = 0x00000400
)

// WindowsAttributes is the FILE_ATTRIBUTE_* bit set of a remote entry.
type WindowsAttributes uint32

func (wa WindowsAttributes) IsReadOnly() bool     { return wa&FILE_ATTRIBUTE_READONLY != 0 }
func (wa WindowsAttributes) IsHidden() bool       { return wa&FILE_ATTRIBUTE_HIDDEN != 0 }
func (wa WindowsAttributes) IsSystem() bool       { return wa&FILE_ATTRIBUTE_SYSTEM != 0 }
func (wa WindowsAttributes) IsDirectory() bool    { return wa&FILE_ATTRIBUTE_DIRECTORY != 0 }
func (wa WindowsAttributes) IsReparsePoint() bool { return wa&FILE_ATTRIBUTE_REPARSE_POINT != 0 }

// String returns a human-readable string of the attributes.
func (wa WindowsAttributes) String() string {
	var attrs []string

	if wa.IsReadOnly() {
		attrs = append(attrs, "ReadOnly")
	}
	if wa.IsHidden() {
		attrs = append(attrs, "Hidden")
	}
	if wa.IsSystem() {
		attrs = append(attrs, "System")
	}
	if wa.IsDirectory() {
		attrs = append(attrs, "Directory")
	}
	if wa&FILE_ATTRIBUTE_ARCHIVE != 0 {
		attrs = append(attrs, "Archive")
	}
	if wa.IsReparsePoint() {
		attrs = append(attrs, "ReparsePoint")
	}

	if len(attrs) == 0 {
		return "Normal"
	}
	return strings.Join(attrs, ", ")
}

// attributeReporter is implemented by stat results that carry Windows
// attributes without being a go-smb2 FileStat.
type attributeReporter interface {
	FileAttributes() uint32
}

// windowsAttributes extracts the attribute bits from a remote stat result.
// go-smb2 reports them directly; other clients fall back to a mapping of
// the Unix mode.
func windowsAttributes(info fs.FileInfo) WindowsAttributes {
	switch st := info.(type) {
	case *smb2.FileStat:
		return WindowsAttributes(st.FileAttributes)
	case attributeReporter:
		return WindowsAttributes(st.FileAttributes())
	}
	return WindowsAttributes(modeToAttributes(info.Mode()))
}

// attributesToMode converts Windows attributes to Unix file mode.
// This is a best-effort mapping as Windows and Unix permissions are quite different.
func attributesToMode(attrs WindowsAttributes, isDir bool) fs.FileMode {
	if isDir || attrs.IsDirectory() {
		if attrs.IsReadOnly() {
			return fs.ModeDir | 0555
		}
		return fs.ModeDir | 0755
	}
	if attrs.IsReadOnly() {
		return 0444
	}
	return 0644
}

// modeToAttributes converts Unix file mode to Windows attributes.
func modeToAttributes(mode fs.FileMode) uint32 {
	attrs := uint32(FILE_ATTRIBUTE_NORMAL)

	// Check if read-only (no write permissions)
	if mode.Perm() != 0 && mode&0222 == 0 {
		attrs |= FILE_ATTRIBUTE_READONLY
	}

	if mode.IsDir() {
		attrs |= FILE_ATTRIBUTE_DIRECTORY
	}

	if mode&fs.ModeSymlink != 0 {
		attrs |= FILE_ATTRIBUTE_REPARSE_POINT
	}

	if mode.IsRegular() {
		attrs |= FILE_ATTRIBUTE_ARCHIVE
	}

	return attrs
}
