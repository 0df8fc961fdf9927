package smbproxy

import (
	"net/url"
	"path"
	"strconv"
	"strings"
)

// Scheme is the URI scheme served by the proxy.
const Scheme = "smb"

// URI is a parsed smb://host[:port]/share/path reference. A trailing slash
// on the path marks a directory. Parsed URIs are canonical: two spellings
// of the same location render the same String, which is what the caches
// key on.
type URI struct {
	Host  string // lower-cased host name
	Port  int    // 0 for the default port
	Share string // first path segment, lower-cased
	Path  string // path inside the share, "/"-rooted, trailing "/" for directories
}

// ParseURI parses and normalizes a proxy URI.
// Supported formats:
//   - smb://server/share/path/to/file
//   - smb://server:10445/share/dir/
//   - \\server\share\path\to\file
func ParseURI(raw string) (*URI, error) {
	if raw == "" || strings.Contains(raw, "\x00") {
		return nil, ErrInvalidURI
	}

	// UNC paths use backslashes and no scheme
	if strings.HasPrefix(raw, `\\`) {
		raw = Scheme + ":" + strings.ReplaceAll(raw, `\`, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidURI
	}
	if !strings.EqualFold(u.Scheme, Scheme) || u.Hostname() == "" {
		return nil, ErrInvalidURI
	}

	out := &URI{Host: strings.ToLower(u.Hostname())}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, ErrInvalidURI
		}
		if port != defaultPort {
			out.Port = port
		}
	}

	p := strings.ReplaceAll(u.Path, `\`, "/")
	if err := validatePath(p); err != nil {
		return nil, err
	}
	isDir := strings.HasSuffix(p, "/")

	trimmed := strings.Trim(path.Clean("/"+p), "/")
	if trimmed == "" {
		// Host-only URIs carry no share
		return out, nil
	}

	share, rest, _ := strings.Cut(trimmed, "/")
	out.Share = strings.ToLower(share)
	out.Path = "/" + rest
	if rest == "" || isDir {
		out.Path = strings.TrimSuffix(out.Path, "/") + "/"
	}
	return out, nil
}

// MustParseURI is like ParseURI but panics on error. It is intended for
// constant URIs in tests and examples.
func MustParseURI(raw string) *URI {
	u, err := ParseURI(raw)
	if err != nil {
		panic("smbproxy: invalid uri " + strconv.Quote(raw))
	}
	return u
}

// String renders the URI in its canonical smb:// form.
func (u *URI) String() string {
	host := u.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if u.Port != 0 {
		host += ":" + strconv.Itoa(u.Port)
	}

	p := "/"
	if u.Share != "" {
		p += u.Share
		if u.Path == "" {
			p += "/"
		} else {
			p += u.Path
		}
	}
	return (&url.URL{Scheme: Scheme, Host: host, Path: p}).String()
}

// IsDir reports whether the URI names a directory.
func (u *URI) IsDir() bool {
	return u.Share == "" || u.Path == "" || strings.HasSuffix(u.Path, "/")
}

// IsShareRoot reports whether the URI names the root of its share.
func (u *URI) IsShareRoot() bool {
	return u.Path == "" || u.Path == "/"
}

// Name returns the final path segment without any trailing slash. The share
// root is named after the share.
func (u *URI) Name() string {
	if u.IsShareRoot() {
		return u.Share
	}
	return path.Base(strings.TrimSuffix(u.Path, "/"))
}

// Parent returns the directory containing the URI.
func (u *URI) Parent() *URI {
	p := *u
	if u.IsShareRoot() {
		return &p
	}
	dir := path.Dir(strings.TrimSuffix(u.Path, "/"))
	p.Path = strings.TrimSuffix(dir, "/") + "/"
	return &p
}

// Child returns the URI of a named entry below a directory URI.
func (u *URI) Child(name string, isDir bool) *URI {
	c := *u
	base := u.Path
	if base == "" {
		base = "/"
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	c.Path = base + strings.Trim(name, "/")
	if isDir {
		c.Path += "/"
	}
	return &c
}

// WithName returns a sibling URI whose final segment is replaced by name.
// The directory marker of the receiver is preserved.
func (u *URI) WithName(name string) *URI {
	return u.Parent().Child(name, u.IsDir())
}

// SharePath returns the path inside the share in SMB form: backslash
// separated and without a leading separator. The share root is "".
func (u *URI) SharePath() string {
	return toSMBPath(strings.TrimSuffix(u.Path, "/"))
}

// validatePath validates that a path is safe and doesn't contain
// invalid characters or attempt path traversal outside the share.
func validatePath(p string) error {
	if strings.Contains(p, "\x00") {
		return ErrInvalidURI
	}

	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return ErrInvalidURI
		}
	}

	return nil
}

// toSMBPath converts a normalized Unix-style path to SMB path format.
// SMB paths use backslashes and don't have a leading slash.
func toSMBPath(p string) string {
	p = strings.TrimPrefix(p, "/")
	return strings.ReplaceAll(p, "/", `\`)
}
