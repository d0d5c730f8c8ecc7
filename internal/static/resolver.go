// Package static maps request paths to files under a document root.
package static

import (
	"errors"
	"io/fs"
	"strings"
	"syscall"
)

// directoryIndex is served for paths ending in a slash.
const directoryIndex = "index.html"

var (
	// ErrForbidden is returned for paths that try to leave the document root.
	ErrForbidden = errors.New("static: forbidden path")
	// ErrNotFound is returned when the path names no regular file.
	ErrNotFound = errors.New("static: not found")

	errNotAbsolute = errors.New("static: path does not start with a slash")
)

// Resolver resolves URL paths against a document root.
type Resolver struct {
	root string
}

// NewResolver creates a resolver for root. root is used verbatim as the
// prefix of every resolved path.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the document root.
func (r *Resolver) Root() string { return r.root }

// Resolve decodes path and returns the file it names. For GET the file is
// mapped into memory; for any other method only its size is read.
func (r *Resolver) Resolve(method, path string) (*File, error) {
	if strings.Contains(path, "/../") {
		return nil, ErrForbidden
	}

	decoded := Decode(path)
	if strings.HasSuffix(decoded, "/") {
		decoded += directoryIndex
	}
	if escapesRoot(decoded) {
		return nil, ErrForbidden
	}
	if !strings.HasPrefix(decoded, "/") {
		return nil, errors.Join(ErrNotFound, errNotAbsolute)
	}

	full := r.root + decoded

	var (
		f   *File
		err error
	)
	if method == "GET" {
		f, err = Open(full)
	} else {
		f, err = Stat(full)
	}
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}

// escapesRoot reports whether a decoded path has a ".." segment.
func escapesRoot(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

// classify maps not-found and invalid-path errors to ErrNotFound and leaves
// everything else untouched.
func classify(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.ENOTDIR),
		errors.Is(err, syscall.ENAMETOOLONG),
		errors.Is(err, errNotRegular):
		return errors.Join(ErrNotFound, err)
	default:
		return err
	}
}

// Decode percent-decodes s and turns '+' into a space. Malformed escapes are
// copied through unchanged. The output is never longer than s.
func Decode(s string) string {
	if strings.IndexByte(s, '%') < 0 && strings.IndexByte(s, '+') < 0 {
		return s
	}

	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			out = append(out, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		case c == '+':
			out = append(out, ' ')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
