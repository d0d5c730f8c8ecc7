package static

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

var errNotRegular = errors.New("static: not a regular file")

// File is a resolved file. When opened with Open its bytes are a read-only
// private mapping that must be released with Close.
type File struct {
	Path string
	Size int64

	data []byte
}

// Open maps the regular file at path into memory. Empty files are not
// mapped; their Bytes is nil.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, errNotRegular)
	}

	f := &File{Path: path, Size: info.Size()}
	if f.Size == 0 {
		return f, nil
	}
	if int64(int(f.Size)) != f.Size {
		return nil, fmt.Errorf("%s: file too large to map", path)
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(f.Size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	f.data = data
	return f, nil
}

// Stat returns the size of the regular file at path without mapping it.
func Stat(path string) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", path, errNotRegular)
	}
	return &File{Path: path, Size: info.Size()}, nil
}

// Bytes returns the mapped contents, or nil if nothing is mapped.
func (f *File) Bytes() []byte { return f.data }

// Mapped reports whether f holds a mapping.
func (f *File) Mapped() bool { return f.data != nil }

// Close unmaps the file. Subsequent calls are no-ops.
func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	return unix.Munmap(data)
}
