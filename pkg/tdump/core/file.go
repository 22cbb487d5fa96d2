package core

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

var (
	mapFile = func(*os.File, int) ([]byte, error) {
		return nil, errors.New("file mapping is not implemented")
	}
	unmapFile = func(data []byte) error { return nil }
)

// A MappedFile holds the read-only contents of a dump file, mmap'd where the
// platform allows it and read into memory otherwise.
type MappedFile struct {
	name   string
	data   []byte
	mapped bool
}

// OpenFile maps the named file.
func OpenFile(name string) (*MappedFile, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "open dump")
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat dump")
	}
	size := st.Size()
	if size == 0 {
		return &MappedFile{name: name, data: []byte{}}, nil
	}
	if size != int64(int(size)) {
		return nil, errors.Errorf("dump %q is too large", name)
	}
	if data, err := mapFile(f, int(size)); err == nil {
		return &MappedFile{name: name, data: data, mapped: true}, nil
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, errors.Wrap(err, "read dump")
	}
	return &MappedFile{name: name, data: data}, nil
}

// NewMappedBytes wraps an in-memory dump.
func NewMappedBytes(name string, data []byte) *MappedFile {
	return &MappedFile{name: name, data: data}
}

func (f *MappedFile) Name() string  { return f.name }
func (f *MappedFile) Bytes() []byte { return f.data }
func (f *MappedFile) Size() int64   { return int64(len(f.data)) }

// Close unmaps the file. Slices returned by Bytes are invalid afterwards.
func (f *MappedFile) Close() error {
	if !f.mapped {
		f.data = nil
		return nil
	}
	err := unmapFile(f.data)
	f.data, f.mapped = nil, false
	return err
}
