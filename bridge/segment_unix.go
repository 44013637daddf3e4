//go:build unix

package bridge

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// defaultSegmentDir prefers the kernel shared-memory filesystem when
// present so segments are RAM-backed and visible to other processes.
func defaultSegmentDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// segment is a file-backed shared mapping. The mapping lives for the
// segment's whole lifetime; Map/Unmap on handles is attach bookkeeping
// in the pool table, not a second OS mapping.
type segment struct {
	name string
	path string
	file *os.File
	data []byte
}

// newSegment creates a named segment file of exactly size bytes under
// dir and maps it shared. On mapping failure the file is removed, not
// leaked.
func newSegment(dir, name string, size uint64) (*segment, error) {
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating segment %s: %w", name, err)
	}

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("sizing segment %s: %w", name, err)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("mapping segment %s: %w", name, err)
	}

	return &segment{name: name, path: path, file: file, data: data}, nil
}

// bytes returns the mapped region.
func (s *segment) bytes() []byte {
	return s.data
}

// close unmaps the region and releases the OS resources.
func (s *segment) close() error {
	var firstErr error
	if s.data != nil {
		if err := unix.Munmap(s.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unmapping segment %s: %w", s.name, err)
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing segment %s: %w", s.name, err)
		}
		s.file = nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = fmt.Errorf("removing segment %s: %w", s.name, err)
	}
	return firstErr
}
