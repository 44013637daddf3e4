//go:build !unix

package bridge

import "os"

func defaultSegmentDir() string {
	return os.TempDir()
}

// segment falls back to a process-private allocation on platforms
// without a POSIX shared mapping. Cross-process visibility is lost but
// the bridge semantics are preserved.
type segment struct {
	name string
	data []byte
}

func newSegment(dir, name string, size uint64) (*segment, error) {
	return &segment{name: name, data: make([]byte, size)}, nil
}

func (s *segment) bytes() []byte {
	return s.data
}

func (s *segment) close() error {
	s.data = nil
	return nil
}
