package shm

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"multirx/ring"
)

// HeaderSize is the space reserved for ring.Meta in front of the data area.
// The data area starts on its own page.
const HeaderSize = 4096

var ErrTooSmall = errors.New("segment smaller than its header")

// Segment is a MAP_SHARED mapping holding the ring metadata followed by
// the ring data area.
//
//	[0, HeaderSize)                 ring.Meta
//	[HeaderSize, HeaderSize+cap)    data
type Segment struct {
	mem  []byte
	path string
}

// Create makes (or truncates) the file at path and maps it with room for
// capacity data bytes.
func Create(path string, capacity uint64) (*Segment, error) {
	if capacity == 0 {
		return nil, errors.New("zero capacity")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open segment")
	}
	defer f.Close()

	size := int64(HeaderSize + capacity)
	if err = f.Truncate(size); err != nil {
		return nil, errors.Wrap(err, "truncate segment")
	}

	s, err := mapFile(f, path, size)
	if err != nil {
		return nil, err
	}
	logrus.WithField("module", "shm").Infof("segment created: path=%s capacity=%d", path, capacity)
	return s, nil
}

// Open maps an existing segment, usually from the drain process. The ring
// may not be published yet, see ring.Meta.Ready.
func Open(path string) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open segment")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat segment")
	}
	if st.Size() <= HeaderSize {
		return nil, errors.Wrapf(ErrTooSmall, "%s is %d bytes", path, st.Size())
	}

	return mapFile(f, path, st.Size())
}

func mapFile(f *os.File, path string, size int64) (*Segment, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap segment")
	}
	return &Segment{mem: mem, path: path}, nil
}

// NewMemory maps an anonymous segment that is only shared inside the
// process.
func NewMemory(capacity uint64) (*Segment, error) {
	if capacity == 0 {
		return nil, errors.New("zero capacity")
	}
	mem, err := unix.Mmap(-1, 0, int(HeaderSize+capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errors.Wrap(err, "mmap anonymous segment")
	}
	return &Segment{mem: mem}, nil
}

func (s *Segment) Meta() *ring.Meta {
	return ring.MetaAt(s.mem[:HeaderSize])
}

// Data returns the whole data area.
func (s *Segment) Data() []byte {
	return s.mem[HeaderSize:]
}

func (s *Segment) Capacity() uint64 {
	return uint64(len(s.mem) - HeaderSize)
}

// Base is the data area offset published in the ring metadata.
func (s *Segment) Base() uint64 {
	return HeaderSize
}

func (s *Segment) Path() string {
	return s.path
}

// Close unmaps the segment. The file stays in place.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return errors.Wrap(err, "munmap segment")
}
