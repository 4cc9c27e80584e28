package raw

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"multirx/packet"
	"multirx/utils/binary"
)

const (
	// how long a read blocks before the context is checked again
	_readTimeout = 100 * 1000 // microseconds
)

var (
	ErrNoBuffer = errors.New("every buffer is held by the worker")
)

// Receiver reads frames from an AF_PACKET socket into a fixed set of
// buffers. It serves one worker: Receive and Release must not run
// concurrently.
type Receiver struct {
	fd       int
	recv     func(buf []byte) (int, error)
	queue    int
	fastSize int

	bufs [][]byte
	recs []packet.Record
	free []int

	log *logrus.Entry
}

// New binds a raw socket for protocol (an ETH_P_* value, unix.ETH_P_ALL
// for everything) to interfaceName.
func New(interfaceName string, protocol int, numBuf, sizeBuf, fastSize int) (*Receiver, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	proto := binary.Htons16(uint16(protocol))
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(proto))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if err = unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: iface.Index}); err != nil {
		unix.Close(fd)
		return nil, errors.WithStack(err)
	}

	tv := unix.NsecToTimeval(_readTimeout * 1000)
	if err = unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, errors.WithStack(err)
	}

	r := newReceiver(func(buf []byte) (int, error) {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		return n, err
	}, numBuf, sizeBuf, fastSize)
	r.fd = fd
	r.log.Infof("raw socket bound: interface=%s protocol=%#04x", interfaceName, protocol)

	return r, nil
}

func newReceiver(recv func([]byte) (int, error), numBuf, sizeBuf, fastSize int) *Receiver {
	r := &Receiver{
		fd:       -1,
		recv:     recv,
		fastSize: fastSize,
		bufs:     make([][]byte, numBuf),
		recs:     make([]packet.Record, numBuf),
		free:     make([]int, 0, numBuf),
		log:      logrus.WithField("module", "raw"),
	}
	mem := make([]byte, numBuf*sizeBuf)
	for i := range r.bufs {
		r.bufs[i] = mem[i*sizeBuf : (i+1)*sizeBuf : (i+1)*sizeBuf]
		r.free = append(r.free, i)
	}
	return r
}

// Receive blocks until a frame arrives or ctx is done.
func (r *Receiver) Receive(ctx context.Context) (*packet.Record, error) {
	if len(r.free) == 0 {
		return nil, errors.WithStack(ErrNoBuffer)
	}
	idx := r.free[len(r.free)-1]
	buf := r.bufs[idx]

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := r.recv(buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return nil, errors.WithStack(err)
		}
		if n <= 0 {
			continue
		}

		r.free = r.free[:len(r.free)-1]

		rec := &r.recs[idx]
		rec.Load(buf[:n], uint32(n), r.fastSize)
		rec.Ref = uint64(idx)
		rec.Queue = r.queue
		return rec, nil
	}
}

// JoinFanout spreads the traffic of every socket in group over its members
// by flow hash, so several workers can share one interface.
func (r *Receiver) JoinFanout(group uint16) error {
	err := unix.SetsockoptInt(r.fd, unix.SOL_PACKET, unix.PACKET_FANOUT, int(group)|unix.PACKET_FANOUT_HASH<<16)
	return errors.Wrapf(err, "join fanout group %d", group)
}

// SetQueue sets the queue reported in every record.
func (r *Receiver) SetQueue(queue int) {
	r.queue = queue
}

func (r *Receiver) Release(rec *packet.Record) {
	rec.Fast, rec.Bulk = nil, nil
	r.free = append(r.free, int(rec.Ref))
}

func (r *Receiver) Close() error {
	if r.fd == -1 {
		return nil
	}
	err := unix.Close(r.fd)
	r.fd = -1
	return errors.WithStack(err)
}
