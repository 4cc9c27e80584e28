// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// DefaultSocketOptions is the default SocketOptions used by a Socket created
// without specifying options.
var DefaultSocketOptions = SocketOptions{
	NumFrame:              4096,
	SizeFrame:             2048,
	NumFillRingDesc:       2048,
	NumCompletionRingDesc: 64,
	NumRxRingDesc:         2048,
}

// DefaultSocketFlags are the flags which are passed to bind(2) system call
// when the XDP socket is bound, possible values include unix.XDP_SHARED_UMEM,
// unix.XDP_COPY, unix.XDP_ZEROCOPY, unix.XDP_USE_NEED_WAKEUP.
var DefaultSocketFlags uint16 = 0

// DefaultXdpFlags are the flags which are passed when the XDP program is
// attached to the network link, possible values include
// unix.XDP_FLAGS_DRV_MODE, unix.XDP_FLAGS_HW_MODE, unix.XDP_FLAGS_SKB_MODE,
// unix.XDP_FLAGS_UPDATE_IF_NOEXIST.
var DefaultXdpFlags uint32 = 0

// SocketOptions are configuration settings used to bind an XDP socket. All
// ring sizes must be powers of two.
type SocketOptions struct {
	NumFrame              int
	SizeFrame             int
	NumFillRingDesc       int
	NumCompletionRingDesc int
	NumRxRingDesc         int

	UseHugePage bool
	HugePage1Gb bool
}

// Desc represents an XDP Rx descriptor.
type Desc unix.XDPDesc

// Stats contains the counters of the XDP socket.
type Stats struct {
	// Filled is the number of frames the kernel took from the Fill ring.
	Filled uint64
	// Received is the number of frames consumed from the Rx ring.
	Received    uint64
	KernelStats unix.XDPStatistics
}

type umemRing struct {
	mem      []byte
	Producer *uint32
	Consumer *uint32
	Descs    []uint64
}

type rxRing struct {
	mem      []byte
	Producer *uint32
	Consumer *uint32
	Descs    []Desc
}

// Socket is a receive only AF_XDP socket bound to one queue of an interface.
// It is not safe for concurrent use.
type Socket struct {
	fd int

	umem           []byte
	fillRing       umemRing
	completionRing umemRing
	rxRing         rxRing

	rxDescs []Desc

	ifindex   int
	queueID   int
	options   SocketOptions
	numFilled int
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// NewSocket returns a new XDP socket bound to queue QueueID of the network
// interface Ifindex.
func NewSocket(Ifindex int, QueueID int, options *SocketOptions) (xsk *Socket, err error) {
	if options == nil {
		options = &DefaultSocketOptions
	}
	if !isPowerOfTwo(options.NumFillRingDesc) || !isPowerOfTwo(options.NumCompletionRingDesc) ||
		!isPowerOfTwo(options.NumRxRingDesc) || !isPowerOfTwo(options.SizeFrame) {
		return nil, errors.New("ring sizes and frame size must be powers of two")
	}

	xsk = &Socket{fd: -1, ifindex: Ifindex, queueID: QueueID, options: *options}

	xsk.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, errors.Wrap(err, "unix.Socket failed")
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	if options.UseHugePage {
		flags |= unix.MAP_HUGETLB
		if options.HugePage1Gb {
			flags |= 30 << unix.MAP_HUGE_SHIFT
		}
	}
	xsk.umem, err = unix.Mmap(-1, 0, options.NumFrame*options.SizeFrame, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "unix.Mmap umem failed")
	}

	xdpUmemReg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&xsk.umem[0]))),
		Len:      uint64(len(xsk.umem)),
		Size:     uint32(options.SizeFrame),
		Headroom: 0,
	}
	_, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(xsk.fd),
		unix.SOL_XDP, unix.XDP_UMEM_REG,
		uintptr(unsafe.Pointer(&xdpUmemReg)),
		unsafe.Sizeof(xdpUmemReg), 0)
	if errno != 0 {
		xsk.Close()
		return nil, errors.Wrap(errno, "setsockopt XDP_UMEM_REG failed")
	}

	// the kernel refuses to bind without a completion ring even if nothing
	// is ever transmitted
	for _, opt := range []struct {
		name int
		size int
	}{
		{unix.XDP_UMEM_FILL_RING, options.NumFillRingDesc},
		{unix.XDP_UMEM_COMPLETION_RING, options.NumCompletionRingDesc},
		{unix.XDP_RX_RING, options.NumRxRingDesc},
	} {
		if err = unix.SetsockoptInt(xsk.fd, unix.SOL_XDP, opt.name, opt.size); err != nil {
			xsk.Close()
			return nil, errors.Wrapf(err, "setsockopt ring %d failed", opt.name)
		}
	}

	var offsets unix.XDPMmapOffsets
	vallen := uint32(unsafe.Sizeof(offsets))
	_, _, errno = unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(xsk.fd),
		unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&offsets)),
		uintptr(unsafe.Pointer(&vallen)), 0)
	if errno != 0 {
		xsk.Close()
		return nil, errors.Wrap(errno, "getsockopt XDP_MMAP_OFFSETS failed")
	}

	if err = xsk.fillRing.mmap(xsk.fd, unix.XDP_UMEM_PGOFF_FILL_RING, offsets.Fr, options.NumFillRingDesc); err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap fill ring failed")
	}
	if err = xsk.completionRing.mmap(xsk.fd, unix.XDP_UMEM_PGOFF_COMPLETION_RING, offsets.Cr, options.NumCompletionRingDesc); err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap completion ring failed")
	}
	if err = xsk.rxRing.mmap(xsk.fd, offsets.Rx, options.NumRxRingDesc); err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "mmap rx ring failed")
	}
	xsk.rxDescs = make([]Desc, 0, options.NumRxRingDesc)

	sa := unix.SockaddrXDP{
		Flags:   DefaultSocketFlags,
		Ifindex: uint32(Ifindex),
		QueueID: uint32(QueueID),
	}
	if err = unix.Bind(xsk.fd, &sa); err != nil {
		xsk.Close()
		return nil, errors.Wrap(err, "bind SockaddrXDP failed")
	}

	return xsk, nil
}

func (r *umemRing) mmap(fd int, pgoff int64, off unix.XDPRingOffset, n int) error {
	mem, err := unix.Mmap(fd, pgoff, int(off.Desc)+n*int(unsafe.Sizeof(uint64(0))),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.mem = mem
	r.Producer = (*uint32)(unsafe.Pointer(&mem[off.Producer]))
	r.Consumer = (*uint32)(unsafe.Pointer(&mem[off.Consumer]))
	r.Descs = unsafe.Slice((*uint64)(unsafe.Pointer(&mem[off.Desc])), n)
	return nil
}

func (r *rxRing) mmap(fd int, off unix.XDPRingOffset, n int) error {
	mem, err := unix.Mmap(fd, unix.XDP_PGOFF_RX_RING, int(off.Desc)+n*int(unsafe.Sizeof(Desc{})),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return err
	}
	r.mem = mem
	r.Producer = (*uint32)(unsafe.Pointer(&mem[off.Producer]))
	r.Consumer = (*uint32)(unsafe.Pointer(&mem[off.Consumer]))
	r.Descs = unsafe.Slice((*Desc)(unsafe.Pointer(&mem[off.Desc])), n)
	return nil
}

// Fill hands the frames at addrs to the kernel to receive into and returns
// how many of them fit onto the Fill ring.
func (xsk *Socket) Fill(addrs []uint64) int {
	if free := xsk.NumFreeFillSlots(); free < len(addrs) {
		addrs = addrs[:free]
	}
	if len(addrs) == 0 {
		return 0
	}

	mask := uint32(xsk.options.NumFillRingDesc - 1)
	prod := atomic.LoadUint32(xsk.fillRing.Producer)
	for _, addr := range addrs {
		xsk.fillRing.Descs[prod&mask] = addr
		prod++
	}
	atomic.StoreUint32(xsk.fillRing.Producer, prod)

	xsk.numFilled += len(addrs)
	return len(addrs)
}

// Receive consumes up to num descriptors from the Rx ring. The returned
// slice is reused by the next call.
func (xsk *Socket) Receive(num int) []Desc {
	if avail := xsk.NumReceived(); num > avail {
		num = avail
	}

	mask := uint32(xsk.options.NumRxRingDesc - 1)
	descs := xsk.rxDescs[:0]
	cons := atomic.LoadUint32(xsk.rxRing.Consumer)
	for i := 0; i < num; i++ {
		descs = append(descs, xsk.rxRing.Descs[cons&mask])
		cons++
	}
	atomic.StoreUint32(xsk.rxRing.Consumer, cons)

	xsk.numFilled -= len(descs)
	return descs
}

// Poll waits up to timeout milliseconds for received frames and returns
// how many are ready. It returns immediately if no frame is on the Fill
// ring.
func (xsk *Socket) Poll(timeout int) (int, error) {
	if n := xsk.NumReceived(); n > 0 || xsk.numFilled == 0 {
		return n, nil
	}

	pfds := []unix.PollFd{{Fd: int32(xsk.fd), Events: unix.POLLIN}}
	var err error
	for err = unix.EINTR; err == unix.EINTR; {
		_, err = unix.Poll(pfds, timeout)
	}
	if err != nil {
		return 0, errors.Wrap(err, "poll failed")
	}

	return xsk.NumReceived(), nil
}

// FD returns the file descriptor of the socket, it is what gets registered
// with the Program.
func (xsk *Socket) FD() int {
	return xsk.fd
}

func (xsk *Socket) QueueID() int {
	return xsk.queueID
}

func (xsk *Socket) Options() SocketOptions {
	return xsk.options
}

// Frame returns the umem bytes described by d. Modifying them modifies the
// frame in place.
func (xsk *Socket) Frame(d Desc) []byte {
	return xsk.umem[d.Addr : d.Addr+uint64(d.Len)]
}

// NumFreeFillSlots returns how many frames the Fill ring can still take.
func (xsk *Socket) NumFreeFillSlots() int {
	prod := atomic.LoadUint32(xsk.fillRing.Producer)
	cons := atomic.LoadUint32(xsk.fillRing.Consumer)
	max := uint32(xsk.options.NumFillRingDesc)

	n := max - (prod - cons)
	if n > max {
		n = max
	}
	return int(n)
}

// NumReceived returns how many descriptors the kernel produced onto the Rx
// ring that were not consumed yet.
func (xsk *Socket) NumReceived() int {
	prod := atomic.LoadUint32(xsk.rxRing.Producer)
	cons := atomic.LoadUint32(xsk.rxRing.Consumer)
	max := uint32(xsk.options.NumRxRingDesc)

	n := prod - cons
	if n > max {
		n = max
	}
	return int(n)
}

// NumFilled returns how many frames sit on the Fill ring or in the kernel.
func (xsk *Socket) NumFilled() int {
	return xsk.numFilled
}

func (xsk *Socket) Stats() (Stats, error) {
	var stats Stats

	stats.Filled = uint64(atomic.LoadUint32(xsk.fillRing.Consumer))
	stats.Received = uint64(atomic.LoadUint32(xsk.rxRing.Consumer))

	size := uint32(unsafe.Sizeof(stats.KernelStats))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(xsk.fd),
		unix.SOL_XDP, unix.XDP_STATISTICS,
		uintptr(unsafe.Pointer(&stats.KernelStats)),
		uintptr(unsafe.Pointer(&size)), 0)
	if errno != 0 {
		return stats, errors.Wrap(errno, "getsockopt XDP_STATISTICS failed")
	}
	return stats, nil
}

// Close closes and frees the resources allocated by the Socket.
func (xsk *Socket) Close() error {
	var first error
	keep := func(err error, msg string) {
		if err != nil && first == nil {
			first = errors.Wrap(err, msg)
		}
	}

	if xsk.fd != -1 {
		keep(unix.Close(xsk.fd), "close XDP socket failed")
		xsk.fd = -1
	}
	for _, mem := range [][]byte{xsk.fillRing.mem, xsk.completionRing.mem, xsk.rxRing.mem} {
		if mem != nil {
			keep(unix.Munmap(mem), "unmap ring failed")
		}
	}
	xsk.fillRing = umemRing{}
	xsk.completionRing = umemRing{}
	xsk.rxRing = rxRing{}

	if xsk.umem != nil {
		keep(unix.Munmap(xsk.umem), "unmap umem failed")
		xsk.umem = nil
	}

	return first
}
