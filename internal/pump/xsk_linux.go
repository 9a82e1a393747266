//go:build linux

package pump

import (
	"fmt"
	"time"

	"github.com/asavie/xdp"
	"golang.org/x/sys/unix"
)

// XSKOptions sizes the UMEM and rings of an AF_XDP socket
type XSKOptions struct {
	NumFrames int
	FrameSize int
}

// xskRing is the part of *xdp.Socket the adapter drives
type xskRing interface {
	FD() int
	NumFreeFillSlots() int
	NumFreeTxSlots() int
	NumFilled() int
	NumTransmitted() int
	GetDescs(n int) []xdp.Desc
	GetFrame(d xdp.Desc) []byte
	Fill(descs []xdp.Desc) int
	Receive(n int) []xdp.Desc
	Transmit(descs []xdp.Desc) int
	Poll(timeout int) (int, int, error)
	Stats() (xdp.Stats, error)
	Close() error
}

// XSK adapts an AF_XDP socket to Socket.
//
// asavie/xdp hands out frames from one shared free list, and a received
// frame is back on that list as soon as Receive returns, while the handler
// still reads it. The adapter therefore splits the UMEM itself. Frames below
// rxLimit are only posted to the fill ring and frames above it only carry
// TX, so a transmit never reuses a frame of the batch being processed.
type XSK struct {
	sock      xskRing
	frameSize int
	rxFrames  int
	rxLimit   uint64
	rx        []Desc
	tx        []xdp.Desc
}

// OpenXSK creates an AF_XDP socket bound to queue of ifindex
func OpenXSK(ifindex, queue int, opts XSKOptions) (*XSK, error) {
	if opts.NumFrames <= 0 {
		opts.NumFrames = xdp.DefaultSocketOptions.NumFrames
	}
	if opts.FrameSize <= 0 {
		opts.FrameSize = xdp.DefaultSocketOptions.FrameSize
	}
	ring := opts.NumFrames / 2

	sock, err := xdp.NewSocket(ifindex, queue, &xdp.SocketOptions{
		NumFrames:              opts.NumFrames,
		FrameSize:              opts.FrameSize,
		FillRingNumDescs:       ring,
		CompletionRingNumDescs: ring,
		RxRingNumDescs:         ring,
		TxRingNumDescs:         ring,
	})
	if err != nil {
		return nil, fmt.Errorf("creating AF_XDP socket on ifindex %d queue %d: %w", ifindex, queue, err)
	}
	return newXSK(sock, opts), nil
}

func newXSK(sock xskRing, opts XSKOptions) *XSK {
	ring := opts.NumFrames / 2
	return &XSK{
		sock:      sock,
		frameSize: opts.FrameSize,
		rxFrames:  ring,
		rxLimit:   uint64(ring) * uint64(opts.FrameSize),
		rx:        make([]Desc, 0, ring),
		tx:        make([]xdp.Desc, 0, ring),
	}
}

// FD returns the socket descriptor to register with the redirect program
func (x *XSK) FD() int {
	return x.sock.FD()
}

// Events returns the poll events the socket waits for: POLLIN while frames
// sit on the fill ring and POLLOUT while transmissions are uncompleted
func (x *XSK) Events() int16 {
	var events int16
	if x.sock.NumFilled() > 0 {
		events |= unix.POLLIN
	}
	if x.sock.NumTransmitted() > 0 {
		events |= unix.POLLOUT
	}
	return events
}

// Fill posts every RX frame that is neither on the fill ring nor waiting on
// the RX ring
func (x *XSK) Fill() int {
	want := min(x.sock.NumFreeFillSlots(), x.rxFrames-x.sock.NumFilled())
	if want <= 0 {
		return 0
	}
	posted := x.sock.Fill(rxFrames(x.sock.GetDescs(want), x.rxLimit))
	return want - posted
}

func (x *XSK) Poll(timeout time.Duration) (int, error) {
	n, _, err := x.sock.Poll(int(timeout / time.Millisecond))
	if err != nil {
		return 0, fmt.Errorf("polling AF_XDP socket: %w", err)
	}
	return n, nil
}

// Receive returns descriptors valid until the next call to Receive
func (x *XSK) Receive(n int) []Desc {
	x.rx = x.rx[:0]
	for _, d := range x.sock.Receive(n) {
		x.rx = append(x.rx, Desc{Addr: d.Addr, Len: int(d.Len)})
	}
	return x.rx
}

func (x *XSK) Frame(d Desc) []byte {
	end := d.Addr - d.Addr%uint64(x.frameSize) + uint64(x.frameSize)
	return x.sock.GetFrame(xdp.Desc{Addr: d.Addr, Len: uint32(end - d.Addr)})
}

func (x *XSK) Transmit(packets [][]byte) int {
	n := min(len(packets), x.sock.NumFreeTxSlots())
	if n == 0 {
		return 0
	}
	// free RX frames sort ahead of the TX frames, ask for enough to get past them
	rxFree := max(x.rxFrames-x.sock.NumFilled(), 0)
	x.tx = txFrames(x.tx[:0], x.sock.GetDescs(rxFree+n), x.rxLimit, n)
	for i := range x.tx {
		x.tx[i].Len = uint32(copy(x.sock.GetFrame(x.tx[i]), packets[i]))
	}
	if len(x.tx) == 0 {
		return 0
	}
	return x.sock.Transmit(x.tx)
}

func (x *XSK) Stats() (SocketStats, error) {
	s, err := x.sock.Stats()
	if err != nil {
		return SocketStats{}, fmt.Errorf("reading AF_XDP statistics: %w", err)
	}
	return SocketStats{
		Filled:      s.Filled,
		Received:    s.Received,
		Transmitted: s.Transmitted,
		Completed:   s.Completed,
		KernelDrops: s.KernelStats.Rx_dropped,
	}, nil
}

func (x *XSK) Close() error {
	return x.sock.Close()
}

// rxFrames returns the leading descriptors of descs that lie below limit
func rxFrames(descs []xdp.Desc, limit uint64) []xdp.Desc {
	n := 0
	for n < len(descs) && descs[n].Addr < limit {
		n++
	}
	return descs[:n]
}

// txFrames appends to dst up to n descriptors of descs at or above limit
func txFrames(dst, descs []xdp.Desc, limit uint64, n int) []xdp.Desc {
	for _, d := range descs {
		if len(dst) == n {
			break
		}
		if d.Addr >= limit {
			dst = append(dst, d)
		}
	}
	return dst
}
