// Package packet defines the frame buffer handed through the data path and
// the verdicts returned by packet handlers.
package packet

// Verdict is the outcome of handling one frame
type Verdict uint8

const (
	// Pass forwards the frame unmodified
	Pass Verdict = iota
	// Forward transmits the rewritten frame
	Forward
	// Drop returns the frame to its pool
	Drop
	// Consumed means the handler copied the frame and took over delivery
	Consumed
)

// String returns the verdict name
func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Consumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// Frame is a packet occupying part of a fixed-size buffer. Headers are added
// and removed in place by moving the start offset.
type Frame struct {
	buf []byte
	off int
	n   int

	// Link is the egress link index chosen by the handler, 0 for the default
	Link int
}

// NewFrame wraps a packet of n bytes starting at off inside buf
func NewFrame(buf []byte, off, n int) *Frame {
	f := &Frame{}
	f.Reset(buf, off, n)
	return f
}

// Reset points the frame at a new buffer
func (f *Frame) Reset(buf []byte, off, n int) {
	if off < 0 || n < 0 || off+n > len(buf) {
		off, n = 0, 0
	}
	f.buf = buf
	f.off = off
	f.n = n
	f.Link = 0
}

// Bytes returns the packet bytes. The slice aliases the underlying buffer.
func (f *Frame) Bytes() []byte {
	return f.buf[f.off : f.off+f.n]
}

// Len returns the packet length
func (f *Frame) Len() int {
	return f.n
}

// Headroom returns the free bytes in front of the packet
func (f *Frame) Headroom() int {
	return f.off
}

// Prepend grows the packet by k bytes at the front. When the headroom is too
// small the packet is moved toward the end of the buffer. It returns false,
// leaving the frame untouched, if the buffer cannot hold the result.
func (f *Frame) Prepend(k int) bool {
	if k < 0 || f.n+k > len(f.buf) {
		return false
	}
	if k <= f.off {
		f.off -= k
		f.n += k
		return true
	}
	copy(f.buf[k:k+f.n], f.buf[f.off:f.off+f.n])
	f.off = 0
	f.n += k
	return true
}

// TrimFront removes k bytes from the front of the packet
func (f *Frame) TrimFront(k int) bool {
	if k < 0 || k > f.n {
		return false
	}
	f.off += k
	f.n -= k
	return true
}

// Truncate shortens the packet to n bytes
func (f *Frame) Truncate(n int) bool {
	if n < 0 || n > f.n {
		return false
	}
	f.n = n
	return true
}
