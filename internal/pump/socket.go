package pump

import "time"

// Desc locates one received frame inside a socket's frame pool
type Desc struct {
	Addr uint64
	Len  int
}

// SocketStats are the ring counters reported by a socket
type SocketStats struct {
	Filled      uint64
	Received    uint64
	Transmitted uint64
	Completed   uint64
	KernelDrops uint64
}

// Socket is a kernel-bypass socket driven by a single pump goroutine.
//
// Frames returned by Receive stay valid until the next call to Fill. Every
// received frame is returned to the fill ring by that call, so a handler
// that keeps a frame must copy it.
type Socket interface {
	// Fill posts free frames to the fill ring and returns the number of
	// fill slots that could not be replenished
	Fill() int
	// Poll waits up to timeout for received frames or TX completions and
	// returns the number of frames ready to Receive
	Poll(timeout time.Duration) (int, error)
	// Receive takes up to n received descriptors
	Receive(n int) []Desc
	// Frame returns the whole pool frame holding d; the packet starts at 0
	Frame(d Desc) []byte
	// Transmit copies packets into free TX frames and submits them. It
	// returns how many were accepted.
	Transmit(packets [][]byte) int
	Stats() (SocketStats, error)
	Close() error
}

// Pollable is a Socket whose readiness can be waited for with poll(2). When
// every receiving socket of a pump is Pollable, the idle pump waits on all of
// them together and can be woken by Pump.Wake.
type Pollable interface {
	FD() int
	// Events returns the poll events the socket is waiting for, zero if none
	Events() int16
}
