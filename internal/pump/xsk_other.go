//go:build !linux

package pump

import (
	"errors"
	"time"
)

var errNoXSK = errors.New("pump: AF_XDP is not supported on this platform")

// XSKOptions sizes the UMEM and rings of an AF_XDP socket
type XSKOptions struct {
	NumFrames int
	FrameSize int
}

// XSK is unavailable on this platform
type XSK struct{}

// OpenXSK always fails on this platform
func OpenXSK(ifindex, queue int, opts XSKOptions) (*XSK, error) {
	return nil, errNoXSK
}

func (x *XSK) FD() int                                 { return -1 }
func (x *XSK) Events() int16                           { return 0 }
func (x *XSK) Fill() int                               { return 0 }
func (x *XSK) Poll(timeout time.Duration) (int, error) { return 0, errNoXSK }
func (x *XSK) Receive(n int) []Desc                    { return nil }
func (x *XSK) Frame(d Desc) []byte                     { return nil }
func (x *XSK) Transmit(packets [][]byte) int           { return 0 }
func (x *XSK) Stats() (SocketStats, error)             { return SocketStats{}, errNoXSK }
func (x *XSK) Close() error                            { return nil }
