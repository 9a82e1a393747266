//go:build linux

package pump

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// waker blocks an idle pump on all of its receiving sockets and an eventfd
// at once, so that another goroutine can end the wait early
type waker struct {
	efd   int
	socks []Pollable
	fds   []unix.PollFd
}

func newWaker(socks []Pollable) (*waker, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating eventfd: %w", err)
	}
	return &waker{efd: efd, socks: socks, fds: make([]unix.PollFd, 0, len(socks)+1)}, nil
}

// wake ends the current wait, or the next one if none is in progress
func (w *waker) wake() {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, _ = unix.Write(w.efd, one[:])
}

func (w *waker) wait(timeout time.Duration) error {
	w.fds = append(w.fds[:0], unix.PollFd{Fd: int32(w.efd), Events: unix.POLLIN})
	for _, s := range w.socks {
		if events := s.Events(); events != 0 {
			w.fds = append(w.fds, unix.PollFd{Fd: int32(s.FD()), Events: events})
		}
	}

	if _, err := unix.Poll(w.fds, int(timeout/time.Millisecond)); err != nil && !errors.Is(err, unix.EINTR) {
		return fmt.Errorf("waiting for sockets: %w", err)
	}
	if w.fds[0].Revents&unix.POLLIN != 0 {
		var count [8]byte
		_, _ = unix.Read(w.efd, count[:])
	}
	return nil
}

func (w *waker) close() error {
	return unix.Close(w.efd)
}
