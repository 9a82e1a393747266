//go:build !linux

package pump

import (
	"errors"
	"time"
)

type waker struct{}

func newWaker([]Pollable) (*waker, error) {
	return nil, errors.ErrUnsupported
}

func (w *waker) wake()                    {}
func (w *waker) wait(time.Duration) error { return nil }
func (w *waker) close() error             { return nil }
