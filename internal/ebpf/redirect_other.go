//go:build !linux

package ebpf

// Redirector is unavailable on this platform
type Redirector struct{}

// NewRedirector always fails on this platform
func NewRedirector(ifindex, maxQueues int, mode Mode) (*Redirector, error) {
	return nil, ErrUnsupported
}

// Register always fails on this platform
func (r *Redirector) Register(queue, fd int) error {
	return ErrUnsupported
}

// Close is a no-op on this platform
func (r *Redirector) Close() error {
	return nil
}
