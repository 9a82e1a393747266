//go:build linux

package ebpf

import (
	"fmt"

	"github.com/asavie/xdp"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"
)

// Redirector owns the XDP program attached to one interface and the
// queue to socket map it redirects through.
type Redirector struct {
	ifindex int
	prog    *xdp.Program
	link    link.Link
	queues  []int
}

// NewRedirector loads the redirect program and attaches it to ifindex
func NewRedirector(ifindex, maxQueues int, mode Mode) (*Redirector, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("removing memlock rlimit: %w", err)
	}

	prog, err := xdp.NewProgram(maxQueues)
	if err != nil {
		return nil, fmt.Errorf("loading XDP redirect program: %w", err)
	}

	var flags link.XDPAttachFlags
	switch mode {
	case ModeDriver:
		flags = link.XDPDriverMode
	case ModeGeneric:
		flags = link.XDPGenericMode
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   prog.Program,
		Interface: ifindex,
		Flags:     flags,
	})
	if err != nil {
		return nil, multierr.Append(
			fmt.Errorf("attaching XDP program to ifindex %d (%s mode): %w", ifindex, mode, err),
			prog.Close(),
		)
	}

	log.Info().Int("ifindex", ifindex).Stringer("mode", mode).Msg("XDP redirect program attached")
	return &Redirector{ifindex: ifindex, prog: prog, link: l}, nil
}

// Register steers frames received on queue to the socket fd
func (r *Redirector) Register(queue, fd int) error {
	if err := r.prog.Register(queue, fd); err != nil {
		return fmt.Errorf("registering socket for queue %d: %w", queue, err)
	}
	r.queues = append(r.queues, queue)
	return nil
}

// Close detaches the program and releases its maps
func (r *Redirector) Close() error {
	var err error
	for _, q := range r.queues {
		err = multierr.Append(err, r.prog.Unregister(q))
	}
	r.queues = nil
	err = multierr.Append(err, r.link.Close())
	err = multierr.Append(err, r.prog.Close())
	if err != nil {
		return fmt.Errorf("closing XDP redirect on ifindex %d: %w", r.ifindex, err)
	}
	log.Info().Int("ifindex", r.ifindex).Msg("XDP redirect program detached")
	return nil
}
