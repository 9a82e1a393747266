// Package ebpf loads the XDP program that steers received frames into
// AF_XDP sockets.
package ebpf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned on platforms without AF_XDP
var ErrUnsupported = errors.New("ebpf: AF_XDP is not supported on this platform")

// Mode selects how the XDP program is attached
type Mode uint8

const (
	// ModeAuto lets the kernel pick native mode when the driver supports it
	ModeAuto Mode = iota
	// ModeDriver requires native driver support
	ModeDriver
	// ModeGeneric uses the generic skb-based hook
	ModeGeneric
)

// ParseMode parses an attach mode name
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ModeAuto, nil
	case "driver", "native":
		return ModeDriver, nil
	case "generic", "skb":
		return ModeGeneric, nil
	default:
		return ModeAuto, fmt.Errorf("ebpf: unknown XDP mode %q", s)
	}
}

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeDriver:
		return "driver"
	case ModeGeneric:
		return "generic"
	default:
		return "auto"
	}
}
