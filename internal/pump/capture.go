package pump

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/multierr"
)

const captureSnapLen = 65536

// Capture writes frames to a pcap stream
type Capture struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
}

// NewCapture writes a pcap file header to w
func NewCapture(w io.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	c := &Capture{w: pw}
	if cl, ok := w.(io.Closer); ok {
		c.closer = cl
	}
	return c, nil
}

// CreateCapture creates a pcap file at path
func CreateCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	c, err := NewCapture(f)
	if err != nil {
		return nil, multierr.Append(err, f.Close())
	}
	return c, nil
}

// Write records one frame
func (c *Capture) Write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := min(len(frame), captureSnapLen)
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: n,
		Length:        len(frame),
	}, frame[:n])
}

// Close closes the underlying file, if any
func (c *Capture) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
