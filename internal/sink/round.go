package sink

import (
	"time"

	"github.com/yuuki/rocespray/internal/header"
)

// Round is the summary of one generated run
type Round struct {
	Packets    int
	OutOfOrder int
	Bytes      int
	First      uint32
	Last       uint32
	Lost       int
	Elapsed    time.Duration
}

// Megabytes returns the received volume in MB
func (r Round) Megabytes() float64 {
	return float64(r.Bytes) / 1e6
}

// Mbps returns the goodput in Mbit/s
func (r Round) Mbps() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Bytes) * 8 / 1e6 / r.Elapsed.Seconds()
}

// PPS returns packets per second
func (r Round) PPS() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Packets) / r.Elapsed.Seconds()
}

// Counter accumulates per-round statistics. It is not safe for concurrent use.
type Counter struct {
	active    bool
	start     time.Time
	havePrev  bool
	prev      uint32
	round     Round
	announced bool
	announce  header.CtrlSequence
}

// Announce records the expected sequence range of the next round
func (c *Counter) Announce(seq header.CtrlSequence) {
	if seq.StartEnd == header.CtrlStart {
		c.announced = true
		c.announce = seq
	}
}

// Observe counts one received packet of n bytes. It returns the finished
// round when h marks the end of a run.
func (c *Counter) Observe(h header.BTH, n int, now time.Time) (Round, bool) {
	if !c.active {
		c.active = true
		c.start = now
		c.round = Round{First: h.PSN}
	}

	if c.havePrev && h.PSN != (c.prev+1)&header.MaxSeq {
		c.round.OutOfOrder++
	}
	c.havePrev = true
	c.prev = h.PSN
	c.round.Packets++
	c.round.Bytes += n

	if !h.FinalOfRun() {
		return Round{}, false
	}

	r := c.round
	r.Last = h.PSN
	if c.announced {
		r.First, r.Last = c.announce.First, c.announce.Last
	}
	r.Elapsed = now.Sub(c.start)
	r.Lost = max(int(r.Last)-int(r.First)+1-r.Packets, 0)

	*c = Counter{}
	return r, true
}
