// Package stats holds the data-path counters and serves them over gRPC.
package stats

import "go.uber.org/atomic"

// Counters are the data-path statistics shared by the pumps, the
// encapsulator, the decapsulator and the reorder engine.
type Counters struct {
	RxPackets   atomic.Uint64
	TxPackets   atomic.Uint64
	TxDropped   atomic.Uint64
	PassThrough atomic.Uint64
	Malformed   atomic.Uint64
	Unroutable  atomic.Uint64
	Dropped     atomic.Uint64

	Encapsulated atomic.Uint64
	Decapsulated atomic.Uint64
	FastPath     atomic.Uint64
	Late         atomic.Uint64
	OutOfOrder   atomic.Uint64
	Buffered     atomic.Int64
	Drained      atomic.Uint64
	StallSkips   atomic.Uint64
	BacklogDrops atomic.Uint64
	CtrlPackets  atomic.Uint64

	FillStarved atomic.Uint64
}

// Snapshot returns every counter by name
func (c *Counters) Snapshot() map[string]float64 {
	return map[string]float64{
		"rx_packets":    float64(c.RxPackets.Load()),
		"tx_packets":    float64(c.TxPackets.Load()),
		"tx_dropped":    float64(c.TxDropped.Load()),
		"pass_through":  float64(c.PassThrough.Load()),
		"malformed":     float64(c.Malformed.Load()),
		"unroutable":    float64(c.Unroutable.Load()),
		"dropped":       float64(c.Dropped.Load()),
		"encapsulated":  float64(c.Encapsulated.Load()),
		"decapsulated":  float64(c.Decapsulated.Load()),
		"fast_path":     float64(c.FastPath.Load()),
		"late":          float64(c.Late.Load()),
		"out_of_order":  float64(c.OutOfOrder.Load()),
		"buffered":      float64(c.Buffered.Load()),
		"drained":       float64(c.Drained.Load()),
		"stall_skips":   float64(c.StallSkips.Load()),
		"backlog_drops": float64(c.BacklogDrops.Load()),
		"ctrl_packets":  float64(c.CtrlPackets.Load()),
		"fill_starved":  float64(c.FillStarved.Load()),
	}
}

// Reset zeroes the cumulative counters. Buffered is a gauge and is kept.
func (c *Counters) Reset() {
	for _, u := range []*atomic.Uint64{
		&c.RxPackets, &c.TxPackets, &c.TxDropped, &c.PassThrough, &c.Malformed,
		&c.Unroutable, &c.Dropped, &c.Encapsulated, &c.Decapsulated, &c.FastPath,
		&c.Late, &c.OutOfOrder, &c.Drained, &c.StallSkips, &c.BacklogDrops,
		&c.CtrlPackets, &c.FillStarved,
	} {
		u.Store(0)
	}
}
