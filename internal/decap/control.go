package decap

import (
	"github.com/rs/zerolog/log"
	"github.com/yuuki/rocespray/internal/header"
)

// control handles a CtrlSequence announcement. A run start resets the
// counters so the next summary covers only that run.
func (d *Decapsulator) control(payload []byte) {
	c, err := header.DecodeCtrl(payload)
	if err != nil {
		log.Debug().Err(err).Msg("Ignoring malformed control packet")
		return
	}

	switch c.StartEnd {
	case header.CtrlStart:
		d.counters.Reset()
		log.Info().
			Uint32("qp", c.QPID).
			Uint32("packets", c.NumPacket).
			Uint32("first", c.First).
			Uint32("last", c.Last).
			Msg("Run announced, counters reset")
	case header.CtrlEnd:
		log.Info().
			Uint32("qp", c.QPID).
			Uint32("packets", c.NumPacket).
			Uint64("decapsulated", d.counters.Decapsulated.Load()).
			Uint64("out_of_order", d.counters.OutOfOrder.Load()).
			Uint64("late", d.counters.Late.Load()).
			Uint64("stall_skips", d.counters.StallSkips.Load()).
			Uint64("dropped", d.counters.Dropped.Load()).
			Msg("Run finished")
	}
	d.counters.CtrlPackets.Inc()
}
