package sprayer

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/yuuki/rocespray/internal/config"
	"github.com/yuuki/rocespray/internal/decap"
	"github.com/yuuki/rocespray/internal/nexthop"
	"github.com/yuuki/rocespray/internal/packet"
	"github.com/yuuki/rocespray/internal/pump"
	"github.com/yuuki/rocespray/internal/reorder"
	"github.com/yuuki/rocespray/internal/seqtrack"
	"github.com/yuuki/rocespray/internal/spray"
	"github.com/yuuki/rocespray/internal/stats"
)

// socketOpener opens a socket on link. receive is false for links the
// sprayer only transmits on.
type socketOpener func(link nexthop.Link, receive bool) (pump.Socket, error)

// dataPath is the wired packet path of one sprayer
type dataPath struct {
	encap   *spray.Encapsulator
	decap   *decap.Decapsulator
	tracker *seqtrack.Tracker
	engine  *reorder.Engine

	host   *pump.Port
	fabric *pump.Port
	pump   *pump.Pump
}

// buildDataPath wires the handlers of mode between the host-facing ingress
// link and the fabric-facing egress link
func buildDataPath(
	cfg *config.SprayerConfig,
	counters *stats.Counters,
	hops spray.NextHops,
	ingress, egress nexthop.Link,
	open socketOpener,
) (dp *dataPath, err error) {
	dp = &dataPath{}
	encapOn := cfg.Mode == config.ModeEncap || cfg.Mode == config.ModeBoth
	decapOn := cfg.Mode == config.ModeDecap || cfg.Mode == config.ModeBoth

	if encapOn {
		dp.encap = spray.NewEncapsulator(spray.Config{
			RoCEPort:  cfg.RoCEPort,
			SprayPort: cfg.SprayPort,
			Links:     cfg.Links,
		}, hops, counters)
	}
	if decapOn {
		var reorderer decap.Reorderer
		if cfg.ReorderEnabled {
			dp.tracker = seqtrack.New()
			dp.engine = reorder.New(reorder.Config{
				QueueSize:    cfg.ReorderQueueSize,
				StallTimeout: cfg.ReorderStallTimeout(),
			}, dp.tracker, func(p *reorder.Packet) bool {
				return dp.decap.Finish(p)
			}, counters)
			reorderer = dp.engine
		}
		dp.decap = decap.New(decap.Config{
			RoCEPort:       cfg.RoCEPort,
			SprayPort:      cfg.SprayPort,
			CtrlPort:       cfg.CtrlPort,
			Links:          cfg.Links,
			ReorderEnabled: cfg.ReorderEnabled,
		}, hops, dp.tracker, reorderer, counters)
	}

	var opened []pump.Socket
	defer func() {
		if err != nil {
			for _, s := range opened {
				err = multierr.Append(err, s.Close())
			}
		}
	}()
	openPort := func(name string, link nexthop.Link, h pump.Handler) (*pump.Port, error) {
		sock, err := open(link, h != nil)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s socket on %s: %w", name, link.Name, err)
		}
		opened = append(opened, sock)
		return &pump.Port{Name: name, Link: link.Index, Socket: sock, Handler: h}, nil
	}

	if ingress.Index == egress.Index {
		dp.host, err = openPort("single", ingress, dp.singleLinkHandler())
		if err != nil {
			return nil, err
		}
		dp.host.Peer = dp.host
		dp.fabric = dp.host
	} else {
		var hostHandler, fabricHandler pump.Handler
		if dp.encap != nil {
			hostHandler = dp.encap
		}
		if dp.decap != nil {
			fabricHandler = dp.decap
		}
		if dp.host, err = openPort("host", ingress, hostHandler); err != nil {
			return nil, err
		}
		if dp.fabric, err = openPort("fabric", egress, fabricHandler); err != nil {
			return nil, err
		}
		dp.host.Peer = dp.fabric
		dp.fabric.Peer = dp.host
	}

	ports := []*pump.Port{dp.host}
	if dp.fabric != dp.host {
		ports = append(ports, dp.fabric)
	}
	dp.pump = pump.New(pump.Config{
		BatchSize:   cfg.BatchSize,
		PollTimeout: cfg.PollTimeout(),
	}, counters, ports...)
	if dp.engine != nil {
		dp.pump.SetReinjector(dp.engine, dp.host)
	}

	log.Debug().
		Str("mode", cfg.Mode).
		Bool("reorder", dp.engine != nil).
		Int("ports", len(ports)).
		Msg("Data path built")
	return dp, nil
}

// singleLinkHandler serves both directions on one interface: sprayed
// traffic is decapsulated and everything else is offered to the encapsulator
func (dp *dataPath) singleLinkHandler() pump.Handler {
	switch {
	case dp.encap != nil && dp.decap != nil:
		return pump.HandlerFunc(func(f *packet.Frame) packet.Verdict {
			if v := dp.decap.Handle(f); v != packet.Pass {
				return v
			}
			return dp.encap.Handle(f)
		})
	case dp.decap != nil:
		return dp.decap
	default:
		return dp.encap
	}
}
