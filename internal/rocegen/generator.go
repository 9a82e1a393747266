// Package rocegen generates RoCEv2 test traffic: BTH-framed UDP datagrams
// for scripted or automatic message sequences.
package rocegen

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rocespray/internal/header"
)

// Config holds generator settings
type Config struct {
	// PacketSize is the UDP payload size, BTH included
	PacketSize   int
	PartitionKey uint16
	// Rate is packets per second; zero or less is unlimited
	Rate int
	// Settle is the pause after the start announcement and before the end one
	Settle time.Duration
}

// Result summarizes a run
type Result struct {
	Packets int
	Bytes   int
	Elapsed time.Duration
}

// Generator sends messages on a data connection and announces runs on an
// optional control connection
type Generator struct {
	cfg     Config
	data    io.Writer
	ctrl    io.Writer
	limiter ratelimit.Limiter
}

// New creates a generator. ctrl may be nil to skip announcements.
func New(cfg Config, data, ctrl io.Writer) *Generator {
	if cfg.PacketSize < header.BTHLen {
		cfg.PacketSize = header.BTHLen
	}
	limiter := ratelimit.NewUnlimited()
	if cfg.Rate > 0 {
		limiter = ratelimit.New(cfg.Rate)
	}
	return &Generator{cfg: cfg, data: data, ctrl: ctrl, limiter: limiter}
}

// Run sends msgs in order, bracketed by start and end announcements
func (g *Generator) Run(ctx context.Context, msgs []Message) (Result, error) {
	var res Result

	if err := g.announce(ctx, msgs, header.CtrlStart); err != nil {
		return res, err
	}

	buf := make([]byte, g.cfg.PacketSize)
	start := time.Now()
	for _, m := range msgs {
		for _, h := range Headers(m, g.cfg.PartitionKey) {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			g.limiter.Take()

			if err := h.Encode(buf); err != nil {
				return res, err
			}
			n, err := g.data.Write(buf)
			if err != nil {
				return res, fmt.Errorf("failed to send psn %d: %w", h.PSN, err)
			}
			res.Packets++
			res.Bytes += n
		}
	}
	res.Elapsed = time.Since(start)

	log.Info().
		Int("packets", res.Packets).
		Int("bytes", res.Bytes).
		Dur("elapsed", res.Elapsed).
		Msg("Run sent")

	if err := g.announce(ctx, msgs, header.CtrlEnd); err != nil {
		return res, err
	}
	return res, nil
}

func (g *Generator) announce(ctx context.Context, msgs []Message, startEnd uint8) error {
	if g.ctrl == nil {
		return nil
	}
	if startEnd == header.CtrlEnd {
		if err := sleep(ctx, g.cfg.Settle); err != nil {
			return err
		}
	}

	c := Announcement(msgs, startEnd)
	b := make([]byte, header.CtrlLen)
	if err := c.Encode(b); err != nil {
		return err
	}
	if _, err := g.ctrl.Write(b); err != nil {
		return fmt.Errorf("failed to send announcement: %w", err)
	}
	log.Debug().
		Uint8("start_end", startEnd).
		Uint32("first", c.First).
		Uint32("last", c.Last).
		Uint32("packets", c.NumPacket).
		Msg("Announcement sent")

	if startEnd == header.CtrlStart {
		return sleep(ctx, g.cfg.Settle)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
