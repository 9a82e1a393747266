package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client queries a sprayer's stats service
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// NewClient creates a client for the stats service at addr
func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Connect dials the service and waits until the connection is ready
func (c *Client) Connect(timeout time.Duration) error {
	if c.conn != nil {
		return nil
	}

	conn, err := grpc.NewClient(
		"dns:///"+c.addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("failed to create client for stats service at %s: %w", c.addr, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(ctx, state) {
			_ = conn.Close()
			return fmt.Errorf("connection to stats service at %s failed to become ready within %s", c.addr, timeout)
		}
	}

	c.conn = conn
	log.Debug().Str("addr", c.addr).Msg("Connected to stats service")
	return nil
}

// GetStats fetches every counter and gauge
func (c *Client) GetStats(ctx context.Context) (map[string]float64, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("not connected to stats service")
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, getStatsMethod, &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("GetStats: %w", err)
	}

	values := make(map[string]float64, len(out.GetFields()))
	for name, v := range out.GetFields() {
		values[name] = v.GetNumberValue()
	}
	return values, nil
}

// ResetStats zeroes the remote counters
func (c *Client) ResetStats(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("not connected to stats service")
	}
	if err := c.conn.Invoke(ctx, resetStatsMethod, &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("ResetStats: %w", err)
	}
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
