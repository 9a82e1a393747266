package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersResetKeepsBuffered(t *testing.T) {
	c := &Counters{}
	c.RxPackets.Add(10)
	c.StallSkips.Inc()
	c.Buffered.Store(4)

	c.Reset()

	snap := c.Snapshot()
	assert.Equal(t, float64(0), snap["rx_packets"])
	assert.Equal(t, float64(0), snap["stall_skips"])
	assert.Equal(t, float64(4), snap["buffered"])
}

func TestServiceValuesIncludeGauges(t *testing.T) {
	c := &Counters{}
	c.Decapsulated.Add(3)
	s := NewService(c)
	s.AddGauge("flow_cache_entries", func() float64 { return 12 })

	values := s.Values()
	assert.Equal(t, float64(3), values["decapsulated"])
	assert.Equal(t, float64(12), values["flow_cache_entries"])
	assert.Contains(t, SortedNames(values), "flow_cache_entries")
}

func TestServerRoundTrip(t *testing.T) {
	c := &Counters{}
	c.OutOfOrder.Add(7)
	c.Late.Add(2)
	service := NewService(c)
	service.AddGauge("tracked_qps", func() float64 { return 1 })

	server := NewServer("127.0.0.1:0", service)
	require.NoError(t, server.Start())
	defer server.Stop()

	client := NewClient(server.Addr())
	require.NoError(t, client.Connect(5*time.Second))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	values, err := client.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(7), values["out_of_order"])
	assert.Equal(t, float64(2), values["late"])
	assert.Equal(t, float64(1), values["tracked_qps"])

	require.NoError(t, client.ResetStats(ctx))
	assert.Equal(t, uint64(0), c.OutOfOrder.Load())

	values, err = client.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(0), values["out_of_order"])
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient("127.0.0.1:1")
	_, err := client.GetStats(context.Background())
	assert.Error(t, err)
	assert.Error(t, client.ResetStats(context.Background()))
	assert.NoError(t, client.Close())
}
