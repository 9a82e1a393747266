package state

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rocespray/internal/header"
	"github.com/yuuki/rocespray/internal/nexthop"
)

func fakeLinks(links ...nexthop.Link) LinkDiscoverer {
	return func(name string) (nexthop.Link, error) {
		for _, l := range links {
			if l.Name == name {
				return l, nil
			}
		}
		return nexthop.Link{}, errors.New("no such link")
	}
}

var (
	eth0 = nexthop.Link{Name: "eth0", Index: 2, MAC: header.MAC{2, 0, 0, 0, 0, 1}, IP: netip.MustParseAddr("192.168.1.1")}
	eth1 = nexthop.Link{Name: "eth1", Index: 3, MAC: header.MAC{2, 0, 0, 0, 0, 2}, IP: netip.MustParseAddr("10.0.0.1")}
)

func TestInitialize(t *testing.T) {
	s := NewSprayerStateWith("node-1", fakeLinks(eth0, eth1))
	assert.Equal(t, "node-1", s.GetInstanceID())
	assert.Zero(t, s.Uptime())

	require.NoError(t, s.Initialize("eth0", "eth1"))
	assert.Equal(t, eth0, s.GetIngress())
	assert.Equal(t, eth1, s.GetEgress())
	assert.False(t, s.SingleLink())
	assert.Positive(t, s.Uptime())
}

func TestInitializeSingleLink(t *testing.T) {
	calls := 0
	discover := func(name string) (nexthop.Link, error) {
		calls++
		return fakeLinks(eth0)(name)
	}
	s := NewSprayerStateWith("node-1", discover)

	require.NoError(t, s.Initialize("eth0", "eth0"))
	assert.True(t, s.SingleLink())
	assert.Equal(t, 1, calls)
}

func TestInitializeUnknownLink(t *testing.T) {
	s := NewSprayerStateWith("node-1", fakeLinks(eth0))
	assert.ErrorContains(t, s.Initialize("eth0", "eth9"), "egress")
	assert.ErrorContains(t, s.Initialize("eth9", "eth0"), "ingress")
}
