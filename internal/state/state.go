// Package state holds the links the sprayer runs on.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/rocespray/internal/nexthop"
)

// LinkDiscoverer resolves an interface name
type LinkDiscoverer func(name string) (nexthop.Link, error)

// SprayerState holds the current state of the sprayer
type SprayerState struct {
	instanceID string
	discover   LinkDiscoverer
	ingress    nexthop.Link
	egress     nexthop.Link
	started    time.Time
	mutex      sync.RWMutex
}

// NewSprayerState creates a new sprayer state using netlink discovery
func NewSprayerState(instanceID string) *SprayerState {
	return NewSprayerStateWith(instanceID, nexthop.DiscoverLink)
}

// NewSprayerStateWith creates a sprayer state with a custom discoverer
func NewSprayerStateWith(instanceID string, discover LinkDiscoverer) *SprayerState {
	return &SprayerState{
		instanceID: instanceID,
		discover:   discover,
	}
}

// Initialize discovers the ingress and egress links
func (s *SprayerState) Initialize(ingressName, egressName string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ingress, err := s.discover(ingressName)
	if err != nil {
		return fmt.Errorf("failed to discover ingress link: %w", err)
	}
	egress := ingress
	if egressName != ingressName {
		egress, err = s.discover(egressName)
		if err != nil {
			return fmt.Errorf("failed to discover egress link: %w", err)
		}
	}

	s.ingress = ingress
	s.egress = egress
	s.started = time.Now()

	log.Info().
		Str("ingress", ingress.Name).
		Int("ingress_index", ingress.Index).
		Str("ingress_mac", ingress.MAC.String()).
		Str("ingress_ip", ingress.IP.String()).
		Str("egress", egress.Name).
		Int("egress_index", egress.Index).
		Str("egress_mac", egress.MAC.String()).
		Str("egress_ip", egress.IP.String()).
		Msg("Links discovered")
	return nil
}

// GetInstanceID returns the instance ID
func (s *SprayerState) GetInstanceID() string {
	return s.instanceID
}

// GetIngress returns the host-facing link
func (s *SprayerState) GetIngress() nexthop.Link {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ingress
}

// GetEgress returns the fabric-facing link
func (s *SprayerState) GetEgress() nexthop.Link {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.egress
}

// SingleLink reports whether ingress and egress are the same interface
func (s *SprayerState) SingleLink() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.ingress.Index == s.egress.Index
}

// Uptime returns the time since Initialize
func (s *SprayerState) Uptime() time.Duration {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}
