// Copyright 2023 The go-gretunnel Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"net"
	"sort"
	"sync"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
)

// BrickNetwork is the bus name of the network store.
const BrickNetwork = "network"

// EventNetworkAdd is published when a network is created.
type EventNetworkAdd struct {
	NetworkID string
}

// EventNetworkDel is published when a network is removed.
type EventNetworkDel struct {
	NetworkID string
}

// EventNetworkPort is published when a port is bound to or unbound from a
// network.  On unbind, MAC carries the registration released with the
// port, since the store can no longer resolve it.
type EventNetworkPort struct {
	NetworkID string
	DPID      openflow.DPID
	PortNo    openflow.PortNo
	MAC       net.HardwareAddr
	Add       bool
}

// EventMacAddress is published when a MAC address is registered for a
// port.  MACs are only released together with their port, and that release
// is reported by EventNetworkPort, so Add is always true.
type EventMacAddress struct {
	NetworkID string
	DPID      openflow.DPID
	PortNo    openflow.PortNo
	MAC       net.HardwareAddr
	Add       bool
}

// A Port is one switch port as known to the network store.
type Port struct {
	DPID      openflow.DPID
	PortNo    openflow.PortNo
	NetworkID string
	MAC       net.HardwareAddr // nil until registered
}

type portKey struct {
	dpid openflow.DPID
	no   openflow.PortNo
}

type portRecord struct {
	networkID string
	mac       net.HardwareAddr
}

// A NetworkStore maps tenant networks to their member ports and MAC
// registrations.  A (dpid, port) pair belongs to at most one network, and
// a MAC is unique within its network.
type NetworkStore struct {
	brick *appbus.Brick

	mu       sync.Mutex
	networks map[string]map[portKey]*portRecord
	ports    map[portKey]*portRecord
}

// NewNetworkStore creates a NetworkStore publishing on the given brick.
func NewNetworkStore(brick *appbus.Brick) *NetworkStore {
	return &NetworkStore{
		brick:    brick,
		networks: make(map[string]map[portKey]*portRecord),
		ports:    make(map[portKey]*portRecord),
	}
}

// Brick returns the store's bus brick, for observer wiring.
func (s *NetworkStore) Brick() *appbus.Brick { return s.brick }

func (s *NetworkStore) publish(ev appbus.Event) {
	s.brick.SendEventToObservers(ev, appbus.StateNone)
}

// CreateNetwork registers a new network.
func (s *NetworkStore) CreateNetwork(id string) error {
	s.mu.Lock()
	if _, ok := s.networks[id]; ok {
		s.mu.Unlock()
		return ErrNetworkAlreadyExists
	}
	s.networks[id] = make(map[portKey]*portRecord)
	s.mu.Unlock()

	s.publish(&EventNetworkAdd{NetworkID: id})
	return nil
}

// UpdateNetwork registers a network if it does not exist yet.  Replays
// are nops and publish nothing.
func (s *NetworkStore) UpdateNetwork(id string) error {
	s.mu.Lock()
	if _, ok := s.networks[id]; ok {
		s.mu.Unlock()
		return nil
	}
	s.networks[id] = make(map[portKey]*portRecord)
	s.mu.Unlock()

	s.publish(&EventNetworkAdd{NetworkID: id})
	return nil
}

// RemoveNetwork removes an empty network.
func (s *NetworkStore) RemoveNetwork(id string) error {
	s.mu.Lock()
	ports, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNetworkNotFound
	}
	if len(ports) > 0 {
		s.mu.Unlock()
		return ErrNetworkInUse
	}
	delete(s.networks, id)
	s.mu.Unlock()

	s.publish(&EventNetworkDel{NetworkID: id})
	return nil
}

// ListNetworks returns all network identifiers in sorted order.
func (s *NetworkStore) ListNetworks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.networks))
	for id := range s.networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasNetwork reports whether the network exists and still references at
// least one datapath port.
func (s *NetworkStore) HasNetwork(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports, ok := s.networks[id]
	return ok && len(ports) > 0
}

// CreatePort binds a port to a network.  A port belongs to at most one
// network.
func (s *NetworkStore) CreatePort(id string, dpid openflow.DPID, no openflow.PortNo) error {
	key := portKey{dpid: dpid, no: no}

	s.mu.Lock()
	ports, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNetworkNotFound
	}
	if _, ok := s.ports[key]; ok {
		s.mu.Unlock()
		return ErrPortAlreadyExists
	}
	rec := &portRecord{networkID: id}
	ports[key] = rec
	s.ports[key] = rec
	s.mu.Unlock()

	s.publish(&EventNetworkPort{NetworkID: id, DPID: dpid, PortNo: no, Add: true})
	return nil
}

// UpdatePort binds a port to a network if not already bound to it.  A
// binding to a different network is a conflict.
func (s *NetworkStore) UpdatePort(id string, dpid openflow.DPID, no openflow.PortNo) error {
	key := portKey{dpid: dpid, no: no}

	s.mu.Lock()
	ports, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNetworkNotFound
	}
	if rec, ok := s.ports[key]; ok {
		s.mu.Unlock()
		if rec.networkID != id {
			return ErrPortAlreadyExists
		}
		return nil
	}
	rec := &portRecord{networkID: id}
	ports[key] = rec
	s.ports[key] = rec
	s.mu.Unlock()

	s.publish(&EventNetworkPort{NetworkID: id, DPID: dpid, PortNo: no, Add: true})
	return nil
}

// RemovePort unbinds a port from its network, releasing any registered
// MAC with it.
func (s *NetworkStore) RemovePort(id string, dpid openflow.DPID, no openflow.PortNo) error {
	key := portKey{dpid: dpid, no: no}

	s.mu.Lock()
	ports, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNetworkNotFound
	}
	rec, ok := ports[key]
	if !ok {
		s.mu.Unlock()
		return ErrPortNotFound
	}
	mac := rec.mac
	delete(ports, key)
	delete(s.ports, key)
	s.mu.Unlock()

	s.publish(&EventNetworkPort{NetworkID: id, DPID: dpid, PortNo: no, MAC: mac, Add: false})
	return nil
}

// CreateMac registers the MAC address of a port.  The MAC must be unique
// within the port's network, and a port carries at most one MAC.
func (s *NetworkStore) CreateMac(id string, dpid openflow.DPID, no openflow.PortNo, mac net.HardwareAddr) error {
	key := portKey{dpid: dpid, no: no}

	s.mu.Lock()
	ports, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNetworkNotFound
	}
	rec, ok := ports[key]
	if !ok {
		s.mu.Unlock()
		return ErrPortNotFound
	}
	if rec.mac != nil {
		s.mu.Unlock()
		return ErrMacAlreadyExists
	}
	for _, other := range ports {
		if other.mac != nil && macEqual(other.mac, mac) {
			s.mu.Unlock()
			return ErrMacAlreadyExists
		}
	}
	rec.mac = cloneMAC(mac)
	s.mu.Unlock()

	s.publish(&EventMacAddress{NetworkID: id, DPID: dpid, PortNo: no, MAC: cloneMAC(mac), Add: true})
	return nil
}

// UpdateMac registers the MAC address of a port if none is registered.
// Re-registering the same MAC is a nop; changing a MAC is not allowed.
func (s *NetworkStore) UpdateMac(id string, dpid openflow.DPID, no openflow.PortNo, mac net.HardwareAddr) error {
	s.mu.Lock()
	ports, ok := s.networks[id]
	if !ok {
		s.mu.Unlock()
		return ErrNetworkNotFound
	}
	rec, ok := ports[portKey{dpid: dpid, no: no}]
	if !ok {
		s.mu.Unlock()
		return ErrPortNotFound
	}
	if rec.mac != nil {
		same := macEqual(rec.mac, mac)
		s.mu.Unlock()
		if !same {
			return ErrMacAlreadyExists
		}
		return nil
	}
	s.mu.Unlock()

	return s.CreateMac(id, dpid, no, mac)
}

// ListMacs returns the MAC addresses registered for a port; at most one.
func (s *NetworkStore) ListMacs(dpid openflow.DPID, no openflow.PortNo) ([]net.HardwareAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ports[portKey{dpid: dpid, no: no}]
	if !ok {
		return nil, ErrPortNotFound
	}
	if rec.mac == nil {
		return nil, nil
	}
	return []net.HardwareAddr{cloneMAC(rec.mac)}, nil
}

// GetMac returns the MAC registered for a port, or nil when none is.
func (s *NetworkStore) GetMac(dpid openflow.DPID, no openflow.PortNo) (net.HardwareAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ports[portKey{dpid: dpid, no: no}]
	if !ok {
		return nil, ErrPortNotFound
	}
	return cloneMAC(rec.mac), nil
}

// GetPort returns the store's view of one port.
func (s *NetworkStore) GetPort(dpid openflow.DPID, no openflow.PortNo) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.ports[portKey{dpid: dpid, no: no}]
	if !ok {
		return Port{}, ErrPortNotFound
	}
	return Port{
		DPID:      dpid,
		PortNo:    no,
		NetworkID: rec.networkID,
		MAC:       cloneMAC(rec.mac),
	}, nil
}

// GetPorts returns every port of a datapath known to the store, sorted by
// port number.
func (s *NetworkStore) GetPorts(dpid openflow.DPID) []Port {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ports []Port
	for key, rec := range s.ports {
		if key.dpid != dpid {
			continue
		}
		ports = append(ports, Port{
			DPID:      key.dpid,
			PortNo:    key.no,
			NetworkID: rec.networkID,
			MAC:       cloneMAC(rec.mac),
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].PortNo < ports[j].PortNo })
	return ports
}

// ListPorts returns every port of a network, sorted by (dpid, port).
func (s *NetworkStore) ListPorts(id string) ([]Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.networks[id]
	if !ok {
		return nil, ErrNetworkNotFound
	}

	ports := make([]Port, 0, len(members))
	for key, rec := range members {
		ports = append(ports, Port{
			DPID:      key.dpid,
			PortNo:    key.no,
			NetworkID: rec.networkID,
			MAC:       cloneMAC(rec.mac),
		})
	}
	sort.Slice(ports, func(i, j int) bool {
		if ports[i].DPID != ports[j].DPID {
			return ports[i].DPID < ports[j].DPID
		}
		return ports[i].PortNo < ports[j].PortNo
	})
	return ports, nil
}

// GetDPIDs returns the set of datapaths with at least one port in the
// network, sorted.
func (s *NetworkStore) GetDPIDs(id string) []openflow.DPID {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.networks[id]
	if !ok {
		return nil
	}

	seen := make(map[openflow.DPID]struct{})
	for key := range members {
		seen[key.dpid] = struct{}{}
	}
	dpids := make([]openflow.DPID, 0, len(seen))
	for dpid := range seen {
		dpids = append(dpids, dpid)
	}
	sort.Slice(dpids, func(i, j int) bool { return dpids[i] < dpids[j] })
	return dpids
}

func macEqual(a, b net.HardwareAddr) bool {
	return a.String() == b.String()
}

func cloneMAC(mac net.HardwareAddr) net.HardwareAddr {
	if mac == nil {
		return nil
	}
	return append(net.HardwareAddr(nil), mac...)
}
