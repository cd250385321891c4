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
	"sort"
	"sync"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
)

// BrickTunnels is the bus name of the tunnel store.
const BrickTunnels = "tunnels"

// TunnelKeyReserved is never assigned to a network.
const TunnelKeyReserved uint32 = 0

// EventTunnelKeyAdd is published when a network gets its tunnel key.
type EventTunnelKeyAdd struct {
	NetworkID string
	Key       uint32
}

// EventTunnelKeyDel is published when a network's tunnel key is released.
type EventTunnelKeyDel struct {
	NetworkID string
	Key       uint32
}

// EventTunnelPort is published when a tunnel port binding changes.
type EventTunnelPort struct {
	DPID   openflow.DPID
	PortNo openflow.PortNo
	Add    bool
}

type tunnelPair struct {
	dpid   openflow.DPID
	remote openflow.DPID
}

// A TunnelStore holds the network-to-tunnel-key bijection and the tunnel
// port bindings between datapath pairs.
type TunnelStore struct {
	brick *appbus.Brick

	mu     sync.Mutex
	keys   map[string]uint32
	nets   map[uint32]string
	ports  map[tunnelPair]openflow.PortNo
	rports map[portKey]openflow.DPID
}

// NewTunnelStore creates a TunnelStore publishing on the given brick.
func NewTunnelStore(brick *appbus.Brick) *TunnelStore {
	return &TunnelStore{
		brick:  brick,
		keys:   make(map[string]uint32),
		nets:   make(map[uint32]string),
		ports:  make(map[tunnelPair]openflow.PortNo),
		rports: make(map[portKey]openflow.DPID),
	}
}

// Brick returns the store's bus brick, for observer wiring.
func (s *TunnelStore) Brick() *appbus.Brick { return s.brick }

func (s *TunnelStore) publish(ev appbus.Event) {
	s.brick.SendEventToObservers(ev, appbus.StateNone)
}

// RegisterKey binds a tunnel key to a network.  The relation is a
// bijection: a network holds one key, and a key serves one network.
func (s *TunnelStore) RegisterKey(id string, key uint32) error {
	if IsReservedNetwork(id) || key == TunnelKeyReserved {
		return ErrReserved
	}

	s.mu.Lock()
	if _, ok := s.keys[id]; ok {
		s.mu.Unlock()
		return ErrTunnelKeyAlreadyBound
	}
	if _, ok := s.nets[key]; ok {
		s.mu.Unlock()
		return ErrTunnelKeyInUse
	}
	s.keys[id] = key
	s.nets[key] = id
	s.mu.Unlock()

	s.publish(&EventTunnelKeyAdd{NetworkID: id, Key: key})
	return nil
}

// UpdateKey binds a tunnel key to a network; rebinding the same pair is a
// nop, any other existing binding is a conflict.
func (s *TunnelStore) UpdateKey(id string, key uint32) error {
	s.mu.Lock()
	if bound, ok := s.keys[id]; ok && bound == key {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.RegisterKey(id, key)
}

// DeleteKey releases the tunnel key of a network.
func (s *TunnelStore) DeleteKey(id string) error {
	s.mu.Lock()
	key, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrTunnelKeyNotFound
	}
	delete(s.keys, id)
	delete(s.nets, key)
	s.mu.Unlock()

	s.publish(&EventTunnelKeyDel{NetworkID: id, Key: key})
	return nil
}

// GetKey returns the tunnel key of a network.
func (s *TunnelStore) GetKey(id string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[id]
	if !ok {
		return 0, ErrTunnelKeyNotFound
	}
	return key, nil
}

// GetNetwork returns the network bound to a tunnel key.
func (s *TunnelStore) GetNetwork(key uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.nets[key]
	if !ok {
		return "", ErrTunnelKeyNotFound
	}
	return id, nil
}

// RegisterPort records that the local port on dpid carries the GRE tunnel
// toward remote.
func (s *TunnelStore) RegisterPort(dpid, remote openflow.DPID, no openflow.PortNo) error {
	pair := tunnelPair{dpid: dpid, remote: remote}
	key := portKey{dpid: dpid, no: no}

	s.mu.Lock()
	if _, ok := s.ports[pair]; ok {
		s.mu.Unlock()
		return ErrPortAlreadyExists
	}
	if _, ok := s.rports[key]; ok {
		s.mu.Unlock()
		return ErrPortAlreadyExists
	}
	s.ports[pair] = no
	s.rports[key] = remote
	s.mu.Unlock()

	s.publish(&EventTunnelPort{DPID: dpid, PortNo: no, Add: true})
	return nil
}

// UpdatePort records a tunnel port binding; re-recording the same binding
// is a nop.
func (s *TunnelStore) UpdatePort(dpid, remote openflow.DPID, no openflow.PortNo) error {
	s.mu.Lock()
	if bound, ok := s.ports[tunnelPair{dpid: dpid, remote: remote}]; ok && bound == no {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.RegisterPort(dpid, remote, no)
}

// DeletePort removes the tunnel port binding toward remote.
func (s *TunnelStore) DeletePort(dpid, remote openflow.DPID) error {
	pair := tunnelPair{dpid: dpid, remote: remote}

	s.mu.Lock()
	no, ok := s.ports[pair]
	if !ok {
		s.mu.Unlock()
		return ErrPortNotFound
	}
	delete(s.ports, pair)
	delete(s.rports, portKey{dpid: dpid, no: no})
	s.mu.Unlock()

	s.publish(&EventTunnelPort{DPID: dpid, PortNo: no, Add: false})
	return nil
}

// GetPort returns the local port on dpid carrying the tunnel toward
// remote.
func (s *TunnelStore) GetPort(dpid, remote openflow.DPID) (openflow.PortNo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	no, ok := s.ports[tunnelPair{dpid: dpid, remote: remote}]
	if !ok {
		return 0, ErrPortNotFound
	}
	return no, nil
}

// GetRemoteDPID returns the datapath at the far end of the tunnel carried
// by (dpid, port).
func (s *TunnelStore) GetRemoteDPID(dpid openflow.DPID, no openflow.PortNo) (openflow.DPID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remote, ok := s.rports[portKey{dpid: dpid, no: no}]
	if !ok {
		return 0, ErrPortNotFound
	}
	return remote, nil
}

// ListPorts returns the tunnel ports of a datapath, sorted.
func (s *TunnelStore) ListPorts(dpid openflow.DPID) []openflow.PortNo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var nos []openflow.PortNo
	for key := range s.rports {
		if key.dpid == dpid {
			nos = append(nos, key.no)
		}
	}
	sort.Slice(nos, func(i, j int) bool { return nos[i] < nos[j] })
	return nos
}
