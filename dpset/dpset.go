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

// Package dpset tracks connected datapath sessions and their port state.
// The OpenFlow session layer feeds it; the rest of the controller reads
// it and observes its events.
package dpset

import (
	"errors"
	"sort"
	"sync"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
)

// BrickName is the bus name of the datapath set.
const BrickName = "dpset"

// Errors returned by lookups.
var (
	ErrDPNotFound   = errors.New("datapath not connected")
	ErrPortNotFound = errors.New("port not found")
)

// EventDP is published when a datapath connects or disconnects.
type EventDP struct {
	DP    openflow.Datapath
	Enter bool
}

// EventPortAdd is published when a switch reports a new port.
type EventPortAdd struct {
	DP   openflow.Datapath
	Port openflow.Port
}

// EventPortDelete is published when a switch reports a removed port.
type EventPortDelete struct {
	DP   openflow.Datapath
	Port openflow.Port
}

// EventPortModify is published when a switch reports a port state change.
type EventPortModify struct {
	DP   openflow.Datapath
	Port openflow.Port
}

// A DPSet is the registry of connected datapaths.
type DPSet struct {
	brick *appbus.Brick

	mu    sync.Mutex
	dps   map[openflow.DPID]openflow.Datapath
	ports map[openflow.DPID]map[openflow.PortNo]openflow.Port
}

// New creates a DPSet publishing on the given brick.
func New(brick *appbus.Brick) *DPSet {
	return &DPSet{
		brick: brick,
		dps:   make(map[openflow.DPID]openflow.Datapath),
		ports: make(map[openflow.DPID]map[openflow.PortNo]openflow.Port),
	}
}

// Brick returns the set's bus brick, for observer wiring.
func (s *DPSet) Brick() *appbus.Brick { return s.brick }

func (s *DPSet) publish(ev appbus.Event) {
	s.brick.SendEventToObservers(ev, appbus.StateNone)
}

// Register records a datapath session that completed its handshake, along
// with the ports it reported, and announces it.  A reconnecting datapath
// replaces its previous session.
func (s *DPSet) Register(dp openflow.Datapath, ports []openflow.Port) {
	dpid := dp.ID()

	s.mu.Lock()
	s.dps[dpid] = dp
	m := make(map[openflow.PortNo]openflow.Port, len(ports))
	for _, p := range ports {
		m[p.No] = p
	}
	s.ports[dpid] = m
	s.mu.Unlock()

	s.publish(&EventDP{DP: dp, Enter: true})
}

// Unregister drops a disconnected datapath and its derived port state.
func (s *DPSet) Unregister(dpid openflow.DPID) {
	s.mu.Lock()
	dp, ok := s.dps[dpid]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.dps, dpid)
	delete(s.ports, dpid)
	s.mu.Unlock()

	s.publish(&EventDP{DP: dp, Enter: false})
}

// Get returns the session of a connected datapath, or nil.
func (s *DPSet) Get(dpid openflow.DPID) openflow.Datapath {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dps[dpid]
}

// DPIDs returns the connected datapaths, sorted.
func (s *DPSet) DPIDs() []openflow.DPID {
	s.mu.Lock()
	defer s.mu.Unlock()

	dpids := make([]openflow.DPID, 0, len(s.dps))
	for dpid := range s.dps {
		dpids = append(dpids, dpid)
	}
	sort.Slice(dpids, func(i, j int) bool { return dpids[i] < dpids[j] })
	return dpids
}

// AddPort records a reported port and announces it.
func (s *DPSet) AddPort(dpid openflow.DPID, port openflow.Port) {
	s.mu.Lock()
	dp, ok := s.dps[dpid]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.ports[dpid][port.No] = port
	s.mu.Unlock()

	s.publish(&EventPortAdd{DP: dp, Port: port})
}

// DeletePort drops a reported port and announces it.
func (s *DPSet) DeletePort(dpid openflow.DPID, port openflow.Port) {
	s.mu.Lock()
	dp, ok := s.dps[dpid]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.ports[dpid], port.No)
	s.mu.Unlock()

	s.publish(&EventPortDelete{DP: dp, Port: port})
}

// ModifyPort updates a reported port's state and announces it.
func (s *DPSet) ModifyPort(dpid openflow.DPID, port openflow.Port) {
	s.mu.Lock()
	dp, ok := s.dps[dpid]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.ports[dpid][port.No] = port
	s.mu.Unlock()

	s.publish(&EventPortModify{DP: dp, Port: port})
}

// PacketIn publishes a punted packet on behalf of a session, tagged with
// the session's dispatcher state.
func (s *DPSet) PacketIn(dpid openflow.DPID, bufferID uint32, no openflow.PortNo, data []byte, state appbus.State) {
	s.mu.Lock()
	dp, ok := s.dps[dpid]
	s.mu.Unlock()
	if !ok {
		return
	}

	s.brick.SendEventToObservers(&openflow.EventPacketIn{
		DP:       dp,
		BufferID: bufferID,
		InPort:   no,
		Data:     data,
	}, state)
}

// PortState returns the state bitmap of one port.
func (s *DPSet) PortState(dpid openflow.DPID, no openflow.PortNo) (openflow.PortState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ports, ok := s.ports[dpid]
	if !ok {
		return 0, ErrDPNotFound
	}
	port, ok := ports[no]
	if !ok {
		return 0, ErrPortNotFound
	}
	return port.State, nil
}

// LinkUp reports whether a port is known and its link is up.
func (s *DPSet) LinkUp(dpid openflow.DPID, no openflow.PortNo) bool {
	state, err := s.PortState(dpid, no)
	if err != nil {
		return false
	}
	return !state.LinkDown()
}
