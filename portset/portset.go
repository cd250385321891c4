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

// Package portset correlates the three independent event sources feeding
// the controller: switch port state, tenant network membership and tunnel
// key registrations.  It emits port events at a higher level than its
// inputs, with the race conditions between the sources masked: an add is
// emitted only once every precondition holds, a del as soon as any of
// them is gone.
//
// There is a race, for example, between a switch reporting a port and the
// REST side binding a network to that port; whichever arrives last
// triggers the emission.  The correlator keeps no derived state of its
// own; it re-reads the authoritative stores on every input, so replays
// and reorders only ever produce duplicate emissions, which downstream
// consumers absorb.
package portset

import (
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/dpset"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/store"
)

// BrickName is the bus name of the correlator.
const BrickName = "port_set"

// EventVMPort reports that a VM port became usable (Add) or stopped being
// usable (not Add).  On Add, the port's datapath is connected, its link
// is up, it is bound to a tenant network holding a tunnel key, and a MAC
// is registered.
type EventVMPort struct {
	NetworkID string
	TunnelKey uint32
	DPID      openflow.DPID
	PortNo    openflow.PortNo
	MAC       net.HardwareAddr
	Add       bool
}

func (e *EventVMPort) String() string {
	return fmt.Sprintf("EventVMPort<dpid %s port_no %d network_id %s tunnel_key %d mac %s add %t>",
		e.DPID, e.PortNo, e.NetworkID, e.TunnelKey, e.MAC, e.Add)
}

// EventTunnelPort reports that a GRE tunnel port toward RemoteDPID became
// usable or stopped being usable.
type EventTunnelPort struct {
	DPID       openflow.DPID
	PortNo     openflow.PortNo
	RemoteDPID openflow.DPID
	Add        bool
}

func (e *EventTunnelPort) String() string {
	return fmt.Sprintf("EventTunnelPort<dpid %s port_no %d remote_dpid %s add %t>",
		e.DPID, e.PortNo, e.RemoteDPID, e.Add)
}

// EventTunnelKeyDel reports that key-scoped flow state for a tunnel key
// must be torn down: either the key was deleted while datapaths still
// referenced its network, or the keyed network itself was removed.
type EventTunnelKeyDel struct {
	TunnelKey uint32
}

// A PortSet is the correlator brick.
type PortSet struct {
	brick   *appbus.Brick
	nw      *store.NetworkStore
	tunnels *store.TunnelStore
	dpset   *dpset.DPSet
	log     *log.Entry
}

// New creates the correlator and registers its input handlers on brick.
func New(brick *appbus.Brick, nw *store.NetworkStore, tunnels *store.TunnelStore, dps *dpset.DPSet) *PortSet {
	p := &PortSet{
		brick:   brick,
		nw:      nw,
		tunnels: tunnels,
		dpset:   dps,
		log:     log.WithField("brick", BrickName),
	}

	brick.RegisterHandler(&store.EventNetworkDel{}, p.networkDelHandler)
	brick.RegisterHandler(&store.EventNetworkPort{}, p.networkPortHandler)
	brick.RegisterHandler(&store.EventMacAddress{}, p.macAddressHandler)
	brick.RegisterHandler(&store.EventTunnelKeyAdd{}, p.tunnelKeyAddHandler)
	brick.RegisterHandler(&store.EventTunnelKeyDel{}, p.tunnelKeyDelHandler)
	brick.RegisterHandler(&store.EventTunnelPort{}, p.tunnelPortHandler)
	brick.RegisterHandler(&dpset.EventDP{}, p.dpHandler)
	brick.RegisterHandler(&dpset.EventPortAdd{}, p.portAddHandler)
	brick.RegisterHandler(&dpset.EventPortDelete{}, p.portDeleteHandler)
	brick.RegisterHandler(&dpset.EventPortModify{}, p.portModifyHandler)

	return p
}

// Brick returns the correlator's bus brick, for observer wiring.
func (p *PortSet) Brick() *appbus.Brick { return p.brick }

func (p *PortSet) publish(ev appbus.Event) {
	p.brick.SendEventToObservers(ev, appbus.StateNone)
}

// checkLinkState gates adds on link-up; deletes do not care about the
// link.
func (p *PortSet) checkLinkState(dpid openflow.DPID, no openflow.PortNo, add bool) bool {
	if !add {
		return true
	}
	return p.dpset.LinkUp(dpid, no)
}

// Tunnel port readiness:
//   - datapath connected and port up (dpset)
//   - remote dpid registered for (dpid, port_no) (tunnel store)
func (p *PortSet) tunnelPort(dpid openflow.DPID, no openflow.PortNo, add bool) {
	if p.dpset.Get(dpid) == nil {
		return
	}
	if !p.checkLinkState(dpid, no, add) {
		return
	}
	remote, err := p.tunnels.GetRemoteDPID(dpid, no)
	if err != nil {
		return
	}

	p.publish(&EventTunnelPort{DPID: dpid, PortNo: no, RemoteDPID: remote, Add: add})
}

// VM port readiness:
//   - bound to a non-reserved network with a registered MAC (network store)
//   - datapath connected and port up (dpset)
//   - the network holds a tunnel key (tunnel store)
func (p *PortSet) vmPort(dpid openflow.DPID, no openflow.PortNo, networkID string, mac net.HardwareAddr, add bool) {
	if store.IsReservedNetwork(networkID) {
		return
	}
	if mac == nil {
		return
	}
	if p.dpset.Get(dpid) == nil {
		return
	}
	if !p.checkLinkState(dpid, no, add) {
		return
	}
	key, err := p.tunnels.GetKey(networkID)
	if err != nil {
		return
	}

	p.publish(&EventVMPort{
		NetworkID: networkID,
		TunnelKey: key,
		DPID:      dpid,
		PortNo:    no,
		MAC:       mac,
		Add:       add,
	})
}

func (p *PortSet) vmPortMac(dpid openflow.DPID, no openflow.PortNo, networkID string, add bool) {
	mac, err := p.nw.GetMac(dpid, no)
	if err != nil {
		return
	}
	p.vmPort(dpid, no, networkID, mac, add)
}

func (p *PortSet) port(dpid openflow.DPID, no openflow.PortNo, add bool) {
	port, err := p.nw.GetPort(dpid, no)
	if err != nil {
		return
	}

	if port.NetworkID == store.NetworkVPortGRE {
		p.tunnelPort(dpid, no, add)
		return
	}

	p.vmPort(dpid, no, port.NetworkID, port.MAC, add)
}

func (p *PortSet) tunnelKeyDel(key uint32) {
	p.publish(&EventTunnelKeyDel{TunnelKey: key})
}

func (p *PortSet) networkDelHandler(ev appbus.Event) {
	networkID := ev.(*store.EventNetworkDel).NetworkID
	if store.IsReservedNetwork(networkID) {
		return
	}
	key, err := p.tunnels.GetKey(networkID)
	if err != nil {
		return
	}
	ports, _ := p.nw.ListPorts(networkID)
	for _, port := range ports {
		p.vmPortMac(port.DPID, port.PortNo, networkID, false)
	}
	p.tunnelKeyDel(key)
}

func (p *PortSet) networkPortHandler(ev appbus.Event) {
	e := ev.(*store.EventNetworkPort)
	if !e.Add && e.MAC != nil {
		// The unbind released the MAC with the port; the store cannot
		// resolve it any more.
		p.vmPort(e.DPID, e.PortNo, e.NetworkID, e.MAC, false)
		return
	}
	p.vmPortMac(e.DPID, e.PortNo, e.NetworkID, e.Add)
}

func (p *PortSet) macAddressHandler(ev appbus.Event) {
	e := ev.(*store.EventMacAddress)
	p.vmPort(e.DPID, e.PortNo, e.NetworkID, e.MAC, e.Add)
}

func (p *PortSet) tunnelKeyAddHandler(ev appbus.Event) {
	e := ev.(*store.EventTunnelKeyAdd)
	ports, _ := p.nw.ListPorts(e.NetworkID)
	for _, port := range ports {
		p.vmPortMac(port.DPID, port.PortNo, e.NetworkID, true)
	}
}

func (p *PortSet) tunnelKeyDelHandler(ev appbus.Event) {
	// The key binding is gone from the store by the time this handler
	// runs, so the teardown events carry the key from the event itself.
	e := ev.(*store.EventTunnelKeyDel)
	ports, _ := p.nw.ListPorts(e.NetworkID)
	for _, port := range ports {
		mac, err := p.nw.GetMac(port.DPID, port.PortNo)
		if err != nil || mac == nil {
			continue
		}
		if p.dpset.Get(port.DPID) == nil {
			continue
		}
		p.publish(&EventVMPort{
			NetworkID: e.NetworkID,
			TunnelKey: e.Key,
			DPID:      port.DPID,
			PortNo:    port.PortNo,
			MAC:       mac,
			Add:       false,
		})
	}
	// Skip the teardown event when nothing references the network any
	// more; the programmer has already torn everything down port by port.
	if p.nw.HasNetwork(e.NetworkID) {
		p.tunnelKeyDel(e.Key)
	}
}

func (p *PortSet) tunnelPortHandler(ev appbus.Event) {
	e := ev.(*store.EventTunnelPort)
	p.port(e.DPID, e.PortNo, e.Add)
}

func (p *PortSet) dpHandler(ev appbus.Event) {
	e := ev.(*dpset.EventDP)
	if !e.Enter {
		p.log.Debugf("dp disconnection dpid %s", e.DP.ID())
	}

	dpid := e.DP.ID()
	for _, port := range p.nw.GetPorts(dpid) {
		p.port(dpid, port.PortNo, e.Enter)
	}
}

func (p *PortSet) portAddHandler(ev appbus.Event) {
	e := ev.(*dpset.EventPortAdd)
	p.port(e.DP.ID(), e.Port.No, true)
}

func (p *PortSet) portDeleteHandler(ev appbus.Event) {
	e := ev.(*dpset.EventPortDelete)
	p.port(e.DP.ID(), e.Port.No, false)
}

func (p *PortSet) portModifyHandler(ev appbus.Event) {
	// Port-modify does not say whether the link state changed, so the
	// same VM or tunnel port event can be emitted many times.
	e := ev.(*dpset.EventPortModify)
	p.port(e.DP.ID(), e.Port.No, !e.Port.State.LinkDown())
}
