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

// Package gre programs the three-table GRE overlay pipeline on every
// datapath, driven by the correlator's port events.
//
// Table layout:
//
//	SRC (0)        classifies ingress by in_port; tags VM traffic with
//	               the network's tunnel key, passes tunnel ingress with
//	               a known key, drops the rest.
//	TUNNEL_OUT (1) forwards tunnel-key-tagged packets out of GRE tunnel
//	               ports toward remote members, then resubmits to
//	               LOCAL_OUT for local delivery.
//	LOCAL_OUT (2)  delivers to local VM ports of the tagged key.
//
// The programmer keeps no state of its own: every decision derives from
// the stores at event time, so a replayed event reprograms the same
// flows and a delete for something never added deletes nothing.
package gre

import (
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/dpset"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/portset"
	"github.com/ovsnet/go-gretunnel/store"
)

// BrickName is the bus name of the pipeline programmer.
const BrickName = "gre"

// Pipeline tables.
const (
	TableSRC       openflow.Table = 0
	TableTunnelOut openflow.Table = 1
	TableLocalOut  openflow.Table = 2
)

// Priority ladder, derived from the protocol default priority.
const (
	srcPriMAC        = openflow.DefaultPriority
	srcPriDrop       = openflow.DefaultPriority / 2
	srcPriTunnelPass = openflow.DefaultPriority
	srcPriTunnelDrop = openflow.DefaultPriority / 2

	tunnelOutPriMAC       = openflow.DefaultPriority
	tunnelOutPriBroadcast = openflow.DefaultPriority / 2
	tunnelOutPriPass      = openflow.DefaultPriority / 4
	tunnelOutPriDrop      = openflow.DefaultPriority / 8

	localOutPriMAC       = openflow.DefaultPriority
	localOutPriBroadcast = openflow.DefaultPriority / 2
	localOutPriDrop      = openflow.DefaultPriority / 4
)

// A GRETunnel is the pipeline programmer brick.
type GRETunnel struct {
	brick   *appbus.Brick
	nw      *store.NetworkStore
	tunnels *store.TunnelStore
	dpset   *dpset.DPSet
	log     *log.Entry
}

// New creates the programmer and registers its handlers on brick.
func New(brick *appbus.Brick, nw *store.NetworkStore, tunnels *store.TunnelStore, dps *dpset.DPSet) *GRETunnel {
	t := &GRETunnel{
		brick:   brick,
		nw:      nw,
		tunnels: tunnels,
		dpset:   dps,
		log:     log.WithField("brick", BrickName),
	}

	brick.RegisterHandler(&dpset.EventDP{}, t.dpHandler)
	brick.RegisterHandler(&portset.EventVMPort{}, t.vmPortHandler)
	brick.RegisterHandler(&portset.EventTunnelPort{}, t.tunnelPortHandler)
	brick.RegisterHandler(&portset.EventTunnelKeyDel{}, t.tunnelKeyDelHandler)
	brick.RegisterHandler(&openflow.EventPacketIn{}, t.packetInHandler, appbus.StateMain)

	return t
}

// Brick returns the programmer's bus brick, for observer wiring.
func (t *GRETunnel) Brick() *appbus.Brick { return t.brick }

// dpHandler enables the Nicira extensions the pipeline depends on: NXM
// flow format for tun_id matching, and flow-mod-table-id so flow mods
// can target a specific table.
func (t *GRETunnel) dpHandler(ev appbus.Event) {
	e := ev.(*dpset.EventDP)
	if !e.Enter {
		return
	}

	dp := e.DP
	if err := dp.SetFlowFormat(openflow.FlowFormatNXM); err != nil {
		t.log.WithField("dpid", dp.ID()).Warnf("failed to set flow format: %v", err)
	}
	if err := dp.SetFlowModTableID(true); err != nil {
		t.log.WithField("dpid", dp.ID()).Warnf("failed to enable flow mod table id: %v", err)
	}
	if err := dp.SendBarrier(); err != nil {
		t.log.WithField("dpid", dp.ID()).Warnf("failed to send barrier: %v", err)
	}
}

func (t *GRETunnel) vmPortHandler(ev appbus.Event) {
	e := ev.(*portset.EventVMPort)
	t.log.Debugf("vm_port ev %s", e)
	if e.Add {
		t.vmPortAdd(e)
	} else {
		t.vmPortDel(e)
	}
}

func (t *GRETunnel) tunnelPortHandler(ev appbus.Event) {
	e := ev.(*portset.EventTunnelPort)
	t.log.Debugf("tunnel_port ev %s", e)
	if e.Add {
		t.tunnelPortAdd(e)
	} else {
		t.tunnelPortDel(e)
	}
}

func (t *GRETunnel) tunnelKeyDelHandler(ev appbus.Event) {
	e := ev.(*portset.EventTunnelKeyDel)
	t.log.Debugf("tunnel_key_del ev tunnel_key %d", e.TunnelKey)
}

// packetInHandler frees packets buffered on the switch; the pipeline
// never punts intentionally.
func (t *GRETunnel) packetInHandler(ev appbus.Event) {
	e := ev.(*openflow.EventPacketIn)
	if e.BufferID == openflow.BufferIDNone {
		return
	}
	if err := e.DP.SendPacketOut(e.BufferID, e.InPort, nil); err != nil {
		t.log.WithField("dpid", e.DP.ID()).Warnf("failed to release buffer: %v", err)
	}
}

func (t *GRETunnel) sendFlowMod(dp openflow.Datapath, table openflow.Table, command openflow.Command, priority int, matches []openflow.Match, actions []openflow.Action) {
	t.send(dp, &openflow.FlowMod{
		Command:  openflow.TableCommand(table, command),
		Priority: priority,
		Matches:  matches,
		Actions:  actions,
	})
}

func (t *GRETunnel) sendFlowDel(dp openflow.Datapath, table openflow.Table, command openflow.Command, priority int, matches []openflow.Match, outPort openflow.PortNo) {
	t.send(dp, &openflow.FlowMod{
		Command:  openflow.TableCommand(table, command),
		Priority: priority,
		Matches:  matches,
		OutPort:  outPort,
	})
}

// send delivers one flow mod.  Failures are logged and never retried: if
// the session is gone the switch has lost its tables anyway and will be
// reprogrammed from the stores on reconnect.
func (t *GRETunnel) send(dp openflow.Datapath, fm *openflow.FlowMod) {
	if err := dp.SendFlowMod(fm); err != nil {
		flowModErrors.WithLabelValues(dp.ID().String()).Inc()
		t.log.WithField("dpid", dp.ID()).Warnf("failed to send flow mod %s: %v", fm, err)
		return
	}
	flowModsSent.WithLabelValues(dp.ID().String()).Inc()
}

func (t *GRETunnel) linkUp(dpid openflow.DPID, no openflow.PortNo) bool {
	return t.dpset.LinkUp(dpid, no)
}

// listTunnelPorts returns the up tunnel ports of dpid toward the given
// peers, skipping peers that are not connected or have no tunnel toward
// dpid.
func (t *GRETunnel) listTunnelPorts(dpid openflow.DPID, peers []openflow.DPID) []openflow.PortNo {
	var ports []openflow.PortNo
	for _, other := range peers {
		if other == dpid {
			continue
		}
		if t.dpset.Get(other) == nil {
			continue
		}
		no, err := t.tunnels.GetPort(dpid, other)
		if err != nil {
			continue
		}
		if !t.linkUp(dpid, no) {
			continue
		}
		ports = append(ports, no)
	}
	return ports
}

// remoteDPIDs returns the other datapaths with members of the network.
func (t *GRETunnel) remoteDPIDs(networkID string, dpid openflow.DPID) []openflow.DPID {
	var remotes []openflow.DPID
	for _, other := range t.nw.GetDPIDs(networkID) {
		if other != dpid {
			remotes = append(remotes, other)
		}
	}
	return remotes
}

// localVMPorts returns the up, MAC-bearing ports of the network on dpid,
// excluding the given port.
func (t *GRETunnel) localVMPorts(dpid openflow.DPID, networkID string, exclude openflow.PortNo) []openflow.PortNo {
	var ports []openflow.PortNo
	for _, port := range t.nw.GetPorts(dpid) {
		if port.PortNo == exclude {
			continue
		}
		if port.NetworkID != networkID || port.MAC == nil {
			continue
		}
		if !t.linkUp(dpid, port.PortNo) {
			continue
		}
		ports = append(ports, port.PortNo)
	}
	return ports
}

func outputs(ports []openflow.PortNo) []openflow.Action {
	actions := make([]openflow.Action, 0, len(ports))
	for _, no := range ports {
		actions = append(actions, openflow.Output(no))
	}
	return actions
}

func resubmitLocalOut() openflow.Action {
	return openflow.Resubmit(openflow.PortInPort, TableLocalOut)
}

func (t *GRETunnel) vmPortAdd(ev *portset.EventVMPort) {
	dpid := ev.DPID
	dp := t.dpset.Get(dpid)
	if dp == nil {
		return
	}
	mac := ev.MAC.String()
	key := ev.TunnelKey
	remoteDPIDs := t.remoteDPIDs(ev.NetworkID, dpid)

	// LOCAL_OUT: unicast toward the new port.
	t.sendFlowMod(dp, TableLocalOut, openflow.CommandAdd, localOutPriMAC,
		[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(mac)},
		[]openflow.Action{openflow.Output(ev.PortNo)})

	// LOCAL_OUT: broadcast to every local member of the network.
	localPorts := t.localVMPorts(dpid, ev.NetworkID, openflow.PortNone)
	firstInstance := len(localPorts) == 1
	command := openflow.CommandModifyStrict
	if firstInstance {
		command = openflow.CommandAdd
	}
	t.sendFlowMod(dp, TableLocalOut, command, localOutPriBroadcast,
		[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(openflow.BroadcastMAC)},
		outputs(localPorts))

	// LOCAL_OUT: catch-all drop for the key.
	if firstInstance {
		t.sendFlowMod(dp, TableLocalOut, openflow.CommandAdd, localOutPriDrop,
			[]openflow.Match{openflow.TunnelID(key)}, nil)
	}

	// TUNNEL_OUT: unicast toward every reachable remote member.
	for _, remoteDPID := range remoteDPIDs {
		remoteDP := t.dpset.Get(remoteDPID)
		if remoteDP == nil {
			continue
		}
		tunnelPortNo, err := t.tunnels.GetPort(dpid, remoteDPID)
		if err != nil {
			continue
		}
		if !t.linkUp(dpid, tunnelPortNo) {
			continue
		}

		for _, port := range t.nw.GetPorts(remoteDPID) {
			if port.NetworkID != ev.NetworkID || port.MAC == nil {
				continue
			}
			if !t.linkUp(remoteDPID, port.PortNo) {
				continue
			}
			t.sendFlowMod(dp, TableTunnelOut, openflow.CommandAdd, tunnelOutPriMAC,
				[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(port.MAC.String())},
				[]openflow.Action{openflow.Output(tunnelPortNo), resubmitLocalOut()})
		}

		// SRC: pass known-key ingress from this tunnel port.
		if firstInstance {
			t.sendFlowMod(dp, TableSRC, openflow.CommandAdd, srcPriTunnelPass,
				[]openflow.Match{openflow.InPort(tunnelPortNo), openflow.TunnelID(key)},
				[]openflow.Action{resubmitLocalOut()})
		}
	}

	if firstInstance {
		// TUNNEL_OUT: pass everything of the key down to LOCAL_OUT.
		t.sendFlowMod(dp, TableTunnelOut, openflow.CommandAdd, tunnelOutPriPass,
			[]openflow.Match{openflow.TunnelID(key)},
			[]openflow.Action{resubmitLocalOut()})

		// TUNNEL_OUT: broadcast toward every reachable peer.
		actions := outputs(t.listTunnelPorts(dpid, remoteDPIDs))
		actions = append(actions, resubmitLocalOut())
		t.sendFlowMod(dp, TableTunnelOut, openflow.CommandAdd, tunnelOutPriBroadcast,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(openflow.BroadcastMAC)},
			actions)
	}

	// SRC rules last, behind a barrier, so traffic never hits SRC before
	// the downstream tables are in place.
	if err := dp.SendBarrier(); err != nil {
		t.log.WithField("dpid", dpid).Warnf("failed to send barrier: %v", err)
	}
	t.sendFlowMod(dp, TableSRC, openflow.CommandAdd, srcPriMAC,
		[]openflow.Match{openflow.InPort(ev.PortNo), openflow.DataLinkSource(mac)},
		[]openflow.Action{openflow.SetTunnel(key), openflow.Resubmit(openflow.PortInPort, TableTunnelOut)})
	t.sendFlowMod(dp, TableSRC, openflow.CommandAdd, srcPriDrop,
		[]openflow.Match{openflow.InPort(ev.PortNo)}, nil)

	// Remote datapaths learn the new MAC behind their tunnel toward us.
	for _, remoteDPID := range remoteDPIDs {
		remoteDP := t.dpset.Get(remoteDPID)
		if remoteDP == nil {
			continue
		}
		tunnelPortNo, err := t.tunnels.GetPort(remoteDPID, dpid)
		if err != nil {
			continue
		}
		if !t.linkUp(remoteDPID, tunnelPortNo) {
			continue
		}

		t.sendFlowMod(remoteDP, TableTunnelOut, openflow.CommandAdd, tunnelOutPriMAC,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(mac)},
			[]openflow.Action{openflow.Output(tunnelPortNo), resubmitLocalOut()})

		if !firstInstance {
			continue
		}

		// SRC: the remote passes our key in through its tunnel port.
		t.sendFlowMod(remoteDP, TableSRC, openflow.CommandAdd, srcPriTunnelPass,
			[]openflow.Match{openflow.InPort(tunnelPortNo), openflow.TunnelID(key)},
			[]openflow.Action{resubmitLocalOut()})

		// TUNNEL_OUT: refresh the remote's broadcast fan-out to include
		// the tunnel toward us.
		tunnelPorts := t.listTunnelPorts(remoteDPID, remoteDPIDs)
		if !containsPort(tunnelPorts, tunnelPortNo) {
			tunnelPorts = append(tunnelPorts, tunnelPortNo)
		}
		command := openflow.CommandModifyStrict
		if len(tunnelPorts) == 1 {
			command = openflow.CommandAdd
		}
		actions := outputs(tunnelPorts)
		actions = append(actions, resubmitLocalOut())
		t.sendFlowMod(remoteDP, TableTunnelOut, command, tunnelOutPriBroadcast,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(openflow.BroadcastMAC)},
			actions)
	}
}

func (t *GRETunnel) vmPortDel(ev *portset.EventVMPort) {
	dpid := ev.DPID
	dp := t.dpset.Get(dpid)
	if dp == nil {
		return
	}
	mac := ev.MAC.String()
	key := ev.TunnelKey

	localPorts := t.localVMPorts(dpid, ev.NetworkID, ev.PortNo)
	lastInstance := len(localPorts) == 0

	// SRC: stop classifying the departed port first.
	t.sendFlowDel(dp, TableSRC, openflow.CommandDelete, openflow.DefaultPriority,
		[]openflow.Match{openflow.InPort(ev.PortNo)}, 0)

	if lastInstance {
		// Wipe every key-scoped rule on this datapath.
		t.sendFlowDel(dp, TableSRC, openflow.CommandDelete, srcPriTunnelDrop,
			[]openflow.Match{openflow.TunnelID(key)}, 0)
		t.sendFlowDel(dp, TableTunnelOut, openflow.CommandDelete, openflow.DefaultPriority,
			[]openflow.Match{openflow.TunnelID(key)}, 0)
		t.sendFlowDel(dp, TableLocalOut, openflow.CommandDelete, openflow.DefaultPriority,
			[]openflow.Match{openflow.TunnelID(key)}, 0)
	} else {
		// LOCAL_OUT: drop the unicast entry of the departed MAC.
		t.sendFlowDel(dp, TableLocalOut, openflow.CommandDeleteStrict, localOutPriMAC,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(mac)},
			ev.PortNo)

		// LOCAL_OUT: rebuild broadcast with the remaining members.
		t.sendFlowMod(dp, TableLocalOut, openflow.CommandModifyStrict, localOutPriBroadcast,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(openflow.BroadcastMAC)},
			outputs(localPorts))
	}

	remoteDPIDs := t.remoteDPIDs(ev.NetworkID, dpid)
	for _, remoteDPID := range remoteDPIDs {
		remoteDP := t.dpset.Get(remoteDPID)
		if remoteDP == nil {
			continue
		}
		tunnelPortNo, err := t.tunnels.GetPort(remoteDPID, dpid)
		if err != nil {
			continue
		}
		if !t.linkUp(remoteDPID, tunnelPortNo) {
			continue
		}

		if lastInstance {
			// SRC: the remote stops passing our key in.
			t.sendFlowDel(remoteDP, TableSRC, openflow.CommandDeleteStrict, srcPriTunnelPass,
				[]openflow.Match{openflow.InPort(tunnelPortNo), openflow.TunnelID(key)}, 0)

			// TUNNEL_OUT: rebuild the remote's broadcast without the
			// tunnel toward us.
			var tunnelPorts []openflow.PortNo
			for _, no := range t.listTunnelPorts(remoteDPID, remoteDPIDs) {
				if no != tunnelPortNo {
					tunnelPorts = append(tunnelPorts, no)
				}
			}
			matches := []openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(openflow.BroadcastMAC)}
			if len(tunnelPorts) == 0 {
				t.sendFlowDel(remoteDP, TableTunnelOut, openflow.CommandDeleteStrict,
					tunnelOutPriBroadcast, matches, 0)
			} else {
				actions := outputs(tunnelPorts)
				actions = append(actions, resubmitLocalOut())
				t.sendFlowMod(remoteDP, TableTunnelOut, openflow.CommandModifyStrict,
					tunnelOutPriBroadcast, matches, actions)
			}
		}

		// TUNNEL_OUT: drop the unicast entry toward the departed MAC.
		t.sendFlowDel(remoteDP, TableTunnelOut, openflow.CommandDeleteStrict, tunnelOutPriMAC,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(mac)},
			tunnelPortNo)
	}
}

// vmPortsByNetwork groups the non-reserved ports of a datapath by their
// network.
func (t *GRETunnel) vmPortsByNetwork(dpid openflow.DPID) map[string][]store.Port {
	ports := make(map[string][]store.Port)
	for _, port := range t.nw.GetPorts(dpid) {
		if store.IsReservedNetwork(port.NetworkID) {
			continue
		}
		ports[port.NetworkID] = append(ports[port.NetworkID], port)
	}
	return ports
}

func sortedNetworks(ports map[string][]store.Port) []string {
	ids := make([]string, 0, len(ports))
	for id := range ports {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *GRETunnel) tunnelPortAdd(ev *portset.EventTunnelPort) {
	dpid := ev.DPID
	dp := t.dpset.Get(dpid)
	if dp == nil {
		return
	}

	localPorts := t.vmPortsByNetwork(dpid)
	remotePorts := t.vmPortsByNetwork(ev.RemoteDPID)

	// SRC: ingress with an unknown key from this tunnel port is dropped.
	t.sendFlowMod(dp, TableSRC, openflow.CommandAdd, srcPriTunnelDrop,
		[]openflow.Match{openflow.InPort(ev.PortNo)}, nil)

	// SRC: pass ingress of every key shared with the remote end.
	for _, networkID := range sortedNetworks(localPorts) {
		key, err := t.tunnels.GetKey(networkID)
		if err != nil {
			continue
		}
		if _, ok := remotePorts[networkID]; !ok {
			continue
		}

		t.sendFlowMod(dp, TableSRC, openflow.CommandAdd, srcPriTunnelPass,
			[]openflow.Match{openflow.InPort(ev.PortNo), openflow.TunnelID(key)},
			[]openflow.Action{resubmitLocalOut()})
	}

	// Egress through the new tunnel port, per shared network.
	for _, networkID := range sortedNetworks(localPorts) {
		key, err := t.tunnels.GetKey(networkID)
		if err != nil {
			continue
		}
		members, ok := remotePorts[networkID]
		if !ok {
			continue
		}

		// TUNNEL_OUT: unicast toward each remote MAC.
		for _, port := range members {
			if port.MAC == nil {
				continue
			}
			t.sendFlowMod(dp, TableTunnelOut, openflow.CommandAdd, tunnelOutPriMAC,
				[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(port.MAC.String())},
				[]openflow.Action{openflow.Output(ev.PortNo), resubmitLocalOut()})
		}

		// TUNNEL_OUT: rebuild broadcast to include the new port.
		remoteDPIDs := t.remoteDPIDs(networkID, dpid)
		tunnelPorts := t.listTunnelPorts(dpid, remoteDPIDs)
		if !containsPort(tunnelPorts, ev.PortNo) {
			tunnelPorts = append(tunnelPorts, ev.PortNo)
		}
		command := openflow.CommandModifyStrict
		if len(tunnelPorts) == 1 {
			command = openflow.CommandAdd
		}
		actions := outputs(tunnelPorts)
		actions = append(actions, resubmitLocalOut())
		t.sendFlowMod(dp, TableTunnelOut, command, tunnelOutPriBroadcast,
			[]openflow.Match{openflow.TunnelID(key), openflow.DataLinkDestination(openflow.BroadcastMAC)},
			actions)
	}
}

func (t *GRETunnel) tunnelPortDel(ev *portset.EventTunnelPort) {
	// TODO: tear down the egress rules once the ordering against
	// in-flight tunnel traffic is settled.
	t.log.Debugf("tunnel port deletion not implemented: %s", ev)
}

func containsPort(ports []openflow.PortNo, no openflow.PortNo) bool {
	for _, p := range ports {
		if p == no {
			return true
		}
	}
	return false
}
