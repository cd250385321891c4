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

// Package tunnelport provisions GRE tunnel ports on the switches.  It
// watches switch configuration and tunnel key registrations; once two
// datapaths share a keyed tenant network and both have a known tunnel
// endpoint address, it creates the GRE interface on each side through
// the switch's OVSDB server and records the binding in the tunnel store.
//
// Provisioning failures are logged and retried on the next relevant
// event; the correlator keeps everything downstream quiet until the
// binding actually appears.
package tunnelport

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/ovsdb"
	"github.com/ovsnet/go-gretunnel/store"
)

// BrickName is the bus name of the tunnel port updater.
const BrickName = "tunnel_port_updater"

// DefaultBridge is the integration bridge the GRE ports are created on.
const DefaultBridge = "br-int"

// A Conn is the slice of the OVSDB client the updater uses; tests
// substitute a fake.
type Conn interface {
	Transact(db string, ops ...ovsdb.TransactOp) ([]ovsdb.OpResult, error)
	Close() error
}

// A Dialer opens an OVSDB connection to the given address.
type Dialer func(addr string) (Conn, error)

// DialOVSDB is the production Dialer.
func DialOVSDB(addr string) (Conn, error) {
	return ovsdb.Dial(addr)
}

// An Updater is the tunnel port provisioner brick.
type Updater struct {
	brick   *appbus.Brick
	nw      *store.NetworkStore
	tunnels *store.TunnelStore
	conf    *store.ConfSwitchStore
	dial    Dialer
	bridge  string
	log     *log.Entry
}

// New creates the updater and registers its handlers on brick.
func New(brick *appbus.Brick, nw *store.NetworkStore, tunnels *store.TunnelStore, conf *store.ConfSwitchStore, dial Dialer) *Updater {
	u := &Updater{
		brick:   brick,
		nw:      nw,
		tunnels: tunnels,
		conf:    conf,
		dial:    dial,
		bridge:  DefaultBridge,
		log:     log.WithField("brick", BrickName),
	}

	brick.RegisterHandler(&store.EventConfSwitchSet{}, u.confSwitchSetHandler)
	brick.RegisterHandler(&store.EventTunnelKeyAdd{}, u.tunnelKeyAddHandler)
	brick.RegisterHandler(&store.EventNetworkPort{}, u.networkPortHandler)

	return u
}

// Brick returns the updater's bus brick, for observer wiring.
func (u *Updater) Brick() *appbus.Brick { return u.brick }

func (u *Updater) confSwitchSetHandler(ev appbus.Event) {
	e := ev.(*store.EventConfSwitchSet)
	if e.Key != store.ConfOVSDBAddr && e.Key != store.ConfTunnelIPAddr {
		return
	}
	u.refresh(e.DPID)
}

func (u *Updater) tunnelKeyAddHandler(ev appbus.Event) {
	e := ev.(*store.EventTunnelKeyAdd)
	for _, dpid := range u.nw.GetDPIDs(e.NetworkID) {
		u.refresh(dpid)
	}
}

func (u *Updater) networkPortHandler(ev appbus.Event) {
	e := ev.(*store.EventNetworkPort)
	if !e.Add || store.IsReservedNetwork(e.NetworkID) {
		return
	}
	u.refresh(e.DPID)
}

// refresh provisions the missing tunnels from dpid toward every peer it
// shares a keyed network with, and the reverse direction as well.
func (u *Updater) refresh(dpid openflow.DPID) {
	for _, peer := range u.peers(dpid) {
		u.ensure(dpid, peer)
		u.ensure(peer, dpid)
	}
}

// peers returns the datapaths sharing at least one keyed network with
// dpid.
func (u *Updater) peers(dpid openflow.DPID) []openflow.DPID {
	seen := make(map[openflow.DPID]struct{})
	var peers []openflow.DPID
	for _, port := range u.nw.GetPorts(dpid) {
		if store.IsReservedNetwork(port.NetworkID) {
			continue
		}
		if _, err := u.tunnels.GetKey(port.NetworkID); err != nil {
			continue
		}
		for _, other := range u.nw.GetDPIDs(port.NetworkID) {
			if other == dpid {
				continue
			}
			if _, ok := seen[other]; ok {
				continue
			}
			seen[other] = struct{}{}
			peers = append(peers, other)
		}
	}
	return peers
}

// ensure creates the GRE port on dpid toward remote if it does not exist
// yet and both endpoints are configured.
func (u *Updater) ensure(dpid, remote openflow.DPID) {
	if _, err := u.tunnels.GetPort(dpid, remote); err == nil {
		return
	}
	addr, err := u.conf.GetKey(dpid, store.ConfOVSDBAddr)
	if err != nil {
		return
	}
	remoteIP, err := u.conf.GetKey(remote, store.ConfTunnelIPAddr)
	if err != nil {
		return
	}

	name := grePortName(remote)
	no, err := u.createPort(addr, name, remoteIP)
	if err != nil {
		u.log.WithFields(log.Fields{
			"dpid":   dpid.String(),
			"remote": remote.String(),
		}).Warnf("failed to provision tunnel port: %v", err)
		return
	}

	// Record the binding; the switch reports the new port over OpenFlow
	// and the correlator takes it from there.
	if err := u.nw.UpdateNetwork(store.NetworkVPortGRE); err != nil {
		u.log.Warnf("failed to ensure reserved network: %v", err)
	}
	if err := u.nw.UpdatePort(store.NetworkVPortGRE, dpid, no); err != nil {
		u.log.Warnf("failed to bind tunnel port: %v", err)
	}
	if err := u.tunnels.UpdatePort(dpid, remote, no); err != nil {
		u.log.Warnf("failed to register tunnel port: %v", err)
	}
}

// createPort creates the GRE interface via OVSDB and returns its
// OpenFlow port number.
func (u *Updater) createPort(addr, name, remoteIP string) (openflow.PortNo, error) {
	conn, err := u.dial(addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	_, err = conn.Transact(ovsdb.DefaultDatabase,
		ovsdb.Insert{
			Table: "Interface",
			Row: map[string]interface{}{
				"name": name,
				"type": "gre",
				"options": ovsdb.OVSMap{
					"remote_ip": remoteIP,
					"key":       "flow",
				},
			},
			UUIDName: "rowIntf",
		},
		ovsdb.Insert{
			Table: "Port",
			Row: map[string]interface{}{
				"name":       name,
				"interfaces": ovsdb.NamedUUID{Name: "rowIntf"},
			},
			UUIDName: "rowPort",
		},
		ovsdb.Mutate{
			Table: "Bridge",
			Where: []ovsdb.Cond{ovsdb.Equal("name", u.bridge)},
			Mutations: []ovsdb.Mutation{
				{Column: "ports", Mutator: "insert", Value: ovsdb.NamedUUID{Name: "rowPort"}},
			},
		},
	)
	if err != nil {
		return 0, err
	}

	return u.ofport(conn, name)
}

// ofport reads back the OpenFlow port number assigned to the interface.
func (u *Updater) ofport(conn Conn, name string) (openflow.PortNo, error) {
	results, err := conn.Transact(ovsdb.DefaultDatabase, ovsdb.Select{
		Table:   "Interface",
		Where:   []ovsdb.Cond{ovsdb.Equal("name", name)},
		Columns: []string{"ofport"},
	})
	if err != nil {
		return 0, err
	}
	if len(results) == 0 || len(results[0].Rows) == 0 {
		return 0, fmt.Errorf("interface %q not found after creation", name)
	}

	ofport, ok := results[0].Rows[0]["ofport"].(float64)
	if !ok || ofport <= 0 {
		return 0, fmt.Errorf("interface %q has no ofport yet", name)
	}
	return openflow.PortNo(ofport), nil
}

// grePortName derives the interface name from the peer dpid in hex
// without leading zeros.  The name fits the 15-character interface name
// limit only for dpids below 1<<44; larger dpids give up to 20 characters.
func grePortName(remote openflow.DPID) string {
	return fmt.Sprintf("gre-%x", uint64(remote))
}
