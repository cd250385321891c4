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

// Package bundle assembles the controller: it constructs the stores,
// the correlator and the pipeline programmer in dependency order, wires
// the observer graph between their bricks and owns start and stop.
package bundle

import (
	"net/http"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/dpset"
	"github.com/ovsnet/go-gretunnel/gre"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/portset"
	"github.com/ovsnet/go-gretunnel/rest"
	"github.com/ovsnet/go-gretunnel/store"
	"github.com/ovsnet/go-gretunnel/tunnelport"
)

// A Config selects the optional applications of a controller instance.
type Config struct {
	// TunnelPortUpdater enables the OVSDB-driven GRE port provisioner.
	TunnelPortUpdater bool

	// OVSDBDialer overrides how the provisioner reaches OVSDB servers;
	// nil selects the production dialer.
	OVSDBDialer tunnelport.Dialer
}

// A Bundle is one fully wired controller instance.
type Bundle struct {
	Bus        *appbus.Bus
	Networks   *store.NetworkStore
	Tunnels    *store.TunnelStore
	ConfSwitch *store.ConfSwitchStore
	DPSet      *dpset.DPSet
	PortSet    *portset.PortSet
	GRE        *gre.GRETunnel

	rest *rest.Server
}

// New constructs and wires a controller.
func New(cfg Config) *Bundle {
	bus := appbus.New()

	// Stores and the datapath set come first; everything downstream
	// observes them.
	nw := store.NewNetworkStore(bus.NewBrick(store.BrickNetwork))
	tunnels := store.NewTunnelStore(bus.NewBrick(store.BrickTunnels))
	conf := store.NewConfSwitchStore(bus.NewBrick(store.BrickConfSwitch))
	dps := dpset.New(bus.NewBrick(dpset.BrickName))

	ps := portset.New(bus.NewBrick(portset.BrickName), nw, tunnels, dps)
	programmer := gre.New(bus.NewBrick(gre.BrickName), nw, tunnels, dps)

	for _, ev := range []appbus.Event{
		&store.EventNetworkDel{}, &store.EventNetworkPort{}, &store.EventMacAddress{},
	} {
		nw.Brick().RegisterObserver(ev, portset.BrickName)
	}
	for _, ev := range []appbus.Event{
		&store.EventTunnelKeyAdd{}, &store.EventTunnelKeyDel{}, &store.EventTunnelPort{},
	} {
		tunnels.Brick().RegisterObserver(ev, portset.BrickName)
	}
	for _, ev := range []appbus.Event{
		&dpset.EventDP{}, &dpset.EventPortAdd{}, &dpset.EventPortDelete{}, &dpset.EventPortModify{},
	} {
		dps.Brick().RegisterObserver(ev, portset.BrickName)
	}
	dps.Brick().RegisterObserver(&dpset.EventDP{}, gre.BrickName)
	dps.Brick().RegisterObserver(&openflow.EventPacketIn{}, gre.BrickName)
	for _, ev := range []appbus.Event{
		&portset.EventVMPort{}, &portset.EventTunnelPort{}, &portset.EventTunnelKeyDel{},
	} {
		ps.Brick().RegisterObserver(ev, gre.BrickName)
	}

	if cfg.TunnelPortUpdater {
		dial := cfg.OVSDBDialer
		if dial == nil {
			dial = tunnelport.DialOVSDB
		}
		tunnelport.New(bus.NewBrick(tunnelport.BrickName), nw, tunnels, conf, dial)
		nw.Brick().RegisterObserver(&store.EventNetworkPort{}, tunnelport.BrickName)
		tunnels.Brick().RegisterObserver(&store.EventTunnelKeyAdd{}, tunnelport.BrickName)
		conf.Brick().RegisterObserver(&store.EventConfSwitchSet{}, tunnelport.BrickName)
	}

	return &Bundle{
		Bus:        bus,
		Networks:   nw,
		Tunnels:    tunnels,
		ConfSwitch: conf,
		DPSet:      dps,
		PortSet:    ps,
		GRE:        programmer,
		rest:       rest.NewServer(nw, tunnels, conf),
	}
}

// Handler returns the REST API handler.
func (b *Bundle) Handler() http.Handler {
	return b.rest.Handler()
}

// Start reports the brick graph and starts every brick.
func (b *Bundle) Start() {
	b.Bus.Report()
	b.Bus.StartAll()
}

// Stop drains and stops every brick.
func (b *Bundle) Stop() {
	b.Bus.StopAll()
}
