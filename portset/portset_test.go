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

package portset_test

import (
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/dpset"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/openflow/oftest"
	"github.com/ovsnet/go-gretunnel/portset"
	"github.com/ovsnet/go-gretunnel/store"
)

type harness struct {
	bus     *appbus.Bus
	nw      *store.NetworkStore
	tunnels *store.TunnelStore
	dps     *dpset.DPSet
	events  chan appbus.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	bus := appbus.New()
	nw := store.NewNetworkStore(bus.NewBrick(store.BrickNetwork))
	tunnels := store.NewTunnelStore(bus.NewBrick(store.BrickTunnels))
	dps := dpset.New(bus.NewBrick(dpset.BrickName))
	ps := portset.New(bus.NewBrick(portset.BrickName), nw, tunnels, dps)

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

	events := make(chan appbus.Event, 64)
	sink := bus.NewBrick("collector")
	for _, ev := range []appbus.Event{
		&portset.EventVMPort{}, &portset.EventTunnelPort{}, &portset.EventTunnelKeyDel{},
	} {
		ev := ev
		sink.RegisterHandler(ev, func(got appbus.Event) {
			events <- got
		})
		ps.Brick().RegisterObserver(ev, "collector")
	}

	bus.StartAll()
	t.Cleanup(bus.StopAll)

	return &harness{bus: bus, nw: nw, tunnels: tunnels, dps: dps, events: events}
}

func (h *harness) recv(t *testing.T) appbus.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for correlator event")
		return nil
	}
}

func (h *harness) quiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected correlator event %T %+v", ev, ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func mustMAC(t *testing.T, s string) net.HardwareAddr {
	t.Helper()
	mac, err := net.ParseMAC(s)
	if err != nil {
		t.Fatalf("failed to parse MAC: %v", err)
	}
	return mac
}

// Inputs can arrive in any order; exactly one add is emitted, after the
// last precondition is satisfied.
func TestVMPortRaceMasking(t *testing.T) {
	h := newHarness(t)
	mac := mustMAC(t, "02:00:00:00:00:01")

	h.dps.Register(oftest.NewDatapath(1), nil)
	h.dps.AddPort(1, openflow.Port{No: 2})
	if err := h.nw.CreateNetwork("netA"); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	if err := h.nw.CreatePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	if err := h.nw.CreateMac("netA", 1, 2, mac); err != nil {
		t.Fatalf("failed to create mac: %v", err)
	}
	h.quiet(t)

	if err := h.tunnels.RegisterKey("netA", 100); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}

	want := &portset.EventVMPort{
		NetworkID: "netA",
		TunnelKey: 100,
		DPID:      1,
		PortNo:    2,
		MAC:       mac,
		Add:       true,
	}
	if diff := cmp.Diff(want, h.recv(t)); diff != "" {
		t.Fatalf("unexpected event (-want +got):\n%s", diff)
	}
	h.quiet(t)
}

// The same end state reached in a different input order still emits
// exactly one add, on the last input.
func TestVMPortReorderedInputs(t *testing.T) {
	h := newHarness(t)
	mac := mustMAC(t, "02:00:00:00:00:01")

	if err := h.nw.CreateNetwork("netA"); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	if err := h.tunnels.RegisterKey("netA", 100); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	if err := h.nw.CreatePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	if err := h.nw.CreateMac("netA", 1, 2, mac); err != nil {
		t.Fatalf("failed to create mac: %v", err)
	}
	h.quiet(t)

	// The switch connects last.
	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{{No: 2}})

	ev := h.recv(t).(*portset.EventVMPort)
	if !ev.Add || ev.TunnelKey != 100 || ev.PortNo != 2 {
		t.Fatalf("unexpected event: %s", ev)
	}
	h.quiet(t)
}

// A reserved network never produces VM port events; a registered tunnel
// port produces exactly one tunnel port event.
func TestReservedNetworkTunnelPort(t *testing.T) {
	h := newHarness(t)

	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{{No: 2}})
	if err := h.nw.UpdateNetwork(store.NetworkVPortGRE); err != nil {
		t.Fatalf("failed to upsert network: %v", err)
	}
	if err := h.nw.CreatePort(store.NetworkVPortGRE, 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	h.quiet(t)

	if err := h.tunnels.RegisterPort(1, 2, 2); err != nil {
		t.Fatalf("failed to register tunnel port: %v", err)
	}

	want := &portset.EventTunnelPort{DPID: 1, PortNo: 2, RemoteDPID: 2, Add: true}
	if diff := cmp.Diff(want, h.recv(t)); diff != "" {
		t.Fatalf("unexpected event (-want +got):\n%s", diff)
	}
	h.quiet(t)
}

// A link-down port gates the add; the modify that brings the link up
// releases it.
func TestVMPortLinkGating(t *testing.T) {
	h := newHarness(t)
	mac := mustMAC(t, "02:00:00:00:00:01")

	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{
		{No: 2, State: openflow.PortStateLinkDown},
	})
	if err := h.nw.CreateNetwork("netA"); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	if err := h.nw.CreatePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	if err := h.nw.CreateMac("netA", 1, 2, mac); err != nil {
		t.Fatalf("failed to create mac: %v", err)
	}
	if err := h.tunnels.RegisterKey("netA", 100); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	h.quiet(t)

	h.dps.ModifyPort(1, openflow.Port{No: 2})

	ev := h.recv(t).(*portset.EventVMPort)
	if !ev.Add {
		t.Fatalf("unexpected event: %s", ev)
	}
	h.quiet(t)
}

// Deleting the tunnel key fans out a del per member port, then the key
// teardown event while the network still references datapaths.
func TestTunnelKeyDelFanOut(t *testing.T) {
	h := newHarness(t)
	mac := mustMAC(t, "02:00:00:00:00:01")

	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{{No: 2}})
	if err := h.nw.CreateNetwork("netA"); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	if err := h.nw.CreatePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	if err := h.nw.CreateMac("netA", 1, 2, mac); err != nil {
		t.Fatalf("failed to create mac: %v", err)
	}
	h.quiet(t)
	if err := h.tunnels.RegisterKey("netA", 100); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	h.recv(t) // the add

	if err := h.tunnels.DeleteKey("netA"); err != nil {
		t.Fatalf("failed to delete key: %v", err)
	}

	del := h.recv(t).(*portset.EventVMPort)
	if del.Add || del.TunnelKey != 100 || del.PortNo != 2 {
		t.Fatalf("unexpected event: %s", del)
	}
	keyDel := h.recv(t).(*portset.EventTunnelKeyDel)
	if keyDel.TunnelKey != 100 {
		t.Fatalf("unexpected key teardown: %+v", keyDel)
	}
	h.quiet(t)
}

// Removing the last port then the network emits the del exactly once,
// then only the key teardown, and no further VM port event.
func TestNetworkDelNoDanglingKey(t *testing.T) {
	h := newHarness(t)
	mac := mustMAC(t, "02:00:00:00:00:01")

	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{{No: 2}})
	if err := h.nw.CreateNetwork("netA"); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	if err := h.nw.CreatePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	if err := h.nw.CreateMac("netA", 1, 2, mac); err != nil {
		t.Fatalf("failed to create mac: %v", err)
	}
	h.quiet(t)
	if err := h.tunnels.RegisterKey("netA", 100); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	h.recv(t) // the add

	if err := h.nw.RemovePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to remove port: %v", err)
	}
	del := h.recv(t).(*portset.EventVMPort)
	if del.Add {
		t.Fatalf("unexpected event: %s", del)
	}

	if err := h.nw.RemoveNetwork("netA"); err != nil {
		t.Fatalf("failed to remove network: %v", err)
	}
	// The network had no remaining ports, so only the key teardown
	// event follows.
	keyDel := h.recv(t).(*portset.EventTunnelKeyDel)
	if keyDel.TunnelKey != 100 {
		t.Fatalf("unexpected key teardown: %+v", keyDel)
	}
	h.quiet(t)
}

// A reconnecting datapath re-emits adds for every ready port without any
// REST activity.
func TestDatapathReconnectReplay(t *testing.T) {
	h := newHarness(t)
	mac := mustMAC(t, "02:00:00:00:00:01")

	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{{No: 2}})
	if err := h.nw.CreateNetwork("netA"); err != nil {
		t.Fatalf("failed to create network: %v", err)
	}
	if err := h.nw.CreatePort("netA", 1, 2); err != nil {
		t.Fatalf("failed to create port: %v", err)
	}
	if err := h.nw.CreateMac("netA", 1, 2, mac); err != nil {
		t.Fatalf("failed to create mac: %v", err)
	}
	h.quiet(t)
	if err := h.tunnels.RegisterKey("netA", 100); err != nil {
		t.Fatalf("failed to register key: %v", err)
	}
	h.recv(t) // the add

	h.dps.Unregister(1)
	h.quiet(t) // disconnect emits nothing for the now-unknown session

	h.dps.Register(oftest.NewDatapath(1), []openflow.Port{{No: 2}})
	ev := h.recv(t).(*portset.EventVMPort)
	if !ev.Add || ev.TunnelKey != 100 {
		t.Fatalf("unexpected event on reconnect: %s", ev)
	}
	h.quiet(t)
}
