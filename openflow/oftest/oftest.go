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

// Package oftest provides an in-memory Datapath that applies flow mods to
// a simulated flow table, for tests that assert on the installed flow
// set rather than on the message stream.
package oftest

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ovsnet/go-gretunnel/openflow"
)

type flow struct {
	table    openflow.Table
	priority int
	matches  []string // sorted
	actions  []string // caller order
}

func (f *flow) String() string {
	s := fmt.Sprintf("table=%d,priority=%d", f.table, f.priority)
	if len(f.matches) > 0 {
		s += "," + strings.Join(f.matches, ",")
	}
	if len(f.actions) == 0 {
		return s + ",actions=drop"
	}
	return s + ",actions=" + strings.Join(f.actions, ",")
}

// A PacketOut records one SendPacketOut call.
type PacketOut struct {
	BufferID uint32
	InPort   openflow.PortNo
	Actions  []openflow.Action
}

// A Datapath is a fake OpenFlow session backed by a simulated flow table.
type Datapath struct {
	mu sync.Mutex

	id         openflow.DPID
	flows      []*flow
	barriers   int
	packetOuts []PacketOut
	flowFormat openflow.FlowFormat
	tableID    bool

	// Err, when set, is returned by every send method.
	Err error
}

var _ openflow.Datapath = &Datapath{}

// NewDatapath creates an empty fake datapath.
func NewDatapath(id openflow.DPID) *Datapath {
	return &Datapath{id: id}
}

// ID implements openflow.Datapath.
func (d *Datapath) ID() openflow.DPID { return d.id }

// SendFlowMod applies the flow mod to the simulated table, honoring
// add/modify/delete and their strict variants.
func (d *Datapath) SendFlowMod(fm *openflow.FlowMod) error {
	if d.Err != nil {
		return d.Err
	}

	table, command := fm.Command.Split()

	matches := make([]string, 0, len(fm.Matches))
	for _, m := range fm.Matches {
		b, err := m.MarshalText()
		if err != nil {
			return err
		}
		matches = append(matches, string(b))
	}
	sort.Strings(matches)

	actions := make([]string, 0, len(fm.Actions))
	for _, a := range fm.Actions {
		b, err := a.MarshalText()
		if err != nil {
			return err
		}
		actions = append(actions, string(b))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch command {
	case openflow.CommandAdd, openflow.CommandModifyStrict:
		for _, f := range d.flows {
			if f.table == table && f.priority == fm.Priority && equalSets(f.matches, matches) {
				f.actions = actions
				return nil
			}
		}
		d.flows = append(d.flows, &flow{
			table:    table,
			priority: fm.Priority,
			matches:  matches,
			actions:  actions,
		})
	case openflow.CommandModify:
		for _, f := range d.flows {
			if f.table == table && subsetOf(matches, f.matches) {
				f.actions = actions
			}
		}
	case openflow.CommandDelete:
		d.deleteWhere(func(f *flow) bool {
			return f.table == table && subsetOf(matches, f.matches) && outputsTo(f, fm.OutPort)
		})
	case openflow.CommandDeleteStrict:
		d.deleteWhere(func(f *flow) bool {
			return f.table == table && f.priority == fm.Priority &&
				equalSets(f.matches, matches) && outputsTo(f, fm.OutPort)
		})
	}

	return nil
}

func (d *Datapath) deleteWhere(match func(*flow) bool) {
	kept := d.flows[:0]
	for _, f := range d.flows {
		if !match(f) {
			kept = append(kept, f)
		}
	}
	d.flows = kept
}

// SendBarrier implements openflow.Datapath.
func (d *Datapath) SendBarrier() error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.barriers++
	return nil
}

// SendPacketOut implements openflow.Datapath.
func (d *Datapath) SendPacketOut(bufferID uint32, inPort openflow.PortNo, actions []openflow.Action) error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.packetOuts = append(d.packetOuts, PacketOut{
		BufferID: bufferID,
		InPort:   inPort,
		Actions:  actions,
	})
	return nil
}

// SetFlowFormat implements openflow.Datapath.
func (d *Datapath) SetFlowFormat(f openflow.FlowFormat) error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flowFormat = f
	return nil
}

// SetFlowModTableID implements openflow.Datapath.
func (d *Datapath) SetFlowModTableID(enable bool) error {
	if d.Err != nil {
		return d.Err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tableID = enable
	return nil
}

// Flows returns the installed flow set in canonical textual form, sorted.
func (d *Datapath) Flows() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]string, 0, len(d.flows))
	for _, f := range d.flows {
		out = append(out, f.String())
	}
	sort.Strings(out)
	return out
}

// Barriers returns the number of barriers received.
func (d *Datapath) Barriers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.barriers
}

// PacketOuts returns the recorded packet-out calls.
func (d *Datapath) PacketOuts() []PacketOut {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PacketOut(nil), d.packetOuts...)
}

// FlowFormat returns the last flow format selected on the session.
func (d *Datapath) FlowFormat() openflow.FlowFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flowFormat
}

// TableIDEnabled reports whether the flow-mod-table-id extension is on.
func (d *Datapath) TableIDEnabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tableID
}

func equalSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// subsetOf reports whether every element of sub occurs in super.  Both
// slices are sorted.
func subsetOf(sub, super []string) bool {
	i := 0
	for _, s := range sub {
		for i < len(super) && super[i] < s {
			i++
		}
		if i >= len(super) || super[i] != s {
			return false
		}
	}
	return true
}

// outputsTo reports whether the flow forwards to the given port, or port
// is zero meaning "unrestricted".
func outputsTo(f *flow, port openflow.PortNo) bool {
	if port == 0 {
		return true
	}
	want := fmt.Sprintf("output:%d", port)
	for _, a := range f.actions {
		if a == want {
			return true
		}
	}
	return false
}
