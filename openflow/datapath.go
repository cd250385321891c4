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

package openflow

// BufferIDNone indicates a packet that is not buffered on the datapath.
const BufferIDNone uint32 = 0xffffffff

// EventPacketIn is posted by the session layer when a switch punts a
// packet to the controller.
type EventPacketIn struct {
	DP       Datapath
	BufferID uint32
	InPort   PortNo
	Data     []byte
}

// A Datapath is one established OpenFlow session with a switch.  The
// session layer implements it on top of the wire codec; the pipeline
// programmer and the tests implement it in memory.
//
// All methods apply back-pressure: they block until the message has been
// handed to the transport, and return an error only when the session is
// unusable.  Flow-mod rejections by the switch are reported out of band
// and are not visible here.
type Datapath interface {
	// ID returns the datapath identifier of the session.
	ID() DPID

	// SendFlowMod sends a single flow table modification.
	SendFlowMod(fm *FlowMod) error

	// SendBarrier sends a barrier request and waits for the barrier
	// reply, serializing all previously sent messages.
	SendBarrier() error

	// SendPacketOut injects or releases a packet on the datapath.
	SendPacketOut(bufferID uint32, inPort PortNo, actions []Action) error

	// SetFlowFormat selects the flow wire format for the session.
	SetFlowFormat(f FlowFormat) error

	// SetFlowModTableID enables or disables the flow-mod-table-id
	// extension which lets TableCommand target a specific table.
	SetFlowModTableID(enable bool) error
}
