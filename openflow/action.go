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

import (
	"encoding"
	"errors"
)

var (
	// errOutputReserved is returned when Output targets a reserved port.
	errOutputReserved = errors.New("output to reserved port")
)

// An Action is a single flow action.  Like Match, actions render
// themselves in ovs-ofctl textual form.
type Action interface {
	encoding.TextMarshaler
}

// Output outputs the packet to the specified switch port.
func Output(port PortNo) Action {
	return &outputAction{
		port: port,
	}
}

type outputAction struct {
	port PortNo
}

// MarshalText implements Action.
func (a *outputAction) MarshalText() ([]byte, error) {
	if a.port >= PortMax {
		return nil, errOutputReserved
	}

	return bprintf("output:%d", a.port), nil
}

// SetTunnel tags the packet with a tunnel key for later tunnel egress.
func SetTunnel(id uint32) Action {
	return &setTunnelAction{
		id: id,
	}
}

type setTunnelAction struct {
	id uint32
}

// MarshalText implements Action.
func (a *setTunnelAction) MarshalText() ([]byte, error) {
	return bprintf("set_tunnel:0x%x", a.id), nil
}

// Resubmit re-injects the packet into the pipeline at the specified table,
// evaluating it as if it had arrived on inPort.  Pass PortInPort to keep
// the original ingress port.
func Resubmit(inPort PortNo, table Table) Action {
	return &resubmitAction{
		inPort: inPort,
		table:  table,
	}
}

type resubmitAction struct {
	inPort PortNo
	table  Table
}

// MarshalText implements Action.
func (a *resubmitAction) MarshalText() ([]byte, error) {
	if a.inPort == PortInPort {
		return bprintf("resubmit(in_port,%d)", a.table), nil
	}

	return bprintf("resubmit(%d,%d)", a.inPort, a.table), nil
}
