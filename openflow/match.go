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
	"fmt"
	"net"
)

var (
	// errInvalidMAC is returned when a hardware address does not parse.
	errInvalidMAC = errors.New("invalid MAC address")
)

// Match field names as rendered in textual form.
const (
	inPort = "in_port"
	dlSrc  = "dl_src"
	dlDst  = "dl_dst"
	tunID  = "tun_id"
)

// A Match is a single match field of a flow.  Matches render themselves
// in ovs-ofctl textual form, which the tests and the logs rely on.
type Match interface {
	encoding.TextMarshaler
}

// InPort matches a packet's ingress port.
func InPort(port PortNo) Match {
	return &inPortMatch{
		port: port,
	}
}

type inPortMatch struct {
	port PortNo
}

// MarshalText implements Match.
func (m *inPortMatch) MarshalText() ([]byte, error) {
	return bprintf("%s=%d", inPort, m.port), nil
}

// TunnelID matches the GRE tunnel key carried with a packet.
func TunnelID(id uint32) Match {
	return &tunnelIDMatch{
		id: id,
	}
}

type tunnelIDMatch struct {
	id uint32
}

// MarshalText implements Match.
func (m *tunnelIDMatch) MarshalText() ([]byte, error) {
	return bprintf("%s=0x%x", tunID, m.id), nil
}

// DataLinkSource matches a packet's source hardware address.
func DataLinkSource(addr string) Match {
	return &dataLinkMatch{
		field: dlSrc,
		addr:  addr,
	}
}

// DataLinkDestination matches a packet's destination hardware address.
func DataLinkDestination(addr string) Match {
	return &dataLinkMatch{
		field: dlDst,
		addr:  addr,
	}
}

type dataLinkMatch struct {
	field string
	addr  string
}

// MarshalText implements Match.
func (m *dataLinkMatch) MarshalText() ([]byte, error) {
	hw, err := net.ParseMAC(m.addr)
	if err != nil {
		return nil, errInvalidMAC
	}

	return bprintf("%s=%s", m.field, hw.String()), nil
}

// bprintf is fmt.Sprintf, but it returns a byte slice instead of a string.
func bprintf(format string, a ...interface{}) []byte {
	return []byte(fmt.Sprintf(format, a...))
}
