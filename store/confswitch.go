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

package store

import (
	"sort"
	"sync"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
)

// BrickConfSwitch is the bus name of the switch configuration store.
const BrickConfSwitch = "conf_switch"

// Well-known switch configuration keys.
const (
	ConfOVSDBAddr    = "ovsdb_addr"
	ConfTunnelIPAddr = "tunnel_ip"
)

// EventConfSwitchSet is published when a configuration value is set.
type EventConfSwitchSet struct {
	DPID  openflow.DPID
	Key   string
	Value string
}

// EventConfSwitchDel is published when a configuration value is removed.
type EventConfSwitchDel struct {
	DPID openflow.DPID
	Key  string
}

// EventConfSwitchDelDPID is published when a switch's whole configuration
// bag is removed.
type EventConfSwitchDelDPID struct {
	DPID openflow.DPID
}

// A ConfSwitchStore is a per-switch key/value bag of out-of-band
// configuration, such as OVSDB endpoints and tunnel source addresses.
type ConfSwitchStore struct {
	brick *appbus.Brick

	mu    sync.Mutex
	confs map[openflow.DPID]map[string]string
}

// NewConfSwitchStore creates a ConfSwitchStore publishing on the given
// brick.
func NewConfSwitchStore(brick *appbus.Brick) *ConfSwitchStore {
	return &ConfSwitchStore{
		brick: brick,
		confs: make(map[openflow.DPID]map[string]string),
	}
}

// Brick returns the store's bus brick, for observer wiring.
func (s *ConfSwitchStore) Brick() *appbus.Brick { return s.brick }

func (s *ConfSwitchStore) publish(ev appbus.Event) {
	s.brick.SendEventToObservers(ev, appbus.StateNone)
}

// DPIDs returns every switch with configuration, sorted.
func (s *ConfSwitchStore) DPIDs() []openflow.DPID {
	s.mu.Lock()
	defer s.mu.Unlock()

	dpids := make([]openflow.DPID, 0, len(s.confs))
	for dpid := range s.confs {
		dpids = append(dpids, dpid)
	}
	sort.Slice(dpids, func(i, j int) bool { return dpids[i] < dpids[j] })
	return dpids
}

// Keys returns the configuration keys of a switch, sorted.
func (s *ConfSwitchStore) Keys(dpid openflow.DPID) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conf, ok := s.confs[dpid]
	if !ok {
		return nil, ErrDPIDNotFound
	}
	keys := make([]string, 0, len(conf))
	for key := range conf {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// SetKey stores one configuration value for a switch.
func (s *ConfSwitchStore) SetKey(dpid openflow.DPID, key, value string) {
	s.mu.Lock()
	conf, ok := s.confs[dpid]
	if !ok {
		conf = make(map[string]string)
		s.confs[dpid] = conf
	}
	conf[key] = value
	s.mu.Unlock()

	s.publish(&EventConfSwitchSet{DPID: dpid, Key: key, Value: value})
}

// GetKey returns one configuration value of a switch.
func (s *ConfSwitchStore) GetKey(dpid openflow.DPID, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conf, ok := s.confs[dpid]
	if !ok {
		return "", ErrDPIDNotFound
	}
	value, ok := conf[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return value, nil
}

// DelKey removes one configuration value of a switch.
func (s *ConfSwitchStore) DelKey(dpid openflow.DPID, key string) error {
	s.mu.Lock()
	conf, ok := s.confs[dpid]
	if !ok {
		s.mu.Unlock()
		return ErrDPIDNotFound
	}
	if _, ok := conf[key]; !ok {
		s.mu.Unlock()
		return ErrKeyNotFound
	}
	delete(conf, key)
	s.mu.Unlock()

	s.publish(&EventConfSwitchDel{DPID: dpid, Key: key})
	return nil
}

// DelDPID removes a switch's whole configuration bag.
func (s *ConfSwitchStore) DelDPID(dpid openflow.DPID) error {
	s.mu.Lock()
	if _, ok := s.confs[dpid]; !ok {
		s.mu.Unlock()
		return ErrDPIDNotFound
	}
	delete(s.confs, dpid)
	s.mu.Unlock()

	s.publish(&EventConfSwitchDelDPID{DPID: dpid})
	return nil
}

// FindDPID returns the switch whose configuration has key set to value.
func (s *ConfSwitchStore) FindDPID(key, value string) (openflow.DPID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for dpid, conf := range s.confs {
		if v, ok := conf[key]; ok && v == value {
			return dpid, true
		}
	}
	return 0, false
}
