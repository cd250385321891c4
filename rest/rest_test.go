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

package rest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	bus := appbus.New()
	nw := store.NewNetworkStore(bus.NewBrick(store.BrickNetwork))
	tunnels := store.NewTunnelStore(bus.NewBrick(store.BrickTunnels))
	conf := store.NewConfSwitchStore(bus.NewBrick(store.BrickConfSwitch))

	srv := httptest.NewServer(NewServer(nw, tunnels, conf).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) *http.Response {
	t.Helper()

	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to perform request: %v", err)
	}
	return res
}

func expect(t *testing.T, srv *httptest.Server, method, path, body string, code int) *http.Response {
	t.Helper()

	res := do(t, srv, method, path, body)
	if res.StatusCode != code {
		t.Fatalf("unexpected status for %s %s: want %d, got %d", method, path, code, res.StatusCode)
	}
	return res
}

func decode(t *testing.T, res *http.Response, v interface{}) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
}

const (
	dpid1 = "0001000000000001"
	dpid2 = "0001000000000002"
)

func TestNetworksAPI(t *testing.T) {
	srv := newTestServer(t)

	expect(t, srv, http.MethodPost, "/v1.0/networks/netA", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA", "", http.StatusConflict)
	expect(t, srv, http.MethodPut, "/v1.0/networks/netA", "", http.StatusOK)

	var ids []string
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/networks", "", http.StatusOK), &ids)
	if diff := cmp.Diff([]string{"netA"}, ids); diff != "" {
		t.Fatalf("unexpected network list (-want +got):\n%s", diff)
	}

	expect(t, srv, http.MethodDelete, "/v1.0/networks/netB", "", http.StatusNotFound)
	expect(t, srv, http.MethodDelete, "/v1.0/networks/netA", "", http.StatusOK)
}

func TestPortsAndMacsAPI(t *testing.T) {
	srv := newTestServer(t)

	expect(t, srv, http.MethodPost, "/v1.0/networks/netA", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/"+dpid1+"_2", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/"+dpid1+"_2", "", http.StatusConflict)
	expect(t, srv, http.MethodPut, "/v1.0/networks/netA/"+dpid1+"_2", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netB/"+dpid1+"_3", "", http.StatusNotFound)

	var ports []struct {
		DPID   string `json:"dpid"`
		PortNo uint32 `json:"port_no"`
	}
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/networks/netA", "", http.StatusOK), &ports)
	if len(ports) != 1 || ports[0].DPID != dpid1 || ports[0].PortNo != 2 {
		t.Fatalf("unexpected port list: %+v", ports)
	}

	// A network with ports cannot be removed.
	expect(t, srv, http.MethodDelete, "/v1.0/networks/netA", "", http.StatusConflict)

	mac := "02:00:00:00:00:01"
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/"+dpid1+"_2/macs/"+mac, "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/"+dpid1+"_2/macs/"+mac, "", http.StatusConflict)
	expect(t, srv, http.MethodPut, "/v1.0/networks/netA/"+dpid1+"_2/macs/"+mac, "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/"+dpid1+"_9/macs/"+mac, "", http.StatusNotFound)

	var macs []string
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/networks/netA/"+dpid1+"_2/macs", "", http.StatusOK), &macs)
	if diff := cmp.Diff([]string{mac}, macs); diff != "" {
		t.Fatalf("unexpected mac list (-want +got):\n%s", diff)
	}

	expect(t, srv, http.MethodDelete, "/v1.0/networks/netA/"+dpid1+"_2", "", http.StatusOK)
	expect(t, srv, http.MethodDelete, "/v1.0/networks/netA/"+dpid1+"_2", "", http.StatusNotFound)
}

func TestTunnelKeyAPI(t *testing.T) {
	srv := newTestServer(t)

	expect(t, srv, http.MethodPost, "/v1.0/networks/netA", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/tunnel_key/100", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/networks/netA/tunnel_key/101", "", http.StatusConflict)
	expect(t, srv, http.MethodPut, "/v1.0/networks/netA/tunnel_key/100", "", http.StatusOK)
	// Key 0 is reserved.
	expect(t, srv, http.MethodPost, "/v1.0/networks/netB/tunnel_key/0", "", http.StatusConflict)

	var key uint32
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/networks/netA/tunnel_key", "", http.StatusOK), &key)
	if key != 100 {
		t.Fatalf("unexpected key: %d", key)
	}

	expect(t, srv, http.MethodDelete, "/v1.0/networks/netA/tunnel_key", "", http.StatusOK)
	expect(t, srv, http.MethodGet, "/v1.0/networks/netA/tunnel_key", "", http.StatusNotFound)
}

func TestTunnelPortsAPI(t *testing.T) {
	srv := newTestServer(t)

	expect(t, srv, http.MethodPost, "/v1.0/switches/"+dpid1+"/tunnel_ports/"+dpid2+"_5", "", http.StatusOK)
	expect(t, srv, http.MethodPost, "/v1.0/switches/"+dpid1+"/tunnel_ports/"+dpid2+"_6", "", http.StatusConflict)
	expect(t, srv, http.MethodPut, "/v1.0/switches/"+dpid1+"/tunnel_ports/"+dpid2+"_5", "", http.StatusOK)

	var ports []uint32
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/switches/"+dpid1+"/tunnel_ports", "", http.StatusOK), &ports)
	if diff := cmp.Diff([]uint32{5}, ports); diff != "" {
		t.Fatalf("unexpected tunnel ports (-want +got):\n%s", diff)
	}

	expect(t, srv, http.MethodDelete, "/v1.0/switches/"+dpid1+"/tunnel_ports/"+dpid2+"_5", "", http.StatusOK)
	expect(t, srv, http.MethodDelete, "/v1.0/switches/"+dpid1+"/tunnel_ports/"+dpid2+"_5", "", http.StatusNotFound)
}

func TestConfSwitchAPI(t *testing.T) {
	srv := newTestServer(t)

	expect(t, srv, http.MethodPut, "/v1.0/conf_switch/"+dpid1+"/ovsdb_addr", `"tcp:192.0.2.10:6640"`, http.StatusOK)

	var value string
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/conf_switch/"+dpid1+"/ovsdb_addr", "", http.StatusOK), &value)
	if value != "tcp:192.0.2.10:6640" {
		t.Fatalf("unexpected value: %q", value)
	}

	var keys []string
	decode(t, expect(t, srv, http.MethodGet, "/v1.0/conf_switch/"+dpid1, "", http.StatusOK), &keys)
	if diff := cmp.Diff([]string{"ovsdb_addr"}, keys); diff != "" {
		t.Fatalf("unexpected keys (-want +got):\n%s", diff)
	}

	expect(t, srv, http.MethodGet, "/v1.0/conf_switch/"+dpid2+"/ovsdb_addr", "", http.StatusNotFound)
	expect(t, srv, http.MethodDelete, "/v1.0/conf_switch/"+dpid1+"/ovsdb_addr", "", http.StatusOK)
	expect(t, srv, http.MethodDelete, "/v1.0/conf_switch/"+dpid1, "", http.StatusOK)
	expect(t, srv, http.MethodDelete, "/v1.0/conf_switch/"+dpid1, "", http.StatusNotFound)

	// Malformed dpids are rejected outright.
	expect(t, srv, http.MethodGet, "/v1.0/conf_switch/xyz", "", http.StatusBadRequest)
}
