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

// Package rest exposes the HTTP/JSON configuration surface of the
// controller under /v1.0: tenant networks, port and MAC registrations,
// tunnel keys, tunnel ports and per-switch configuration.
//
// All state changes go through the stores, which publish the events the
// rest of the controller runs on; the handlers only translate between
// HTTP and store calls.
package rest

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/store"
)

// A Server serves the configuration API.
type Server struct {
	nw      *store.NetworkStore
	tunnels *store.TunnelStore
	conf    *store.ConfSwitchStore
	log     *log.Entry
}

// NewServer creates a Server backed by the given stores.
func NewServer(nw *store.NetworkStore, tunnels *store.TunnelStore, conf *store.ConfSwitchStore) *Server {
	return &Server{
		nw:      nw,
		tunnels: tunnels,
		conf:    conf,
		log:     log.WithField("component", "rest"),
	}
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/v1.0/networks", s.listNetworks)
	router.POST("/v1.0/networks/:network_id", s.createNetwork)
	router.PUT("/v1.0/networks/:network_id", s.updateNetwork)
	router.DELETE("/v1.0/networks/:network_id", s.deleteNetwork)
	router.GET("/v1.0/networks/:network_id", s.listPorts)

	// The second segment is either a "{dpid}_{port}" port binding or the
	// literal "tunnel_key"; httprouter cannot mix static and wildcard
	// segments, so the handlers dispatch on the literal themselves.
	router.POST("/v1.0/networks/:network_id/:resource", s.createPort)
	router.PUT("/v1.0/networks/:network_id/:resource", s.updatePort)
	router.DELETE("/v1.0/networks/:network_id/:resource", s.deletePortOrKey)
	router.GET("/v1.0/networks/:network_id/:resource", s.getTunnelKey)
	router.POST("/v1.0/networks/:network_id/:resource/:sub", s.registerTunnelKey)
	router.PUT("/v1.0/networks/:network_id/:resource/:sub", s.registerTunnelKey)
	router.GET("/v1.0/networks/:network_id/:resource/:sub", s.listMacs)
	router.POST("/v1.0/networks/:network_id/:resource/:sub/:mac", s.createMac)
	router.PUT("/v1.0/networks/:network_id/:resource/:sub/:mac", s.updateMac)

	router.GET("/v1.0/switches/:dpid/tunnel_ports", s.listTunnelPorts)
	router.POST("/v1.0/switches/:dpid/tunnel_ports/:binding", s.createTunnelPort)
	router.PUT("/v1.0/switches/:dpid/tunnel_ports/:binding", s.updateTunnelPort)
	router.DELETE("/v1.0/switches/:dpid/tunnel_ports/:binding", s.deleteTunnelPort)

	router.GET("/v1.0/conf_switch", s.listConfSwitches)
	router.GET("/v1.0/conf_switch/:dpid", s.listConfKeys)
	router.DELETE("/v1.0/conf_switch/:dpid", s.deleteConfSwitch)
	router.GET("/v1.0/conf_switch/:dpid/:key", s.getConfKey)
	router.PUT("/v1.0/conf_switch/:dpid/:key", s.setConfKey)
	router.DELETE("/v1.0/conf_switch/:dpid/:key", s.deleteConfKey)

	return s.instrument(router)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		requests.WithLabelValues(r.Method, strconv.Itoa(rw.code)).Inc()
		s.log.Debugf("%s %s %d", r.Method, r.URL.Path, rw.code)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// status maps a store error onto the API's status codes.
func status(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, store.ErrNetworkNotFound),
		errors.Is(err, store.ErrPortNotFound),
		errors.Is(err, store.ErrTunnelKeyNotFound),
		errors.Is(err, store.ErrDPIDNotFound),
		errors.Is(err, store.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrNetworkAlreadyExists),
		errors.Is(err, store.ErrNetworkInUse),
		errors.Is(err, store.ErrPortAlreadyExists),
		errors.Is(err, store.ErrMacAlreadyExists),
		errors.Is(err, store.ErrTunnelKeyAlreadyBound),
		errors.Is(err, store.ErrTunnelKeyInUse),
		errors.Is(err, store.ErrReserved):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadRequest)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

var errBadRequest = errors.New("malformed request path")

func parseDPID(s string) (openflow.DPID, error) {
	if len(s) != 16 {
		return 0, errBadRequest
	}
	dpid, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, errBadRequest
	}
	return openflow.DPID(dpid), nil
}

// parsePortSpec splits a "{dpid}_{port}" path segment.
func parsePortSpec(s string) (openflow.DPID, openflow.PortNo, error) {
	dpidStr, portStr, ok := strings.Cut(s, "_")
	if !ok {
		return 0, 0, errBadRequest
	}
	dpid, err := parseDPID(dpidStr)
	if err != nil {
		return 0, 0, err
	}
	no, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, errBadRequest
	}
	return dpid, openflow.PortNo(no), nil
}

// A portEntry is the wire form of one network member.
type portEntry struct {
	DPID   string `json:"dpid"`
	PortNo uint32 `json:"port_no"`
}

func (s *Server) listNetworks(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, s.nw.ListNetworks())
}

func (s *Server) createNetwork(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	status(w, s.nw.CreateNetwork(ps.ByName("network_id")))
}

func (s *Server) updateNetwork(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	status(w, s.nw.UpdateNetwork(ps.ByName("network_id")))
}

func (s *Server) deleteNetwork(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	status(w, s.nw.RemoveNetwork(ps.ByName("network_id")))
}

func (s *Server) listPorts(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	ports, err := s.nw.ListPorts(ps.ByName("network_id"))
	if err != nil {
		status(w, err)
		return
	}

	entries := make([]portEntry, 0, len(ports))
	for _, port := range ports {
		entries = append(entries, portEntry{
			DPID:   port.DPID.String(),
			PortNo: uint32(port.PortNo),
		})
	}
	writeJSON(w, entries)
}

func (s *Server) createPort(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, no, err := parsePortSpec(ps.ByName("resource"))
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.nw.CreatePort(ps.ByName("network_id"), dpid, no))
}

func (s *Server) updatePort(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, no, err := parsePortSpec(ps.ByName("resource"))
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.nw.UpdatePort(ps.ByName("network_id"), dpid, no))
}

func (s *Server) deletePortOrKey(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	if ps.ByName("resource") == "tunnel_key" {
		status(w, s.tunnels.DeleteKey(ps.ByName("network_id")))
		return
	}

	dpid, no, err := parsePortSpec(ps.ByName("resource"))
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.nw.RemovePort(ps.ByName("network_id"), dpid, no))
}

func (s *Server) getTunnelKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("resource") != "tunnel_key" {
		http.NotFound(w, r)
		return
	}

	key, err := s.tunnels.GetKey(ps.ByName("network_id"))
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, key)
}

func (s *Server) registerTunnelKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("resource") != "tunnel_key" {
		http.NotFound(w, r)
		return
	}

	key, err := strconv.ParseUint(ps.ByName("sub"), 10, 32)
	if err != nil {
		status(w, errBadRequest)
		return
	}
	if r.Method == http.MethodPut {
		status(w, s.tunnels.UpdateKey(ps.ByName("network_id"), uint32(key)))
		return
	}
	status(w, s.tunnels.RegisterKey(ps.ByName("network_id"), uint32(key)))
}

func (s *Server) listMacs(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if ps.ByName("sub") != "macs" {
		http.NotFound(w, r)
		return
	}

	dpid, no, err := parsePortSpec(ps.ByName("resource"))
	if err != nil {
		status(w, err)
		return
	}
	macs, err := s.nw.ListMacs(dpid, no)
	if err != nil {
		status(w, err)
		return
	}

	strs := make([]string, 0, len(macs))
	for _, mac := range macs {
		strs = append(strs, mac.String())
	}
	writeJSON(w, strs)
}

func (s *Server) createMac(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mac(w, r, ps, s.nw.CreateMac)
}

func (s *Server) updateMac(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	s.mac(w, r, ps, s.nw.UpdateMac)
}

func (s *Server) mac(w http.ResponseWriter, r *http.Request, ps httprouter.Params,
	op func(string, openflow.DPID, openflow.PortNo, net.HardwareAddr) error) {
	if ps.ByName("sub") != "macs" {
		http.NotFound(w, r)
		return
	}

	dpid, no, err := parsePortSpec(ps.ByName("resource"))
	if err != nil {
		status(w, err)
		return
	}
	mac, err := net.ParseMAC(ps.ByName("mac"))
	if err != nil {
		status(w, errBadRequest)
		return
	}
	status(w, op(ps.ByName("network_id"), dpid, no, mac))
}

func (s *Server) listTunnelPorts(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		status(w, err)
		return
	}

	ports := s.tunnels.ListPorts(dpid)
	nos := make([]uint32, 0, len(ports))
	for _, no := range ports {
		nos = append(nos, uint32(no))
	}
	writeJSON(w, nos)
}

// parseTunnelBinding splits a "{remote_dpid}_{port}" path segment.
func (s *Server) parseTunnelBinding(ps httprouter.Params) (openflow.DPID, openflow.DPID, openflow.PortNo, error) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		return 0, 0, 0, err
	}
	remote, no, err := parsePortSpec(ps.ByName("binding"))
	if err != nil {
		return 0, 0, 0, err
	}
	return dpid, remote, no, nil
}

func (s *Server) createTunnelPort(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, remote, no, err := s.parseTunnelBinding(ps)
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.tunnels.RegisterPort(dpid, remote, no))
}

func (s *Server) updateTunnelPort(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, remote, no, err := s.parseTunnelBinding(ps)
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.tunnels.UpdatePort(dpid, remote, no))
}

func (s *Server) deleteTunnelPort(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, remote, _, err := s.parseTunnelBinding(ps)
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.tunnels.DeletePort(dpid, remote))
}

func (s *Server) listConfSwitches(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	dpids := s.conf.DPIDs()
	strs := make([]string, 0, len(dpids))
	for _, dpid := range dpids {
		strs = append(strs, dpid.String())
	}
	writeJSON(w, strs)
}

func (s *Server) listConfKeys(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		status(w, err)
		return
	}
	keys, err := s.conf.Keys(dpid)
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, keys)
}

func (s *Server) deleteConfSwitch(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.conf.DelDPID(dpid))
}

func (s *Server) getConfKey(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		status(w, err)
		return
	}
	value, err := s.conf.GetKey(dpid, ps.ByName("key"))
	if err != nil {
		status(w, err)
		return
	}
	writeJSON(w, value)
}

func (s *Server) setConfKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		status(w, err)
		return
	}

	var value string
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil {
		status(w, errBadRequest)
		return
	}
	s.conf.SetKey(dpid, ps.ByName("key"), value)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) deleteConfKey(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	dpid, err := parseDPID(ps.ByName("dpid"))
	if err != nil {
		status(w, err)
		return
	}
	status(w, s.conf.DelKey(dpid, ps.ByName("key")))
}
