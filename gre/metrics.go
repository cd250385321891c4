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

package gre

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	flowModsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gretunnel_flow_mods_sent_total",
			Help: "Flow mods handed to the session layer, per datapath.",
		},
		[]string{"dpid"},
	)

	flowModErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gretunnel_flow_mod_errors_total",
			Help: "Flow mods rejected by the session layer, per datapath.",
		},
		[]string{"dpid"},
	)
)

func init() {
	prometheus.MustRegister(flowModsSent, flowModErrors)
}
