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

package appbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gretunnel_bus_events_dispatched_total",
			Help: "Events dequeued and dispatched, per brick.",
		},
		[]string{"brick"},
	)

	eventsLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gretunnel_bus_events_lost_total",
			Help: "Events dropped because the target brick was unknown.",
		},
		[]string{"brick"},
	)

	handlerPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gretunnel_bus_handler_panics_total",
			Help: "Handler panics contained by the brick loop.",
		},
		[]string{"brick"},
	)
)

func init() {
	prometheus.MustRegister(eventsDispatched, eventsLost, handlerPanics)
}
