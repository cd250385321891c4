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

package bundle

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ovsnet/go-gretunnel/appbus"
	"github.com/ovsnet/go-gretunnel/openflow"
	"github.com/ovsnet/go-gretunnel/openflow/oftest"
)

// The whole controller end to end: REST mutations on one side, a fake
// switch on the other, flows in between.
func TestBundleEndToEnd(t *testing.T) {
	b := New(Config{})
	b.Start()
	t.Cleanup(b.Stop)

	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)

	dp := oftest.NewDatapath(1)
	b.DPSet.Register(dp, []openflow.Port{{No: 2}})

	for _, req := range []struct {
		method, path string
	}{
		{http.MethodPost, "/v1.0/networks/netA"},
		{http.MethodPost, "/v1.0/networks/netA/0000000000000001_2"},
		{http.MethodPost, "/v1.0/networks/netA/0000000000000001_2/macs/02:00:00:00:00:01"},
		{http.MethodPost, "/v1.0/networks/netA/tunnel_key/100"},
	} {
		httpReq, err := http.NewRequest(req.method, srv.URL+req.path, nil)
		if err != nil {
			t.Fatalf("failed to create request: %v", err)
		}
		res, err := srv.Client().Do(httpReq)
		if err != nil {
			t.Fatalf("failed to perform request: %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status for %s %s: %d", req.method, req.path, res.StatusCode)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(dp.Flows()) == 7 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := len(dp.Flows()); got != 7 {
		t.Fatalf("expected 7 flows on the datapath, got %d: %v", got, dp.Flows())
	}
	if !dp.TableIDEnabled() {
		t.Fatal("flow-mod-table-id extension not enabled")
	}
}

func TestBundlePacketInRelease(t *testing.T) {
	b := New(Config{})
	b.Start()
	t.Cleanup(b.Stop)

	dp := oftest.NewDatapath(1)
	b.DPSet.Register(dp, nil)

	b.DPSet.PacketIn(1, 42, 3, nil, appbus.StateMain)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(dp.PacketOuts()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	outs := dp.PacketOuts()
	if len(outs) != 1 || outs[0].BufferID != 42 || outs[0].InPort != 3 {
		t.Fatalf("unexpected packet outs: %+v", outs)
	}
}
