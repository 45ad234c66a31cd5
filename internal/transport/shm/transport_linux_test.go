//go:build linux && (amd64 || arm64)

/*
 * Licensed to the Apache Software Foundation (ASF) under one
 * or more contributor license agreements.  See the NOTICE file
 * distributed with this work for additional information
 * regarding copyright ownership.  The ASF licenses this file
 * to you under the Apache License, Version 2.0 (the
 * "License"); you may not use this file except in compliance
 * with the License.  You may obtain a copy of the License at
 *
 *   http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package shm

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
)

func testServerName(t *testing.T) string {
	t.Helper()
	segSeq++
	return fmt.Sprintf("t%d_%d_%d", os.Getpid(), time.Now().UnixNano(), segSeq)
}

func echoHandler(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
	return request, nil
}

func TestClientServerRoundTrip(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()},
		func(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
			if got := md.Get("service.name", ""); got != "calc" {
				return nil, status.Errorf(codes.NotFound, "unknown service %q", got)
			}
			return append([]byte("echo:"), request...), nil
		})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	mgr, err := NewClientManager(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	md := endpoint.Properties{"service.name": "calc"}
	reply, err := mgr.SendRequest(context.Background(), name, md, []byte("add 1 2"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if got := string(reply); got != "echo:add 1 2" {
		t.Fatalf("reply = %q, want %q", got, "echo:add 1 2")
	}

	// An empty request payload is valid.
	empty, err := mgr.SendRequest(context.Background(), name, endpoint.Properties{"service.name": "calc"}, nil)
	if err != nil {
		t.Fatalf("SendRequest with empty payload: %v", err)
	}
	if string(empty) != "echo:" {
		t.Fatalf("reply = %q, want bare prefix", empty)
	}
}

func TestServerPropagatesHandlerStatus(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()},
		func(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
			return nil, status.Error(codes.FailedPrecondition, "service gone")
		})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	mgr, err := NewClientManager(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	_, err = mgr.SendRequest(context.Background(), name, nil, []byte("x"))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("SendRequest = %v, want the handler's FailedPrecondition", err)
	}
}

func TestServerRecoversFromHandlerPanic(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()},
		func(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
			if string(request) == "boom" {
				panic("handler exploded")
			}
			return request, nil
		})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	mgr, err := NewClientManager(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.SendRequest(context.Background(), name, nil, []byte("boom")); status.Code(err) != codes.Internal {
		t.Fatalf("panicking handler produced %v, want Internal", err)
	}
	// The server keeps serving afterwards.
	reply, err := mgr.SendRequest(context.Background(), name, nil, []byte("still here"))
	if err != nil || string(reply) != "still here" {
		t.Fatalf("call after panic = (%q, %v)", reply, err)
	}
}

func TestAdmissionRejectsExactlyTheOverflowCall(t *testing.T) {
	name := testServerName(t)
	block := make(chan struct{})
	started := make(chan struct{}, 4)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()},
		func(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error) {
			started <- struct{}{}
			<-block
			return request, nil
		})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	mgr, err := NewClientManager(Config{Logger: testLogger(), MaxConcurrent: 2})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := mgr.SendRequest(context.Background(), name, nil, []byte("held"))
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("handlers did not start")
		}
	}

	// Both admission tokens are held; the next call must fail fast.
	start := time.Now()
	_, err = mgr.SendRequest(context.Background(), name, nil, []byte("overflow"))
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("overflow call = %v, want ResourceExhausted", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("fail-fast rejection took %v", elapsed)
	}

	close(block)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("held call failed: %v", err)
		}
	}
}

func TestBreakerOpensAfterConsecutiveSendFailures(t *testing.T) {
	mgr, err := NewClientManager(Config{
		Logger:          testLogger(),
		MaxFailures:     2,
		BreakerCooldown: time.Hour,
	})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	// Nothing listens under this name, so every send fails at dial time.
	gone := testServerName(t)
	for i := 0; i < 2; i++ {
		if _, err := mgr.SendRequest(context.Background(), gone, nil, []byte("x")); status.Code(err) != codes.Unavailable {
			t.Fatalf("call %d = %v, want Unavailable", i, err)
		}
	}

	start := time.Now()
	_, err = mgr.SendRequest(context.Background(), gone, nil, []byte("x"))
	if status.Code(err) != codes.Unavailable || !strings.Contains(status.Convert(err).Message(), "breaker open") {
		t.Fatalf("call with open breaker = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("open breaker rejection took %v", elapsed)
	}
	if got := mgr.Stats()[gone].BreakerState; got != "open" {
		t.Fatalf("breaker state = %q, want open", got)
	}
}

func TestConcurrentCallsKeepPayloadsIntact(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()}, echoHandler)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	mgr, err := NewClientManager(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	const goroutines, calls = 4, 25
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for c := 0; c < calls; c++ {
				payload := []byte(fmt.Sprintf("g%d_c%d_%s", g, c, strings.Repeat("x", 512)))
				md := endpoint.Properties{"caller": fmt.Sprintf("%d", g)}
				reply, err := mgr.SendRequest(context.Background(), name, md, payload)
				if err != nil {
					t.Errorf("g%d c%d: %v", g, c, err)
					return
				}
				if string(reply) != string(payload) {
					t.Errorf("g%d c%d: reply corrupted", g, c)
					return
				}
			}
		}(g)
	}
	wg.Wait()
}

func TestServerDropsMalformedDatagrams(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()}, echoHandler)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	raw, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: socketAddr(name), Net: "unixgram"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()
	for _, junk := range [][]byte{[]byte("garbage"), make([]byte, MaxDescriptorSize+16), {0}} {
		if _, err := raw.Write(junk); err != nil {
			t.Fatalf("write junk: %v", err)
		}
	}

	mgr, err := NewClientManager(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	reply, err := mgr.SendRequest(context.Background(), name, nil, []byte("alive"))
	if err != nil || string(reply) != "alive" {
		t.Fatalf("call after junk = (%q, %v)", reply, err)
	}
}

func TestServerRejectsDuplicateName(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()}, echoHandler)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	if _, err := NewServer(Config{Name: name, Logger: testLogger()}, echoHandler); err == nil {
		t.Fatal("second server bound the same name")
	}
}

func TestClientManagerCloseRejectsFurtherCalls(t *testing.T) {
	mgr, err := NewClientManager(Config{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	segName := mgr.Pool().SegmentName()
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if SegmentExists(segName) {
		t.Error("pool segment still present after Close")
	}
	if _, err := mgr.SendRequest(context.Background(), "anywhere", nil, nil); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("SendRequest after Close = %v, want FailedPrecondition", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestServerCloseStopsServing(t *testing.T) {
	name := testServerName(t)
	srv, err := NewServer(Config{Name: name, Logger: testLogger()}, echoHandler)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	mgr, err := NewClientManager(Config{Logger: testLogger(), MsgTimeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.SendRequest(context.Background(), name, nil, []byte("up")); err != nil {
		t.Fatalf("call before close: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := mgr.SendRequest(context.Background(), name, nil, []byte("down")); err == nil {
		t.Fatal("call succeeded against a closed server")
	}
}

func TestMetricsObserveTraffic(t *testing.T) {
	name := testServerName(t)
	promReg := prometheus.NewRegistry()

	// Client and server collector names are disjoint, so one registry
	// can hold both sides of the call.
	srv, err := NewServer(Config{Name: name, Logger: testLogger(), Registerer: promReg}, echoHandler)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()

	mgr, err := NewClientManager(Config{Logger: testLogger(), Registerer: promReg})
	if err != nil {
		t.Fatalf("NewClientManager: %v", err)
	}
	defer mgr.Close()

	if _, err := mgr.SendRequest(context.Background(), name, nil, []byte("count me")); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	families, err := promReg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	observed := make(map[string]float64, len(families))
	for _, mf := range families {
		var sum float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				sum += m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				sum += float64(m.GetHistogram().GetSampleCount())
			case m.GetGauge() != nil:
				sum += m.GetGauge().GetValue()
			}
		}
		observed[mf.GetName()] = sum
	}

	for _, want := range []string{
		"celix_rsa_shm_calls_total",
		"celix_rsa_shm_call_duration_seconds",
		"celix_rsa_shm_server_requests_total",
		"celix_rsa_shm_server_handler_duration_seconds",
	} {
		if observed[want] < 1 {
			t.Errorf("%s = %v after a successful call, want at least one observation", want, observed[want])
		}
	}
	if _, ok := observed["celix_rsa_shm_pool_slots_in_use"]; !ok {
		t.Error("pool gauges not registered")
	}
}
