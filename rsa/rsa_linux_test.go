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

package rsa

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/jsonrpc"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

type calcService struct{}

func (calcService) Add(a, b int) (int, error) { return a + b, nil }
func (calcService) Fail() error { return errors.New("carry lost") }
func (calcService) Missing() error {
	return status.Error(codes.NotFound, "no such entry")
}

func testServerName(suffix string) string {
	return fmt.Sprintf("rsa_e2e_%d_%s_%s", os.Getpid(), uuid.NewString()[:8], suffix)
}

func testConfig(suffix string) Config {
	cfg := DefaultConfig()
	cfg.ServerName = testServerName(suffix)
	cfg.MsgTimeout = 3 * time.Second
	return cfg
}

func newAdmin(t *testing.T, reg *registry.Registry, suffix string) *Admin {
	t.Helper()
	a, err := New(testConfig(suffix), testLog(), reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// e2eHarness builds one registry shared by two admins with distinct server
// names and a registered JSON codec factory, the two-processes-in-one setup
// the transport is made for.
func e2eHarness(t *testing.T) (*registry.Registry, *Admin, *Admin) {
	t.Helper()
	reg := registry.New(testLog())
	t.Cleanup(reg.Close)

	chain, err := rpc.NewInterceptorChain(reg, testLog())
	require.NoError(t, err)
	t.Cleanup(chain.Close)

	fac := jsonrpc.NewFactory(reg, chain, nil, testLog())
	_, err = fac.Register()
	require.NoError(t, err)

	provider := newAdmin(t, reg, "a")
	consumer := newAdmin(t, reg, "b")
	return reg, provider, consumer
}

func TestNewValidation(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	cfg := testConfig("v")
	_, err := New(cfg, testLog(), nil, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	cfg.ServerName = ""
	_, err = New(cfg, testLog(), reg, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestNewRejectsDuplicateServerName(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	cfg := testConfig("dup")
	a, err := New(cfg, testLog(), reg, nil)
	require.NoError(t, err)
	defer a.Close()

	_, err = New(cfg, testLog(), reg, nil)
	require.Error(t, err)
}

func TestExportServiceBuildsDescription(t *testing.T) {
	reg := registry.New(testLog())
	t.Cleanup(reg.Close)
	a := newAdmin(t, reg, "x")

	svcID, err := reg.Register("org.example.Calc", calcService{}, nil)
	require.NoError(t, err)

	er, err := a.ExportService(svcID, nil)
	require.NoError(t, err)
	defer er.Destroy()

	desc := er.ExportedEndpoint()
	require.Equal(t, "org.example.Calc", desc.ServiceName)
	require.Equal(t, a.FrameworkUUID(), desc.FrameworkUUID)
	require.Equal(t, svcID, desc.ServiceID)
	_, err = uuid.Parse(desc.ID)
	require.NoError(t, err)
	require.True(t, desc.HasConfig(ConfigType))
	require.True(t, desc.HasConfig(DefaultRPCType))
	require.Equal(t, a.cfg.ServerName, desc.Properties.Get(endpoint.KeyServerName, ""))
}

func TestExportServiceValidation(t *testing.T) {
	reg := registry.New(testLog())
	t.Cleanup(reg.Close)
	a := newAdmin(t, reg, "y")

	_, err := a.ExportService(0, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = a.ExportService(424242, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = a.ExportService(1, endpoint.Properties{"flavor": "plain"})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestImportServiceValidation(t *testing.T) {
	reg := registry.New(testLog())
	t.Cleanup(reg.Close)
	a := newAdmin(t, reg, "z")

	_, err := a.ImportService(nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	foreign := importableDesc("calc")
	foreign.Properties.Set(endpoint.KeyImportedConfigs, "celix.remote.admin.dfi,"+DefaultRPCType)
	_, err = a.ImportService(foreign)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	nameless := importableDesc("calc")
	delete(nameless.Properties, endpoint.KeyServerName)
	_, err = a.ImportService(nameless)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestDispatchRouting(t *testing.T) {
	reg := registry.New(testLog())
	t.Cleanup(reg.Close)
	a := newAdmin(t, reg, "d")

	_, err := a.dispatch(context.Background(), endpoint.Properties{}, []byte("x"))
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	md := endpoint.Properties{endpoint.KeyEndpointID: "no-such-endpoint"}
	_, err = a.dispatch(context.Background(), md, []byte("x"))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestAdminEndToEndCall(t *testing.T) {
	reg, provider, consumer := e2eHarness(t)

	svcID, err := reg.Register("org.example.Calc", calcService{}, nil)
	require.NoError(t, err)

	er, err := provider.ExportService(svcID, nil)
	require.NoError(t, err)
	ir, err := consumer.ImportService(er.ExportedEndpoint())
	require.NoError(t, err)

	// Binding cascades through two trackers: the registration finds the
	// codec factory, then the codec endpoint finds the service.
	settle(t, reg)
	settle(t, reg)

	ref, err := reg.Find("(" + endpoint.KeyServiceImported + "=true)")
	require.NoError(t, err)
	require.NotNil(t, ref)
	inv, ok := ref.Object.(rpc.Invoker)
	require.True(t, ok)

	var sum int
	require.NoError(t, inv.Invoke(context.Background(), "Add", []any{20, 22}, &sum))
	require.Equal(t, 42, sum)

	// A plain service error comes back as Internal, a status error keeps
	// its code across the wire.
	err = inv.Invoke(context.Background(), "Fail", nil, nil)
	require.Equal(t, codes.Internal, status.Code(err))
	err = inv.Invoke(context.Background(), "Missing", nil, nil)
	require.Equal(t, codes.NotFound, status.Code(err))

	// Unimporting withdraws the proxy service and kills retained handles.
	consumer.UnimportService(ir)
	settle(t, reg)
	gone, err := reg.Find("(" + endpoint.KeyServiceImported + "=true)")
	require.NoError(t, err)
	require.Nil(t, gone)
	err = inv.Invoke(context.Background(), "Add", []any{1, 2}, &sum)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestUnexportStopsDispatch(t *testing.T) {
	reg, provider, consumer := e2eHarness(t)

	svcID, err := reg.Register("org.example.Calc", calcService{}, nil)
	require.NoError(t, err)

	er, err := provider.ExportService(svcID, nil)
	require.NoError(t, err)
	_, err = consumer.ImportService(er.ExportedEndpoint())
	require.NoError(t, err)
	settle(t, reg)
	settle(t, reg)

	ref, err := reg.Find("(" + endpoint.KeyServiceImported + "=true)")
	require.NoError(t, err)
	require.NotNil(t, ref)
	inv := ref.Object.(rpc.Invoker)

	var sum int
	require.NoError(t, inv.Invoke(context.Background(), "Add", []any{1, 1}, &sum))

	provider.UnexportService(er)
	settle(t, reg)

	err = inv.Invoke(context.Background(), "Add", []any{1, 1}, &sum)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestCloseIdempotent(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	a, err := New(testConfig("c"), testLog(), reg, nil)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.ExportService(1, endpoint.Properties{endpoint.KeyServiceName: "x"})
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = a.ImportService(importableDesc("calc"))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
}
