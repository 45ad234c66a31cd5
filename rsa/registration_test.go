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
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

func testLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func settle(t *testing.T, reg *registry.Registry) {
	t.Helper()
	done := make(chan struct{})
	reg.StopTracker(-1, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry did not settle")
	}
}

// fakeEndpoint echoes requests and remembers whether it was closed.
type fakeEndpoint struct {
	mu     sync.Mutex
	closed bool
}

func (e *fakeEndpoint) HandleRequest(_ context.Context, _ endpoint.Properties, request []byte) ([]byte, error) {
	return append([]byte("echo:"), request...), nil
}

func (e *fakeEndpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// fakeFactory counts proxies and endpoints it was asked to build.
type fakeFactory struct {
	mu        sync.Mutex
	nextID    int64
	proxies   map[int64]*endpoint.Description
	endpoints map[int64]*fakeEndpoint
	createErr error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		nextID:    1,
		proxies:   make(map[int64]*endpoint.Description),
		endpoints: make(map[int64]*fakeEndpoint),
	}
}

func (f *fakeFactory) CreateProxy(desc *endpoint.Description, _ rpc.RequestSender) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return 0, f.createErr
	}
	id := f.nextID
	f.nextID++
	f.proxies[id] = desc
	return id, nil
}

func (f *fakeFactory) DestroyProxy(proxyID int64) {
	f.mu.Lock()
	delete(f.proxies, proxyID)
	f.mu.Unlock()
}

func (f *fakeFactory) CreateEndpoint(serviceID int64) (rpc.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	ep := &fakeEndpoint{}
	f.endpoints[serviceID] = ep
	return ep, nil
}

func (f *fakeFactory) proxyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.proxies)
}

func (f *fakeFactory) endpointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.endpoints)
}

func (f *fakeFactory) setCreateErr(err error) {
	f.mu.Lock()
	f.createErr = err
	f.mu.Unlock()
}

// nopSender satisfies the sender contract without any transport behind it.
type nopSender struct{}

func (nopSender) SendRequest(context.Context, *endpoint.Description, endpoint.Properties, []byte) ([]byte, error) {
	return nil, nil
}

func importableDesc(name string) *endpoint.Description {
	return &endpoint.Description{
		ServiceName:   name,
		ID:            "ep-" + name,
		FrameworkUUID: "fw-test",
		ServiceID:     7,
		Properties: endpoint.Properties{
			endpoint.KeyServiceName:     name,
			endpoint.KeyImportedConfigs: ConfigType + "," + DefaultRPCType,
			endpoint.KeyServerName:      "peer",
		},
	}
}

func registerFactory(t *testing.T, reg *registry.Registry, fac rpc.Factory, tag string) int64 {
	t.Helper()
	id, err := reg.Register(rpc.FactoryServiceName, fac, endpoint.Properties{rpc.TypeKey: tag})
	require.NoError(t, err)
	settle(t, reg)
	return id
}

func TestImportRegistrationValidation(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()
	desc := importableDesc("calc")

	_, err := NewImportRegistration(testLog(), nil, desc, nopSender{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = NewImportRegistration(testLog(), reg, nil, nopSender{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = NewImportRegistration(testLog(), reg, desc, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	plain := desc.Clone()
	plain.Properties.Set(endpoint.KeyImportedConfigs, ConfigType)
	_, err = NewImportRegistration(testLog(), reg, plain, nopSender{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	long := desc.Clone()
	long.Properties.Set(endpoint.KeyImportedConfigs, "rsa_"+strings.Repeat("x", registry.MaxFilterLen))
	_, err = NewImportRegistration(testLog(), reg, long, nopSender{})
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestImportRegistrationBindsFirstFactory(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	imp, err := NewImportRegistration(testLog(), reg, importableDesc("calc"), nopSender{})
	require.NoError(t, err)
	defer imp.Destroy()

	first := newFakeFactory()
	registerFactory(t, reg, first, DefaultRPCType)
	require.Equal(t, 1, first.proxyCount())

	// A second factory for the same codec is ignored while bound.
	second := newFakeFactory()
	registerFactory(t, reg, second, DefaultRPCType)
	require.Equal(t, 1, first.proxyCount())
	require.Zero(t, second.proxyCount())
}

func TestImportRegistrationRebindsAfterFactoryLoss(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	imp, err := NewImportRegistration(testLog(), reg, importableDesc("calc"), nopSender{})
	require.NoError(t, err)
	defer imp.Destroy()

	first := newFakeFactory()
	firstID := registerFactory(t, reg, first, DefaultRPCType)
	require.Equal(t, 1, first.proxyCount())

	reg.Unregister(firstID)
	settle(t, reg)
	require.Zero(t, first.proxyCount())

	// The registration is dormant until a new factory appears.
	second := newFakeFactory()
	registerFactory(t, reg, second, DefaultRPCType)
	require.Equal(t, 1, second.proxyCount())
}

func TestImportRegistrationSurvivesFailedBind(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	imp, err := NewImportRegistration(testLog(), reg, importableDesc("calc"), nopSender{})
	require.NoError(t, err)
	defer imp.Destroy()

	broken := newFakeFactory()
	broken.setCreateErr(status.Error(codes.Internal, "codec out of order"))
	registerFactory(t, reg, broken, DefaultRPCType)
	require.Zero(t, broken.proxyCount())

	// A failed bind leaves the slot open for the next factory.
	working := newFakeFactory()
	registerFactory(t, reg, working, DefaultRPCType)
	require.Equal(t, 1, working.proxyCount())
}

func TestImportRegistrationIgnoresOtherCodecs(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	imp, err := NewImportRegistration(testLog(), reg, importableDesc("calc"), nopSender{})
	require.NoError(t, err)
	defer imp.Destroy()

	other := newFakeFactory()
	registerFactory(t, reg, other, "rsa_protobuf")
	require.Zero(t, other.proxyCount())
}

func TestImportRegistrationDestroyReleasesProxy(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	imp, err := NewImportRegistration(testLog(), reg, importableDesc("calc"), nopSender{})
	require.NoError(t, err)

	fac := newFakeFactory()
	registerFactory(t, reg, fac, DefaultRPCType)
	require.Equal(t, 1, fac.proxyCount())

	imp.Destroy()
	select {
	case <-imp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("import registration did not quiesce")
	}
	require.Zero(t, fac.proxyCount())
	imp.Destroy() // idempotent
}

func TestImportRegistrationAccessors(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	desc := importableDesc("calc")
	imp, err := NewImportRegistration(testLog(), reg, desc, nopSender{})
	require.NoError(t, err)
	defer imp.Destroy()

	got := imp.ImportedEndpoint()
	require.Equal(t, desc.ID, got.ID)
	require.Equal(t, desc.ServiceName, got.ServiceName)

	require.Equal(t, codes.Unimplemented, status.Code(imp.GetException()))
	_, err = imp.ImportReference()
	require.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestExportRegistrationCallDelegation(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	exp, err := NewExportRegistration(testLog(), reg, importableDesc("calc"))
	require.NoError(t, err)
	defer exp.Destroy()

	// Unbound until a factory appears.
	_, err = exp.Call(context.Background(), nil, []byte("x"))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	fac := newFakeFactory()
	facID := registerFactory(t, reg, fac, DefaultRPCType)

	reply, err := exp.Call(context.Background(), nil, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "echo:ping", string(reply))

	// Losing the factory closes the endpoint and unbinds.
	reg.Unregister(facID)
	settle(t, reg)
	_, err = exp.Call(context.Background(), nil, []byte("x"))
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	fac.mu.Lock()
	ep := fac.endpoints[7]
	fac.mu.Unlock()
	require.NotNil(t, ep)
	require.True(t, ep.isClosed())

	// A fresh factory binds fresh.
	next := newFakeFactory()
	registerFactory(t, reg, next, DefaultRPCType)
	reply, err = exp.Call(context.Background(), nil, []byte("pong"))
	require.NoError(t, err)
	require.Equal(t, "echo:pong", string(reply))
}

func TestExportRegistrationBindsFirstFactory(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	exp, err := NewExportRegistration(testLog(), reg, importableDesc("calc"))
	require.NoError(t, err)
	defer exp.Destroy()

	first := newFakeFactory()
	registerFactory(t, reg, first, DefaultRPCType)
	require.Equal(t, 1, first.endpointCount())

	// A second factory for the same codec is ignored while bound.
	second := newFakeFactory()
	registerFactory(t, reg, second, DefaultRPCType)
	require.Equal(t, 1, first.endpointCount())
	require.Zero(t, second.endpointCount())

	reply, err := exp.Call(context.Background(), nil, []byte("ping"))
	require.NoError(t, err)
	require.Equal(t, "echo:ping", string(reply))
}

func TestExportRegistrationDestroyClosesEndpoint(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	desc := importableDesc("calc")
	exp, err := NewExportRegistration(testLog(), reg, desc)
	require.NoError(t, err)
	require.Equal(t, desc.ID, exp.ExportedEndpoint().ID)

	fac := newFakeFactory()
	registerFactory(t, reg, fac, DefaultRPCType)

	exp.Destroy()
	select {
	case <-exp.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("export registration did not quiesce")
	}
	fac.mu.Lock()
	ep := fac.endpoints[7]
	fac.mu.Unlock()
	require.NotNil(t, ep)
	require.True(t, ep.isClosed())
}

func TestExportRegistrationValidation(t *testing.T) {
	reg := registry.New(testLog())
	defer reg.Close()

	_, err := NewExportRegistration(testLog(), reg, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	plain := importableDesc("calc")
	plain.Properties.Set(endpoint.KeyImportedConfigs, ConfigType)
	_, err = NewExportRegistration(testLog(), reg, plain)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = NewExportRegistration(testLog(), nil, importableDesc("calc"))
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}
