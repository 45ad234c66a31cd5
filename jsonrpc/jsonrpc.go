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

// Package jsonrpc is the JSON codec bundle. Its factory builds consumer
// proxies that encode method calls as JSON envelopes and provider
// endpoints that decode them, resolve the target method by reflection and
// invoke the local service.
package jsonrpc

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
	"github.com/QPC-github/celix/registry"
	"github.com/QPC-github/celix/rpc"
)

// TypeTag is the codec tag this bundle serves. Endpoints carrying it in
// their imported configs are handled here.
const TypeTag = "rsa_json_rpc"

// callEnvelope is the request body: a method name plus positional
// arguments.
type callEnvelope struct {
	Method string `json:"m"`
	Args   []any  `json:"a,omitempty"`
}

// wireCall is the decode-side view of callEnvelope. Arguments stay raw
// until the target method's parameter types are known.
type wireCall struct {
	Method string            `json:"m"`
	Args   []json.RawMessage `json:"a"`
}

// wireResult wraps a call's return value. A void call encodes as an empty
// envelope, which keeps it distinct from the bare empty reply of a vetoed
// call.
type wireResult struct {
	Result json.RawMessage `json:"r,omitempty"`
}

// Factory implements rpc.Factory for the JSON envelope format.
type Factory struct {
	log     logrus.FieldLogger
	reg     *registry.Registry
	chain   *rpc.InterceptorChain
	callLog *rpc.CallLog

	mu        sync.Mutex
	serviceID int64
	proxies   map[int64]*Proxy
}

// NewFactory builds a factory. chain and callLog may be nil; proxies and
// endpoints then run without interceptors or call logging.
func NewFactory(reg *registry.Registry, chain *rpc.InterceptorChain, callLog *rpc.CallLog, log logrus.FieldLogger) *Factory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Factory{
		log:     log.WithField("component", "jsonrpc"),
		reg:     reg,
		chain:   chain,
		callLog: callLog,
		proxies: make(map[int64]*Proxy),
	}
}

// Register announces the factory as the codec for TypeTag and returns its
// service id.
func (f *Factory) Register() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.serviceID != 0 {
		return 0, status.Error(codes.FailedPrecondition, "jsonrpc: factory already registered")
	}
	id, err := f.reg.Register(rpc.FactoryServiceName, f, endpoint.Properties{rpc.TypeKey: TypeTag})
	if err != nil {
		return 0, err
	}
	f.serviceID = id
	return id, nil
}

// Unregister withdraws the factory registration. Existing proxies and
// endpoints keep working until destroyed by their owners.
func (f *Factory) Unregister() {
	f.mu.Lock()
	id := f.serviceID
	f.serviceID = 0
	f.mu.Unlock()
	if id != 0 {
		f.reg.Unregister(id)
	}
}

// CreateProxy registers a proxy service for desc and returns its service
// id. Consumers find the proxy under the endpoint's service name and drive
// it through rpc.Invoker.
func (f *Factory) CreateProxy(desc *endpoint.Description, sender rpc.RequestSender) (int64, error) {
	if desc == nil || !desc.Valid() {
		return 0, status.Error(codes.InvalidArgument, "jsonrpc: invalid endpoint description")
	}
	if sender == nil {
		return 0, status.Error(codes.InvalidArgument, "jsonrpc: nil request sender")
	}
	p := newProxy(f.log, f.chain, desc, sender)
	props := desc.Properties.Clone()
	props.Set(endpoint.KeyServiceImported, "true")
	id, err := f.reg.Register(desc.ServiceName, p, props)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.proxies[id] = p
	f.mu.Unlock()
	return id, nil
}

// DestroyProxy unregisters a proxy created by CreateProxy. A retained
// proxy object fails further Invoke calls fast.
func (f *Factory) DestroyProxy(proxyID int64) {
	f.mu.Lock()
	p, ok := f.proxies[proxyID]
	delete(f.proxies, proxyID)
	f.mu.Unlock()
	if !ok {
		return
	}
	p.invalidate()
	f.reg.Unregister(proxyID)
}

// CreateEndpoint wraps the local service with the given id for inbound
// calls.
func (f *Factory) CreateEndpoint(serviceID int64) (rpc.Endpoint, error) {
	if serviceID <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "jsonrpc: invalid service id %d", serviceID)
	}
	return newEndpoint(f.log, f.reg, f.chain, f.callLog, serviceID)
}
