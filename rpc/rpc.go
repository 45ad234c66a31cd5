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

// Package rpc defines the codec boundary between the remote service admin
// and the wire format implementations. A codec Factory turns endpoint
// descriptions into callable proxy services on the consumer side and wraps
// local services into request-handling endpoints on the provider side. The
// admin stays payload-agnostic: it moves opaque byte slices between a proxy
// and its remote endpoint.
package rpc

import (
	"context"

	"github.com/QPC-github/celix/endpoint"
)

const (
	// FactoryServiceName is the objectClass codec factories register under.
	FactoryServiceName = "rsa_rpc_factory"

	// TypeKey is the registration property naming the codec tag a factory
	// serves, e.g. "rsa_json_rpc".
	TypeKey = "rsa.rpc.type"

	// TypePrefix marks, inside an endpoint's service.imported.configs list,
	// the entries that name a codec rather than a transport.
	TypePrefix = "rsa_"
)

// Metadata keys that travel with every remote call.
const (
	// MetaServiceName carries the target service contract name.
	MetaServiceName = "service.name"

	// MetaServiceID carries the provider-side service id in decimal.
	MetaServiceID = "service.id"
)

// RequestSender delivers an encoded request to the remote provider of desc
// and returns the encoded reply. Implementations block until the reply
// arrives, the context is done, or the transport gives up.
type RequestSender interface {
	SendRequest(ctx context.Context, desc *endpoint.Description, md endpoint.Properties, request []byte) ([]byte, error)
}

// FailureReporter is optionally implemented by senders that want failures
// detected above the transport, such as undecodable replies, fed back into
// their failure accounting.
type FailureReporter interface {
	ReportCallFailure(desc *endpoint.Description)
}

// Invoker is the consumer-facing surface of an imported remote service.
// Codec factories register proxy services implementing it; consumers look
// the proxy up by service name and drive it through Invoke.
type Invoker interface {
	// Invoke calls the named remote method with positional arguments. When
	// result is non-nil the decoded return value is stored into it.
	Invoke(ctx context.Context, method string, args []any, result any) error
}

// SenderFunc adapts a function to the RequestSender interface.
type SenderFunc func(ctx context.Context, desc *endpoint.Description, md endpoint.Properties, request []byte) ([]byte, error)

// SendRequest implements RequestSender.
func (f SenderFunc) SendRequest(ctx context.Context, desc *endpoint.Description, md endpoint.Properties, request []byte) ([]byte, error) {
	return f(ctx, desc, md, request)
}

// Endpoint is the provider-side face of one exported service. The transport
// server calls HandleRequest for every inbound message addressed to the
// endpoint's service id.
type Endpoint interface {
	// HandleRequest decodes request, invokes the backing service and returns
	// the encoded reply. A vetoed call returns a nil response and a nil
	// error.
	HandleRequest(ctx context.Context, md endpoint.Properties, request []byte) ([]byte, error)

	// Close releases the endpoint asynchronously. In-flight HandleRequest
	// calls finish; new ones fail once the backing tracker has quiesced.
	Close()
}

// Factory creates proxies and endpoints for one codec tag. Factories are
// registered as services under FactoryServiceName with TypeKey set; the
// import side of the admin selects them by that property.
type Factory interface {
	// CreateProxy registers a consumer-facing proxy service for desc whose
	// method calls are encoded and pushed through sender. It returns the
	// registered proxy service id.
	CreateProxy(desc *endpoint.Description, sender RequestSender) (int64, error)

	// DestroyProxy unregisters a proxy created by CreateProxy. Calls through
	// a retained proxy object afterwards fail fast.
	DestroyProxy(proxyID int64)

	// CreateEndpoint wraps the local service with the given id for inbound
	// calls.
	CreateEndpoint(serviceID int64) (Endpoint, error)
}

// SelectType returns the first codec tag in the endpoint's imported configs
// list, identified by TypePrefix. The second result is false when the list
// names no codec.
func SelectType(d *endpoint.Description) (string, bool) {
	for _, cfg := range d.ImportedConfigs() {
		if len(cfg) >= len(TypePrefix) && cfg[:len(TypePrefix)] == TypePrefix {
			return cfg, true
		}
	}
	return "", false
}
