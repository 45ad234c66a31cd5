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

// Package endpoint defines the value types that identify a remote service
// contract: a free-form properties map and the endpoint description built
// from it. Descriptions are immutable once constructed; components that take
// ownership clone them so every copy has exactly one owner.
package endpoint

import (
	"sort"
	"strconv"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Well-known endpoint property keys.
const (
	// KeyServiceName holds the service contract name ("objectClass").
	KeyServiceName = "objectClass"

	// KeyEndpointID uniquely identifies one exported endpoint.
	KeyEndpointID = "endpoint.id"

	// KeyFrameworkUUID identifies the framework instance that exported the
	// endpoint.
	KeyFrameworkUUID = "endpoint.framework.uuid"

	// KeyServiceID is the numeric id of the service behind the endpoint,
	// scoped to the exporting framework.
	KeyServiceID = "endpoint.service.id"

	// KeyImportedConfigs lists, comma separated, the transport/codec
	// configurations the endpoint can be reached with.
	KeyImportedConfigs = "service.imported.configs"

	// KeyServerName names the shared-memory transport instance of the
	// exporting process. Importers use it to address their requests.
	KeyServerName = "shm.server.name"

	// KeyServiceImported marks a locally registered service as an imported
	// remote service proxy.
	KeyServiceImported = "service.imported"
)

// Properties is a free-form string map with typed accessors. The zero value
// is usable; Set on a nil map is a no-op so callers must construct one with
// make or NewProperties before writing.
type Properties map[string]string

// NewProperties returns an empty, writable Properties map.
func NewProperties() Properties {
	return make(Properties)
}

// Get returns the value for key, or def when the key is absent.
func (p Properties) Get(key, def string) string {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// GetInt64 returns the value for key parsed as int64, or def when the key is
// absent or unparsable.
func (p Properties) GetInt64(key string, def int64) int64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetBool returns the value for key parsed as a boolean, or def when the key
// is absent or unparsable.
func (p Properties) GetBool(key string, def bool) bool {
	v, ok := p[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// Set stores value under key.
func (p Properties) Set(key, value string) {
	if p != nil {
		p[key] = value
	}
}

// SetInt64 stores value under key in decimal form.
func (p Properties) SetInt64(key string, value int64) {
	p.Set(key, strconv.FormatInt(value, 10))
}

// Clone returns an independent copy. Cloning nil yields an empty map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Description identifies a remote service contract. The scalar fields mirror
// the corresponding entries of Properties; NewDescription keeps both in sync.
type Description struct {
	ServiceName   string
	ID            string
	FrameworkUUID string
	ServiceID     int64
	Properties    Properties
}

// NewDescription builds a Description from props. The service name, endpoint
// id and framework uuid properties are required; the service id property
// must parse as a non-negative integer.
func NewDescription(props Properties) (*Description, error) {
	if len(props) == 0 {
		return nil, status.Error(codes.InvalidArgument, "endpoint: empty properties")
	}
	name := props.Get(KeyServiceName, "")
	if name == "" {
		return nil, status.Errorf(codes.InvalidArgument, "endpoint: missing %s property", KeyServiceName)
	}
	id := props.Get(KeyEndpointID, "")
	if id == "" {
		return nil, status.Errorf(codes.InvalidArgument, "endpoint: missing %s property", KeyEndpointID)
	}
	fwUUID := props.Get(KeyFrameworkUUID, "")
	if fwUUID == "" {
		return nil, status.Errorf(codes.InvalidArgument, "endpoint: missing %s property", KeyFrameworkUUID)
	}
	svcID := props.GetInt64(KeyServiceID, -1)
	if svcID < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "endpoint: missing or invalid %s property", KeyServiceID)
	}
	return &Description{
		ServiceName:   name,
		ID:            id,
		FrameworkUUID: fwUUID,
		ServiceID:     svcID,
		Properties:    props.Clone(),
	}, nil
}

// Valid reports whether the description carries all required identity
// fields. A nil description is invalid.
func (d *Description) Valid() bool {
	return d != nil && d.ServiceName != "" && d.ID != "" && d.FrameworkUUID != "" && d.ServiceID >= 0
}

// Clone returns a deep copy the caller owns.
func (d *Description) Clone() *Description {
	if d == nil {
		return nil
	}
	out := *d
	out.Properties = d.Properties.Clone()
	return &out
}

// ImportedConfigs returns the entries of the service.imported.configs
// property, trimmed, in declaration order.
func (d *Description) ImportedConfigs() []string {
	raw := d.Properties.Get(KeyImportedConfigs, "")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// HasConfig reports whether cfg appears in the imported configs list.
func (d *Description) HasConfig(cfg string) bool {
	for _, c := range d.ImportedConfigs() {
		if c == cfg {
			return true
		}
	}
	return false
}
