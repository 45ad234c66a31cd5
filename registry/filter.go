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

package registry

import (
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxFilterLen caps the accepted filter expression length in bytes. Trackers
// address services by short expressions like "(service.id=42)"; anything
// longer is rejected rather than truncated.
const MaxFilterLen = 128

// filter is a single-term equality match over service properties. The value
// "*" matches any service that carries the key at all.
type filter struct {
	key   string
	value string
}

// parseFilter accepts expressions of the form "(key=value)".
func parseFilter(expr string) (filter, error) {
	if expr == "" {
		return filter{}, status.Error(codes.InvalidArgument, "registry: empty filter")
	}
	if len(expr) > MaxFilterLen {
		return filter{}, status.Errorf(codes.InvalidArgument, "registry: filter exceeds %d bytes", MaxFilterLen)
	}
	if !strings.HasPrefix(expr, "(") || !strings.HasSuffix(expr, ")") {
		return filter{}, status.Errorf(codes.InvalidArgument, "registry: malformed filter %q", expr)
	}
	body := expr[1 : len(expr)-1]
	eq := strings.IndexByte(body, '=')
	if eq <= 0 {
		return filter{}, status.Errorf(codes.InvalidArgument, "registry: malformed filter %q", expr)
	}
	f := filter{key: body[:eq], value: body[eq+1:]}
	if strings.ContainsAny(f.value, "()") {
		return filter{}, status.Errorf(codes.InvalidArgument, "registry: compound filters not supported: %q", expr)
	}
	return f, nil
}

func (f filter) matches(ref *Ref) bool {
	v, ok := ref.Properties[f.key]
	if !ok {
		return false
	}
	return f.value == "*" || f.value == v
}
