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

package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()
	ctxType   = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodTable is the callable surface of a bound service, derived by
// reflection when the service appears. A method is callable when it is
// exported, not variadic, optionally takes a leading context.Context, and
// returns either (error) or (T, error).
type methodTable struct {
	recv    reflect.Value
	methods map[string]reflect.Method
}

// buildMethodTable derives the callable surface of svc. A service exposing
// no callable method yields an error and stays unbound.
func buildMethodTable(svc any) (*methodTable, error) {
	if svc == nil {
		return nil, fmt.Errorf("nil service object")
	}
	v := reflect.ValueOf(svc)
	t := v.Type()
	methods := make(map[string]reflect.Method)
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if callableSignature(m.Func.Type()) {
			methods[m.Name] = m
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("service %T exposes no callable methods", svc)
	}
	return &methodTable{recv: v, methods: methods}, nil
}

// callableSignature reports whether ft (including the receiver parameter)
// is drivable by the codec.
func callableSignature(ft reflect.Type) bool {
	if ft.IsVariadic() {
		return false
	}
	switch ft.NumOut() {
	case 1:
		return ft.Out(0) == errorType
	case 2:
		return ft.Out(1) == errorType
	default:
		return false
	}
}

// call invokes the named method with JSON-encoded positional arguments and
// returns its result value, nil for void methods.
func (mt *methodTable) call(ctx context.Context, name string, args []json.RawMessage) (any, error) {
	m, ok := mt.methods[name]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "jsonrpc: no method %q", name)
	}
	ft := m.Func.Type()
	in := make([]reflect.Value, 0, ft.NumIn())
	in = append(in, mt.recv)
	next := 1
	if ft.NumIn() > 1 && ft.In(1) == ctxType {
		in = append(in, reflect.ValueOf(ctx))
		next = 2
	}

	want := ft.NumIn() - next
	if len(args) != want {
		return nil, status.Errorf(codes.InvalidArgument, "jsonrpc: %s takes %d arguments, got %d", name, want, len(args))
	}
	for i := 0; i < want; i++ {
		pv := reflect.New(ft.In(next + i))
		if err := json.Unmarshal(args[i], pv.Interface()); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "jsonrpc: %s argument %d: %v", name, i, err)
		}
		in = append(in, pv.Elem())
	}

	out := m.Func.Call(in)
	if errv := out[len(out)-1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	if len(out) == 2 {
		return out[0].Interface(), nil
	}
	return nil, nil
}
