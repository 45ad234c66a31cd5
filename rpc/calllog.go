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

package rpc

import (
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc/status"
)

// CallLog appends one structured record per handled remote call to a
// writer, typically a file the operator tails. Records are written for
// failed calls as well. A nil *CallLog is valid and records nothing.
type CallLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewCallLog wraps w. The caller keeps ownership of w and closes it after
// the log's last user is gone.
func NewCallLog(w io.Writer) *CallLog {
	return &CallLog{w: w}
}

// Record writes one call record. callErr may be nil for successful calls;
// the logged status is the numeric status code of callErr.
func (l *CallLog) Record(service string, serviceID int64, request, response []byte, callErr error) {
	if l == nil || l.w == nil {
		return
	}
	code := status.Code(callErr)
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "ENDPOINT REMOTE CALL:\n\tservice=%s\n\tservice_id=%d\n\trequest_payload=%s\n\trequest_response=%s\n\tstatus=%d\n",
		service, serviceID, request, response, uint32(code))
}
