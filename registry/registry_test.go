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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/QPC-github/celix/endpoint"
)

type calcSvc struct{ name string }

func waitStopped(t *testing.T, r *Registry, id int64) {
	t.Helper()
	stopped := make(chan struct{})
	r.StopTracker(id, func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker stop did not complete")
	}
}

func TestRegisterAndFind(t *testing.T) {
	r := New(nil)
	defer r.Close()

	id, err := r.Register("org.example.Calc", &calcSvc{"a"}, nil)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	ref, err := r.Find(fmt.Sprintf("(service.id=%d)", id))
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "org.example.Calc", ref.Name)
	assert.Equal(t, id, ref.ID)

	ref, err = r.Find("(objectClass=org.example.Calc)")
	require.NoError(t, err)
	require.NotNil(t, ref)

	ref, err = r.Find("(service.id=99999)")
	require.NoError(t, err)
	assert.Nil(t, ref)
}

func TestRegisterValidation(t *testing.T) {
	r := New(nil)
	defer r.Close()

	_, err := r.Register("", &calcSvc{}, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = r.Register("x", nil, nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestFilterParsing(t *testing.T) {
	r := New(nil)
	defer r.Close()

	for _, expr := range []string{
		"",
		"service.id=1",
		"(=1)",
		"(noequals)",
		"(&(a=1)(b=2))",
		"(a=" + strings.Repeat("x", MaxFilterLen) + ")",
	} {
		_, err := r.Find(expr)
		require.Error(t, err, "filter %q", expr)
		assert.Equal(t, codes.InvalidArgument, status.Code(err))
	}
}

func TestTrackerSeesExistingAndNewServices(t *testing.T) {
	r := New(nil)
	defer r.Close()

	before, err := r.Register("org.example.Calc", &calcSvc{"before"}, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	added := make(map[int64]string)
	removed := make(map[int64]bool)

	tid, err := r.Track(TrackerOptions{
		Filter: "(objectClass=org.example.Calc)",
		OnAdd: func(ref *Ref) {
			mu.Lock()
			added[ref.ID] = ref.Object.(*calcSvc).name
			mu.Unlock()
		},
		OnRemove: func(ref *Ref) {
			mu.Lock()
			removed[ref.ID] = true
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	after, err := r.Register("org.example.Calc", &calcSvc{"after"}, nil)
	require.NoError(t, err)
	_, err = r.Register("org.example.Other", &calcSvc{"other"}, nil)
	require.NoError(t, err)

	r.Unregister(before)

	waitStopped(t, r, tid)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "before", added[before])
	assert.Equal(t, "after", added[after])
	assert.Len(t, added, 2)
	// before was unregistered, after removed on stop.
	assert.True(t, removed[before])
	assert.True(t, removed[after])
}

func TestStopTrackerQuiesces(t *testing.T) {
	r := New(nil)
	defer r.Close()

	_, err := r.Register("svc", &calcSvc{}, nil)
	require.NoError(t, err)

	// The callback target must stay valid until the stop completion runs.
	var mu sync.Mutex
	var events []string
	closed := false

	tid, err := r.Track(TrackerOptions{
		Filter: "(objectClass=svc)",
		OnAdd: func(ref *Ref) {
			mu.Lock()
			require.False(t, closed, "callback after stop completion")
			events = append(events, "add")
			mu.Unlock()
		},
		OnRemove: func(ref *Ref) {
			mu.Lock()
			require.False(t, closed, "callback after stop completion")
			events = append(events, "remove")
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	stopped := make(chan struct{})
	r.StopTracker(tid, func() {
		mu.Lock()
		closed = true
		mu.Unlock()
		close(stopped)
	})

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stop completion never ran")
	}

	// Events after the stop must not reach the old callbacks.
	_, err = r.Register("svc", &calcSvc{}, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"add", "remove"}, events)
}

func TestStopUnknownTrackerFiresDone(t *testing.T) {
	r := New(nil)
	defer r.Close()

	stopped := make(chan struct{})
	r.StopTracker(12345, func() { close(stopped) })
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("done not fired for unknown tracker")
	}
}

func TestCallbackOrderIsSerial(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0
	var order []int64

	_, err := r.Track(TrackerOptions{
		Filter: "(objectClass=seq)",
		OnAdd: func(ref *Ref) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			order = append(order, ref.ID)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inFlight--
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	var ids []int64
	for i := 0; i < 16; i++ {
		id, err := r.Register("seq", &calcSvc{}, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "callbacks overlapped")
	assert.Equal(t, ids, order, "callbacks out of registration order")
}

func TestCloseAfterClose(t *testing.T) {
	r := New(nil)
	r.Close()
	r.Close()

	_, err := r.Register("x", &calcSvc{}, nil)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
	_, err = r.Track(TrackerOptions{Filter: "(a=b)"})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestPanickingCallbackDoesNotKillDispatch(t *testing.T) {
	r := New(nil)
	defer r.Close()

	var mu sync.Mutex
	var got []string

	_, err := r.Track(TrackerOptions{
		Filter: "(objectClass=p)",
		OnAdd: func(ref *Ref) {
			mu.Lock()
			got = append(got, ref.Object.(*calcSvc).name)
			mu.Unlock()
			if ref.Object.(*calcSvc).name == "boom" {
				panic("boom")
			}
		},
	})
	require.NoError(t, err)

	_, err = r.Register("p", &calcSvc{"boom"}, nil)
	require.NoError(t, err)
	_, err = r.Register("p", &calcSvc{"fine"}, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWildcardFilter(t *testing.T) {
	r := New(nil)
	defer r.Close()

	props := endpoint.NewProperties()
	props.Set("remote", "true")
	_, err := r.Register("a", &calcSvc{}, props)
	require.NoError(t, err)
	_, err = r.Register("b", &calcSvc{}, nil)
	require.NoError(t, err)

	ref, err := r.Find("(remote=*)")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, "a", ref.Name)
}
