// Copyright 2021-2022 The hassrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/core"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// fakeHassClient in-memory core.HassClient
type fakeHassClient struct {
	authErr   error
	states    []core.HassEntity
	statesErr error
	subErr    error
	// duringSync runs while the states are being fetched
	duringSync func()
	lock      sync.Mutex
	handler   core.HassStateChangeHandler
	done      chan struct{}
	doneOnce  sync.Once
	err       error
	closed    bool
}

func newFakeHassClient(states []core.HassEntity) *fakeHassClient {
	return &fakeHassClient{states: states, done: make(chan struct{})}
}

func (f *fakeHassClient) Authenticate(ctxt context.Context, token string) error {
	return f.authErr
}

func (f *fakeHassClient) GetStates(ctxt context.Context) ([]core.HassEntity, error) {
	if f.duringSync != nil {
		f.duringSync()
	}
	return f.states, f.statesErr
}

func (f *fakeHassClient) SubscribeStateChanges(
	ctxt context.Context, handler core.HassStateChangeHandler,
) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.handler = handler
	return nil
}

// emit deliver a state change the way the client read loop does
func (f *fakeHassClient) emit(change core.HassStateChange) {
	f.lock.Lock()
	handler := f.handler
	f.lock.Unlock()
	handler(change)
}

func (f *fakeHassClient) drop(err error) {
	f.doneOnce.Do(func() {
		f.lock.Lock()
		f.err = err
		f.lock.Unlock()
		close(f.done)
	})
}

func (f *fakeHassClient) Done() <-chan struct{} {
	return f.done
}

func (f *fakeHassClient) Err() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.err
}

func (f *fakeHassClient) Close() error {
	f.lock.Lock()
	f.closed = true
	f.lock.Unlock()
	f.drop(core.ErrHassClientClosed)
	return nil
}

func (f *fakeHassClient) isClosed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closed
}

func fakeDialer(client *fakeHassClient) HassDialer {
	return func(ctxt context.Context) (core.HassClient, error) {
		return client, nil
	}
}

func entityChange(entityID, state string) core.HassStateChange {
	return core.HassStateChange{
		EntityID: entityID,
		NewState: &core.HassEntity{EntityID: entityID, State: state},
	}
}

func defineTestConnector(
	t *testing.T, dialer HassDialer, ctxt context.Context, wg *sync.WaitGroup,
) (UpstreamConnector, storage.EntityStateCache, dispatch.BroadcastHub) {
	cache := storage.GetMemoryStateCache("unit-test")
	hub, err := dispatch.GetBroadcastHub(
		"unit-test",
		common.SubscriptionConfig{QueueLen: 1024, OverflowPolicy: common.OverflowDropNewest},
	)
	assert.Nil(t, err)
	uut, err := GetUpstreamConnector(
		"unit-test",
		dialer,
		"token",
		cache,
		hub,
		common.UpstreamProcessingConfig{Workers: 4, QueueLen: 64},
		ctxt,
		wg,
	)
	assert.Nil(t, err)
	return uut, cache, hub
}

func TestUpstreamConnectorStartupFailures(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	// Case 0: connect failure
	{
		dialErr := fmt.Errorf("connection refused")
		uut, cache, _ := defineTestConnector(
			t,
			func(ctxt context.Context) (core.HassClient, error) { return nil, dialErr },
			ctxt,
			&wg,
		)
		err := uut.Connect(ctxt)
		assert.True(errors.Is(err, dialErr))
		assert.Equal(ConnectorTerminated, uut.State())
		assert.True(errors.Is(uut.Err(), ErrUpstreamTerminated))
		<-uut.Done()
		assert.Equal(0, cache.Size())
	}

	// Case 1: auth rejected
	{
		client := newFakeHassClient(nil)
		client.authErr = core.ErrHassAuthRejected
		uut, _, _ := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
		err := uut.Connect(ctxt)
		assert.True(errors.Is(err, core.ErrHassAuthRejected))
		assert.Equal(ConnectorTerminated, uut.State())
		assert.True(client.isClosed())
		<-uut.Done()
	}

	// Case 2: initial fetch failure
	{
		client := newFakeHassClient(nil)
		client.statesErr = fmt.Errorf("get_states failed")
		uut, cache, _ := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
		assert.NotNil(uut.Connect(ctxt))
		assert.Equal(ConnectorTerminated, uut.State())
		assert.Equal(0, cache.Size())
	}

	// Case 3: subscription failure
	{
		client := newFakeHassClient([]core.HassEntity{{EntityID: "light.a", State: "on"}})
		client.subErr = fmt.Errorf("subscribe failed")
		uut, _, _ := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
		assert.NotNil(uut.Connect(ctxt))
		assert.Equal(ConnectorTerminated, uut.State())
	}

	// Case 4: connect after stop
	{
		client := newFakeHassClient(nil)
		uut, _, _ := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
		assert.Nil(uut.Stop())
		assert.NotNil(uut.Connect(ctxt))
		assert.Nil(uut.Err())
	}
}

func TestUpstreamConnectorLive(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	client := newFakeHassClient([]core.HassEntity{
		{EntityID: "light.a", State: "off"},
		{EntityID: "light.b", State: "off"},
	})
	uut, cache, hub := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
	assert.Equal(ConnectorConnecting, uut.State())
	assert.Nil(uut.Connect(ctxt))
	assert.Equal(ConnectorLive, uut.State())
	assert.Equal("live", uut.State().String())

	// Case 0: initial load
	{
		assert.Equal(2, cache.Size())
		snap, ok := cache.Get("light.a")
		assert.True(ok)
		assert.Equal("off", snap.State)
	}

	sub, err := hub.Subscribe(dispatch.EntityIDFilter([]string{"light.a"}))
	assert.Nil(err)

	// Case 1: change applied to the cache before it is published
	{
		client.emit(entityChange("light.a", "on"))
		select {
		case evt := <-sub.Events():
			assert.Equal("light.a", evt.EntityID)
			assert.Equal("on", evt.Snapshot.State)
			cached, ok := cache.Get("light.a")
			assert.True(ok)
			assert.Equal(evt.Snapshot, cached)
		case <-time.After(time.Second):
			assert.Fail("change not published")
		}
	}

	// Case 2: new entity, not matching the filter
	{
		client.emit(entityChange("sensor.new", "5"))
		assert.Eventually(func() bool {
			_, ok := cache.Get("sensor.new")
			return ok
		}, time.Second, time.Millisecond*5)
		assert.Empty(sub.Events())
	}

	// Case 3: entity removal ignored
	{
		client.emit(core.HassStateChange{
			EntityID: "light.a",
			OldState: &core.HassEntity{EntityID: "light.a", State: "on"},
		})
		client.emit(entityChange("light.a", "off"))
		select {
		case evt := <-sub.Events():
			assert.Equal("off", evt.Snapshot.State)
		case <-time.After(time.Second):
			assert.Fail("change not published")
		}
		assert.Empty(sub.Events())
	}

	// Case 4: duplicate change is applied and published twice
	{
		client.emit(entityChange("light.a", "on"))
		client.emit(entityChange("light.a", "on"))
		for i := 0; i < 2; i++ {
			select {
			case evt := <-sub.Events():
				assert.Equal("on", evt.Snapshot.State)
			case <-time.After(time.Second):
				assert.Fail("change not published")
			}
		}
		snap, ok := cache.Get("light.a")
		assert.True(ok)
		assert.Equal("on", snap.State)
	}

	// Case 5: upstream connection lost
	{
		client.drop(fmt.Errorf("EOF"))
		select {
		case <-uut.Done():
		case <-time.After(time.Second):
			assert.Fail("termination not detected")
		}
		assert.Equal(ConnectorTerminated, uut.State())
		assert.True(errors.Is(uut.Err(), ErrUpstreamTerminated))
		assert.True(client.isClosed())
	}
}

func TestUpstreamConnectorChangesDuringSync(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	client := newFakeHassClient([]core.HassEntity{
		{EntityID: "light.a", State: "off"},
		{EntityID: "light.b", State: "off"},
	})
	uut, cache, hub := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
	sub, err := hub.Subscribe(nil)
	assert.Nil(err)

	// Changes land between the subscription and the state fetch result
	client.duringSync = func() {
		assert.Equal(ConnectorSyncing, uut.State())
		client.emit(entityChange("light.a", "on"))
		client.emit(entityChange("sensor.new", "5"))
		client.emit(entityChange("light.a", "dim"))
	}
	assert.Nil(uut.Connect(ctxt))
	assert.Equal(ConnectorLive, uut.State())

	// Case 0: held changes are published in arrival order after the load
	{
		expected := []string{"light.a=on", "sensor.new=5", "light.a=dim"}
		received := map[string][]string{}
		for i := 0; i < len(expected); i++ {
			select {
			case evt := <-sub.Events():
				received[evt.EntityID] = append(received[evt.EntityID], evt.Snapshot.String())
			case <-time.After(time.Second):
				assert.FailNow("held change not published")
			}
		}
		assert.Equal([]string{"light.a=on", "light.a=dim"}, received["light.a"])
		assert.Equal([]string{"sensor.new=5"}, received["sensor.new"])
	}

	// Case 1: cache reflects the held changes on top of the fetched states
	{
		snap, ok := cache.Get("light.a")
		assert.True(ok)
		assert.Equal("dim", snap.State)
		snap, ok = cache.Get("light.b")
		assert.True(ok)
		assert.Equal("off", snap.State)
		_, ok = cache.Get("sensor.new")
		assert.True(ok)
	}

	// Case 2: changes after going live are applied directly
	{
		client.emit(entityChange("light.b", "on"))
		select {
		case evt := <-sub.Events():
			assert.Equal("light.b=on", evt.Snapshot.String())
		case <-time.After(time.Second):
			assert.Fail("change not published")
		}
	}

	assert.Nil(uut.Stop())
	<-uut.Done()
}

func TestUpstreamConnectorPerEntityOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.InfoLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	client := newFakeHassClient(nil)
	uut, cache, hub := defineTestConnector(t, fakeDialer(client), ctxt, &wg)
	assert.Nil(uut.Connect(ctxt))

	sub, err := hub.Subscribe(nil)
	assert.Nil(err)

	entities := []string{"light.a", "light.b", "sensor.c", "switch.d", "fan.e"}
	perEntity := 100
	for i := 0; i < perEntity; i++ {
		for _, entityID := range entities {
			client.emit(entityChange(entityID, fmt.Sprintf("%d", i)))
		}
	}

	lastSeen := map[string]int{}
	for count := 0; count < perEntity*len(entities); count++ {
		select {
		case evt := <-sub.Events():
			var seq int
			_, err := fmt.Sscanf(evt.Snapshot.State, "%d", &seq)
			assert.Nil(err)
			if prev, ok := lastSeen[evt.EntityID]; ok {
				assert.Equal(prev+1, seq)
			} else {
				assert.Equal(0, seq)
			}
			lastSeen[evt.EntityID] = seq
		case <-time.After(time.Second * 2):
			assert.FailNow("timed out waiting for changes")
		}
	}

	// Cache holds the last change of every entity
	for _, entityID := range entities {
		snap, ok := cache.Get(entityID)
		assert.True(ok)
		assert.Equal(fmt.Sprintf("%d", perEntity-1), snap.State)
	}

	// Case: clean stop
	assert.Nil(uut.Stop())
	<-uut.Done()
	assert.Nil(uut.Err())
}
