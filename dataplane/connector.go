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
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/core"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
)

// ErrUpstreamTerminated the upstream connection is no longer active
var ErrUpstreamTerminated = errors.New("upstream connection terminated")

// ConnectorState lifecycle state of the upstream connector
type ConnectorState int32

// Upstream connector states
const (
	ConnectorConnecting ConnectorState = iota
	ConnectorAuthenticating
	ConnectorSyncing
	ConnectorLive
	ConnectorTerminated
)

// String toString function
func (s ConnectorState) String() string {
	switch s {
	case ConnectorConnecting:
		return "connecting"
	case ConnectorAuthenticating:
		return "authenticating"
	case ConnectorSyncing:
		return "syncing"
	case ConnectorLive:
		return "live"
	case ConnectorTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// HassDialer opens a new Home Assistant client connection
type HassDialer func(ctxt context.Context) (core.HassClient, error)

// HassDialerFromParams define a HassDialer which connects with the given parameters
func HassDialerFromParams(params core.HassConnectParams) HassDialer {
	return func(ctxt context.Context) (core.HassClient, error) {
		return core.ConnectHass(ctxt, params)
	}
}

// UpstreamConnector maintains the entity state cache from the Home Assistant event stream,
// and publishes each change to the broadcast hub.
type UpstreamConnector interface {
	/*
		Connect connect, authenticate, load the initial entity states, and subscribe to
		state changes. Any failure is fatal and terminates the connector.

		 @param ctxt context.Context - context for the connection sequence
	*/
	Connect(ctxt context.Context) error
	// State get the current connector state
	State() ConnectorState
	// Done get a channel closed when the connector terminates
	Done() <-chan struct{}
	// Err get the cause of termination. nil if stopped through Stop.
	Err() error
	// Stop terminate the connector
	Stop() error
}

// entityChangeTask one upstream change to apply to the cache and publish
type entityChangeTask struct {
	entityID string
	snapshot *common.EntitySnapshot
}

// TaskKey changes for the same entity are processed in order
func (t entityChangeTask) TaskKey() string {
	return t.entityID
}

// upstreamConnectorImpl implements UpstreamConnector
type upstreamConnectorImpl struct {
	common.Component
	dialer    HassDialer
	token     string
	cache     storage.EntityStateCache
	hub       dispatch.BroadcastHub
	processor common.TaskProcessor
	ctxt      context.Context
	state     int32
	lock      sync.Mutex
	client    core.HassClient
	err       error
	done      chan struct{}
	doneOnce  sync.Once
	wg        *sync.WaitGroup
	// changes received before the cache is loaded
	syncLock sync.Mutex
	syncing  bool
	held     []entityChangeTask
}

/*
GetUpstreamConnector define a new upstream connector

 @param instance string - instance name
 @param dialer HassDialer - opens the Home Assistant connection
 @param token string - Home Assistant access token
 @param cache storage.EntityStateCache - the entity state cache to maintain
 @param hub dispatch.BroadcastHub - the hub to publish changes to
 @param processing common.UpstreamProcessingConfig - change processing parameters
 @param ctxt context.Context - runtime context
 @param wg *sync.WaitGroup - wait group for the processing workers
 @return new UpstreamConnector instance
*/
func GetUpstreamConnector(
	instance string,
	dialer HassDialer,
	token string,
	cache storage.EntityStateCache,
	hub dispatch.BroadcastHub,
	processing common.UpstreamProcessingConfig,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (UpstreamConnector, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "upstream-connector", "instance": instance,
	}
	processor, err := common.GetNewTaskDemuxProcessorInstance(
		fmt.Sprintf("%s.changes", instance), processing.QueueLen, processing.Workers, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define change processor")
		return nil, err
	}
	connector := &upstreamConnectorImpl{
		Component: common.Component{LogTags: logTags},
		dialer:    dialer,
		token:     token,
		cache:     cache,
		hub:       hub,
		processor: processor,
		ctxt:      ctxt,
		state:     int32(ConnectorConnecting),
		done:      make(chan struct{}),
		wg:        wg,
		syncing:   true,
	}
	if err := processor.AddToTaskExecutionMap(
		reflect.TypeOf(entityChangeTask{}), connector.processEntityChange,
	); err != nil {
		return nil, err
	}
	return connector, processor.StartEventLoop(wg)
}

func (c *upstreamConnectorImpl) setState(state ConnectorState) {
	old := ConnectorState(atomic.SwapInt32(&c.state, int32(state)))
	if old != state {
		log.WithFields(c.LogTags).Infof("Connector %s -> %s", old, state)
	}
}

// State get the current connector state
func (c *upstreamConnectorImpl) State() ConnectorState {
	return ConnectorState(atomic.LoadInt32(&c.state))
}

// Done get a channel closed when the connector terminates
func (c *upstreamConnectorImpl) Done() <-chan struct{} {
	return c.done
}

// Err get the cause of termination
func (c *upstreamConnectorImpl) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// terminate move to Terminated. Only the first call has an effect.
func (c *upstreamConnectorImpl) terminate(cause error) {
	c.doneOnce.Do(func() {
		c.lock.Lock()
		if cause != nil {
			c.err = fmt.Errorf("%w: %s", ErrUpstreamTerminated, cause.Error())
		}
		client := c.client
		c.lock.Unlock()
		c.setState(ConnectorTerminated)
		_ = c.processor.StopEventLoop()
		if client != nil {
			if err := client.Close(); err != nil {
				log.WithError(err).WithFields(c.LogTags).Error("Failed to close upstream client")
			}
		}
		close(c.done)
	})
}

// Stop terminate the connector
func (c *upstreamConnectorImpl) Stop() error {
	c.terminate(nil)
	return nil
}

// Connect run the connection sequence
func (c *upstreamConnectorImpl) Connect(ctxt context.Context) error {
	if c.State() != ConnectorConnecting {
		return fmt.Errorf("connector already started, currently %s", c.State())
	}
	fail := func(stage string, err error) error {
		log.WithError(err).WithFields(c.LogTags).Errorf("Upstream %s failed", stage)
		err = fmt.Errorf("upstream %s: %w", stage, err)
		c.terminate(err)
		return err
	}

	client, err := c.dialer(ctxt)
	if err != nil {
		return fail("connect", err)
	}
	c.lock.Lock()
	c.client = client
	c.lock.Unlock()
	select {
	case <-c.done:
		// Stopped while dialing
		_ = client.Close()
		return ErrUpstreamTerminated
	default:
	}

	c.setState(ConnectorAuthenticating)
	if err := client.Authenticate(ctxt, c.token); err != nil {
		return fail("authentication", err)
	}

	c.setState(ConnectorSyncing)
	// Subscribe before fetching so no change falls between the two. Changes are held
	// until the cache is loaded, then applied in arrival order.
	if err := client.SubscribeStateChanges(ctxt, c.onStateChange); err != nil {
		return fail("state change subscription", err)
	}
	entities, err := client.GetStates(ctxt)
	if err != nil {
		return fail("initial state fetch", err)
	}
	c.cache.Initialize(ConvertEntitySnapshots(entities))
	log.WithFields(c.LogTags).Infof("Loaded %d entities", len(entities))
	c.releaseHeld()
	c.setState(ConnectorLive)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-client.Done():
			cause := client.Err()
			if cause == nil {
				cause = fmt.Errorf("connection closed")
			}
			log.WithError(cause).WithFields(c.LogTags).Error("Upstream connection lost")
			c.terminate(cause)
		case <-c.ctxt.Done():
			c.terminate(nil)
		case <-c.done:
		}
	}()
	return nil
}

// onStateChange called from the upstream client read loop for each state change
func (c *upstreamConnectorImpl) onStateChange(change core.HassStateChange) {
	if change.NewState == nil {
		log.WithFields(c.LogTags).Debugf("Ignoring removal of %s", change.EntityID)
		return
	}
	entityID := change.EntityID
	if entityID == "" {
		entityID = change.NewState.EntityID
	}
	snapshot := ConvertEntitySnapshot(*change.NewState)
	if snapshot.EntityID == "" {
		snapshot.EntityID = entityID
	}
	task := entityChangeTask{entityID: entityID, snapshot: snapshot}
	c.syncLock.Lock()
	if c.syncing {
		c.held = append(c.held, task)
		c.syncLock.Unlock()
		return
	}
	c.syncLock.Unlock()
	c.submit(task)
}

// releaseHeld apply the changes received while syncing, and stop holding new ones.
//
// Held changes already reflected in the fetched states are applied again. Any later change
// to the same entity follows them in the stream, so the cache still ends on the newest
// state.
func (c *upstreamConnectorImpl) releaseHeld() {
	c.syncLock.Lock()
	defer c.syncLock.Unlock()
	if len(c.held) > 0 {
		log.WithFields(c.LogTags).Infof("Applying %d changes received during sync", len(c.held))
	}
	for _, task := range c.held {
		c.submit(task)
	}
	c.held = nil
	c.syncing = false
}

func (c *upstreamConnectorImpl) submit(task entityChangeTask) {
	if err := c.processor.Submit(task, c.ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to submit change %s", task.snapshot,
		)
	}
}

// processEntityChange apply one change to the cache, then publish it
func (c *upstreamConnectorImpl) processEntityChange(param interface{}) error {
	task, ok := param.(entityChangeTask)
	if !ok {
		return fmt.Errorf("processing unexpected %s as entityChangeTask", reflect.TypeOf(param))
	}
	c.cache.Update(task.snapshot)
	c.hub.Publish(task.entityID, task.snapshot)
	return nil
}
