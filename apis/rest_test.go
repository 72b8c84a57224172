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

package apis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/dataplane"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

// fakeReadiness fixed connector state
type fakeReadiness struct {
	lock  sync.Mutex
	state dataplane.ConnectorState
}

func (f *fakeReadiness) State() dataplane.ConnectorState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

func (f *fakeReadiness) set(state dataplane.ConnectorState) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.state = state
}

// fakeLink switchable connection status
type fakeLink struct {
	lock      sync.Mutex
	connected bool
}

func (f *fakeLink) Connected() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connected
}

func (f *fakeLink) set(connected bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.connected = connected
}

type testEntityResp struct {
	Success  bool                     `json:"success"`
	Entity   *common.EntitySnapshot   `json:"entity"`
	Entities []*common.EntitySnapshot `json:"entities"`
}

func testLoggingConfig() *common.HTTPRequestLogging {
	return &common.HTTPRequestLogging{
		RequestIDHeader: "Hassrelay-Request-ID",
		DoNotLogHeaders: []string{"Authorization"},
	}
}

func testWebSocketConfig() common.WebSocketConfig {
	return common.WebSocketConfig{
		Path:             "/",
		FilterHeader:     "hass-listen-entities",
		HandshakeTimeout: 5,
		WriteTimeout:     5,
		PingInterval:     1,
		MaxMessageSize:   4096,
	}
}

func testBridgeEnv(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (*mux.Router, storage.EntityStateCache, dispatch.BroadcastHub, *fakeReadiness) {
	cache := storage.GetMemoryStateCache("unit-test")
	cache.Initialize([]*common.EntitySnapshot{
		common.NewEntitySnapshot("light.a", "on", nil, nil, nil),
		common.NewEntitySnapshot("light.b", "off", nil, nil, nil),
		common.NewEntitySnapshot("light.c", "on", nil, nil, nil),
	})
	hub, err := dispatch.GetBroadcastHub(
		"unit-test",
		common.SubscriptionConfig{QueueLen: 16, OverflowPolicy: common.OverflowDropOldest},
	)
	assert.Nil(t, err)
	readiness := &fakeReadiness{state: dataplane.ConnectorSyncing}
	restHandler, err := GetAPIRestEntityHandler(cache, readiness, testLoggingConfig())
	assert.Nil(t, err)
	wsHandler, err := GetWebSocketHandler(
		ctxt, cache, hub, testWebSocketConfig(), testLoggingConfig(), wg,
	)
	assert.Nil(t, err)
	return DefineBridgeRouter(restHandler, wsHandler), cache, hub, readiness
}

func doGet(router *mux.Router, path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	return respRecorder
}

func TestRestHealth(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	router, _, _, readiness := testBridgeEnv(t, ctxt, &wg)

	// Case 0: alive
	{
		resp := doGet(router, "/alive", nil)
		assert.Equal(http.StatusOK, resp.Code)
		assert.NotEmpty(resp.Header().Get("Hassrelay-Request-ID"))
	}

	// Case 1: not ready while syncing
	{
		resp := doGet(router, "/ready", nil)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}

	// Case 2: ready once live
	{
		readiness.set(dataplane.ConnectorLive)
		resp := doGet(router, "/ready", map[string]string{"Hassrelay-Request-ID": "test-req"})
		assert.Equal(http.StatusOK, resp.Code)
		assert.Equal("test-req", resp.Header().Get("Hassrelay-Request-ID"))
	}

	// Case 3: not ready after termination
	{
		readiness.set(dataplane.ConnectorTerminated)
		resp := doGet(router, "/ready", nil)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}

	// Case 4: missing dependencies
	{
		_, err := GetAPIRestEntityHandler(nil, readiness, testLoggingConfig())
		assert.NotNil(err)
		_, err = GetAPIRestEntityHandler(
			storage.GetMemoryStateCache("unit-test"),
			readiness,
			testLoggingConfig(),
			ReadinessLink{Name: "nats"},
		)
		assert.NotNil(err)
	}
}

func TestRestReadinessLinks(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	readiness := &fakeReadiness{state: dataplane.ConnectorLive}
	nats := &fakeLink{connected: false}
	uut, err := GetAPIRestEntityHandler(
		storage.GetMemoryStateCache("unit-test"),
		readiness,
		testLoggingConfig(),
		ReadinessLink{Name: "nats", Link: nats},
	)
	assert.Nil(err)
	router := mux.NewRouter()
	router.Methods(http.MethodGet).Path("/ready").HandlerFunc(uut.ReadyHandler())

	// Case 0: upstream live, NATS down
	{
		resp := doGet(router, "/ready", nil)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}

	// Case 1: both up
	{
		nats.set(true)
		resp := doGet(router, "/ready", nil)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 2: upstream state takes precedence
	{
		readiness.set(dataplane.ConnectorSyncing)
		resp := doGet(router, "/ready", nil)
		assert.Equal(http.StatusInternalServerError, resp.Code)
	}
}

func TestRestEntityQueries(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	defer wg.Wait()
	defer cancel()

	router, cache, _, _ := testBridgeEnv(t, ctxt, &wg)

	// Case 0: list everything
	{
		resp := doGet(router, "/v1/entities", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed testEntityResp
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Len(parsed.Entities, 3)
		assert.Equal("light.a", parsed.Entities[0].EntityID)
		assert.Equal("light.c", parsed.Entities[2].EntityID)
	}

	// Case 1: list with filter
	{
		resp := doGet(router, "/v1/entities?entity_id=light.c,light.a&entity_id=light.x", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed testEntityResp
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Len(parsed.Entities, 2)
		assert.Equal("light.a", parsed.Entities[0].EntityID)
		assert.Equal("light.c", parsed.Entities[1].EntityID)
	}

	// Case 2: empty filter
	{
		resp := doGet(router, "/v1/entities?entity_id=", nil)
		assert.Equal(http.StatusBadRequest, resp.Code)
	}

	// Case 3: one entity
	{
		cache.Update(common.NewEntitySnapshot("light.b", "on", nil, nil, nil))
		resp := doGet(router, "/v1/entities/light.b", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed testEntityResp
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.NotNil(parsed.Entity)
		assert.Equal("on", parsed.Entity.State)
	}

	// Case 4: unknown entity
	{
		resp := doGet(router, "/v1/entities/light.unknown", nil)
		assert.Equal(http.StatusNotFound, resp.Code)
	}
}
