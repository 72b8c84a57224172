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
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/alwitt/goutils"
	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/dataplane"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ReadinessReporter reports the upstream connector state
type ReadinessReporter interface {
	State() dataplane.ConnectorState
}

// LinkReporter reports whether a connection to an outside system is up
type LinkReporter interface {
	Connected() bool
}

// ReadinessLink an additional connection which must be up for the bridge to be ready
type ReadinessLink struct {
	// Name of the connection, used in the readiness error
	Name string
	// Link the connection
	Link LinkReporter
}

// APIRestEntityHandler REST handler for entity state queries
type APIRestEntityHandler struct {
	APIRestHandler
	cache     storage.EntityStateCache
	readiness ReadinessReporter
	links     []ReadinessLink
}

// GetAPIRestEntityHandler define APIRestEntityHandler
func GetAPIRestEntityHandler(
	cache storage.EntityStateCache,
	readiness ReadinessReporter,
	logConfig *common.HTTPRequestLogging,
	links ...ReadinessLink,
) (APIRestEntityHandler, error) {
	if cache == nil || readiness == nil {
		return APIRestEntityHandler{}, fmt.Errorf("entity handler needs a cache and a readiness reporter")
	}
	for _, link := range links {
		if link.Link == nil {
			return APIRestEntityHandler{}, fmt.Errorf("readiness link %s is not defined", link.Name)
		}
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "entity-state",
	}
	return APIRestEntityHandler{
		APIRestHandler: defineAPIRestHandler(logTags, logConfig),
		cache:          cache,
		readiness:      readiness,
		links:          links,
	}, nil
}

// APIRestRespOneEntity response for a single entity
type APIRestRespOneEntity struct {
	goutils.RestAPIBaseResponse
	// Entity the entity snapshot
	Entity *common.EntitySnapshot `json:"entity,omitempty"`
}

// APIRestRespAllEntities response for a list of entities
type APIRestRespAllEntities struct {
	goutils.RestAPIBaseResponse
	// Entities the entity snapshots, ordered by entity ID
	Entities []*common.EntitySnapshot `json:"entities"`
}

// =======================================================================
// Entity queries

// -----------------------------------------------------------------------

// ListEntities godoc
// @Summary Query the cached entity states
// @Description Return the current snapshot of every entity, or of the listed entities
// @tags Entities
// @Produce json
// @Param Hassrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param entity_id query string false "Comma separated entity IDs. May be repeated."
// @Success 200 {object} APIRestRespAllEntities "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/entities [get]
func (h APIRestEntityHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, localLogTags)
	}()

	var filter dispatch.FilterFunc
	if raw, ok := r.URL.Query()["entity_id"]; ok {
		entityIDs, err := dispatch.ParseEntityIDList(strings.Join(raw, ","))
		if err != nil {
			msg := "Invalid entity_id filter"
			log.WithError(err).WithFields(localLogTags).Errorf(msg)
			respCode = http.StatusBadRequest
			respBody = h.errorMsg(r, http.StatusBadRequest, msg, err.Error())
			return
		}
		filter = dispatch.EntityIDFilter(entityIDs)
	}

	current := h.cache.SnapshotAll()
	entityIDs := make([]string, 0, len(current))
	for entityID, snapshot := range current {
		if filter == nil || filter(entityID, snapshot) {
			entityIDs = append(entityIDs, entityID)
		}
	}
	sort.Strings(entityIDs)
	entities := make([]*common.EntitySnapshot, 0, len(entityIDs))
	for _, entityID := range entityIDs {
		entities = append(entities, current[entityID])
	}

	respCode = http.StatusOK
	respBody = APIRestRespAllEntities{
		RestAPIBaseResponse: h.successMsg(r), Entities: entities,
	}
}

// ListEntitiesHandler Wrapper around ListEntities
func (h APIRestEntityHandler) ListEntitiesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListEntities(w, r)
	}
}

// -----------------------------------------------------------------------

// GetEntity godoc
// @Summary Query one cached entity state
// @Description Return the current snapshot of one entity
// @tags Entities
// @Produce json
// @Param Hassrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param entityID path string true "Entity ID"
// @Success 200 {object} APIRestRespOneEntity "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/entities/{entityID} [get]
func (h APIRestEntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)
	var respCode int
	var respBody interface{}
	defer func() {
		h.reply(w, respCode, respBody, localLogTags)
	}()

	entityID, ok := mux.Vars(r)["entityID"]
	if !ok || entityID == "" {
		msg := "No entity ID provided"
		log.WithFields(localLogTags).Errorf(msg)
		respCode = http.StatusBadRequest
		respBody = h.errorMsg(r, http.StatusBadRequest, msg, msg)
		return
	}

	snapshot, ok := h.cache.Get(entityID)
	if !ok {
		msg := fmt.Sprintf("Entity %s is not known", entityID)
		log.WithFields(localLogTags).Debugf(msg)
		respCode = http.StatusNotFound
		respBody = h.errorMsg(r, http.StatusNotFound, msg, msg)
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespOneEntity{RestAPIBaseResponse: h.successMsg(r), Entity: snapshot}
}

// GetEntityHandler Wrapper around GetEntity
func (h APIRestEntityHandler) GetEntityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetEntity(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For liveness check
// @Description Will return success to indicate the bridge is live
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /alive [get]
func (h APIRestEntityHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.reply(w, http.StatusOK, h.successMsg(r), h.requestLogTags(r))
}

// AliveHandler Wrapper around Alive
func (h APIRestEntityHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For readiness check
// @Description Will return success once the upstream connection is live, and every
// @Description optional outbound connection (e.g. NATS) is up
// @tags Health
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestEntityHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)
	msg := ""
	if state := h.readiness.State(); state != dataplane.ConnectorLive {
		msg = fmt.Sprintf("upstream connector is %s", state)
	} else {
		for _, link := range h.links {
			if !link.Link.Connected() {
				msg = fmt.Sprintf("%s is not connected", link.Name)
				break
			}
		}
	}
	if msg == "" {
		h.reply(w, http.StatusOK, h.successMsg(r), localLogTags)
		return
	}
	h.reply(
		w,
		http.StatusInternalServerError,
		h.errorMsg(r, http.StatusInternalServerError, "not ready", msg),
		localLogTags,
	)
}

// ReadyHandler Wrapper around Ready
func (h APIRestEntityHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
