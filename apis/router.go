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
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

/*
DefineBridgeRouter define the router for the REST and WebSocket endpoints

 @param restHandler APIRestEntityHandler - REST endpoint handler
 @param wsHandler WebSocketHandler - WebSocket endpoint handler
 @return the router
*/
func DefineBridgeRouter(restHandler APIRestEntityHandler, wsHandler WebSocketHandler) *mux.Router {
	router := mux.NewRouter()

	// Health check
	_ = RegisterPathPrefix(router, "/alive", MethodHandlers{
		"get": restHandler.AliveHandler(),
	})
	_ = RegisterPathPrefix(router, "/ready", MethodHandlers{
		"get": restHandler.ReadyHandler(),
	})

	// Entity queries
	entityRouter := RegisterPathPrefix(router, "/v1/entities", MethodHandlers{
		"get": restHandler.ListEntitiesHandler(),
	})
	_ = RegisterPathPrefix(entityRouter, "/{entityID}", MethodHandlers{
		"get": restHandler.GetEntityHandler(),
	})

	// Entity state stream
	router.Methods(http.MethodGet).Path(wsHandler.config.Path).HandlerFunc(
		wsHandler.SubscribeHandler(),
	)

	// Add request ID and logging
	router.Use(restHandler.AttachRequestID)
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(restHandler, next)
	})

	return router
}
