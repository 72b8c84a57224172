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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/hassrelay/common"
	"github.com/alwitt/hassrelay/dataplane"
	"github.com/alwitt/hassrelay/dispatch"
	"github.com/alwitt/hassrelay/storage"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EntitiesQueryParam query parameter alternative to the filter header
const EntitiesQueryParam = "entities"

// wsTransport adapts a WebSocket connection into a dataplane.SessionTransport
type wsTransport struct {
	common.Component
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeLock    sync.Mutex
	closed       chan struct{}
	closeOnce    sync.Once
	pinger       common.IntervalTimer
}

func newWSTransport(
	conn *websocket.Conn,
	config common.WebSocketConfig,
	logTags log.Fields,
	ctxt context.Context,
	wg *sync.WaitGroup,
) (*wsTransport, error) {
	transport := &wsTransport{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		writeTimeout: time.Second * time.Duration(config.WriteTimeout),
		closed:       make(chan struct{}),
	}
	conn.SetReadLimit(config.MaxMessageSize)

	wg.Add(1)
	go transport.readLoop(wg)

	if config.PingInterval > 0 {
		pinger, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("%s.ping", logTags["instance"]), ctxt, wg,
		)
		if err != nil {
			return nil, err
		}
		transport.pinger = pinger
		if err := pinger.Start(
			time.Second*time.Duration(config.PingInterval), transport.ping, false,
		); err != nil {
			return nil, err
		}
	}
	return transport, nil
}

// readLoop discard client messages until the connection fails or closes
func (t *wsTransport) readLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	defer t.markClosed()
	for {
		if _, _, err := t.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseNormalClosure, websocket.CloseGoingAway,
			) {
				log.WithError(err).WithFields(t.LogTags).Debug("Client read failed")
			}
			return
		}
	}
}

func (t *wsTransport) markClosed() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *wsTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

// Send deliver one encoded snapshot to the client
func (t *wsTransport) Send(payload []byte) error {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

// Closed get a channel closed once the client side of the connection is gone
func (t *wsTransport) Closed() <-chan struct{} {
	return t.closed
}

// shutdown send a close frame and close the connection
func (t *wsTransport) shutdown(code int, reason string) {
	if t.pinger != nil {
		_ = t.pinger.Stop()
	}
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(t.writeTimeout),
	)
	_ = t.conn.Close()
	t.markClosed()
}

// ========================================================================================

// WebSocketHandler serves entity state streams over WebSocket
type WebSocketHandler struct {
	APIRestHandler
	config      common.WebSocketConfig
	upgrader    *websocket.Upgrader
	cache       storage.EntityStateCache
	hub         dispatch.BroadcastHub
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetWebSocketHandler define WebSocketHandler
func GetWebSocketHandler(
	baseContext context.Context,
	cache storage.EntityStateCache,
	hub dispatch.BroadcastHub,
	config common.WebSocketConfig,
	logConfig *common.HTTPRequestLogging,
	wg *sync.WaitGroup,
) (WebSocketHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "websocket",
	}
	if cache == nil || hub == nil {
		return WebSocketHandler{}, fmt.Errorf("websocket handler needs a cache and a hub")
	}
	return WebSocketHandler{
		APIRestHandler: defineAPIRestHandler(logTags, logConfig),
		config:         config,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: time.Second * time.Duration(config.HandshakeTimeout),
			// Downstream clients are not authenticated, so any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cache:       cache,
		hub:         hub,
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

/*
parseEntityFilter read the entity filter of a handshake request. The filter header takes
precedence over the query parameter.

 @param r *http.Request - the handshake request
 @param headerName string - the filter header
 @return the entity IDs, or nil if the request has no filter
*/
func parseEntityFilter(r *http.Request, headerName string) ([]string, error) {
	if values, ok := r.Header[http.CanonicalHeaderKey(headerName)]; ok {
		entityIDs, err := dispatch.ParseEntityIDList(strings.Join(values, ","))
		if err != nil {
			return nil, fmt.Errorf("malformed %s header: %w", headerName, err)
		}
		return entityIDs, nil
	}
	if values, ok := r.URL.Query()[EntitiesQueryParam]; ok {
		entityIDs, err := dispatch.ParseEntityIDList(strings.Join(values, ","))
		if err != nil {
			return nil, fmt.Errorf("malformed %s query: %w", EntitiesQueryParam, err)
		}
		return entityIDs, nil
	}
	return nil, nil
}

// Subscribe godoc
// @Summary Stream entity states
// @Description Upgrade to WebSocket. The current state of the requested entities is sent
// @Description first, followed by every change. Each text frame is one entity snapshot.
// @tags Entities
// @Param hass-listen-entities header string false "Comma separated entity IDs to listen to"
// @Param entities query string false "Comma separated entity IDs, if the header is not set"
// @Success 101 {string} string "switching protocols"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router / [get]
func (h WebSocketHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.requestLogTags(r)

	entityIDs, err := parseEntityFilter(r, h.config.FilterHeader)
	if err != nil {
		msg := "Invalid entity filter"
		log.WithError(err).WithFields(localLogTags).Errorf(msg)
		h.reply(
			w,
			http.StatusBadRequest,
			h.errorMsg(r, http.StatusBadRequest, msg, err.Error()),
			localLogTags,
		)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error
		log.WithError(err).WithFields(localLogTags).Error("WebSocket handshake failed")
		return
	}

	sessionID := uuid.New().String()
	localLogTags["instance"] = sessionID
	transport, err := newWSTransport(conn, h.config, localLogTags, h.baseContext, h.wg)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define transport")
		_ = conn.Close()
		return
	}

	session, err := dataplane.GetClientSession(sessionID, entityIDs, transport, h.cache, h.hub)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		transport.shutdown(websocket.CloseInternalServerErr, "session setup failed")
		return
	}
	log.WithFields(localLogTags).Infof("Session started for %s", r.RemoteAddr)

	runErr := session.Run(h.baseContext)
	switch {
	case runErr != nil:
		transport.shutdown(websocket.CloseInternalServerErr, "send failed")
	case h.baseContext.Err() != nil:
		transport.shutdown(websocket.CloseGoingAway, "server shutting down")
	default:
		transport.shutdown(websocket.CloseNormalClosure, "")
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h WebSocketHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}
